package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vrulab/detection.report/internal/monitoring"
	"github.com/vrulab/detection.report/internal/timeutil"
)

// GroundTruthSource supplies the complete, pre-loaded annotation set for a
// video. Fetched once at session start; a fetch error means the session
// never becomes Running.
type GroundTruthSource interface {
	AnnotationsForVideo(videoID string) ([]GroundTruthAnnotation, error)
}

// Manager is the process-wide session registry plus the control surface for
// every session operation. Sessions run concurrently and independently; the
// registry map is the only cross-session shared state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	broadcaster *Broadcaster
	flusher     Flusher
	groundTruth GroundTruthSource
	collectors  *monitoring.Collectors
	clock       timeutil.Clock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCollectors attaches prometheus collectors for engine counters.
func WithCollectors(c *monitoring.Collectors) ManagerOption {
	return func(m *Manager) { m.collectors = c }
}

// WithClock overrides the time source used by sessions. Tests use this to
// make idle-duration observations deterministic.
func WithClock(c timeutil.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a session manager. flusher receives finished sessions;
// groundTruth supplies annotation sets at start.
func NewManager(b *Broadcaster, flusher Flusher, groundTruth GroundTruthSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		broadcaster: b,
		flusher:     flusher,
		groundTruth: groundTruth,
		clock:       timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broadcaster != nil && m.collectors != nil {
		m.broadcaster.SetDropHook(func(string) { m.collectors.EventsDropped.Inc() })
	}
	return m
}

// Start validates the config, fetches the video's ground truth, registers a
// new session and transitions it to Running. Returns the new session ID.
func (m *Manager) Start(cfg SessionConfig) (string, error) {
	if cfg.VideoID == "" {
		return "", fmt.Errorf("%w: video_id is required", ErrInvalidConfiguration)
	}
	if cfg.ToleranceMs <= 0 {
		return "", fmt.Errorf("%w: tolerance_ms must be > 0, got %v", ErrInvalidConfiguration, cfg.ToleranceMs)
	}
	if cfg.SpatialMode && (cfg.MinIoU < 0 || cfg.MinIoU > 1) {
		return "", fmt.Errorf("%w: min_iou must be in [0,1], got %v", ErrInvalidConfiguration, cfg.MinIoU)
	}

	if m.groundTruth == nil {
		return "", fmt.Errorf("%w: no ground truth source configured", ErrCollaboratorUnavailable)
	}
	annotations, err := m.groundTruth.AnnotationsForVideo(cfg.VideoID)
	if err != nil {
		return "", fmt.Errorf("%w: ground truth for video %s: %v", ErrCollaboratorUnavailable, cfg.VideoID, err)
	}

	id := uuid.New().String()
	s := newSession(id, cfg, annotations, m.clock, m.broadcaster, m.flusher, m.unregister)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.run(); err != nil {
		// Unreachable for a fresh session; unregister defensively.
		m.unregister(id)
		return "", err
	}

	monitoring.Logf("[SessionManager] Started session %s for video %s (tolerance %.0fms, %d annotations)",
		id, cfg.VideoID, cfg.ToleranceMs, len(annotations))
	m.collectors.SessionStarted()
	return id, nil
}

// Get looks up a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// FeedDetection routes a detection to a session.
func (m *Manager) FeedDetection(id string, det DetectionEvent) (ClassificationResult, error) {
	s, err := m.Get(id)
	if err != nil {
		return ClassificationResult{}, err
	}
	res, err := s.FeedDetection(det)
	if err == nil {
		m.collectors.DetectionClassified(string(res.Outcome))
	}
	return res, err
}

// FeedSignal routes a hardware signal to a session.
func (m *Manager) FeedSignal(id string, sig SignalEvent) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.FeedSignal(sig)
}

// Pause pauses a session.
func (m *Manager) Pause(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Pause()
}

// Resume resumes a paused session.
func (m *Manager) Resume(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

// Stop ends a session with the given reason. The session stays registered
// until its flush succeeds.
func (m *Manager) Stop(id string, reason StopReason) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := s.Stop(reason); err != nil {
		return err
	}
	m.collectors.SessionEnded(string(reason))
	return nil
}

// RetryFlush re-runs a session's failed persistence flush.
func (m *Manager) RetryFlush(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.RetryFlush()
}

// Snapshot returns a session's read-only projection.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// List returns snapshots of every registered session.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Subscribe attaches an observer to a session's event stream. The caller
// should fetch a snapshot first; published events are not replayed.
func (m *Manager) Subscribe(id string) (*Subscription, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	return m.broadcaster.Subscribe(id), nil
}

// Unsubscribe detaches an observer.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.broadcaster.Unsubscribe(sub)
}

// unregister removes a flushed session and tears down its subscribers.
func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	if m.broadcaster != nil {
		m.broadcaster.CloseSession(id)
	}
	monitoring.Logf("[SessionManager] Unregistered session %s", id)
}
