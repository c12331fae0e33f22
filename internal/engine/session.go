package engine

import (
	"context"
	"sync"
	"time"

	"github.com/vrulab/detection.report/internal/monitoring"
	"github.com/vrulab/detection.report/internal/timeutil"
)

// Flusher hands finished sessions to the persistence layer. Called once per
// terminal transition (plus retries after failures).
type Flusher interface {
	Flush(ctx context.Context, rec SessionRecord) error
}

// Session owns one test session's mutable state. All mutation is serialized
// behind a single mutex, so counts, cursor and state always move together;
// a concurrent stop either lands before a feedDetection (which is then
// rejected) or after it (which is then fully counted) — never in between.
type Session struct {
	mu sync.RWMutex

	id  string
	cfg SessionConfig

	state        State
	reason       StopReason
	correlator   *Correlator
	metrics      *Aggregator
	signals      *SignalCorrelator
	results      []ClassificationResult
	flushPending bool

	cursorFrame   int
	cursorSecs    float64
	detectionsFed int64
	seq           uint64

	createdAt time.Time
	updatedAt time.Time
	lastFedAt time.Time
	endedAt   time.Time

	clock       timeutil.Clock
	broadcaster *Broadcaster
	flusher     Flusher
	// onFlushed unregisters the session from the registry. Invoked only
	// after a flush succeeds.
	onFlushed func(id string)
}

func newSession(id string, cfg SessionConfig, annotations []GroundTruthAnnotation, clock timeutil.Clock, b *Broadcaster, f Flusher, onFlushed func(string)) *Session {
	sigTol := cfg.SignalToleranceMs
	if sigTol <= 0 {
		sigTol = cfg.ToleranceMs
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Session{
		id:    id,
		cfg:   cfg,
		state: StateCreated,
		correlator: NewCorrelator(CorrelatorConfig{
			ToleranceMs: cfg.ToleranceMs,
			SpatialMode: cfg.SpatialMode,
			MinIoU:      cfg.MinIoU,
		}, annotations),
		metrics:     NewAggregator(),
		signals:     NewSignalCorrelator(sigTol),
		createdAt:   now,
		updatedAt:   now,
		lastFedAt:   now,
		clock:       clock,
		broadcaster: b,
		flusher:     f,
		onFlushed:   onFlushed,
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// run transitions Created -> Running. Called once by the manager right after
// registration.
func (s *Session) run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return stateError("start", s.state)
	}
	s.state = StateRunning
	s.updatedAt = s.clock.Now()
	s.publishLocked(Event{Type: EventSessionStarted})
	return nil
}

// FeedDetection routes one detection through the correlator, folds the
// classification into the metrics, advances the cursor and emits a progress
// event. Valid only while Running; otherwise the detection is dropped (not
// queued) and ErrInvalidSessionState is returned.
func (s *Session) FeedDetection(det DetectionEvent) (ClassificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return ClassificationResult{}, stateError("feed detection", s.state)
	}

	res, ambiguity := s.correlator.Classify(det)
	if ambiguity != nil {
		// Invariant violation inside the correlator. Recoverable: the
		// detection is already marked FP, so log and carry on.
		monitoring.Logf("[Session %s] %v", s.id, ambiguity)
	}

	s.metrics.Accumulate(res)
	s.results = append(s.results, res)
	s.signals.AddDetection(det)

	if det.Frame > s.cursorFrame {
		s.cursorFrame = det.Frame
	}
	if det.Timestamp > s.cursorSecs {
		s.cursorSecs = det.Timestamp
	}
	s.detectionsFed++
	now := s.clock.Now()
	s.lastFedAt = now
	s.updatedAt = now

	tp, fp, fn := s.metrics.Counts()
	s.publishLocked(Event{
		Type: EventProgress,
		Progress: &Progress{
			TruePositives:  tp,
			FalsePositives: fp,
			FalseNegatives: fn,
			DetectionsFed:  s.detectionsFed,
			CursorFrame:    s.cursorFrame,
			CursorSecs:     s.cursorSecs,
		},
	})

	return res, nil
}

// FeedSignal offers one hardware transition to the signal correlator. Valid
// only while Running, mirroring FeedDetection.
func (s *Session) FeedSignal(sig SignalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return stateError("feed signal", s.state)
	}
	s.signals.AddSignal(sig)
	s.updatedAt = s.clock.Now()
	return nil
}

// Pause transitions Running -> Paused. A no-op (no event, no error) if
// already Paused.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return stateError("pause", s.state)
	}
	s.state = StatePaused
	s.updatedAt = s.clock.Now()
	s.publishLocked(Event{Type: EventSessionPaused})
	return nil
}

// Resume transitions Paused -> Running. A no-op if already Running.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return nil
	case StatePaused:
	default:
		return stateError("resume", s.state)
	}
	s.state = StateRunning
	s.updatedAt = s.clock.Now()
	s.publishLocked(Event{Type: EventSessionResumed})
	return nil
}

// Stop ends the session from any non-terminal running state: reconciles
// unclaimed annotations into FalseNegatives, finalizes metrics, transitions
// to the reason's terminal state and kicks off the persistence flush. The
// flush runs outside the session lock so the serialized context never blocks
// on storage latency; SessionEnded is emitted when it finishes, carrying the
// flush error if any.
func (s *Session) Stop(reason StopReason) error {
	s.mu.Lock()

	switch s.state {
	case StateRunning, StatePaused:
	default:
		s.mu.Unlock()
		return stateError("stop", s.state)
	}

	for _, miss := range s.correlator.Reconcile() {
		s.metrics.Accumulate(miss)
		s.results = append(s.results, miss)
	}

	now := s.clock.Now()
	s.state = reason.TerminalState()
	s.reason = reason
	s.updatedAt = now
	s.endedAt = now
	s.flushPending = true

	rec := s.recordLocked()
	s.mu.Unlock()

	go s.flush(rec)
	return nil
}

// recordLocked builds the durable record. Caller holds the lock.
func (s *Session) recordLocked() SessionRecord {
	results := make([]ClassificationResult, len(s.results))
	copy(results, s.results)
	return SessionRecord{
		ID:          s.id,
		VideoID:     s.cfg.VideoID,
		ProjectID:   s.cfg.ProjectID,
		ToleranceMs: s.cfg.ToleranceMs,
		// The record carries the reason's terminal state even when a failed
		// flush parked the in-memory session in Failed-pending-retry.
		State:     s.reason.TerminalState(),
		Reason:    s.reason,
		CreatedAt: s.createdAt,
		EndedAt:   s.endedAt,
		Metrics:   s.metrics.Summarize(),
		Signal:    s.signals.Summarize(),
		Results:   results,
	}
}

func (s *Session) flush(rec SessionRecord) {
	var flushErr error
	if s.flusher != nil {
		if err := s.flusher.Flush(context.Background(), rec); err != nil {
			flushErr = &PersistError{SessionID: s.id, Err: err}
		}
	}

	s.mu.Lock()
	ended := Event{
		Type: EventSessionEnded,
		Ended: &Ended{
			Reason:  s.reason,
			Metrics: rec.Metrics,
			Signal:  rec.Signal,
		},
	}
	if flushErr != nil {
		// Holding state: stay registered and queryable until RetryFlush
		// succeeds. Observers learn the metrics are not durable yet.
		monitoring.Logf("[Session %s] %v", s.id, flushErr)
		s.state = StateFailed
		ended.Ended.FlushError = flushErr.Error()
	} else {
		s.flushPending = false
	}
	s.publishLocked(ended)
	s.mu.Unlock()

	if flushErr == nil && s.onFlushed != nil {
		s.onFlushed(s.id)
	}
}

// RetryFlush re-runs a failed persistence flush. Returns ErrNoFlushPending
// when the session has nothing outstanding.
func (s *Session) RetryFlush() error {
	s.mu.Lock()
	if !s.state.Terminal() || !s.flushPending {
		s.mu.Unlock()
		return ErrNoFlushPending
	}
	rec := s.recordLocked()
	s.mu.Unlock()

	if s.flusher != nil {
		if err := s.flusher.Flush(context.Background(), rec); err != nil {
			return &PersistError{SessionID: s.id, Err: err}
		}
	}

	s.mu.Lock()
	s.flushPending = false
	s.mu.Unlock()

	if s.onFlushed != nil {
		s.onFlushed(s.id)
	}
	return nil
}

// Snapshot returns a read-only projection of the session. Safe to call
// concurrently with any other operation; counts and cursor are copied under
// the same lock that updates them, so the view is never torn.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tp, fp, fn := s.metrics.Counts()
	return Snapshot{
		ID:             s.id,
		VideoID:        s.cfg.VideoID,
		ProjectID:      s.cfg.ProjectID,
		State:          s.state,
		ToleranceMs:    s.cfg.ToleranceMs,
		TruePositives:  tp,
		FalsePositives: fp,
		FalseNegatives: fn,
		DetectionsFed:  s.detectionsFed,
		GroundTruthLen: s.correlator.GroundTruthCount(),
		CursorFrame:    s.cursorFrame,
		CursorSecs:     s.cursorSecs,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
		IdleFor:        s.clock.Since(s.lastFedAt),
		FlushPending:   s.flushPending,
	}
}

// publishLocked stamps sequence and timestamp and hands the event to the
// broadcaster. Caller holds the session lock, which fixes the per-session
// emission order; the broadcaster itself never blocks.
func (s *Session) publishLocked(ev Event) {
	if s.broadcaster == nil {
		return
	}
	s.seq++
	ev.SessionID = s.id
	ev.Sequence = s.seq
	ev.Timestamp = s.clock.Now()
	s.broadcaster.Publish(s.id, ev)
}
