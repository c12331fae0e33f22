package engine

import "time"

// ClassLabel identifies the VRU category of an annotation or detection.
type ClassLabel string

const (
	// ClassPedestrian indicates a pedestrian or person
	ClassPedestrian ClassLabel = "pedestrian"
	// ClassCyclist indicates a cyclist
	ClassCyclist ClassLabel = "cyclist"
	// ClassScooter indicates an e-scooter or similar micromobility rider
	ClassScooter ClassLabel = "scooter"
	// ClassWheelchair indicates a wheelchair user
	ClassWheelchair ClassLabel = "wheelchair"
	// ClassOther indicates an unrecognised VRU category
	ClassOther ClassLabel = "other"
)

// BoundingBox is an axis-aligned box. Units (normalised or pixel) must be
// consistent within a video; the engine only ever compares boxes from the
// same video so it never needs to know which convention is in use.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area, clamped at zero for degenerate boxes.
func (b BoundingBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// IoU computes the intersection-over-union of two boxes. Returns a value in
// [0, 1]; 0 when the boxes do not overlap or either box is degenerate.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	ix1 := maxf(b.X, o.X)
	iy1 := maxf(b.Y, o.Y)
	ix2 := minf(b.X+b.Width, o.X+o.Width)
	iy2 := minf(b.Y+b.Height, o.Y+o.Height)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	intersection := (ix2 - ix1) * (iy2 - iy1)

	union := b.Area() + o.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// GroundTruthAnnotation is one annotated VRU occurrence in a video. Immutable
// once created by the annotation workflow; the engine only reads these.
type GroundTruthAnnotation struct {
	ID        string      `json:"id"`
	Frame     int         `json:"frame"`
	Timestamp float64     `json:"timestamp"` // seconds from video start
	Class     ClassLabel  `json:"class"`
	Box       BoundingBox `json:"box"`
	Validated bool        `json:"validated"`
}

// DetectionEvent is one model-produced detection, consumed once by the
// engine. Not persisted beyond its classification outcome.
type DetectionEvent struct {
	ID         string      `json:"id"`
	Frame      int         `json:"frame"`
	Timestamp  float64     `json:"timestamp"` // seconds from video start
	Class      ClassLabel  `json:"class"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// Outcome classifies a detection against ground truth.
type Outcome string

const (
	// OutcomeTruePositive indicates a detection matched to an annotation.
	OutcomeTruePositive Outcome = "true_positive"
	// OutcomeFalsePositive indicates a detection with no matching annotation.
	OutcomeFalsePositive Outcome = "false_positive"
	// OutcomeFalseNegative indicates an annotation never claimed by any
	// detection, surfaced at end-of-session reconciliation.
	OutcomeFalseNegative Outcome = "false_negative"
)

// ClassificationResult is the immutable outcome of classifying one detection
// (TP/FP) or reconciling one unclaimed annotation (FN).
type ClassificationResult struct {
	Outcome       Outcome `json:"outcome"`
	DetectionID   string  `json:"detection_id,omitempty"`    // empty for FN
	GroundTruthID string  `json:"ground_truth_id,omitempty"` // empty for FP
	// DeltaMs is detection timestamp minus ground-truth timestamp, in
	// milliseconds. Zero for FP and FN.
	DeltaMs float64 `json:"delta_ms"`
	// IoU is the spatial overlap score of the matched pair. Only meaningful
	// when SpatialScored is true (spatial mode enabled and the result is TP).
	IoU           float64 `json:"iou,omitempty"`
	SpatialScored bool    `json:"spatial_scored,omitempty"`
}

// SignalDirection is the threshold-crossing direction of a hardware signal.
type SignalDirection string

const (
	SignalRising  SignalDirection = "rising"
	SignalFalling SignalDirection = "falling"
)

// SignalEvent is one voltage/GPIO transition from the hardware acquisition
// device. Never persisted by the engine.
type SignalEvent struct {
	Timestamp float64         `json:"timestamp"` // seconds, same clock as detections
	Value     float64         `json:"value"`
	Direction SignalDirection `json:"direction"`
}

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// StopReason selects the terminal state a session ends in.
type StopReason string

const (
	// ReasonCompleted is normal end-of-video completion.
	ReasonCompleted StopReason = "completed"
	// ReasonCancelled is a user-initiated stop.
	ReasonCancelled StopReason = "cancelled"
	// ReasonError is an unrecoverable error reported by a collaborator.
	ReasonError StopReason = "error"
)

// TerminalState maps a stop reason onto the terminal state it produces.
func (r StopReason) TerminalState() State {
	switch r {
	case ReasonCancelled:
		return StateCancelled
	case ReasonError:
		return StateFailed
	default:
		return StateCompleted
	}
}

// SessionConfig describes a test session to be started.
type SessionConfig struct {
	VideoID     string  `json:"video_id"`
	ProjectID   string  `json:"project_id,omitempty"`
	ToleranceMs float64 `json:"tolerance_ms"`
	// SpatialMode enables IoU tie-breaking and the MinIoU acceptance
	// threshold in the correlator. Off by default: the temporal-only
	// algorithm governs.
	SpatialMode bool    `json:"spatial_mode,omitempty"`
	MinIoU      float64 `json:"min_iou,omitempty"`
	// SignalToleranceMs bounds signal-to-detection matching. Zero means
	// reuse ToleranceMs.
	SignalToleranceMs float64 `json:"signal_tolerance_ms,omitempty"`
}

// Snapshot is a read-only projection of session state. Counts and cursor are
// copied together under the session lock, so a snapshot never shows a
// partially-updated view.
type Snapshot struct {
	ID          string  `json:"id"`
	VideoID     string  `json:"video_id"`
	ProjectID   string  `json:"project_id,omitempty"`
	State       State   `json:"state"`
	ToleranceMs float64 `json:"tolerance_ms"`

	TruePositives  int64 `json:"true_positives"`
	FalsePositives int64 `json:"false_positives"`
	FalseNegatives int64 `json:"false_negatives"`
	DetectionsFed  int64 `json:"detections_fed"`
	GroundTruthLen int   `json:"ground_truth_count"`

	CursorFrame int     `json:"cursor_frame"`
	CursorSecs  float64 `json:"cursor_secs"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// IdleFor is the time since the last feedDetection (or since creation if
	// none arrived). A surrounding watchdog uses this to decide to stop the
	// session; the engine never auto-terminates.
	IdleFor time.Duration `json:"idle_for_ns"`

	// FlushPending is set when the session reached a terminal state but the
	// persistence flush has not succeeded yet.
	FlushPending bool `json:"flush_pending,omitempty"`
}

// SessionRecord is the durable form of a finished session handed to the
// persistence layer on terminal transitions.
type SessionRecord struct {
	ID          string                 `json:"id"`
	VideoID     string                 `json:"video_id"`
	ProjectID   string                 `json:"project_id,omitempty"`
	ToleranceMs float64                `json:"tolerance_ms"`
	State       State                  `json:"state"`
	Reason      StopReason             `json:"reason"`
	CreatedAt   time.Time              `json:"created_at"`
	EndedAt     time.Time              `json:"ended_at"`
	Metrics     Summary                `json:"metrics"`
	Signal      SignalSummary          `json:"signal"`
	Results     []ClassificationResult `json:"results"`
}
