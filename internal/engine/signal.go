package engine

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// SignalMatch is one hardware signal paired with a detection.
type SignalMatch struct {
	DetectionID     string  `json:"detection_id"`
	SignalTimestamp float64 `json:"signal_timestamp"`
	// LatencyMs is signal timestamp minus detection timestamp, in
	// milliseconds. Positive when the hardware indicator fired after the
	// detection.
	LatencyMs float64 `json:"latency_ms"`
}

// SignalSummary reports signal-to-detection correlation. Unmatched signals
// and detections are availability measurements, not classification errors;
// they are reported separately from the accuracy metrics.
type SignalSummary struct {
	Matched             int     `json:"matched"`
	UnmatchedSignals    int     `json:"unmatched_signals"`
	UnmatchedDetections int     `json:"unmatched_detections"`
	LatencyP50Ms        float64 `json:"latency_p50_ms"`
	LatencyP95Ms        float64 `json:"latency_p95_ms"`
	LatencyP99Ms        float64 `json:"latency_p99_ms"`
}

type pendingDetection struct {
	id        string
	timestamp float64
}

// SignalCorrelator matches a hardware SignalEvent stream to the session's
// DetectionEvent stream within a timing tolerance, producing a latency
// measurement per matched pair. Structurally the same interval matching as
// the temporal correlator, but against live streams on both sides: events
// from either stream are held until a partner arrives or the session ends.
// Not safe for concurrent use — the owning session serializes all calls.
type SignalCorrelator struct {
	toleranceMs float64

	detections []pendingDetection
	signals    []SignalEvent
	matches    []SignalMatch
}

// NewSignalCorrelator returns a correlator with the given tolerance in
// milliseconds.
func NewSignalCorrelator(toleranceMs float64) *SignalCorrelator {
	return &SignalCorrelator{toleranceMs: toleranceMs}
}

// AddDetection offers a detection for signal matching. If an unmatched
// signal lies within tolerance the pair is recorded immediately; otherwise
// the detection is held for signals still to come.
func (sc *SignalCorrelator) AddDetection(det DetectionEvent) {
	if i := sc.nearestSignal(det.Timestamp); i >= 0 {
		sig := sc.signals[i]
		sc.signals = append(sc.signals[:i], sc.signals[i+1:]...)
		sc.record(det.ID, det.Timestamp, sig)
		return
	}
	sc.detections = append(sc.detections, pendingDetection{id: det.ID, timestamp: det.Timestamp})
}

// AddSignal offers a hardware transition for detection matching, mirroring
// AddDetection.
func (sc *SignalCorrelator) AddSignal(sig SignalEvent) {
	if i := sc.nearestDetection(sig.Timestamp); i >= 0 {
		det := sc.detections[i]
		sc.detections = append(sc.detections[:i], sc.detections[i+1:]...)
		sc.record(det.id, det.timestamp, sig)
		return
	}
	sc.signals = append(sc.signals, sig)
}

func (sc *SignalCorrelator) record(detID string, detTs float64, sig SignalEvent) {
	sc.matches = append(sc.matches, SignalMatch{
		DetectionID:     detID,
		SignalTimestamp: sig.Timestamp,
		LatencyMs:       (sig.Timestamp - detTs) * 1000,
	})
}

func (sc *SignalCorrelator) nearestSignal(ts float64) int {
	best, bestAbs := -1, math.MaxFloat64
	for i, sig := range sc.signals {
		abs := math.Abs(sig.Timestamp-ts) * 1000
		if abs <= sc.toleranceMs && abs < bestAbs {
			best, bestAbs = i, abs
		}
	}
	return best
}

func (sc *SignalCorrelator) nearestDetection(ts float64) int {
	best, bestAbs := -1, math.MaxFloat64
	for i, det := range sc.detections {
		abs := math.Abs(det.timestamp-ts) * 1000
		if abs <= sc.toleranceMs && abs < bestAbs {
			best, bestAbs = i, abs
		}
	}
	return best
}

// Matches returns the recorded pairs.
func (sc *SignalCorrelator) Matches() []SignalMatch {
	out := make([]SignalMatch, len(sc.matches))
	copy(out, sc.matches)
	return out
}

// Summarize reports match counts and latency percentiles over the matched
// pairs.
func (sc *SignalCorrelator) Summarize() SignalSummary {
	s := SignalSummary{
		Matched:             len(sc.matches),
		UnmatchedSignals:    len(sc.signals),
		UnmatchedDetections: len(sc.detections),
	}

	if len(sc.matches) > 0 {
		sorted := make([]float64, 0, len(sc.matches))
		for _, m := range sc.matches {
			sorted = append(sorted, m.LatencyMs)
		}
		sort.Float64s(sorted)
		s.LatencyP50Ms = stat.Quantile(0.50, stat.Empirical, sorted, nil)
		s.LatencyP95Ms = stat.Quantile(0.95, stat.Empirical, sorted, nil)
		s.LatencyP99Ms = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	}

	return s
}
