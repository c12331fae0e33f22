package engine

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary holds derived accuracy and latency statistics for a session.
type Summary struct {
	TruePositives  int64 `json:"true_positives"`
	FalsePositives int64 `json:"false_positives"`
	FalseNegatives int64 `json:"false_negatives"`

	// Precision and Recall are defined as exactly 0 (never NaN) when their
	// denominator is 0.
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`

	// Latency percentiles over the TP time deltas, in milliseconds.
	LatencySamples int     `json:"latency_samples"`
	LatencyP50Ms   float64 `json:"latency_p50_ms"`
	LatencyP95Ms   float64 `json:"latency_p95_ms"`
	LatencyP99Ms   float64 `json:"latency_p99_ms"`
}

// Aggregator accumulates classification results into running counts and a
// latency sample set. Accumulate is O(1) and order-independent: results may
// arrive out of order when the producing collaborator reorders or reprocesses
// detections. Not safe for concurrent use — the owning session serializes
// all calls.
type Aggregator struct {
	tp, fp, fn int64
	latencies  []float64 // TP time deltas, ms
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Accumulate folds one classification result into the running totals.
func (a *Aggregator) Accumulate(res ClassificationResult) {
	switch res.Outcome {
	case OutcomeTruePositive:
		a.tp++
		a.latencies = append(a.latencies, res.DeltaMs)
	case OutcomeFalsePositive:
		a.fp++
	case OutcomeFalseNegative:
		a.fn++
	}
}

// Counts returns the running TP/FP/FN counts.
func (a *Aggregator) Counts() (tp, fp, fn int64) {
	return a.tp, a.fp, a.fn
}

// Summarize derives precision, recall, F1 and latency percentiles from the
// accumulated results.
func (a *Aggregator) Summarize() Summary {
	s := Summary{
		TruePositives:  a.tp,
		FalsePositives: a.fp,
		FalseNegatives: a.fn,
		LatencySamples: len(a.latencies),
	}

	if a.tp+a.fp > 0 {
		s.Precision = float64(a.tp) / float64(a.tp+a.fp)
	}
	if a.tp+a.fn > 0 {
		s.Recall = float64(a.tp) / float64(a.tp+a.fn)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}

	if len(a.latencies) > 0 {
		sorted := make([]float64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Float64s(sorted)
		s.LatencyP50Ms = stat.Quantile(0.50, stat.Empirical, sorted, nil)
		s.LatencyP95Ms = stat.Quantile(0.95, stat.Empirical, sorted, nil)
		s.LatencyP99Ms = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	}

	return s
}
