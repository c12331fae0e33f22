package engine

import (
	"math"
	"sort"
)

// CorrelatorConfig tunes the temporal matching algorithm.
type CorrelatorConfig struct {
	// ToleranceMs is the maximum |detection - annotation| time delta for a
	// match, in milliseconds. Must be > 0.
	ToleranceMs float64

	// SpatialMode enables bounding-box comparison: IoU breaks ties between
	// equally-close candidates and candidates below MinIoU are rejected even
	// when closest in time.
	SpatialMode bool

	// MinIoU is the minimum acceptable overlap in spatial mode.
	MinIoU float64
}

// Correlator classifies detections against one video's ground-truth set.
// An annotation may be claimed by at most one detection; the claim step is
// explicit so re-runs preserve the uniqueness invariant. Not safe for
// concurrent use — the owning session serializes all calls.
type Correlator struct {
	cfg         CorrelatorConfig
	annotations []GroundTruthAnnotation // sorted by timestamp
	claimed     map[string]string       // annotation ID -> detection ID
}

// NewCorrelator builds a correlator over a video's complete annotation set.
// The input slice is copied and sorted; the caller's slice is not modified.
func NewCorrelator(cfg CorrelatorConfig, annotations []GroundTruthAnnotation) *Correlator {
	sorted := make([]GroundTruthAnnotation, len(annotations))
	copy(sorted, annotations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	return &Correlator{
		cfg:         cfg,
		annotations: sorted,
		claimed:     make(map[string]string),
	}
}

// GroundTruthCount returns the size of the annotation set.
func (c *Correlator) GroundTruthCount() int { return len(c.annotations) }

// ClaimedCount returns how many annotations have been claimed so far.
func (c *Correlator) ClaimedCount() int { return len(c.claimed) }

// Classify matches one detection against the unclaimed annotations.
// Candidates share the detection's class label and lie within the tolerance
// window; the closest in time wins, with IoU tie-breaking and the MinIoU
// floor when spatial mode is on.
//
// A non-nil *AmbiguityError reports a claim collision; the returned result
// is still valid (the detection is defensively marked FP) and the session
// may continue.
func (c *Correlator) Classify(det DetectionEvent) (ClassificationResult, *AmbiguityError) {
	best := -1
	bestAbs := math.MaxFloat64
	bestIoU := 0.0

	for i := range c.annotations {
		gt := &c.annotations[i]
		deltaMs := (det.Timestamp - gt.Timestamp) * 1000
		absMs := math.Abs(deltaMs)
		if absMs > c.cfg.ToleranceMs {
			// Annotations are sorted; once past the window on the late side
			// no later annotation can match either.
			if gt.Timestamp > det.Timestamp {
				break
			}
			continue
		}
		if gt.Class != det.Class {
			continue
		}
		if _, taken := c.claimed[gt.ID]; taken {
			continue
		}

		iou := 0.0
		if c.cfg.SpatialMode {
			iou = det.Box.IoU(gt.Box)
			if iou < c.cfg.MinIoU {
				continue
			}
		}

		switch {
		case absMs < bestAbs:
			best, bestAbs, bestIoU = i, absMs, iou
		case absMs == bestAbs && c.cfg.SpatialMode && iou > bestIoU:
			best, bestIoU = i, iou
		}
	}

	if best < 0 {
		return ClassificationResult{
			Outcome:     OutcomeFalsePositive,
			DetectionID: det.ID,
		}, nil
	}

	gt := c.annotations[best]
	if prev, taken := c.claimed[gt.ID]; taken {
		// Candidate filtering already excludes claimed annotations, so this
		// is an invariant violation. Under-count TP rather than corrupt the
		// claim set.
		return ClassificationResult{
				Outcome:     OutcomeFalsePositive,
				DetectionID: det.ID,
			}, &AmbiguityError{
				GroundTruthID: gt.ID,
				DetectionID:   det.ID,
				ClaimedBy:     prev,
			}
	}
	c.claimed[gt.ID] = det.ID

	res := ClassificationResult{
		Outcome:       OutcomeTruePositive,
		DetectionID:   det.ID,
		GroundTruthID: gt.ID,
		DeltaMs:       (det.Timestamp - gt.Timestamp) * 1000,
	}
	if c.cfg.SpatialMode {
		res.IoU = bestIoU
		res.SpatialScored = true
	}
	return res, nil
}

// Reconcile surfaces every never-claimed annotation as a FalseNegative.
// Called once at end of session, after the video is exhausted; a negative
// can only be confirmed once no further detections will arrive.
func (c *Correlator) Reconcile() []ClassificationResult {
	var missed []ClassificationResult
	for i := range c.annotations {
		gt := &c.annotations[i]
		if _, taken := c.claimed[gt.ID]; taken {
			continue
		}
		missed = append(missed, ClassificationResult{
			Outcome:       OutcomeFalseNegative,
			GroundTruthID: gt.ID,
		})
	}
	return missed
}
