package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrulab/detection.report/internal/engine"
	"github.com/vrulab/detection.report/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRecord(id string) engine.SessionRecord {
	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return engine.SessionRecord{
		ID:          id,
		VideoID:     "video-1",
		ProjectID:   "project-9",
		ToleranceMs: 100,
		State:       engine.StateCompleted,
		Reason:      engine.ReasonCompleted,
		CreatedAt:   created,
		EndedAt:     created.Add(90 * time.Second),
		Metrics: engine.Summary{
			TruePositives:  2,
			FalsePositives: 1,
			FalseNegatives: 1,
			Precision:      2.0 / 3.0,
			Recall:         2.0 / 3.0,
			F1:             2.0 / 3.0,
			LatencySamples: 2,
			LatencyP50Ms:   40,
			LatencyP95Ms:   80,
			LatencyP99Ms:   80,
		},
		Signal: engine.SignalSummary{Matched: 1, UnmatchedSignals: 1},
		Results: []engine.ClassificationResult{
			{Outcome: engine.OutcomeTruePositive, DetectionID: "d-1", GroundTruthID: "g-1", DeltaMs: 40},
			{Outcome: engine.OutcomeTruePositive, DetectionID: "d-2", GroundTruthID: "g-2", DeltaMs: 80},
			{Outcome: engine.OutcomeFalsePositive, DetectionID: "d-3"},
			{Outcome: engine.OutcomeFalseNegative, GroundTruthID: "g-3"},
		},
	}
}

func TestFlushAndGetSessionRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	rec := sampleRecord("session-1")
	require.NoError(t, db.Flush(context.Background(), rec))

	got, err := db.GetSession("session-1")
	require.NoError(t, err)
	if diff := cmp.Diff(rec, *got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	rec := sampleRecord("session-1")
	require.NoError(t, db.Flush(context.Background(), rec))
	// A retried flush after a reported failure must not duplicate rows.
	require.NoError(t, db.Flush(context.Background(), rec))

	got, err := db.GetSession("session-1")
	require.NoError(t, err)
	assert.Len(t, got.Results, len(rec.Results))

	listings, err := db.ListSessions()
	require.NoError(t, err)
	assert.Len(t, listings, 1)
}

func TestGetSessionUnknown(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	_, err := db.GetSession("missing")
	assert.Error(t, err)
}

func TestListSessionsNewestFirst(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	older := sampleRecord("session-old")
	newer := sampleRecord("session-new")
	newer.EndedAt = older.EndedAt.Add(time.Hour)
	require.NoError(t, db.Flush(context.Background(), older))
	require.NoError(t, db.Flush(context.Background(), newer))

	listings, err := db.ListSessions()
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "session-new", listings[0].ID)
	assert.Equal(t, "session-old", listings[1].ID)
	assert.Equal(t, int64(2), listings[0].Metrics.TruePositives)
}

func TestAnnotationsRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	annotations := []engine.GroundTruthAnnotation{
		{ID: "a-2", Frame: 300, Timestamp: 10.0, Class: engine.ClassCyclist,
			Box: engine.BoundingBox{X: 0.4, Y: 0.1, Width: 0.1, Height: 0.3}, Validated: true},
		{ID: "a-1", Frame: 150, Timestamp: 5.0, Class: engine.ClassPedestrian,
			Box: engine.BoundingBox{X: 0.2, Y: 0.2, Width: 0.05, Height: 0.2}, Validated: true},
	}
	require.NoError(t, db.ReplaceAnnotations("video-1", annotations))

	got, err := db.AnnotationsForVideo("video-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Returned in timestamp order.
	assert.Equal(t, "a-1", got[0].ID)
	assert.Equal(t, "a-2", got[1].ID)
	assert.Equal(t, engine.ClassCyclist, got[1].Class)

	// Replace swaps the whole set.
	require.NoError(t, db.ReplaceAnnotations("video-1", annotations[:1]))
	got, err = db.AnnotationsForVideo("video-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Other videos are untouched and empty.
	got, err = db.AnnotationsForVideo("video-2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDBSatisfiesEngineInterfaces(t *testing.T) {
	t.Parallel()

	var _ engine.Flusher = (*DB)(nil)
	var _ engine.GroundTruthSource = (*DB)(nil)
}
