package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartValidation(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)

	t.Run("missing video id", func(t *testing.T) {
		_, err := m.Start(SessionConfig{ToleranceMs: 100})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("zero tolerance", func(t *testing.T) {
		_, err := m.Start(SessionConfig{VideoID: "video-1"})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("negative tolerance", func(t *testing.T) {
		_, err := m.Start(SessionConfig{VideoID: "video-1", ToleranceMs: -5})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("bad min iou in spatial mode", func(t *testing.T) {
		_, err := m.Start(SessionConfig{VideoID: "video-1", ToleranceMs: 100, SpatialMode: true, MinIoU: 1.5})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	// No session was registered by any rejected start.
	assert.Empty(t, m.List())
}

func TestStartWithUnreachableGroundTruth(t *testing.T) {
	t.Parallel()

	flusher := &fakeFlusher{}
	source := &fakeGroundTruth{err: errors.New("annotation service down")}
	m := NewManager(NewBroadcaster(8), flusher, source)

	_, err := m.Start(SessionConfig{VideoID: "video-1", ToleranceMs: 100})
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	assert.Empty(t, m.List())
}

func TestOperationsOnUnknownSession(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)

	_, err := m.Snapshot("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Pause("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, m.Resume("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, m.Stop("nope", ReasonCompleted), ErrSessionNotFound)
	assert.ErrorIs(t, m.FeedSignal("nope", SignalEvent{}), ErrSessionNotFound)
	_, err = m.FeedDetection("nope", DetectionEvent{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Subscribe("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	flusher := &fakeFlusher{}
	source := &fakeGroundTruth{sets: map[string][]GroundTruthAnnotation{
		"video-a": {gt("gt-a", 1.0, ClassPedestrian)},
		"video-b": {gt("gt-b", 1.0, ClassCyclist)},
	}}
	m := NewManager(NewBroadcaster(64), flusher, source)

	idA, err := m.Start(SessionConfig{VideoID: "video-a", ToleranceMs: 100})
	require.NoError(t, err)
	idB, err := m.Start(SessionConfig{VideoID: "video-b", ToleranceMs: 100})
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)
	assert.Len(t, m.List(), 2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, class := idA, ClassPedestrian
			if i%2 == 1 {
				id, class = idB, ClassCyclist
			}
			for j := 0; j < 50; j++ {
				_, _ = m.FeedDetection(id, det(fmt.Sprintf("d-%d-%d", i, j), 1.0, class))
			}
		}(i)
	}
	wg.Wait()

	// A paused session never affects its sibling.
	require.NoError(t, m.Pause(idA))
	_, err = m.FeedDetection(idB, det("late", 1.0, ClassCyclist))
	require.NoError(t, err)

	snapA, err := m.Snapshot(idA)
	require.NoError(t, err)
	snapB, err := m.Snapshot(idB)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snapA.State)
	assert.Equal(t, StateRunning, snapB.State)
	assert.Equal(t, snapA.DetectionsFed, snapA.TruePositives+snapA.FalsePositives)
	assert.Equal(t, snapB.DetectionsFed, snapB.TruePositives+snapB.FalsePositives)
}

func TestFeedSignalOnlyWhileRunning(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)
	id := startSession(t, m)

	require.NoError(t, m.FeedSignal(id, SignalEvent{Timestamp: 1.0, Value: 3.3, Direction: SignalRising}))
	require.NoError(t, m.Pause(id))
	assert.ErrorIs(t, m.FeedSignal(id, SignalEvent{Timestamp: 2.0}), ErrInvalidSessionState)
}

func TestSignalSummaryInFinalRecord(t *testing.T) {
	t.Parallel()

	m, flusher := newTestManager(t, []GroundTruthAnnotation{gt("gt-1", 5.0, ClassPedestrian)})
	id := startSession(t, m)
	sub, err := m.Subscribe(id)
	require.NoError(t, err)

	_, err = m.FeedDetection(id, det("det-1", 5.02, ClassPedestrian))
	require.NoError(t, err)
	require.NoError(t, m.FeedSignal(id, SignalEvent{Timestamp: 5.06, Value: 3.3, Direction: SignalRising}))
	require.NoError(t, m.FeedSignal(id, SignalEvent{Timestamp: 40.0, Value: 3.3, Direction: SignalFalling}))

	require.NoError(t, m.Stop(id, ReasonCompleted))
	ev := waitForEnded(t, sub)

	require.NotNil(t, ev.Ended)
	assert.Equal(t, 1, ev.Ended.Signal.Matched)
	assert.Equal(t, 1, ev.Ended.Signal.UnmatchedSignals)
	assert.Zero(t, ev.Ended.Signal.UnmatchedDetections)

	records := flusher.flushed()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Signal.Matched)
}
