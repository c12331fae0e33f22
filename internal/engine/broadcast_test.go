package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progressEvent(session string, seq uint64) Event {
	return Event{
		Type:      EventProgress,
		SessionID: session,
		Sequence:  seq,
		Timestamp: time.Now(),
		Progress:  &Progress{DetectionsFed: int64(seq)},
	}
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(8)
	sub1 := b.Subscribe("s1")
	sub2 := b.Subscribe("s1")
	other := b.Subscribe("s2")

	b.Publish("s1", progressEvent("s1", 1))

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, uint64(1), ev.Sequence)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case ev := <-other.C:
		t.Fatalf("subscriber of another session received %v", ev.Type)
	default:
	}
}

func TestBroadcastNoReplayForLateSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(8)
	b.Publish("s1", progressEvent("s1", 1))

	late := b.Subscribe("s1")
	select {
	case ev := <-late.C:
		t.Fatalf("late subscriber received replayed event %v", ev.Type)
	default:
	}

	b.Publish("s1", progressEvent("s1", 2))
	ev := <-late.C
	assert.Equal(t, uint64(2), ev.Sequence)
}

func TestBroadcastPreservesPublishOrder(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(256)
	sub := b.Subscribe("s1")

	// Concurrent publishes to other sessions must not disturb s1's order.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			b.Publish("noise", progressEvent("noise", uint64(i)))
		}
	}()

	const n = 100
	for i := 1; i <= n; i++ {
		b.Publish("s1", progressEvent("s1", uint64(i)))
	}
	wg.Wait()

	for i := 1; i <= n; i++ {
		select {
		case ev := <-sub.C:
			require.Equal(t, uint64(i), ev.Sequence, "events out of order")
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBroadcastSlowSubscriberGetsGapMarker(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4)
	slow := b.Subscribe("s1")

	// Publish more than the buffer holds without draining.
	for i := 1; i <= 10; i++ {
		b.Publish("s1", progressEvent("s1", uint64(i)))
	}

	var sawGap bool
	var received []uint64
	for {
		select {
		case ev := <-slow.C:
			if ev.Type == EventGapDetected {
				sawGap = true
			} else {
				received = append(received, ev.Sequence)
			}
			continue
		default:
		}
		break
	}

	assert.True(t, sawGap, "overflowed subscriber must see a GapDetected marker")
	require.NotEmpty(t, received)
	// Whatever survived the drops is still in order and ends at the newest
	// event.
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i], received[i-1])
	}
	assert.Equal(t, uint64(10), received[len(received)-1])
}

func TestBroadcastSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(2)
	_ = b.Subscribe("s1") // never drained
	fast := b.Subscribe("s1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 50; i++ {
			b.Publish("s1", progressEvent("s1", uint64(i)))
			// Keep the fast subscriber drained.
			for {
				select {
				case <-fast.C:
					continue
				default:
				}
				break
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub := b.Subscribe("s1")
				b.Publish("s1", progressEvent("s1", uint64(seed*100+i)))
				b.Unsubscribe(sub)
				// Double unsubscribe is a no-op.
				b.Unsubscribe(sub)
			}
		}(g)
	}
	wg.Wait()

	assert.Zero(t, b.SubscriberCount("s1"))
}

func TestCloseSessionClosesChannels(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4)
	sub := b.Subscribe("s1")
	b.Publish("s1", progressEvent("s1", 1))
	b.CloseSession("s1")

	// Buffered event still drains, then the channel reports closed.
	ev, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.Sequence)
	_, ok = <-sub.C
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount("s1"))
}

func TestDropHookCounts(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1)
	var mu sync.Mutex
	drops := 0
	b.SetDropHook(func(sessionID string) {
		mu.Lock()
		defer mu.Unlock()
		drops++
		assert.Equal(t, "s1", sessionID)
	})

	_ = b.Subscribe("s1")
	for i := 0; i < 5; i++ {
		b.Publish("s1", progressEvent("s1", uint64(i)))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, drops, 0, fmt.Sprintf("expected drops, got %d", drops))
}
