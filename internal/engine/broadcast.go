package engine

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer depth used when
// the broadcaster is constructed with a non-positive size.
const DefaultSubscriberBuffer = 64

// Subscription is a handle to one subscriber's event stream. Events arrive
// on C in per-session publish order. C is closed when the subscriber is
// unsubscribed or the session is torn down.
type Subscription struct {
	ID        string
	SessionID string
	C         <-chan Event

	ch chan Event
}

type subscriber struct {
	sub *Subscription
}

// Broadcaster fans session events out to any number of concurrent
// subscribers per session. Delivery is best-effort per subscriber: each
// subscriber has its own bounded buffer, drained at its own pace, so a slow
// or disconnected consumer never blocks the publisher or its peers. On
// overflow the oldest buffered event is dropped and the subscriber sees a
// GapDetected marker telling it to re-sync from a snapshot.
type Broadcaster struct {
	mu         sync.Mutex
	sessions   map[string]map[string]*subscriber
	bufferSize int
	onDrop     func(sessionID string)
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer
// depth. The depth is clamped to a minimum of 2 so a gap marker and the
// newest event always fit together.
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	if bufferSize < 2 {
		bufferSize = 2
	}
	return &Broadcaster{
		sessions:   make(map[string]map[string]*subscriber),
		bufferSize: bufferSize,
	}
}

// SetDropHook installs a callback invoked (under the broadcaster lock) each
// time an event is dropped from a subscriber buffer. Used for counters.
func (b *Broadcaster) SetDropHook(f func(sessionID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = f
}

// randomID generates a random subscription ID (8 byte random hex encoded value)
func randomID() string {
	buf := make([]byte, 8)
	crand.Read(buf)
	return hex.EncodeToString(buf)
}

// Subscribe registers a new subscriber for a session. Events published
// before the subscription are not replayed; callers should fetch a snapshot
// first.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{
		ID:        randomID(),
		SessionID: sessionID,
		C:         ch,
		ch:        ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.sessions[sessionID]
	if subs == nil {
		subs = make(map[string]*subscriber)
		b.sessions[sessionID] = subs
	}
	subs[sub.ID] = &subscriber{sub: sub}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call at
// any time, including concurrently with Publish; a second call is a no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.sessions[sub.SessionID]
	if subs == nil {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.sessions, sub.SessionID)
	}
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of the session.
// Never blocks: enqueueing happens under the broadcaster lock, which also
// fixes a single delivery order for all subscribers of a session.
func (b *Broadcaster) Publish(sessionID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions[sessionID] {
		b.deliver(sessionID, s, ev)
	}
}

func (b *Broadcaster) deliver(sessionID string, s *subscriber, ev Event) {
	select {
	case s.sub.ch <- ev:
		return
	default:
	}

	// Buffer full: make room for a GapDetected marker plus the new event by
	// dropping the two oldest buffered entries. The marker always precedes
	// the newest event, so the subscriber knows to re-sync from a snapshot.
	for i := 0; i < 2; i++ {
		select {
		case dropped := <-s.sub.ch:
			if dropped.Type != EventGapDetected && b.onDrop != nil {
				b.onDrop(sessionID)
			}
		default:
		}
	}
	marker := Event{
		Type:      EventGapDetected,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	select {
	case s.sub.ch <- marker:
	default:
	}
	select {
	case s.sub.ch <- ev:
	default:
		// Unreachable with the minimum buffer depth of 2; only the
		// broadcaster sends on the channel.
	}
}

// CloseSession closes and removes every subscriber of a session. Called when
// a session is unregistered after a successful flush.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.sessions[sessionID]
	for _, s := range subs {
		close(s.sub.ch)
	}
	delete(b.sessions, sessionID)
}

// SubscriberCount returns the number of current subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[sessionID])
}
