package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultBufferSize is the per-subscriber ring capacity.
const DefaultBufferSize = 256

// DefaultHistorySize bounds the thought/action and chat histories.
const DefaultHistorySize = 200

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rin_bus_dropped_events_total",
	Help: "Events dropped across all subscribers due to full buffers.",
})

// Bus is the in-process publish/subscribe hub. Safe for concurrent use.
type Bus struct {
	bufSize int
	histCap int

	mu       sync.RWMutex
	subs     map[string]*Subscription
	current  map[Kind]Event // latest value per coalesced kind
	thoughts []Event
	actions  []Event
	chats    []Event
	closed   bool
}

// Subscription is one subscriber's view of the bus. Events arrive on C in
// publication order; when the buffer overflows the oldest buffered event
// is discarded and the dropped counter increments.
type Subscription struct {
	id      string
	bus     *Bus
	sendMu  sync.Mutex // serializes concurrent publishers into the ring
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithHistorySize overrides the bounded history capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.histCap = n
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		bufSize: DefaultBufferSize,
		histCap: DefaultHistorySize,
		subs:    make(map[string]*Subscription),
		current: make(map[Kind]Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers an event to every subscriber. Never blocks: full
// subscriber buffers drop their oldest entry first.
func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{Kind: kind, At: time.Now(), Payload: payload}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if coalesced(kind) {
		b.current[kind] = ev
	} else {
		switch kind {
		case KindThought:
			b.thoughts = appendBounded(b.thoughts, ev, b.histCap)
		case KindAction:
			b.actions = appendBounded(b.actions, ev, b.histCap)
		case KindChatMessage:
			b.chats = appendBounded(b.chats, ev, b.histCap)
		}
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.offer(ev)
	}
}

// Subscribe attaches a new subscriber. The coalesced current values are
// queued first so late joiners see the present state immediately.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		id:  uuid.New().String(),
		bus: b,
		ch:  make(chan Event, b.bufSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.closed.Store(true)
		return s
	}
	for _, kind := range []Kind{KindStatus, KindFrame, KindVoiceState, KindVoicePartial, KindVoiceLevel} {
		if ev, ok := b.current[kind]; ok {
			s.offer(ev)
		}
	}
	b.subs[s.id] = s
	return s
}

// Current returns the latest value for a coalesced kind.
func (b *Bus) Current(kind Kind) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.current[kind]
	return ev, ok
}

// LatestFrame returns the most recent published frame, if any.
func (b *Bus) LatestFrame() (FramePayload, bool) {
	ev, ok := b.Current(KindFrame)
	if !ok {
		return FramePayload{}, false
	}
	frame, ok := ev.Payload.(FramePayload)
	return frame, ok
}

// History returns a copy of the bounded history for an append kind.
func (b *Bus) History(kind Kind) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var src []Event
	switch kind {
	case KindThought:
		src = b.thoughts
	case KindAction:
		src = b.actions
	case KindChatMessage:
		src = b.chats
	default:
		return nil
	}
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers and stops accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Events returns the subscriber's receive channel. Closed when the
// subscription or the bus closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// ID returns the subscriber's unique ID.
func (s *Subscription) ID() string {
	return s.id
}

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.finish()
}

func (s *Subscription) finish() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// offer enqueues without blocking, evicting the oldest buffered event on
// overflow.
func (s *Subscription) offer(ev Event) {
	if s.closed.Load() {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			droppedTotal.Inc()
		default:
			// Consumer drained between selects; retry the send.
		}
		if s.dropped.Load()%100 == 1 {
			slog.Warn("Slow event subscriber dropping events",
				"subscriber_id", s.id,
				"dropped", s.dropped.Load())
		}
	}
}

func appendBounded(list []Event, ev Event, max int) []Event {
	list = append(list, ev)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
