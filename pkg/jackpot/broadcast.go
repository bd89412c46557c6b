package jackpot

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Feed pushes committed snapshots to subscribers.
//
// Publish never blocks: a subscriber that falls behind loses its oldest
// pending snapshots, never the newest. Snapshots with a version not above the current one are
// dropped, so duplicate or reordered deliveries from Kafka are harmless.
type Feed struct {
	mu      sync.RWMutex
	current Snapshot
	seeded  bool
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	logger  zerolog.Logger

	onSubscribers func(n int)
}

// Subscription receives snapshots on C until Close.
type Subscription struct {
	C <-chan Snapshot

	id   uint64
	ch   chan Snapshot
	feed *Feed
	once sync.Once
}

// NewFeed creates a feed with a per-subscriber buffer.
func NewFeed(buffer int, logger zerolog.Logger) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	return &Feed{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// OnSubscribersChanged registers a callback for subscriber count changes.
func (f *Feed) OnSubscribersChanged(fn func(n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubscribers = fn
}

// Publish offers s to every subscriber. It returns false for stale snapshots.
func (f *Feed) Publish(s Snapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seeded && !s.Newer(f.current) {
		f.logger.Debug().
			Int64("version", s.Version).
			Int64("current_version", f.current.Version).
			Msg("Ignoring stale jackpot snapshot")
		return false
	}
	f.current = s
	f.seeded = true
	for _, sub := range f.subs {
		sub.offer(s)
	}
	return true
}

// Subscribe registers a subscriber. The current snapshot is already queued on C.
func (f *Feed) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	ch := make(chan Snapshot, f.buffer)
	sub := &Subscription{C: ch, id: f.nextID, ch: ch, feed: f}
	ch <- f.current
	f.subs[sub.id] = sub
	f.notify()
	return sub
}

// Listen subscribes for the lifetime of ctx or until the returned cancel is called.
func (f *Feed) Listen(ctx context.Context) (<-chan Snapshot, context.CancelFunc) {
	listenerCtx, cancel := context.WithCancel(ctx)
	sub := f.Subscribe()
	go func() {
		<-listenerCtx.Done()
		sub.Close()
	}()
	return sub.C, cancel
}

// Snapshot returns the newest published snapshot.
func (f *Feed) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Subscribers returns the number of open subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		f := s.feed
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, s.id)
		f.notify()
		close(s.ch)
	})
}

// offer is called with the feed lock held.
func (s *Subscription) offer(snap Snapshot) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	// Full: drop the oldest pending snapshot, then retry once.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (f *Feed) notify() {
	if f.onSubscribers != nil {
		f.onSubscribers(len(f.subs))
	}
}

// Watermark tracks the last applied version on the receiving side.
type Watermark struct {
	mu      sync.Mutex
	last    int64
	applied bool
}

// Apply reports whether s should be applied and records it if so.
// Only strictly greater versions pass after the first.
func (w *Watermark) Apply(s Snapshot) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.applied && s.Version <= w.last {
		return false
	}
	w.last = s.Version
	w.applied = true
	return true
}

// Last returns the last applied version.
func (w *Watermark) Last() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
