package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryFeed is an in-process change-feed adapter with the same contract as
// RedisFeed. It backs unit tests and keeps the reconciler testable without a
// live network dependency.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[uuid.UUID][]*memorySub
}

type memorySub struct {
	viewer uuid.UUID
	ch     chan Event
	closed bool
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[uuid.UUID][]*memorySub)}
}

func (f *MemoryFeed) Publish(ctx context.Context, ev Event) error {
	low, high := ev.Participants()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, userID := range []uuid.UUID{low, high} {
		for _, sub := range f.subs[userID] {
			if sub.closed {
				continue
			}
			sub.ch <- ev
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, viewerID uuid.UUID) (<-chan Event, CancelFunc, error) {
	sub := &memorySub{viewer: viewerID, ch: make(chan Event, subscriberBuffer)}
	f.mu.Lock()
	f.subs[viewerID] = append(f.subs[viewerID], sub)
	f.mu.Unlock()

	cancel := func() { f.drop(sub) }
	return sub.ch, cancel, nil
}

// DisconnectAll closes every open subscription, simulating a transport
// loss: consumers observe a closed channel and reseed.
func (f *MemoryFeed) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for viewer, subs := range f.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(f.subs, viewer)
	}
}

func (f *MemoryFeed) drop(target *memorySub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[target.viewer]
	for i, sub := range subs {
		if sub == target {
			f.subs[target.viewer] = append(subs[:i], subs[i+1:]...)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			return
		}
	}
}
