package raft

import (
	"sync"

	"github.com/google/uuid"
)

// ElectionStarted is published when a node begins campaigning: it has
// incremented its term, voted for itself, and broadcast RequestVote RPCs.
type ElectionStarted struct {
	Term        uint64
	CandidateID uint64
}

// LeaderElected is published when a candidate collects a strict majority of
// votes and assumes leadership for the term.
type LeaderElected struct {
	Term     uint64
	LeaderID uint64
}

// eventBus fans protocol notifications out to any number of independent
// observers. Publishing never blocks: a subscriber that falls behind misses
// events rather than stalling the consensus loop.
type eventBus struct {
	mu     sync.Mutex
	closed bool
	subs   map[uuid.UUID]chan interface{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[uuid.UUID]chan interface{}{}}
}

func (b *eventBus) subscribe(buffer int) (uuid.UUID, <-chan interface{}) {
	if buffer < 1 {
		buffer = 1
	}
	c := make(chan interface{}, buffer)
	token := uuid.New()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// a subscriber arriving after shutdown gets the same signal a
		// subscriber present at shutdown got
		close(c)
		return token, c
	}
	b.subs[token] = c
	return token, c
}

func (b *eventBus) unsubscribe(token uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.subs[token]; ok {
		close(c)
		delete(b.subs, token)
	}
}

func (b *eventBus) publish(event interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.subs {
		select {
		case c <- event:
		default: // slow observer, drop
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for token, c := range b.subs {
		close(c)
		delete(b.subs, token)
	}
}
