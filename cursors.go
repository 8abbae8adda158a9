package raft

import (
	"fmt"
	"sync"
)

// cursors is the leader's per-follower replication bookkeeping: for each
// follower, the next log index to send, and the highest index known
// replicated there. It's read and written by concurrent flush goroutines, so
// every mutation is guarded by the nextIndex the caller based its request
// on; a stale caller gets errOutOfSync instead of corrupting the cursor.
type cursors struct {
	sync.RWMutex
	next  map[uint64]uint64 // followerID: next index to send
	match map[uint64]uint64 // followerID: highest replicated index
}

func newCursors(pm Peers, defaultNext uint64) *cursors {
	c := &cursors{
		next:  map[uint64]uint64{},
		match: map[uint64]uint64{},
	}
	for id := range pm {
		c.next[id] = defaultNext
		c.match[id] = 0
	}
	return c
}

// sync reconciles the cursors with a replaced membership view: new followers
// get fresh cursors, removed followers are forgotten.
func (c *cursors) sync(pm Peers, defaultNext uint64) {
	c.Lock()
	defer c.Unlock()

	for id := range pm {
		if _, ok := c.next[id]; !ok {
			c.next[id] = defaultNext
			c.match[id] = 0
		}
	}
	for id := range c.next {
		if _, ok := pm[id]; !ok {
			delete(c.next, id)
			delete(c.match, id)
		}
	}
}

func (c *cursors) nextIndex(id uint64) (uint64, bool) {
	c.RLock()
	defer c.RUnlock()
	n, ok := c.next[id]
	return n, ok
}

// matchIndexes returns a copy of the match map, for quorum counting.
func (c *cursors) matchIndexes() map[uint64]uint64 {
	c.RLock()
	defer c.RUnlock()

	m := make(map[uint64]uint64, len(c.match))
	for id, index := range c.match {
		m[id] = index
	}
	return m
}

// backoff moves the follower's next index after a rejection: to the
// follower's reported conflict hint when one was supplied, otherwise back one
// position. A hint can point past the current cursor, when the probe fell
// below the follower's commit index. prev guards against concurrent flushes
// racing on the cursor.
func (c *cursors) backoff(id, prev, hint uint64) (uint64, error) {
	c.Lock()
	defer c.Unlock()

	i, ok := c.next[id]
	if !ok {
		return 0, fmt.Errorf("peer %d not tracked", id)
	}
	if i != prev {
		return i, errOutOfSync
	}

	next := i - 1
	if hint > 0 {
		next = hint
	}
	if next < 1 {
		next = 1
	}
	c.next[id] = next
	return next, nil
}

// advance records a successful replication up to matched, and moves the next
// index past it. prev guards against concurrent flushes racing on the cursor.
func (c *cursors) advance(id, matched, prev uint64) error {
	c.Lock()
	defer c.Unlock()

	i, ok := c.next[id]
	if !ok {
		return fmt.Errorf("peer %d not tracked", id)
	}
	if i != prev {
		return errOutOfSync
	}

	if matched > c.match[id] {
		c.match[id] = matched
	}
	c.next[id] = matched + 1
	return nil
}
