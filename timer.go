package raft

import (
	"math/rand"
	"sync"
	"time"
)

// electionTimer produces the randomized timeouts that drive a node from
// passive follower to candidate. Every Reset draws a fresh duration,
// uniformly from [min, max), from the timer's own random source, so that
// nodes sharing a process never synchronize their elections.
type electionTimer struct {
	min, max time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	timer *time.Timer
}

// newElectionTimer returns a stopped timer; call Reset to arm it. A zero
// seed is replaced by the current time, so distinct nodes get distinct
// sequences by default. Tests pass explicit seeds for determinism.
func newElectionTimer(min, max time.Duration, seed int64) *electionTimer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &electionTimer{
		min: min,
		max: max,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Reset arms the timer with a fresh random timeout and returns the channel
// it will fire on. Any previously armed timeout is abandoned.
func (t *electionTimer) Reset() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.NewTimer(t.interval())
	return t.timer.C
}

// Stop cancels any armed timeout. Leaders keep their timer stopped: they
// assert liveness with heartbeats instead.
func (t *electionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *electionTimer) interval() time.Duration {
	spread := int64(t.max - t.min)
	if spread <= 0 {
		return t.min
	}
	return t.min + time.Duration(t.rng.Int63n(spread))
}
