package raft

import "sync"

// membership is a server's view of the cluster: a snapshot mapping node IDs
// to delivery handles. It's an address book, not an ownership relation. A
// membership-changed notification replaces the whole view; views are never
// partially merged. Quorum arithmetic always runs against the current view,
// so the protocol stays correct under permanently unreachable peers as long
// as a majority of the configured membership remains reachable.
type membership struct {
	sync.RWMutex
	peers Peers
}

func newMembership(peers Peers) *membership {
	return &membership{peers: peers}
}

// set replaces the view wholesale.
func (m *membership) set(peers Peers) {
	m.Lock()
	defer m.Unlock()
	m.peers = peers
}

func (m *membership) get(id uint64) (Peer, bool) {
	m.RLock()
	defer m.RUnlock()
	peer, ok := m.peers[id]
	return peer, ok
}

// allPeers returns a copy of the view, safe to iterate without the lock.
func (m *membership) allPeers() Peers {
	m.RLock()
	defer m.RUnlock()

	snapshot := Peers{}
	for id, peer := range m.peers {
		snapshot[id] = peer
	}
	return snapshot
}

func (m *membership) count() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.peers)
}

// pass reports whether the votes map represents a strict majority of the
// current view. Votes from nodes outside the view are not counted.
func (m *membership) pass(votes map[uint64]bool) bool {
	m.RLock()
	defer m.RUnlock()

	have, required := 0, m.peers.quorum()
	for id := range m.peers {
		if votes[id] {
			have++
		}
		if have >= required {
			return true
		}
	}
	return have >= required
}
