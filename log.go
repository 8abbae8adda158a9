package raft

import (
	"sync"
	"time"
)

// LogEntry is the atomic unit being managed by the distributed log. A log
// entry always has an index (monotonically increasing), a term in which the
// leader first saw the entry, and a command. The command is what gets applied
// to the node's state machine when the entry is committed.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"` // when received by leader
	Command []byte `json:"command,omitempty"`

	commandResponse chan<- []byte // only present on the proposing node's log
}

// raftLog is a server's ordered, append-only record of command entries.
// It owns the commit and apply bookkeeping: commitIndex is the highest index
// known replicated to a majority, lastApplied the highest index handed to the
// state machine. lastApplied never exceeds commitIndex, which never exceeds
// the last index.
type raftLog struct {
	sync.RWMutex
	store       Store
	machine     StateMachine
	entries     []LogEntry
	commitIndex uint64
	lastApplied uint64
	respTimeout time.Duration // patience for command response receivers, << election timeout
}

// newRaftLog recovers any entries the store already holds, so a restarted
// server rejoins with its log intact. Recovered entries are not re-applied:
// commitIndex and lastApplied are volatile, and advance again only through
// normal replication.
func newRaftLog(store Store, machine StateMachine) (*raftLog, error) {
	entries, err := store.Entries()
	if err != nil {
		return nil, err
	}
	return &raftLog{
		store:       store,
		machine:     machine,
		entries:     entries,
		respTimeout: fallbackHeartbeatInterval,
	}, nil
}

// entriesAfter returns a copy of the log entries after (i.e. not including)
// the passed index, and the term of the entry at that index. It populates
// AppendEntries RPCs, so the returned entries are stripped of their response
// channels: command responses are owed only on the proposing node.
func (l *raftLog) entriesAfter(index uint64) ([]LogEntry, uint64) {
	l.RLock()
	defer l.RUnlock()

	i := 0
	lastTerm := uint64(0)
	for ; i < len(l.entries); i++ {
		if l.entries[i].Index > index {
			break
		}
		lastTerm = l.entries[i].Term
	}

	a := l.entries[i:]
	if len(a) == 0 {
		return []LogEntry{}, lastTerm
	}

	stripped := make([]LogEntry, len(a))
	for i, entry := range a {
		stripped[i] = LogEntry{
			Index:   entry.Index,
			Term:    entry.Term,
			Command: entry.Command,
		}
	}
	return stripped, lastTerm
}

// ensureLastIs deletes all uncommitted log entries after the given index and
// term. It will fail if the given index doesn't exist, has already been
// committed, or doesn't match the given term.
//
// This method satisfies the requirement that an entry in an AppendEntries
// call precisely follows the accompanying PrevLogTerm and PrevLogIndex.
func (l *raftLog) ensureLastIs(index, term uint64) error {
	l.Lock()
	defer l.Unlock()

	if index < l.commitIndex {
		return errIndexTooSmall
	}

	if index > uint64(len(l.entries)) {
		return errIndexTooBig
	}

	// index 0 means the leader has decided we need a complete log rebuild.
	// Only valid if we haven't committed anything, which the commitIndex
	// check above already guarantees.
	if index == 0 {
		l.truncateFromWithLock(1)
		return nil
	}

	entry := l.entries[index-1]
	if entry.Term != term {
		return errBadTerm
	}

	if index < uint64(len(l.entries)) {
		l.truncateFromWithLock(index + 1)
	}
	return nil
}

// truncateFromWithLock drops the entry at index and everything after it, in
// memory and in the store. Clients waiting on dropped entries get their
// response channel closed without a value, so they aren't stuck forever.
func (l *raftLog) truncateFromWithLock(index uint64) {
	if index > uint64(len(l.entries)) {
		return
	}
	for _, deleted := range l.entries[index-1:] {
		if deleted.commandResponse != nil {
			close(deleted.commandResponse)
			deleted.commandResponse = nil
		}
	}
	l.entries = l.entries[:index-1]
	if err := l.store.TruncateFrom(index); err != nil {
		log.Errorf("raft log: truncate store from %d: %s", index, err)
	}
}

// conflictHint reports the index a rejected leader should next try, given
// the prevLogIndex it sent: the first index of the term occupying
// prevLogIndex in our log, or one past our last entry when our log is short.
// This lets the leader converge in one round per divergent term rather than
// one round per entry.
func (l *raftLog) conflictHint(prevLogIndex uint64) uint64 {
	l.RLock()
	defer l.RUnlock()

	if prevLogIndex > uint64(len(l.entries)) {
		return uint64(len(l.entries)) + 1
	}
	if prevLogIndex == 0 {
		// a full-rebuild probe from a leader whose cursor decayed; point it
		// just past what we've committed
		return l.commitIndex + 1
	}

	conflictTerm := l.entries[prevLogIndex-1].Term
	first := prevLogIndex
	for first > 1 && l.entries[first-2].Term == conflictTerm {
		first--
	}
	if first <= l.commitIndex {
		// never invite the leader to rewrite committed entries
		first = l.commitIndex + 1
	}
	return first
}

// getCommitIndex returns the index of the last committed entry.
func (l *raftLog) getCommitIndex() uint64 {
	l.RLock()
	defer l.RUnlock()
	return l.commitIndex
}

// getLastApplied returns the index of the last entry handed to the machine.
func (l *raftLog) getLastApplied() uint64 {
	l.RLock()
	defer l.RUnlock()
	return l.lastApplied
}

// lastIndex returns the index of the most recent log entry.
func (l *raftLog) lastIndex() uint64 {
	l.RLock()
	defer l.RUnlock()
	return l.lastIndexWithLock()
}

func (l *raftLog) lastIndexWithLock() uint64 {
	if len(l.entries) <= 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

// lastTerm returns the term of the most recent log entry.
func (l *raftLog) lastTerm() uint64 {
	l.RLock()
	defer l.RUnlock()
	return l.lastTermWithLock()
}

func (l *raftLog) lastTermWithLock() uint64 {
	if len(l.entries) <= 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// termAt returns the term of the entry at the given index, or zero when no
// such entry exists.
func (l *raftLog) termAt(index uint64) uint64 {
	l.RLock()
	defer l.RUnlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return 0
	}
	return l.entries[index-1].Term
}

// appendEntry appends the passed log entry to the log and the store.
// Entries must arrive with strictly increasing indexes and non-decreasing
// terms; anything else is rejected.
func (l *raftLog) appendEntry(entry LogEntry) error {
	l.Lock()
	defer l.Unlock()

	if len(entry.Command) <= 0 {
		return errNoCommand
	}
	if entry.Index <= 0 {
		return errBadIndex
	}
	if entry.Term <= 0 {
		return errBadTerm
	}

	if len(l.entries) > 0 {
		lastTerm := l.lastTermWithLock()
		if entry.Term < lastTerm {
			return errTermTooSmall
		}
		if entry.Term == lastTerm && entry.Index <= l.lastIndexWithLock() {
			return errIndexTooSmall
		}
	}

	if err := l.store.Append(entry); err != nil {
		return err
	}
	l.entries = append(l.entries, entry)
	return nil
}

// commitTo advances the commit index to the passed value and applies every
// newly committed entry, in index order with no gaps, to the state machine.
// Each index is applied exactly once; the machine's result is delivered to
// the waiting client, if this node took the proposal.
func (l *raftLog) commitTo(commitIndex uint64) error {
	l.Lock()
	defer l.Unlock()

	// commitIndex is monotonic
	if commitIndex < l.commitIndex {
		return errIndexTooSmall
	}
	if commitIndex > uint64(len(l.entries)) {
		return errIndexTooBig
	}
	if commitIndex == l.commitIndex {
		return nil
	}

	l.commitIndex = commitIndex
	for l.lastApplied < l.commitIndex {
		entry := l.entries[l.lastApplied]
		resp := l.machine.Apply(entry.Index, entry.Command)
		l.lastApplied = entry.Index

		if entry.commandResponse != nil {
			// Patience here holds up the whole log, heartbeats included, so
			// it must stay well under the election timeout: an abandoned
			// response channel must never cost a healthy leader its term.
			select {
			case entry.commandResponse <- resp:
			case <-time.After(l.respTimeout):
			}
			close(entry.commandResponse)
			l.entries[l.lastApplied-1].commandResponse = nil
		}
	}

	return nil
}
