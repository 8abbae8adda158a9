package raft

import "sync"

// Store is the persistence layer behind a server's Metadata: the current
// term, the vote cast in that term, and the ordered log of entries. It's
// read once at server creation, in case a crashed server is restarted over
// already-persisted state, and written to during normal operation. The
// engine is the only writer; a Store is never shared between servers.
type Store interface {
	// SetState durably records the current term and vote.
	SetState(term, votedFor uint64) error

	// State returns the most recently recorded term and vote. A fresh store
	// returns zeros.
	State() (term, votedFor uint64, err error)

	// Append durably appends entries to the log.
	Append(entries ...LogEntry) error

	// TruncateFrom removes the entry at index and everything after it.
	TruncateFrom(index uint64) error

	// Entries returns all persisted log entries, in index order.
	Entries() ([]LogEntry, error)

	Close() error
}

// MemoryStore is a volatile Store, for tests and for nodes whose state is
// allowed to die with the process. The zero value is ready to use.
type MemoryStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor uint64
	entries  []LogEntry
}

func (s *MemoryStore) SetState(term, votedFor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term, s.votedFor = term, votedFor
	return nil
}

func (s *MemoryStore) State() (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.votedFor, nil
}

func (s *MemoryStore) Append(entries ...LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries = append(s.entries, LogEntry{Index: e.Index, Term: e.Term, Command: e.Command})
	}
	return nil
}

func (s *MemoryStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Index >= index {
			s.entries = s.entries[:i]
			break
		}
	}
	return nil
}

func (s *MemoryStore) Entries() ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]LogEntry, len(s.entries))
	copy(entries, s.entries)
	return entries, nil
}

func (s *MemoryStore) Close() error { return nil }
