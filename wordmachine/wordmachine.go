// Package wordmachine is a small example state machine for the raft package:
// every committed command is a word token, and the machine's state is the
// concatenation of all tokens applied so far.
package wordmachine

import (
	"strings"
	"sync"
)

// Machine implements raft.StateMachine. The engine applies commands one at a
// time, but observers may read concurrently, so state is guarded.
type Machine struct {
	mu    sync.RWMutex
	words []string
}

func New() *Machine { return &Machine{} }

// Apply appends the command token and returns the concatenation so far.
func (m *Machine) Apply(index uint64, cmd []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words = append(m.words, string(cmd))
	return []byte(strings.Join(m.words, " "))
}

// String returns the words applied so far, space-separated.
func (m *Machine) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return strings.Join(m.words, " ")
}

// Words returns a copy of the applied tokens, in apply order.
func (m *Machine) Words() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	words := make([]string, len(m.words))
	copy(words, m.words)
	return words
}

// Contains reports whether the given token has been applied.
func (m *Machine) Contains(word string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.words {
		if w == word {
			return true
		}
	}
	return false
}
