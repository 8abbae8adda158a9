package raft

// StateMachine is the application-defined machine that committed commands are
// applied to. Apply is invoked exactly once per committed log index, in
// strictly increasing index order with no gaps, and never concurrently.
// The returned bytes are delivered as the command response to the client that
// proposed the entry, on the node that accepted the proposal.
//
// Apply has no error return on purpose: how an adapter treats a command it
// cannot process is its own policy, and must never stall the commit pipeline.
// Implementations should return quickly, i.e. well under the minimum election
// timeout.
type StateMachine interface {
	Apply(index uint64, cmd []byte) []byte
}

// ApplyFunc adapts a plain function to the StateMachine interface.
type ApplyFunc func(index uint64, cmd []byte) []byte

// Apply implements StateMachine.
func (f ApplyFunc) Apply(index uint64, cmd []byte) []byte { return f(index, cmd) }
