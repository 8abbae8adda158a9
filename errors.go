package raft

import (
	"errors"
	"fmt"
)

var (
	errTimeout               = errors.New("timeout")
	errStopped               = errors.New("server stopped")
	errAppendEntriesRejected = errors.New("appendEntries RPC rejected")
	errOutOfSync             = errors.New("out of sync")

	errTermTooSmall  = errors.New("term too small")
	errIndexTooSmall = errors.New("index too small")
	errIndexTooBig   = errors.New("commit index too big")
	errNoCommand     = errors.New("no command")
	errBadIndex      = errors.New("bad index")
	errBadTerm       = errors.New("bad term")
)

// deposedError reports that a replication response carried a higher term
// than ours. The leader must adopt that term on its way down.
type deposedError struct {
	term uint64
}

func (e deposedError) Error() string {
	return fmt.Sprintf("deposed during replication (term %d)", e.term)
}

// NotLeaderError is returned from Command on a node that isn't the leader.
// Leader carries the caller's best redirect target: the node we currently
// believe leads the cluster, or zero when no leader is known.
type NotLeaderError struct {
	Leader uint64
}

func (e NotLeaderError) Error() string {
	if e.Leader == unknownLeader {
		return "not the leader (leader unknown)"
	}
	return fmt.Sprintf("not the leader (try %d)", e.Leader)
}
