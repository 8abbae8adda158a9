package raft

type appendEntriesTuple struct {
	Request  AppendEntries
	Response chan AppendEntriesResponse
}

type requestVoteTuple struct {
	Request  RequestVote
	Response chan RequestVoteResponse
}

// AppendEntries represents an AppendEntries RPC. With zero entries it doubles
// as the leader heartbeat, so followers treat both shapes uniformly.
type AppendEntries struct {
	Term         uint64     `json:"term"`
	LeaderID     uint64     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	CommitIndex  uint64     `json:"commit_index"`
}

// AppendEntriesResponse represents the response to an AppendEntries RPC.
// On a log-mismatch rejection, ConflictIndex is the earliest index the leader
// should retry from: the first index of the conflicting term, or one past the
// follower's last index when the follower's log is short. Zero means no hint,
// and the leader falls back to single-step backoff.
type AppendEntriesResponse struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
	reason        string
}

// RequestVote represents a RequestVote RPC.
type RequestVote struct {
	Term         uint64 `json:"term"`
	CandidateID  uint64 `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// RequestVoteResponse represents the response to a RequestVote RPC.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
	reason      string
}
