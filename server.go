// Package raft is an implementation of the Raft distributed consensus
// protocol: leader election, log replication, and the commit/apply pipeline
// over a pluggable state machine.
package raft

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("raft")

// State is the role a server currently plays in its cluster.
type State string

const (
	Follower  State = "Follower"
	Candidate State = "Candidate"
	Leader    State = "Leader"
)

const (
	unknownLeader = 0
	noVote        = 0
)

// protectedState is a State protected by a mutex.
type protectedState struct {
	sync.RWMutex
	value State
}

func (s *protectedState) Get() State {
	s.RLock()
	defer s.RUnlock()
	return s.value
}

func (s *protectedState) Set(value State) {
	s.Lock()
	defer s.Unlock()
	s.value = value
}

// protectedBool is a bool protected by a mutex.
type protectedBool struct {
	sync.RWMutex
	value bool
}

func (s *protectedBool) Get() bool {
	s.RLock()
	defer s.RUnlock()
	return s.value
}

func (s *protectedBool) Set(value bool) {
	s.Lock()
	defer s.Unlock()
	s.value = value
}

// protectedUint64 is a uint64 protected by a mutex.
type protectedUint64 struct {
	sync.RWMutex
	value uint64
}

func (s *protectedUint64) Get() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.value
}

func (s *protectedUint64) Set(value uint64) {
	s.Lock()
	defer s.Unlock()
	s.value = value
}

// Server is the agent that performs all of the Raft protocol logic for one
// cluster member. It's an internally sequential state machine: a single
// goroutine owns the term, the vote, and the log, and processes one inbound
// message or timer event at a time. Everything else — peers, clients,
// observers — talks to that goroutine over channels.
type Server struct {
	id      uint64 // id of this server
	state   *protectedState
	running *protectedBool
	leader  *protectedUint64 // who we believe is the leader
	term    *protectedUint64 // current term number, increases monotonically
	vote    uint64           // who we voted for this term, if applicable
	log     *raftLog
	store   Store
	view    *membership
	config  Config
	timer   *electionTimer
	events  *eventBus

	appendEntriesChan chan appendEntriesTuple
	requestVoteChan   chan requestVoteTuple
	commandChan       chan commandTuple
	membershipChan    chan membershipTuple

	electionTick <-chan time.Time
	quit         chan chan struct{}
	stopped      chan struct{}
}

// NewServer returns an initialized, un-started server. The ID must be unique
// in the Raft network, and greater than 0. The store persists the server's
// Metadata (current term, vote, log); it's read during creation, in case a
// crashed server is restarted over already-persisted state. The machine
// receives every committed command, exactly once per index, in order.
//
// NewServer creates a server, but you'll need to give it a membership view
// (SetMembership) and couple it with a transport to make it usable.
func NewServer(id uint64, store Store, machine StateMachine, config Config) (*Server, error) {
	if id <= 0 {
		panic("server id must be > 0")
	}
	config = config.withDefaults()

	raftLog, err := newRaftLog(store, machine)
	if err != nil {
		return nil, err
	}
	raftLog.respTimeout = config.HeartbeatInterval

	term, vote, err := store.State()
	if err != nil {
		return nil, err
	}
	if t := raftLog.lastTerm(); t > term {
		// the log is newer than the recorded state; the recorded vote
		// belongs to an older term
		term, vote = t, noVote
	}

	s := &Server{
		id:      id,
		state:   &protectedState{value: Follower}, // "when servers start up they begin as followers"
		running: &protectedBool{},
		leader:  &protectedUint64{value: unknownLeader},
		term:    &protectedUint64{value: term},
		vote:    vote,
		log:     raftLog,
		store:   store,
		view:    newMembership(Peers{}),
		config:  config,
		timer:   newElectionTimer(config.MinElectionTimeout, config.MaxElectionTimeout, config.Seed),
		events:  newEventBus(),

		appendEntriesChan: make(chan appendEntriesTuple),
		requestVoteChan:   make(chan requestVoteTuple),
		commandChan:       make(chan commandTuple),
		membershipChan:    make(chan membershipTuple),

		quit:    make(chan chan struct{}),
		stopped: make(chan struct{}),
	}
	s.resetElectionTimeout()
	return s, nil
}

// ID returns the server's unique identifier.
func (s *Server) ID() uint64 { return s.id }

// State returns the server's current role.
func (s *Server) State() State { return s.state.Get() }

// Term returns the server's current term.
func (s *Server) Term() uint64 { return s.term.Get() }

// Leader returns the ID of the node this server believes leads the cluster,
// or zero when no leader is known.
func (s *Server) Leader() uint64 { return s.leader.Get() }

// CommitIndex returns the highest log index known committed on this server.
func (s *Server) CommitIndex() uint64 { return s.log.getCommitIndex() }

// LastApplied returns the highest log index applied to this server's state
// machine.
func (s *Server) LastApplied() uint64 { return s.log.getLastApplied() }

type membershipTuple struct {
	Peers Peers
	Err   chan error
}

// SetMembership replaces the server's view of the cluster, wholesale. The
// view should include a peer that represents this server. Before Start, the
// view is set directly; afterwards it's delivered to the consensus loop as a
// membership-changed notification and applied between protocol events.
func (s *Server) SetMembership(peers ...Peer) error {
	if !s.running.Get() {
		s.view.set(MakePeers(peers...))
		return nil
	}

	err := make(chan error)
	select {
	case s.membershipChan <- membershipTuple{MakePeers(peers...), err}:
	case <-s.stopped:
		return errStopped
	}
	select {
	case e := <-err:
		return e
	case <-s.stopped:
		return errStopped
	}
}

// Subscribe registers an observer for protocol notifications
// (ElectionStarted, LeaderElected). Events are delivered best-effort on the
// returned channel: an observer that stops draining misses events rather
// than blocking the protocol. The token cancels the subscription via
// Unsubscribe.
func (s *Server) Subscribe(buffer int) (uuid.UUID, <-chan interface{}) {
	return s.events.subscribe(buffer)
}

// Unsubscribe cancels a subscription and closes its channel.
func (s *Server) Unsubscribe(token uuid.UUID) {
	s.events.unsubscribe(token)
}

// Start triggers the server to begin communicating with its peers.
func (s *Server) Start() {
	go s.loop()
}

// Stop terminates the server. Stopped servers should not be restarted:
// restarting a member means building a new Server over the same Store.
func (s *Server) Stop() {
	select {
	case <-s.stopped:
		return // already stopped
	default:
	}
	q := make(chan struct{})
	select {
	case s.quit <- q:
		<-q
	case <-s.stopped:
		return
	}
	s.logGeneric("server stopped")
}

type commandTuple struct {
	Command         []byte
	CommandResponse chan<- []byte
	Err             chan error
}

// Command appends cmd to the leader log. If error is nil, the command will
// eventually get replicated throughout the Raft network, and when it commits
// on this server the state machine's result arrives on response. On a
// non-leader, Command fails with a NotLeaderError carrying the current
// leader hint, if one is known.
func (s *Server) Command(cmd []byte, response chan<- []byte) error {
	err := make(chan error)
	select {
	case s.commandChan <- commandTuple{cmd, response, err}:
	case <-s.stopped:
		return errStopped
	}
	select {
	case e := <-err:
		return e
	case <-s.stopped:
		return errStopped
	}
}

// appendEntries processes the given RPC and returns the response.
func (s *Server) appendEntries(ae AppendEntries) AppendEntriesResponse {
	t := appendEntriesTuple{
		Request:  ae,
		Response: make(chan AppendEntriesResponse),
	}
	select {
	case s.appendEntriesChan <- t:
	case <-s.stopped:
		return AppendEntriesResponse{reason: "server stopped"}
	}
	select {
	case resp := <-t.Response:
		return resp
	case <-s.stopped:
		return AppendEntriesResponse{reason: "server stopped"}
	}
}

// requestVote processes the given RPC and returns the response.
func (s *Server) requestVote(rv RequestVote) RequestVoteResponse {
	t := requestVoteTuple{
		Request:  rv,
		Response: make(chan RequestVoteResponse),
	}
	select {
	case s.requestVoteChan <- t:
	case <-s.stopped:
		return RequestVoteResponse{reason: "server stopped"}
	}
	select {
	case resp := <-t.Response:
		return resp
	case <-s.stopped:
		return RequestVoteResponse{reason: "server stopped"}
	}
}

//                                  times out,
//                                 new election
//     |                             .-----.
//     |                             |     |
//     v         times out,          |     v     receives votes from
// +----------+  starts election  +-----------+  majority of servers  +--------+
// | Follower |------------------>| Candidate |---------------------->| Leader |
// +----------+                   +-----------+                       +--------+
//     ^ ^                              |                                 |
//     | |    discovers current leader  |                                 |
//     | |                 or new term  |                                 |
//     | '------------------------------'                                 |
//     |                                                                  |
//     |                               discovers server with higher term  |
//     '------------------------------------------------------------------'
//
//

func (s *Server) loop() {
	s.running.Set(true)
	for s.running.Get() {
		switch state := s.state.Get(); state {
		case Follower:
			s.followerSelect()
		case Candidate:
			s.candidateSelect()
		case Leader:
			s.leaderSelect()
		default:
			panic(fmt.Sprintf("unknown Server State '%s'", state))
		}
	}
}

func (s *Server) resetElectionTimeout() {
	s.electionTick = s.timer.Reset()
}

// adoptTerm moves the server into a higher term observed on the wire: the
// term is never regressed, the vote belongs to the old term and is cleared,
// and both are persisted. A term at or below our own is ignored.
func (s *Server) adoptTerm(term uint64) {
	if term <= s.term.Get() {
		return
	}
	s.term.Set(term)
	s.vote = noVote
	s.persistState()
}

// persistState records the current term and vote in the store. A write
// failure is logged but doesn't abort the transition: the in-memory protocol
// state is authoritative while the process lives.
func (s *Server) persistState() {
	if err := s.store.SetState(s.term.Get(), s.vote); err != nil {
		s.logGeneric("persist term/vote: %s", err)
	}
}

func (s *Server) logGeneric(format string, args ...interface{}) {
	prefix := fmt.Sprintf("id=%d term=%d state=%s: ", s.id, s.term.Get(), s.state.Get())
	log.Debugf(prefix+format, args...)
}

func (s *Server) logAppendEntriesResponse(req AppendEntries, resp AppendEntriesResponse, stepDown bool) {
	s.logGeneric(
		"got appendEntries, sz=%d leader=%d prevIndex/Term=%d/%d commitIndex=%d: responded with success=%v (reason='%s') stepDown=%v",
		len(req.Entries),
		req.LeaderID,
		req.PrevLogIndex,
		req.PrevLogTerm,
		req.CommitIndex,
		resp.Success,
		resp.reason,
		stepDown,
	)
}

func (s *Server) logRequestVoteResponse(req RequestVote, resp RequestVoteResponse, stepDown bool) {
	s.logGeneric(
		"got requestVote, candidate=%d: responded with granted=%v (reason='%s') stepDown=%v",
		req.CandidateID,
		resp.VoteGranted,
		resp.reason,
		stepDown,
	)
}

func (s *Server) handleQuit(q chan struct{}) {
	s.logGeneric("got quit signal")
	s.running.Set(false)
	s.timer.Stop()
	s.events.closeAll()
	close(s.stopped)
	close(q)
}

// rejectCommand answers a client command on a non-leader: not-leader, with
// the current leader hint if we have one.
func (s *Server) rejectCommand(t commandTuple) {
	hint := s.leader.Get()
	s.logGeneric("got command, not the leader (hint=%d)", hint)
	t.Err <- NotLeaderError{Leader: hint}
}

func (s *Server) followerSelect() {
	for {
		select {
		case q := <-s.quit:
			s.handleQuit(q)
			return

		case t := <-s.commandChan:
			s.rejectCommand(t)

		case t := <-s.membershipChan:
			s.view.set(t.Peers)
			s.logGeneric("membership changed, %d members", s.view.count())
			t.Err <- nil

		case <-s.electionTick:
			// 5.2 Leader election: "A follower increments its current term
			// and transitions to candidate state."
			if s.view.count() == 0 {
				s.logGeneric("election timeout, but no membership view: ignoring")
				s.resetElectionTimeout()
				continue
			}
			s.logGeneric("election timeout, becoming candidate")
			s.term.Set(s.term.Get() + 1)
			s.vote = noVote
			s.leader.Set(unknownLeader)
			s.state.Set(Candidate)
			s.resetElectionTimeout()
			return

		case t := <-s.appendEntriesChan:
			// A request from a departed term must not color our view of who
			// leads; only follow senders whose term survives the handler.
			stale := t.Request.Term < s.term.Get()
			resp, stepDown := s.handleAppendEntries(t.Request)
			s.logAppendEntriesResponse(t.Request, resp, stepDown)
			t.Response <- resp
			if !stale && s.leader.Get() != t.Request.LeaderID {
				if l := s.leader.Get(); l == unknownLeader {
					s.logGeneric("discovered Leader %d", t.Request.LeaderID)
				} else {
					s.logGeneric("abandoning old leader=%d, following %d", l, t.Request.LeaderID)
				}
				s.leader.Set(t.Request.LeaderID)
			}

		case t := <-s.requestVoteChan:
			resp, stepDown := s.handleRequestVote(t.Request)
			s.logRequestVoteResponse(t.Request, resp, stepDown)
			t.Response <- resp
			if stepDown {
				if l := s.leader.Get(); l != unknownLeader {
					s.logGeneric("abandoning old leader=%d", l)
				}
				s.logGeneric("new leader unknown")
				s.leader.Set(unknownLeader)
			}
		}
	}
}

func (s *Server) candidateSelect() {
	// On entry: vote for ourself and announce the campaign.
	s.vote = s.id
	s.persistState()
	s.events.publish(ElectionStarted{Term: s.term.Get(), CandidateID: s.id})

	// "[A server entering the candidate stage] issues requestVote RPCs in
	// parallel to each of the other servers in the cluster. If the candidate
	// receives no response for an RPC, it reissues the RPC repeatedly until a
	// response arrives or the election concludes."
	requestVoteResponses, canceler := s.view.allPeers().except(s.id).requestVotes(RequestVote{
		Term:         s.term.Get(),
		CandidateID:  s.id,
		LastLogIndex: s.log.lastIndex(),
		LastLogTerm:  s.log.lastTerm(),
	}, 2*s.config.MaxElectionTimeout)
	defer canceler.Cancel()

	// Set up vote tallies; we already voted for ourself.
	votes := map[uint64]bool{s.id: true}
	s.logGeneric("election started, %d members", s.view.count())

	// Single-node clusters win immediately.
	if s.view.pass(votes) {
		s.logGeneric("immediately won the election")
		s.winElection()
		return
	}

	// "A candidate continues in this state until one of three things happens:
	// (a) it wins the election, (b) another server establishes itself as
	// leader, or (c) a period of time goes by with no winner."
	for {
		select {
		case q := <-s.quit:
			s.handleQuit(q)
			return

		case t := <-s.commandChan:
			s.rejectCommand(t)

		case t := <-s.membershipChan:
			s.view.set(t.Peers)
			s.logGeneric("membership changed mid-election, %d members", s.view.count())
			t.Err <- nil
			if s.view.pass(votes) {
				s.logGeneric("won the election under the new view")
				s.winElection()
				return
			}

		case t := <-requestVoteResponses:
			s.logGeneric("got vote: id=%d term=%d granted=%v", t.id, t.response.Term, t.response.VoteGranted)
			// "A candidate wins the election if it receives votes from a
			// majority of servers in the full cluster for the same term."
			if t.response.Term > s.term.Get() {
				s.logGeneric("got vote from future term (%d>%d); abandoning election", t.response.Term, s.term.Get())
				s.term.Set(t.response.Term)
				s.vote = noVote
				s.persistState()
				s.leader.Set(unknownLeader)
				s.state.Set(Follower)
				return // lose
			}
			if t.response.Term < s.term.Get() {
				s.logGeneric("got vote from past term (%d<%d); ignoring", t.response.Term, s.term.Get())
				break
			}
			if t.response.VoteGranted {
				votes[t.id] = true
			}
			// "Once a candidate wins an election, it becomes leader."
			if s.view.pass(votes) {
				s.logGeneric("won the election")
				s.winElection()
				return // win
			}

		case t := <-s.appendEntriesChan:
			// "While waiting for votes, a candidate may receive an
			// appendEntries RPC from another server claiming to be leader. If
			// the leader's term (included in its RPC) is at least as large as
			// the candidate's current term, then the candidate recognizes the
			// leader as legitimate and steps down."
			resp, stepDown := s.handleAppendEntries(t.Request)
			s.logAppendEntriesResponse(t.Request, resp, stepDown)
			t.Response <- resp
			if stepDown {
				s.logGeneric("after an appendEntries, stepping down to Follower (leader=%d)", t.Request.LeaderID)
				s.leader.Set(t.Request.LeaderID)
				s.state.Set(Follower)
				return // lose
			}

		case t := <-s.requestVoteChan:
			// We can also be defeated by a more recent candidate
			resp, stepDown := s.handleRequestVote(t.Request)
			s.logRequestVoteResponse(t.Request, resp, stepDown)
			t.Response <- resp
			if stepDown {
				s.logGeneric("after a requestVote, stepping down to Follower (leader unknown)")
				s.leader.Set(unknownLeader)
				s.state.Set(Follower)
				return // lose
			}

		case <-s.electionTick:
			// "The third possible outcome is that a candidate neither wins
			// nor loses the election: if many followers become candidates at
			// the same time, votes could be split so that no candidate
			// obtains a majority. When this happens, each candidate will
			// start a new election by incrementing its term and initiating
			// another round of requestVote RPCs."
			s.logGeneric("election ended with no winner; incrementing term and trying again")
			s.resetElectionTimeout()
			s.term.Set(s.term.Get() + 1)
			s.vote = noVote
			return // draw; re-enter candidateSelect in the new term
		}
	}
}

func (s *Server) winElection() {
	s.leader.Set(s.id)
	s.state.Set(Leader)
	s.events.publish(LeaderElected{Term: s.term.Get(), LeaderID: s.id})
}

func (s *Server) leaderSelect() {
	if l := s.leader.Get(); l != s.id {
		panic(fmt.Sprintf("leader (%d) not me (%d) when entering leaderSelect", l, s.id))
	}

	// Leaders suppress their election timer in favor of sending heartbeats.
	s.timer.Stop()

	// 5.3 Log replication: "The leader maintains a nextIndex for each
	// follower, which is the index of the next log entry the leader will send
	// to that follower. When a leader first comes to power it initializes all
	// nextIndex values to the index just after the last one in its log."
	cursors := newCursors(s.view.allPeers().except(s.id), s.log.lastIndex()+1)

	done := make(chan struct{})
	defer close(done)

	flush := make(chan struct{})
	asyncFlush := func() {
		go func() {
			select {
			case flush <- struct{}{}:
			case <-done:
			}
		}()
	}

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	go func() {
		for {
			select {
			case <-heartbeat.C:
				select {
				case flush <- struct{}{}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Immediately broadcast an empty heartbeat, to assert leadership and
	// reset follower election timers.
	asyncFlush()

	stepDownToFollower := func(leader uint64) {
		s.leader.Set(leader)
		s.state.Set(Follower)
		s.resetElectionTimeout()
	}

	for {
		select {
		case q := <-s.quit:
			s.handleQuit(q)
			return

		case t := <-s.commandChan:
			// Append the command to our (leader) log
			s.logGeneric("got command, appending")
			entry := LogEntry{
				Index:           s.log.lastIndex() + 1,
				Term:            s.term.Get(),
				Command:         t.Command,
				commandResponse: t.CommandResponse,
			}
			if err := s.log.appendEntry(entry); err != nil {
				t.Err <- err
				continue
			}
			s.logGeneric(
				"after append, commitIndex=%d lastIndex=%d lastTerm=%d",
				s.log.getCommitIndex(),
				s.log.lastIndex(),
				s.log.lastTerm(),
			)

			// The entry is in the log; the normal flush mechanism will
			// replicate it and advance the commit index. Trigger a manual
			// flush as a convenience, so our caller might get a response a
			// bit sooner.
			asyncFlush()
			t.Err <- nil

		case t := <-s.membershipChan:
			s.view.set(t.Peers)
			cursors.sync(s.view.allPeers().except(s.id), s.log.lastIndex()+1)
			s.logGeneric("membership changed, %d members", s.view.count())
			t.Err <- nil

		case <-flush:
			// Flushes attempt to sync the follower logs with ours, using the
			// per-follower cursors. After every flush we check whether the
			// commit index can advance. A flush can cause us to be deposed.
			followers := s.view.allPeers().except(s.id)

			// Special case: network of 1
			if len(followers) == 0 {
				if s.advanceCommitIndex(cursors) {
					asyncFlush()
				}
				continue
			}

			// Normal case: network of at-least-2
			stepDown, futureTerm := s.concurrentFlush(followers, cursors, 2*s.config.HeartbeatInterval)
			if stepDown {
				s.logGeneric("deposed during flush")
				s.adoptTerm(futureTerm)
				stepDownToFollower(unknownLeader)
				return
			}
			if s.advanceCommitIndex(cursors) {
				// Followers learn the new commit index on the next
				// appendEntries; don't make them wait for the ticker.
				asyncFlush()
			}

		case t := <-s.appendEntriesChan:
			resp, stepDown := s.handleAppendEntries(t.Request)
			s.logAppendEntriesResponse(t.Request, resp, stepDown)
			t.Response <- resp
			if stepDown {
				s.logGeneric("after an appendEntries, deposed to Follower (leader=%d)", t.Request.LeaderID)
				stepDownToFollower(t.Request.LeaderID)
				return // deposed
			}

		case t := <-s.requestVoteChan:
			resp, stepDown := s.handleRequestVote(t.Request)
			s.logRequestVoteResponse(t.Request, resp, stepDown)
			t.Response <- resp
			if stepDown {
				s.logGeneric("after a requestVote, deposed to Follower (leader unknown)")
				stepDownToFollower(unknownLeader)
				return // deposed
			}
		}
	}
}

// advanceCommitIndex moves the commit index to the highest log index
// replicated on a strict majority of the current membership, counting
// ourself. Only entries from our own term are counted: entries from prior
// terms are never committed by replication count alone, preserving leader
// completeness. They commit implicitly, when a later own-term entry commits.
// Reports whether the commit index moved.
func (s *Server) advanceCommitIndex(c *cursors) bool {
	var (
		quorum      = s.view.allPeers().quorum()
		currentTerm = s.term.Get()
		commitIndex = s.log.getCommitIndex()
		newCommit   = commitIndex
		matches     = c.matchIndexes()
	)

	for n := commitIndex + 1; n <= s.log.lastIndex(); n++ {
		if s.log.termAt(n) != currentTerm {
			continue
		}
		count := 1 // ourself
		for _, m := range matches {
			if m >= n {
				count++
			}
		}
		if count >= quorum {
			newCommit = n
		}
	}

	if newCommit == commitIndex {
		return false
	}
	if err := s.log.commitTo(newCommit); err != nil {
		s.logGeneric("commitTo(%d): %s", newCommit, err)
		return false
	}
	s.logGeneric("commitIndex advanced %d -> %d", commitIndex, newCommit)
	return true
}

// flush generates and forwards an appendEntries request that attempts to
// bring the given follower in sync with our log. It's idempotent, so it's
// used for both heartbeats and replicating commands.
//
// flush is synchronous and can block forever if the peer is nonresponsive.
func (s *Server) flush(peer Peer, c *cursors) error {
	peerID := peer.ID()
	currentTerm := s.term.Get()
	next, ok := c.nextIndex(peerID)
	if !ok {
		return nil // removed from the view mid-flight
	}
	prevLogIndex := next - 1
	entries, prevLogTerm := s.log.entriesAfter(prevLogIndex)
	commitIndex := s.log.getCommitIndex()
	s.logGeneric("flush to %d: term=%d prevLogIndex/Term=%d/%d sz=%d commitIndex=%d", peerID, currentTerm, prevLogIndex, prevLogTerm, len(entries), commitIndex)

	resp := peer.AppendEntries(AppendEntries{
		Term:         currentTerm,
		LeaderID:     s.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		CommitIndex:  commitIndex,
	})

	if resp.Term > currentTerm {
		s.logGeneric("flush to %d: responseTerm=%d > currentTerm=%d: deposed", peerID, resp.Term, currentTerm)
		return deposedError{term: resp.Term}
	}

	// It's possible the leader has timed out waiting for us and moved on, so
	// make only valid cursor changes, guarded by the nextIndex we based this
	// request on.

	if !resp.Success {
		newNext, err := c.backoff(peerID, next, resp.ConflictIndex)
		if err != nil {
			s.logGeneric("flush to %d: while backing off nextIndex: %s", peerID, err)
			return err
		}
		s.logGeneric("flush to %d: rejected; nextIndex(%d) becomes %d", peerID, peerID, newNext)
		return errAppendEntriesRejected
	}

	matched := prevLogIndex + uint64(len(entries))
	if err := c.advance(peerID, matched, next); err != nil {
		s.logGeneric("flush to %d: while advancing cursor: %s", peerID, err)
		return err
	}
	if len(entries) > 0 {
		s.logGeneric("flush to %d: accepted; matchIndex(%d) becomes %d", peerID, peerID, matched)
	}
	return nil
}

// concurrentFlush triggers a concurrent flush to each of the peers. All
// peers must respond (or time out) before concurrentFlush will return.
// timeout is per peer. Reports whether a response deposed us, and the
// highest future term observed in that case.
func (s *Server) concurrentFlush(pm Peers, c *cursors, timeout time.Duration) (bool, uint64) {
	type tuple struct {
		id  uint64
		err error
	}
	responses := make(chan tuple, len(pm))
	for _, peer := range pm {
		go func(peer Peer) {
			errChan := make(chan error, 1)
			go func() { errChan <- s.flush(peer, c) }()
			go func() { time.Sleep(timeout); errChan <- errTimeout }()
			responses <- tuple{peer.ID(), <-errChan} // first responder wins
		}(peer)
	}

	stepDown := false
	futureTerm := uint64(0)
	for i := 0; i < cap(responses); i++ {
		t := <-responses
		switch err := t.err.(type) {
		case nil:
			// nothing to do
		case deposedError:
			s.logGeneric("concurrentFlush: peer %d: deposed!", t.id)
			stepDown = true
			if err.term > futureTerm {
				futureTerm = err.term
			}
		default:
			s.logGeneric("concurrentFlush: peer %d: %s", t.id, t.err)
			// nothing to do but log and continue
		}
	}
	return stepDown, futureTerm
}

// handleRequestVote will modify s.term and s.vote, but nothing else.
// stepDown means the caller must transition to Follower with leader unknown.
func (s *Server) handleRequestVote(rv RequestVote) (RequestVoteResponse, bool) {
	// If the request is from an old term, reject
	if rv.Term < s.term.Get() {
		return RequestVoteResponse{
			Term:        s.term.Get(),
			VoteGranted: false,
			reason:      fmt.Sprintf("Term %d < %d", rv.Term, s.term.Get()),
		}, false
	}

	// If the request is from a newer term, reset our state
	stepDown := false
	if rv.Term > s.term.Get() {
		s.logGeneric("requestVote from newer term (%d): we defer", rv.Term)
		s.term.Set(rv.Term)
		s.vote = noVote
		s.persistState()
		s.leader.Set(unknownLeader)
		stepDown = true
	}

	// Special case: if we're the leader, and we haven't been deposed by a
	// more recent term, then we should always deny the vote
	if s.state.Get() == Leader && !stepDown {
		return RequestVoteResponse{
			Term:        s.term.Get(),
			VoteGranted: false,
			reason:      "already the leader",
		}, stepDown
	}

	// If we've already voted for someone else this term, reject
	if s.vote != noVote && s.vote != rv.CandidateID {
		return RequestVoteResponse{
			Term:        s.term.Get(),
			VoteGranted: false,
			reason:      fmt.Sprintf("already cast vote for %d", s.vote),
		}, stepDown
	}

	// If the candidate log isn't at least as up-to-date as ours, reject.
	// Up-to-date is a lexicographic comparison on (lastTerm, lastIndex);
	// equal ties count as up-to-date.
	lastIndex, lastTerm := s.log.lastIndex(), s.log.lastTerm()
	if lastTerm > rv.LastLogTerm || (lastTerm == rv.LastLogTerm && lastIndex > rv.LastLogIndex) {
		return RequestVoteResponse{
			Term:        s.term.Get(),
			VoteGranted: false,
			reason: fmt.Sprintf(
				"our index/term %d/%d > %d/%d",
				lastIndex,
				lastTerm,
				rv.LastLogIndex,
				rv.LastLogTerm,
			),
		}, stepDown
	}

	// We passed all the tests: cast vote in favor
	s.vote = rv.CandidateID
	s.persistState()
	s.resetElectionTimeout()
	return RequestVoteResponse{
		Term:        s.term.Get(),
		VoteGranted: true,
	}, stepDown
}

// handleAppendEntries will modify s.term and s.vote, and the log, but
// nothing else. stepDown means the caller must transition to Follower,
// following r.LeaderID.
func (s *Server) handleAppendEntries(r AppendEntries) (AppendEntriesResponse, bool) {
	// If the request is from an old term, reject
	if r.Term < s.term.Get() {
		return AppendEntriesResponse{
			Term:    s.term.Get(),
			Success: false,
			reason:  fmt.Sprintf("Term %d < %d", r.Term, s.term.Get()),
		}, false
	}

	// If the request is from a newer term, reset our state
	stepDown := false
	if r.Term > s.term.Get() {
		s.term.Set(r.Term)
		s.vote = noVote
		s.persistState()
		stepDown = true
	}

	// Special case for candidates: "While waiting for votes, a candidate may
	// receive an appendEntries RPC from another server claiming to be
	// leader. If the leader's term (included in its RPC) is at least as
	// large as the candidate's current term, then the candidate recognizes
	// the leader as legitimate and steps down."
	if s.state.Get() == Candidate && r.LeaderID != s.leader.Get() && r.Term >= s.term.Get() {
		s.term.Set(r.Term)
		s.vote = noVote
		s.persistState()
		stepDown = true
	}

	// In any case, a valid leader exists: reset our election timeout
	s.resetElectionTimeout()

	// Reject if our log doesn't contain a matching previous entry, and tell
	// the leader where to retry from so it converges quickly.
	if err := s.log.ensureLastIs(r.PrevLogIndex, r.PrevLogTerm); err != nil {
		return AppendEntriesResponse{
			Term:          s.term.Get(),
			Success:       false,
			ConflictIndex: s.log.conflictHint(r.PrevLogIndex),
			reason: fmt.Sprintf(
				"while ensuring last log entry had index=%d term=%d: error: %s",
				r.PrevLogIndex,
				r.PrevLogTerm,
				err,
			),
		}, stepDown
	}

	// Append the new entries
	for i, entry := range r.Entries {
		if err := s.log.appendEntry(entry); err != nil {
			return AppendEntriesResponse{
				Term:    s.term.Get(),
				Success: false,
				reason: fmt.Sprintf(
					"AppendEntry %d/%d failed: %s",
					i+1,
					len(r.Entries),
					err,
				),
			}, stepDown
		}
	}

	// Commit up to the leader's commit index, bounded by our own log. A
	// heartbeat whose commit index trails our own is fine; commitTo treats
	// no-progress as a no-op, not a failure.
	if commit := minUint64(r.CommitIndex, s.log.lastIndex()); commit > s.log.getCommitIndex() {
		if err := s.log.commitTo(commit); err != nil {
			return AppendEntriesResponse{
				Term:    s.term.Get(),
				Success: false,
				reason:  fmt.Sprintf("commitTo(%d) failed: %s", commit, err),
			}, stepDown
		}
	}

	// all good
	return AppendEntriesResponse{
		Term:    s.term.Get(),
		Success: true,
	}, stepDown
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
