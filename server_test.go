package raft_test

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/parhelion/raft"
)

func init() {
	logging.SetLogLevel("raft", "error")
}

// testConfig keeps elections fast, and deterministic per seed.
func testConfig(seed int64) raft.Config {
	return raft.Config{
		MinElectionTimeout: 50 * time.Millisecond,
		MaxElectionTimeout: 100 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		Seed:               seed,
	}
}

var noopMachine = raft.ApplyFunc(func(index uint64, cmd []byte) []byte { return cmd })

type nonresponsivePeer uint64

func (p nonresponsivePeer) ID() uint64 { return uint64(p) }
func (p nonresponsivePeer) AppendEntries(raft.AppendEntries) raft.AppendEntriesResponse {
	return raft.AppendEntriesResponse{}
}
func (p nonresponsivePeer) RequestVote(raft.RequestVote) raft.RequestVoteResponse {
	return raft.RequestVoteResponse{}
}

func TestFollowerToCandidate(t *testing.T) {
	cfg := testConfig(1)
	server, err := raft.NewServer(1, &raft.MemoryStore{}, noopMachine, cfg)
	if err != nil {
		t.Fatal(err)
	}
	server.SetMembership(
		nonresponsivePeer(1),
		nonresponsivePeer(2),
		nonresponsivePeer(3),
	)
	if server.State() != raft.Follower {
		t.Fatalf("didn't start as Follower")
	}

	server.Start()
	defer server.Stop()

	began := time.Now()
	cutoff := began.Add(2 * cfg.MaxElectionTimeout)
	backoff := cfg.HeartbeatInterval
	for {
		if time.Now().After(cutoff) {
			t.Fatal("failed to become Candidate")
		}
		if state := server.State(); state != raft.Candidate {
			t.Logf("after %15s, %s; retry", time.Since(began), state)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		t.Logf("became Candidate after %s", time.Since(began))
		break
	}

	d := 2 * cfg.MaxElectionTimeout
	time.Sleep(d)

	if server.State() != raft.Candidate {
		t.Fatalf("after %s, not Candidate", d.String())
	}
}

type approvingPeer uint64

func (p approvingPeer) ID() uint64 { return uint64(p) }
func (p approvingPeer) AppendEntries(raft.AppendEntries) raft.AppendEntriesResponse {
	return raft.AppendEntriesResponse{}
}
func (p approvingPeer) RequestVote(rv raft.RequestVote) raft.RequestVoteResponse {
	return raft.RequestVoteResponse{
		Term:        rv.Term,
		VoteGranted: true,
	}
}

func TestCandidateToLeader(t *testing.T) {
	cfg := testConfig(2)
	server, err := raft.NewServer(1, &raft.MemoryStore{}, noopMachine, cfg)
	if err != nil {
		t.Fatal(err)
	}
	server.SetMembership(
		nonresponsivePeer(1),
		approvingPeer(2),
		nonresponsivePeer(3),
	)
	server.Start()
	defer server.Stop()

	began := time.Now()
	cutoff := began.Add(2 * cfg.MaxElectionTimeout)
	backoff := cfg.HeartbeatInterval
	for {
		if time.Now().After(cutoff) {
			t.Fatal("failed to become Leader")
		}
		if state := server.State(); state != raft.Leader {
			t.Logf("after %15s, %s; retry", time.Since(began), state)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		t.Logf("became Leader after %s", time.Since(began))
		break
	}

	if expected, got := uint64(1), server.Leader(); expected != got {
		t.Errorf("expected leader hint %d, got %d", expected, got)
	}
}

type disapprovingPeer uint64

func (p disapprovingPeer) ID() uint64 { return uint64(p) }
func (p disapprovingPeer) AppendEntries(raft.AppendEntries) raft.AppendEntriesResponse {
	return raft.AppendEntriesResponse{}
}
func (p disapprovingPeer) RequestVote(rv raft.RequestVote) raft.RequestVoteResponse {
	return raft.RequestVoteResponse{
		Term:        rv.Term,
		VoteGranted: false,
	}
}

func TestFailedElection(t *testing.T) {
	cfg := testConfig(3)
	server, err := raft.NewServer(1, &raft.MemoryStore{}, noopMachine, cfg)
	if err != nil {
		t.Fatal(err)
	}
	server.SetMembership(
		disapprovingPeer(2),
		nonresponsivePeer(3),
	)
	server.Start()
	defer server.Stop()

	time.Sleep(2 * cfg.MaxElectionTimeout)
	if server.State() == raft.Leader {
		t.Fatalf("erroneously became Leader")
	}
	t.Logf("failed to become Leader in non-responsive cluster (good)")
}

func TestCommandOnNonLeader(t *testing.T) {
	cfg := testConfig(4)
	server, err := raft.NewServer(1, &raft.MemoryStore{}, noopMachine, cfg)
	if err != nil {
		t.Fatal(err)
	}
	server.SetMembership(
		disapprovingPeer(2),
		nonresponsivePeer(3),
	)
	server.Start()
	defer server.Stop()

	response := make(chan []byte, 1)
	err = server.Command([]byte("whatever"), response)

	var notLeader raft.NotLeaderError
	if !errors.As(err, &notLeader) {
		t.Fatalf("expected NotLeaderError, got %v", err)
	}
	if notLeader.Leader != 0 {
		t.Errorf("no leader is known, but the hint says %d", notLeader.Leader)
	}
}

func TestStaleLeaderLeavesNoHint(t *testing.T) {
	// a follower already in term 5, with no membership view, so it never
	// campaigns on its own
	store := &raft.MemoryStore{}
	store.SetState(5, 0)
	server, err := raft.NewServer(1, store, noopMachine, testConfig(6))
	if err != nil {
		t.Fatal(err)
	}
	server.Start()
	defer server.Stop()
	peer := raft.NewLocalPeer(server)

	// a deposed term-4 leader is still heartbeating
	if resp := peer.AppendEntries(raft.AppendEntries{Term: 4, LeaderID: 9}); resp.Success {
		t.Fatalf("stale append succeeded")
	}

	// commands are serviced by the same loop, strictly after the append was
	// fully processed, so the hint they carry is authoritative
	err = server.Command([]byte("x"), make(chan []byte, 1))
	var notLeader raft.NotLeaderError
	if !errors.As(err, &notLeader) {
		t.Fatalf("expected NotLeaderError, got %v", err)
	}
	if notLeader.Leader != 0 {
		t.Errorf("hint poisoned by a stale leader: %d", notLeader.Leader)
	}

	// a current-term heartbeat does set the hint
	if resp := peer.AppendEntries(raft.AppendEntries{Term: 5, LeaderID: 2}); !resp.Success {
		t.Fatalf("current-term append rejected")
	}
	waitFor(t, time.Second, "leader hint", func() bool {
		return server.Leader() == 2
	})
}

func TestElectionEvents(t *testing.T) {
	cfg := testConfig(5)
	server, err := raft.NewServer(1, &raft.MemoryStore{}, noopMachine, cfg)
	if err != nil {
		t.Fatal(err)
	}
	server.SetMembership(
		nonresponsivePeer(1),
		approvingPeer(2),
		approvingPeer(3),
	)

	token, events := server.Subscribe(8)
	defer server.Unsubscribe(token)

	server.Start()
	defer server.Stop()

	var started raft.ElectionStarted
	select {
	case e := <-events:
		var ok bool
		if started, ok = e.(raft.ElectionStarted); !ok {
			t.Fatalf("expected ElectionStarted first, got %+v", e)
		}
	case <-time.After(2 * cfg.MaxElectionTimeout):
		t.Fatal("no ElectionStarted event")
	}
	if started.CandidateID != 1 || started.Term == 0 {
		t.Errorf("unexpected ElectionStarted %+v", started)
	}

	select {
	case e := <-events:
		elected, ok := e.(raft.LeaderElected)
		if !ok {
			t.Fatalf("expected LeaderElected second, got %+v", e)
		}
		if elected.LeaderID != 1 || elected.Term != started.Term {
			t.Errorf("unexpected LeaderElected %+v (election was term %d)", elected, started.Term)
		}
	case <-time.After(2 * cfg.MaxElectionTimeout):
		t.Fatal("no LeaderElected event")
	}
}

func TestSimpleConsensus(t *testing.T) {
	type SetValue struct {
		Value int32 `json:"value"`
	}

	var i1, i2, i3 int32

	applyValue := func(i *int32) raft.ApplyFunc {
		return func(index uint64, cmd []byte) []byte {
			var sv SetValue
			if err := json.Unmarshal(cmd, &sv); err != nil {
				return []byte{}
			}
			atomic.StoreInt32(i, sv.Value)
			out, _ := json.Marshal(map[string]interface{}{"ok": true})
			return out
		}
	}

	s1, err := raft.NewServer(1, &raft.MemoryStore{}, applyValue(&i1), testConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	s2, err := raft.NewServer(2, &raft.MemoryStore{}, applyValue(&i2), testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	s3, err := raft.NewServer(3, &raft.MemoryStore{}, applyValue(&i3), testConfig(3))
	if err != nil {
		t.Fatal(err)
	}

	peers := []raft.Peer{
		raft.NewLocalPeer(s1),
		raft.NewLocalPeer(s2),
		raft.NewLocalPeer(s3),
	}

	s1.SetMembership(peers...)
	s2.SetMembership(peers...)
	s3.SetMembership(peers...)

	s1.Start()
	s2.Start()
	s3.Start()
	defer s1.Stop()
	defer s2.Stop()
	defer s3.Stop()

	servers := []*raft.Server{s1, s2, s3}
	leader := waitForLeader(t, servers, 5*time.Second)

	cmd := SetValue{42}
	cmdBuf, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}

	response := make(chan []byte, 1)
	if err := leader.Command(cmdBuf, response); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-response:
		t.Logf("Command response: %s", resp)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for command response")
	}

	done := make(chan struct{})
	go func() {
		d := 10 * time.Millisecond
		for {
			i1l := atomic.LoadInt32(&i1)
			i2l := atomic.LoadInt32(&i2)
			i3l := atomic.LoadInt32(&i3)
			t.Logf("i1=%02d i2=%02d i3=%02d", i1l, i2l, i3l)
			if i1l == cmd.Value && i2l == cmd.Value && i3l == cmd.Value {
				close(done)
				return
			}
			time.Sleep(d)
			d *= 2
		}
	}()

	select {
	case <-done:
		t.Logf("success")
	case <-time.After(2 * time.Second):
		t.Errorf("timeout")
	}

	// a command proposed on a follower is refused, with a hint at the leader
	for _, s := range servers {
		if s.ID() == leader.ID() {
			continue
		}
		err := s.Command(cmdBuf, make(chan []byte, 1))
		var notLeader raft.NotLeaderError
		if !errors.As(err, &notLeader) {
			t.Fatalf("server %d: expected NotLeaderError, got %v", s.ID(), err)
		}
		if expected, got := leader.ID(), notLeader.Leader; expected != got {
			t.Errorf("server %d: expected leader hint %d, got %d", s.ID(), expected, got)
		}
	}
}

// waitForLeader polls until exactly one of the servers reports itself Leader,
// and every server agrees on its identity.
func waitForLeader(t *testing.T, servers []*raft.Server, timeout time.Duration) *raft.Server {
	t.Helper()
	cutoff := time.Now().Add(timeout)
	for time.Now().Before(cutoff) {
		var leaders []*raft.Server
		for _, s := range servers {
			if s.State() == raft.Leader {
				leaders = append(leaders, s)
			}
		}
		if len(leaders) == 1 {
			agreed := true
			for _, s := range servers {
				if s.Leader() != leaders[0].ID() {
					agreed = false
					break
				}
			}
			if agreed {
				return leaders[0]
			}
		}
		// more than one leader can exist transiently, across terms; the
		// stale one is deposed by the next heartbeat it receives
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no leader elected within %s", timeout)
	return nil
}
