package raft

import (
	"time"
)

// Peer is the local representation of a remote node: the message-delivery
// handle held in a server's membership view. It may be backed by any concrete
// transport. Delivery is best-effort; a Peer for an unreachable node should
// time out or return zero-valued responses, never block forever.
type Peer interface {
	ID() uint64
	AppendEntries(AppendEntries) AppendEntriesResponse
	RequestVote(RequestVote) RequestVoteResponse
}

// localPeer is the simplest kind of peer, mapped to a server in the same
// process-space. Useful for testing and demonstration; not so useful for
// networks of independent processes.
type localPeer struct {
	server *Server
}

// NewLocalPeer wraps a server in a Peer usable by other servers in the same
// process.
func NewLocalPeer(server *Server) Peer { return &localPeer{server} }

func (p *localPeer) ID() uint64 { return p.server.ID() }

func (p *localPeer) AppendEntries(ae AppendEntries) AppendEntriesResponse {
	return p.server.appendEntries(ae)
}

func (p *localPeer) RequestVote(rv RequestVote) RequestVoteResponse {
	return p.server.requestVote(rv)
}

// requestVoteTimeout issues the RequestVote to the given peer.
// If no response is received before timeout, an error is returned.
func requestVoteTimeout(p Peer, rv RequestVote, timeout time.Duration) (RequestVoteResponse, error) {
	c := make(chan RequestVoteResponse, 1)
	go func() { c <- p.RequestVote(rv) }()

	select {
	case resp := <-c:
		return resp, nil
	case <-time.After(timeout):
		return RequestVoteResponse{}, errTimeout
	}
}

// Peers is a collection of Peer interfaces, keyed by node ID. It provides
// some convenience functions for actions that should apply to multiple Peers.
type Peers map[uint64]Peer

// MakePeers is a simple helper function to construct a Peers structure from
// the passed list of peers.
func MakePeers(peers ...Peer) Peers {
	p := Peers{}
	for _, peer := range peers {
		p[peer.ID()] = peer
	}
	return p
}

func (p Peers) except(id uint64) Peers {
	except := Peers{}
	for id0, peer := range p {
		if id0 == id {
			continue
		}
		except[id0] = peer
	}
	return except
}

func (p Peers) count() int { return len(p) }

// quorum is the minimum agreeing set for any binding decision: a strict
// majority of the membership.
func (p Peers) quorum() int {
	switch n := len(p); n {
	case 0, 1:
		return 1
	default:
		return (n / 2) + 1
	}
}

// requestVotes sends the passed RequestVote RPC to every peer in Peers. It
// forwards responses along the returned channel. Peers that don't respond
// within the per-RPC timeout are retried forever. The retry loop stops only
// when all peers have responded, or a Cancel signal is sent via the returned
// canceler — a candidate abandoning its election must Cancel, so no
// acknowledgment is counted for a term it has left.
func (p Peers) requestVotes(r RequestVote, timeout time.Duration) (chan voteResponseTuple, canceler) {
	abortChan := make(chan struct{})
	tupleChan := make(chan voteResponseTuple)

	go func() {
		// Loop until all Peers have given us a response.
		respondedAlready := Peers{} // none yet

		for {
			notYetResponded := disjoint(p, respondedAlready)
			if len(notYetResponded) <= 0 {
				return // done
			}

			// scatter
			tupleChan0 := make(chan voteResponseTuple, len(notYetResponded))
			for id, peer := range notYetResponded {
				go func(id0 uint64, peer0 Peer) {
					resp, err := requestVoteTimeout(peer0, r, timeout)
					tupleChan0 <- voteResponseTuple{id0, resp, err}
				}(id, peer)
			}

			// gather
			for i := 0; i < cap(tupleChan0); i++ {
				select {
				case t := <-tupleChan0:
					if t.err != nil {
						continue // will need to retry
					}
					respondedAlready[t.id] = nil // set membership semantics
					select {
					case tupleChan <- t:
					case <-abortChan:
						return // nobody is listening anymore
					}

				case <-abortChan:
					return // give up
				}
			}
		}
	}()

	return tupleChan, cancel(abortChan)
}

type voteResponseTuple struct {
	id       uint64
	response RequestVoteResponse
	err      error
}

type canceler interface {
	Cancel()
}

type cancel chan struct{}

func (c cancel) Cancel() { close(c) }

func disjoint(all, except Peers) Peers {
	d := Peers{}
	for id, peer := range all {
		if _, ok := except[id]; ok {
			continue
		}
		d[id] = peer
	}
	return d
}
