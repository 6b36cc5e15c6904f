// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package rendezvous

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/atomic"

	"dhtmsg/internal/candidate"
	"dhtmsg/internal/hello"
	"dhtmsg/internal/identity"
	"dhtmsg/internal/pkg/gsync"
)

type Status uint8

//go:generate stringer -type=Status
const (
	Bootstrapping Status = iota
	Searching
	Connected
)

// Result is the first verified handshake of a session.
type Result struct {
	At      time.Time
	Addr    netip.AddrPort
	Message hello.Message
}

func (r Result) Peer() identity.NodeID {
	return r.Message.Sender
}

func (r Result) String() string {
	return fmt.Sprintf("received hello from %s: %s", r.Addr, r.Message)
}

// Session hold all state of a rendezvous, it's created once at startup.
type Session struct {
	started   time.Time
	pool      *candidate.Pool
	result    atomic.Pointer[Result]
	status    gsync.AtomicUint[Status]
	own       identity.NodeID
	peer      identity.NodeID
	ownTopic  identity.Topic
	peerTopic identity.Topic
	hasPeer   bool
}

// NewSession create a session looking for peer.
func NewSession(own, peer identity.NodeID) *Session {
	s := NewListenSession(own)
	s.peer = peer
	s.peerTopic = identity.Derive(peer)
	s.hasPeer = true

	return s
}

// NewListenSession create a session without expected peer,
// it only announce itself and answer hello from others.
func NewListenSession(own identity.NodeID) *Session {
	return &Session{
		started:  time.Now(),
		own:      own,
		ownTopic: identity.Derive(own),
		pool:     candidate.NewPool(),
	}
}

func (s *Session) Own() identity.NodeID { return s.own }
func (s *Session) OwnTopic() identity.Topic { return s.ownTopic }
func (s *Session) Pool() *candidate.Pool { return s.pool }
func (s *Session) Status() Status { return s.status.Load() }
func (s *Session) Started() time.Time { return s.started }
func (s *Session) setStatus(status Status) { s.status.Store(status) }

// Peer return expected peer, ok is false for listen only session.
func (s *Session) Peer() (identity.NodeID, bool) {
	return s.peer, s.hasPeer
}

func (s *Session) PeerTopic() (identity.Topic, bool) {
	return s.peerTopic, s.hasPeer
}

// Result return the verified handshake, ok is false before session is Connected.
func (s *Session) Result() (Result, bool) {
	r := s.result.Load()
	if r == nil {
		return Result{}, false
	}

	return *r, true
}

// connect move session to Connected, only the first call take effect.
func (s *Session) connect(r Result) bool {
	if !s.result.CompareAndSwap(nil, &r) {
		return false
	}

	s.setStatus(Connected)
	return true
}
