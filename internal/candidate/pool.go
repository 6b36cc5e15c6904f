// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package candidate

import (
	"net/netip"
	"sync"
	"time"

	"dhtmsg/internal/identity"
)

type State uint8

//go:generate stringer -type=State
const (
	Discovered State = iota
	HelloSent
	Acknowledged
)

// Candidate is an endpoint returned by DHT lookup, maybe the peer we are looking for.
type Candidate struct {
	FirstSeen time.Time
	LastSeen  time.Time
	LastSent  time.Time
	AckedAt   time.Time
	Addr      netip.AddrPort
	// Sender is the id carried by the hello-ack which acknowledged this candidate.
	Sender   identity.NodeID
	Attempts int
	State    State
}

// Pool deduplicate candidates by endpoint.
// Candidates are never removed, pool live as long as the rendezvous session.
type Pool struct {
	candidates map[netip.AddrPort]*Candidate
	// insertion order
	order []netip.AddrPort
	// acknowledgement order
	acked []netip.AddrPort
	m     sync.RWMutex
}

func NewPool() *Pool {
	return &Pool{candidates: make(map[netip.AddrPort]*Candidate)}
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (p *Pool) observe(ap netip.AddrPort, now time.Time) (*Candidate, bool) {
	c, ok := p.candidates[ap]
	if ok {
		if now.After(c.LastSeen) {
			c.LastSeen = now
		}
		return c, false
	}

	c = &Candidate{Addr: ap, State: Discovered, FirstSeen: now, LastSeen: now}
	p.candidates[ap] = c
	p.order = append(p.order, ap)

	return c, true
}

// Observe insert a new candidate in Discovered state, or refresh LastSeen of existing one.
// It never change handshake state, return true if candidate is new.
func (p *Pool) Observe(ap netip.AddrPort, now time.Time) bool {
	p.m.Lock()
	defer p.m.Unlock()

	_, isNew := p.observe(normalize(ap), now)
	return isNew
}

// Advance move a candidate forward. Unknown endpoint or a state that is not after
// current state is ignored, return true if state changed.
func (p *Pool) Advance(ap netip.AddrPort, s State) bool {
	p.m.Lock()
	defer p.m.Unlock()

	c, ok := p.candidates[normalize(ap)]
	if !ok || s <= c.State || s > Acknowledged {
		return false
	}

	c.State = s
	if s == Acknowledged {
		p.acked = append(p.acked, c.Addr)
	}

	return true
}

// MarkSent record a hello attempt to candidate, and move it to HelloSent if it's still Discovered.
func (p *Pool) MarkSent(ap netip.AddrPort, now time.Time) {
	p.m.Lock()
	defer p.m.Unlock()

	c, ok := p.candidates[normalize(ap)]
	if !ok {
		return
	}

	c.LastSent = now
	c.Attempts++
	if c.State == Discovered {
		c.State = HelloSent
	}
}

// Acknowledge mark endpoint as acknowledged by sender.
// Endpoint is added to pool if it's unknown, a hello-ack may come from an address lookup didn't return.
// Only the first acknowledgement of a candidate is recorded, return true if it's recorded.
func (p *Pool) Acknowledge(ap netip.AddrPort, sender identity.NodeID, now time.Time) bool {
	p.m.Lock()
	defer p.m.Unlock()

	c, _ := p.observe(normalize(ap), now)
	if c.State == Acknowledged {
		return false
	}

	c.State = Acknowledged
	c.Sender = sender
	c.AckedAt = now
	p.acked = append(p.acked, c.Addr)

	return true
}

// Pending return candidates in Discovered state, and HelloSent candidates whose last attempt
// is older than retry, in the order they are observed.
func (p *Pool) Pending(now time.Time, retry time.Duration) []Candidate {
	p.m.RLock()
	defer p.m.RUnlock()

	var results []Candidate
	for _, ap := range p.order {
		c := p.candidates[ap]
		switch c.State {
		case Discovered:
			results = append(results, *c)
		case HelloSent:
			if now.Sub(c.LastSent) >= retry {
				results = append(results, *c)
			}
		case Acknowledged:
		}
	}

	return results
}

// AcknowledgedBy return the first candidate acknowledged by a hello-ack carrying id.
func (p *Pool) AcknowledgedBy(id identity.NodeID) (Candidate, bool) {
	p.m.RLock()
	defer p.m.RUnlock()

	for _, ap := range p.acked {
		c := p.candidates[ap]
		if c.Sender == id {
			return *c, true
		}
	}

	return Candidate{}, false
}

func (p *Pool) Get(ap netip.AddrPort) (Candidate, bool) {
	p.m.RLock()
	defer p.m.RUnlock()

	c, ok := p.candidates[normalize(ap)]
	if !ok {
		return Candidate{}, false
	}

	return *c, true
}

func (p *Pool) Len() int {
	p.m.RLock()
	defer p.m.RUnlock()

	return len(p.candidates)
}

// Snapshot copy all candidates in the order they are observed.
func (p *Pool) Snapshot() []Candidate {
	p.m.RLock()
	defer p.m.RUnlock()

	results := make([]Candidate, 0, len(p.order))
	for _, ap := range p.order {
		results = append(results, *p.candidates[ap])
	}

	return results
}
