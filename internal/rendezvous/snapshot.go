// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package rendezvous

import (
	"net/netip"
	"slices"
	"time"

	"github.com/samber/lo"

	"dhtmsg/internal/candidate"
)

type CandidateInfo struct {
	LastSeen time.Time `json:"last_seen"`
	LastSent time.Time `json:"last_sent,omitempty"`
	Addr     string    `json:"addr"`
	State    string    `json:"state"`
	Sender   string    `json:"sender,omitempty"`
	Attempts int       `json:"attempts"`
}

type HelloInfo struct {
	Addr   string `json:"addr"`
	Sender string `json:"sender"`
}

type Snapshot struct {
	Started    time.Time       `json:"started"`
	Connected  *ConnectedInfo  `json:"connected,omitempty"`
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Peer       string          `json:"peer,omitempty"`
	PeerTopic  string          `json:"peer_topic,omitempty"`
	Status     string          `json:"status"`
	Candidates []CandidateInfo `json:"candidates"`
	Hellos     []HelloInfo     `json:"hellos"`
}

type ConnectedInfo struct {
	At   time.Time `json:"at"`
	Addr string    `json:"addr"`
	Peer string    `json:"peer"`
}

// Snapshot return a copy of session state, safe to call while Run is running.
func (c *Coordinator) Snapshot() Snapshot {
	s := c.session

	snap := Snapshot{
		Started: s.Started(),
		ID:      s.Own().String(),
		Topic:   s.OwnTopic().String(),
		Status:  s.Status().String(),
		Candidates: lo.Map(s.Pool().Snapshot(), func(item candidate.Candidate, _ int) CandidateInfo {
			info := CandidateInfo{
				LastSeen: item.LastSeen,
				LastSent: item.LastSent,
				Addr:     item.Addr.String(),
				State:    item.State.String(),
				Attempts: item.Attempts,
			}
			if !item.Sender.Zero() {
				info.Sender = item.Sender.String()
			}
			return info
		}),
	}

	if peer, ok := s.Peer(); ok {
		snap.Peer = peer.String()
		snap.PeerTopic = s.peerTopic.String()
	}

	if r, ok := s.Result(); ok {
		snap.Connected = &ConnectedInfo{At: r.At, Addr: r.Addr.String(), Peer: r.Peer().String()}
	}

	hellos := c.RecentHellos()
	keys := lo.Keys(hellos)
	slices.SortFunc(keys, func(a, b netip.AddrPort) int { return a.Compare(b) })
	snap.Hellos = lo.Map(keys, func(k netip.AddrPort, _ int) HelloInfo {
		return HelloInfo{Addr: k.String(), Sender: hellos[k].String()}
	})

	return snap
}
