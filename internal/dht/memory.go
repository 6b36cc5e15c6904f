// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"dhtmsg/internal/identity"
)

// Memory is an in-process DHT, nodes attached to the same Memory can find each other.
// It behaves like a DHT with a single, always reachable node.
type Memory struct {
	peers      map[identity.Topic][]netip.AddrPort
	peersMutex sync.RWMutex

	bootstrapFailures atomic.Int32
	Announces         atomic.Int64
	Lookups           atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{peers: make(map[identity.Topic][]netip.AddrPort)}
}

// FailBootstrap make next n Bootstrap calls fail.
func (d *Memory) FailBootstrap(n int32) {
	d.bootstrapFailures.Store(n)
}

// AddPeer add p under topic, as if p announced itself.
func (d *Memory) AddPeer(topic identity.Topic, p netip.AddrPort) {
	d.peersMutex.Lock()
	defer d.peersMutex.Unlock()

	if slices.Contains(d.peers[topic], p) {
		return
	}

	d.peers[topic] = append(d.peers[topic], p)
}

func (d *Memory) Peers(topic identity.Topic) []netip.AddrPort {
	d.peersMutex.RLock()
	defer d.peersMutex.RUnlock()

	return slices.Clone(d.peers[topic])
}

// Attach return a Service for a node reachable at ip, announced endpoints use this ip,
// same as a real DHT node record source ip of announce_peer queries.
func (d *Memory) Attach(ip netip.Addr) *MemoryNode {
	return &MemoryNode{d: d, ip: ip}
}

var _ Service = (*MemoryNode)(nil)

type MemoryNode struct {
	d      *Memory
	ip     netip.Addr
	closed atomic.Bool
}

func (n *MemoryNode) Bootstrap(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	for {
		remain := n.d.bootstrapFailures.Load()
		if remain <= 0 {
			return nil
		}

		if n.d.bootstrapFailures.CompareAndSwap(remain, remain-1) {
			return fmt.Errorf("%w: no good node", ErrBootstrap)
		}
	}
}

func (n *MemoryNode) Announce(ctx context.Context, topic identity.Topic, port uint16) error {
	if n.closed.Load() {
		return ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	n.d.Announces.Inc()
	n.d.AddPeer(topic, netip.AddrPortFrom(n.ip, port))

	return nil
}

func (n *MemoryNode) Lookup(ctx context.Context, topic identity.Topic) ([]netip.AddrPort, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookup, err)
	}

	n.d.Lookups.Inc()

	return n.d.Peers(topic), nil
}

func (n *MemoryNode) Close() error {
	n.closed.Store(true)
	return nil
}
