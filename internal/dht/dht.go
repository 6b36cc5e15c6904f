// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"context"
	"errors"
	"net/netip"

	"dhtmsg/internal/identity"
)

var (
	ErrBootstrap = errors.New("dht bootstrap failed")
	// ErrLookup is a transient failure, lookup should be retried later.
	ErrLookup = errors.New("dht lookup failed")
	ErrClosed = errors.New("dht closed")
)

// Service is the view of a DHT network used for rendezvous,
// routing table and wire protocol are hidden behind it.
type Service interface {
	// Bootstrap join the network. It's safe to call it again after an error.
	Bootstrap(ctx context.Context) error

	// Announce that we are reachable at port under topic.
	Announce(ctx context.Context, topic identity.Topic, port uint16) error

	// Lookup return endpoints currently announced under topic.
	Lookup(ctx context.Context, topic identity.Topic) ([]netip.AddrPort, error)

	Close() error
}
