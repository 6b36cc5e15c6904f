// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	dhtserver "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/trim21/errgo"

	"dhtmsg/internal/identity"
)

const (
	defaultAnnounceTimeout = time.Minute
	defaultLookupTimeout   = 20 * time.Second
)

type MainlineConfig struct {
	// Conn is used by DHT server if it's not nil, otherwise listen on Port.
	Conn net.PacketConn
	// Bootstrap nodes in host:port format, global BitTorrent routers are used if it's empty.
	Bootstrap       []string
	AnnounceTimeout time.Duration
	LookupTimeout   time.Duration
	Port            uint16
}

var _ Service = (*Mainline)(nil)

// Mainline is a node of the BitTorrent mainline DHT (BEP 5).
type Mainline struct {
	log        zerolog.Logger
	server     *dhtserver.Server
	conn       net.PacketConn
	maintainer sync.Once
	cfg        MainlineConfig
	ownConn    bool
}

func NewMainline(cfg MainlineConfig) (*Mainline, error) {
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = defaultAnnounceTimeout
	}

	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}

	conn := cfg.Conn
	ownConn := false
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, errgo.Wrap(err, "failed to listen on dht port")
		}
		ownConn = true
	}

	sc := dhtserver.NewDefaultServerConfig()
	sc.Conn = conn
	if len(cfg.Bootstrap) != 0 {
		nodes := cfg.Bootstrap
		sc.StartingNodes = func() ([]dhtserver.Addr, error) {
			return resolveNodes(nodes)
		}
	}

	s, err := dhtserver.NewServer(sc)
	if err != nil {
		if ownConn {
			_ = conn.Close()
		}
		return nil, errgo.Wrap(err, "failed to start dht server")
	}

	return &Mainline{
		log:     log.With().Str("component", "dht").Logger(),
		server:  s,
		conn:    conn,
		cfg:     cfg,
		ownConn: ownConn,
	}, nil
}

func resolveNodes(nodes []string) ([]dhtserver.Addr, error) {
	var addrs []dhtserver.Addr
	for _, node := range lo.Uniq(nodes) {
		a, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			log.Debug().Err(err).Str("node", node).Msg("failed to resolve bootstrap node")
			continue
		}
		addrs = append(addrs, dhtserver.NewAddr(a))
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("none of %d bootstrap nodes can be resolved", len(nodes))
	}

	return addrs, nil
}

func (m *Mainline) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

func (m *Mainline) Bootstrap(ctx context.Context) error {
	stats, err := m.server.BootstrapContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	good := m.server.Stats().GoodNodes
	if good == 0 {
		return fmt.Errorf("%w: no good node after trying %d addresses", ErrBootstrap, stats.NumAddrsTried)
	}

	m.log.Debug().Int("good_nodes", good).Uint32("responses", stats.NumResponses).Msg("bootstrapped")

	m.maintainer.Do(func() {
		go m.server.TableMaintainer()
	})

	return nil
}

func (m *Mainline) Announce(ctx context.Context, topic identity.Topic, port uint16) error {
	a, err := m.server.AnnounceTraversal(topic, dhtserver.AnnouncePeer(dhtserver.AnnouncePeerOpts{
		Port:        int(port),
		ImpliedPort: false,
	}))
	if err != nil {
		return errgo.Wrap(err, "failed to start announce traversal")
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.AnnounceTimeout)
	defer cancel()

	// peers channel is closed after announce_peer queries are sent to closest nodes.
	for {
		select {
		case _, ok := <-a.Peers:
			if !ok {
				m.log.Trace().Stringer("topic", topic).Uint16("port", port).Msg("announced")
				return nil
			}
		case <-ctx.Done():
			a.StopTraversing()
			return errgo.Wrap(ctx.Err(), "announce traversal not finished")
		}
	}
}

func (m *Mainline) Lookup(ctx context.Context, topic identity.Topic) ([]netip.AddrPort, error) {
	a, err := m.server.AnnounceTraversal(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookup, err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()

	var peers []netip.AddrPort
	for {
		select {
		case v, ok := <-a.Peers:
			if !ok {
				return lo.Uniq(peers), nil
			}

			for _, p := range v.Peers {
				if ap, ok := toAddrPort(p); ok {
					peers = append(peers, ap)
				}
			}
		case <-ctx.Done():
			a.StopTraversing()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("%w: %w", ErrLookup, ctx.Err())
			}

			// traversal of the whole network may take longer than timeout, use peers we already have.
			return lo.Uniq(peers), nil
		}
	}
}

func toAddrPort(p krpc.NodeAddr) (netip.AddrPort, bool) {
	if p.Port <= 0 || p.Port > 0xffff {
		return netip.AddrPort{}, false
	}

	ip, ok := netip.AddrFromSlice(p.IP)
	if !ok {
		return netip.AddrPort{}, false
	}

	ip = ip.Unmap()
	if ip.IsUnspecified() {
		return netip.AddrPort{}, false
	}

	return netip.AddrPortFrom(ip, uint16(p.Port)), true
}

func (m *Mainline) Close() error {
	m.server.Close()
	if m.ownConn {
		return m.conn.Close()
	}

	return nil
}
