// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package rendezvous

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"

	"dhtmsg/internal/candidate"
	"dhtmsg/internal/dht"
	"dhtmsg/internal/hello"
	"dhtmsg/internal/identity"
	"dhtmsg/internal/pkg/global/tasks"
)

type Options struct {
	AnnounceInterval time.Duration
	LookupInterval   time.Duration
	// RetryInterval is the minimal interval between 2 hello to the same candidate.
	RetryInterval time.Duration
	// SweepInterval is how often pending candidates are checked.
	SweepInterval        time.Duration
	BootstrapTimeout     time.Duration
	BootstrapMinInterval time.Duration
	BootstrapMaxInterval time.Duration
	ExchangeTTL          time.Duration

	// hello-ack replies per second to senders other than expected peer.
	ReplyRate  float64
	ReplyBurst int64

	// AnnouncePort is the port announced to DHT, local port of hello socket is used if it's 0.
	AnnouncePort uint16

	// ExitOnConnect make Run return after first verified handshake,
	// otherwise it keeps answering hello until ctx is canceled.
	// Run still waits for the hello of peer, so peer can finish its side of handshake,
	// but no longer than ExitLinger after Connected.
	ExitOnConnect bool
	ExitLinger    time.Duration
}

func DefaultOptions() Options {
	return Options{
		AnnounceInterval:     45 * time.Second,
		LookupInterval:       5 * time.Second,
		RetryInterval:        5 * time.Second,
		SweepInterval:        time.Second,
		BootstrapTimeout:     30 * time.Second,
		BootstrapMinInterval: time.Second,
		BootstrapMaxInterval: 2 * time.Minute,
		ExchangeTTL:          10 * time.Minute,
		ReplyRate:            20,
		ReplyBurst:           40,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = d.AnnounceInterval
	}
	if o.LookupInterval <= 0 {
		o.LookupInterval = d.LookupInterval
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = min(d.SweepInterval, o.RetryInterval)
	}
	if o.BootstrapTimeout <= 0 {
		o.BootstrapTimeout = d.BootstrapTimeout
	}
	if o.BootstrapMinInterval <= 0 {
		o.BootstrapMinInterval = d.BootstrapMinInterval
	}
	if o.BootstrapMaxInterval <= 0 {
		o.BootstrapMaxInterval = d.BootstrapMaxInterval
	}
	if o.ExchangeTTL <= 0 {
		o.ExchangeTTL = d.ExchangeTTL
	}
	if o.ReplyRate <= 0 {
		o.ReplyRate = d.ReplyRate
	}
	if o.ReplyBurst <= 0 {
		o.ReplyBurst = d.ReplyBurst
	}
	if o.ExitLinger <= 0 {
		o.ExitLinger = 2 * o.RetryInterval
	}

	return o
}

type datagram struct {
	payload []byte
	addr    netip.AddrPort
}

type lookupResult struct {
	err   error
	peers []netip.AddrPort
}

// Coordinator drive a Session: bootstrap DHT, announce own topic, lookup peer topic
// and handshake with every candidate until expected peer acknowledge.
//
// All session mutation happens in the goroutine calling Run,
// DHT calls and socket reads run in background and report back with channels.
type Coordinator struct {
	log       zerolog.Logger
	dht       dht.Service
	conn      net.PacketConn
	session   *Session
	connected chan Result
	// hello received recently, keyed by observed address.
	exchanges *ttlcache.Cache[netip.AddrPort, identity.NodeID]
	replies   *ratelimit.Bucket
	opts      Options

	announcePending atomic.Bool
	lookupPending   atomic.Bool
}

func New(s *Session, d dht.Service, conn net.PacketConn, opts Options) *Coordinator {
	opts = opts.withDefaults()

	l := log.With().Str("component", "rendezvous").Stringer("id", s.Own())
	if peer, ok := s.Peer(); ok {
		l = l.Stringer("peer", peer)
	}

	return &Coordinator{
		log:       l.Logger(),
		dht:       d,
		conn:      conn,
		session:   s,
		connected: make(chan Result, 1),
		exchanges: ttlcache.New[netip.AddrPort, identity.NodeID](
			ttlcache.WithTTL[netip.AddrPort, identity.NodeID](opts.ExchangeTTL),
		),
		replies: ratelimit.NewBucketWithRate(opts.ReplyRate, opts.ReplyBurst),
		opts:    opts,
	}
}

func (c *Coordinator) Session() *Session {
	return c.session
}

// Connected receive the first verified handshake, it's sent at most once.
func (c *Coordinator) Connected() <-chan Result {
	return c.connected
}

// RecentHellos return senders of hello received in the last ExchangeTTL.
func (c *Coordinator) RecentHellos() map[netip.AddrPort]identity.NodeID {
	items := c.exchanges.Items()
	m := make(map[netip.AddrPort]identity.NodeID, len(items))
	for k, item := range items {
		m[k] = item.Value()
	}

	return m
}

func (c *Coordinator) announcePort() uint16 {
	if c.opts.AnnouncePort != 0 {
		return c.opts.AnnouncePort
	}

	if a, ok := c.conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(a.Port)
	}

	return 0
}

// Run block until ctx is canceled, or until the first verified handshake if ExitOnConnect is set.
// DHT and network failures are retried, they never make Run return.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg conc.WaitGroup
	defer func() {
		cancel()
		c.exchanges.Stop()
		wg.Wait()
	}()

	datagrams := make(chan datagram, 64)
	wg.Go(func() { c.receive(ctx, datagrams) })
	wg.Go(c.exchanges.Start)

	bootstrapDone := make(chan error, 1)
	lookups := make(chan lookupResult, 1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BootstrapMinInterval
	bo.MaxInterval = c.opts.BootstrapMaxInterval
	bo.MaxElapsedTime = 0 // retry forever, operator decide when to give up.
	bo.Reset()

	// nil channel until first tick is scheduled.
	var bootstrapRetry <-chan time.Time
	var announceTick, lookupTick, sweepTick <-chan time.Time
	var linger <-chan time.Time

	c.session.setStatus(Bootstrapping)
	c.log.Info().Stringer("topic", c.session.OwnTopic()).Msg("bootstrapping the DHT...")
	c.bootstrap(ctx, bootstrapDone)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-bootstrapDone:
			if err != nil {
				next := bo.NextBackOff()
				c.log.Warn().Err(err).Dur("retry_in", next).Msg("failed to bootstrap DHT")
				bootstrapRetry = time.After(next)
				continue
			}

			c.log.Info().Msg("DHT bootstrapped")
			if c.session.Status() == Bootstrapping {
				c.session.setStatus(Searching)
			}

			announce := time.NewTicker(c.opts.AnnounceInterval)
			defer announce.Stop()
			announceTick = announce.C

			sweep := time.NewTicker(c.opts.SweepInterval)
			defer sweep.Stop()
			sweepTick = sweep.C

			if _, ok := c.session.Peer(); ok {
				lookup := time.NewTicker(c.opts.LookupInterval)
				defer lookup.Stop()
				lookupTick = lookup.C
				c.lookup(ctx, lookups)
			} else {
				c.log.Info().Msg("no peer provided, announcing and waiting for inbound hello")
			}

			c.announce(ctx)

		case <-bootstrapRetry:
			bootstrapRetry = nil
			c.bootstrap(ctx, bootstrapDone)

		case <-announceTick:
			c.announce(ctx)

		case <-lookupTick:
			c.lookup(ctx, lookups)

		case r := <-lookups:
			c.handleLookup(r)
			c.sweep()

		case <-sweepTick:
			c.sweep()

		case d := <-datagrams:
			c.handleDatagram(d)

			if !c.opts.ExitOnConnect || c.session.Status() != Connected {
				continue
			}

			if c.peerGreeted() {
				return nil
			}

			if linger == nil {
				c.log.Debug().Dur("linger", c.opts.ExitLinger).Msg("waiting for hello from peer before exit")
				linger = time.After(c.opts.ExitLinger)
			}

		case <-linger:
			c.log.Debug().Msg("no hello from peer, exit anyway")
			return nil
		}
	}
}

func (c *Coordinator) bootstrap(ctx context.Context, done chan<- error) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, c.opts.BootstrapTimeout)
		defer cancel()

		err := c.dht.Bootstrap(ctx)
		observeDHT("bootstrap", err)
		done <- err
	}()
}

func (c *Coordinator) announce(ctx context.Context) {
	if !c.announcePending.CompareAndSwap(false, true) {
		return
	}

	topic := c.session.OwnTopic()
	port := c.announcePort()

	err := tasks.Submit(func() {
		defer c.announcePending.Store(false)

		err := c.dht.Announce(ctx, topic, port)
		observeDHT("announce", err)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("announce failed")
			}
			return
		}

		c.log.Info().Stringer("topic", topic).Msgf("announced topic on port %d", port)
	})
	if err != nil {
		c.announcePending.Store(false)
		c.log.Debug().Err(err).Msg("failed to schedule announce, retry next cycle")
	}
}

func (c *Coordinator) lookup(ctx context.Context, out chan<- lookupResult) {
	topic, ok := c.session.PeerTopic()
	if !ok || c.session.Status() == Connected {
		return
	}

	if !c.lookupPending.CompareAndSwap(false, true) {
		return
	}

	err := tasks.Submit(func() {
		defer c.lookupPending.Store(false)

		peers, err := c.dht.Lookup(ctx, topic)
		observeDHT("lookup", err)

		select {
		case out <- lookupResult{peers: peers, err: err}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		c.lookupPending.Store(false)
		c.log.Debug().Err(err).Msg("failed to schedule lookup, retry next cycle")
	}
}

func (c *Coordinator) handleLookup(r lookupResult) {
	if r.err != nil {
		c.log.Debug().Err(r.err).Msg("lookup failed, retry next cycle")
		return
	}

	now := time.Now()
	pool := c.session.Pool()
	for _, p := range r.peers {
		if !p.IsValid() || p.Port() == 0 {
			continue
		}

		if pool.Observe(p, now) {
			c.log.Info().Stringer("addr", p).Msg("found peer candidate")
		}
	}

	candidatesTotal.Set(float64(pool.Len()))
}

// sweep send hello to every candidate not acknowledged yet.
func (c *Coordinator) sweep() {
	if c.session.Status() != Searching {
		return
	}

	pool := c.session.Pool()
	msg := hello.Encode(hello.Hello(c.session.Own()))
	now := time.Now()

	for _, cand := range pool.Pending(now, c.opts.RetryInterval) {
		c.log.Debug().Stringer("addr", cand.Addr).Int("attempt", cand.Attempts+1).Msg("sending hello")
		if err := c.send(cand.Addr, msg); err != nil {
			c.log.Warn().Err(err).Stringer("addr", cand.Addr).Msg("failed to send hello")
		} else {
			messagesSent.WithLabelValues(hello.KindHello.String()).Inc()
		}

		// a failed send is retried after RetryInterval like a lost datagram.
		pool.MarkSent(cand.Addr, now)
	}
}

func (c *Coordinator) send(addr netip.AddrPort, payload []byte) error {
	_, err := c.conn.WriteTo(payload, net.UDPAddrFromAddrPort(addr))
	return err
}

// handleDatagram return true if this datagram make session Connected.
func (c *Coordinator) handleDatagram(d datagram) bool {
	datagramsReceived.Inc()

	m, err := hello.Decode(d.payload)
	if err != nil {
		datagramsDropped.WithLabelValues("malformed").Inc()
		c.log.Debug().Err(err).Stringer("addr", d.addr).Msg("dropping datagram")
		return false
	}

	switch m.Kind {
	case hello.KindHello:
		c.handleHello(d.addr, m)
	case hello.KindHelloAck:
		return c.handleAck(d.addr, m)
	}

	return false
}

func (c *Coordinator) handleHello(addr netip.AddrPort, m hello.Message) {
	peer, hasPeer := c.session.Peer()
	expected := hasPeer && m.Sender == peer

	if !expected && c.replies.TakeAvailable(1) == 0 {
		datagramsDropped.WithLabelValues("rate-limited").Inc()
		c.log.Debug().Stringer("addr", addr).Msg("too many hello, dropping")
		return
	}

	c.exchanges.Set(addr, m.Sender, ttlcache.DefaultTTL)

	c.log.Info().Msgf("received hello from %s: %s", addr, m)

	if err := c.send(addr, hello.Encode(hello.Ack(c.session.Own()))); err != nil {
		c.log.Warn().Err(err).Stringer("addr", addr).Msg("failed to send ack")
	} else {
		messagesSent.WithLabelValues(hello.KindHelloAck.String()).Inc()
	}

	if !expected {
		return
	}

	// peer found us first, it's reachable from this address.
	now := time.Now()
	pool := c.session.Pool()
	if pool.Observe(addr, now) {
		c.log.Info().Stringer("addr", addr).Msg("found peer candidate from inbound hello")
	}

	if c.session.Status() == Connected {
		return
	}

	// answer with our own hello right away, peer may stop listening soon after our ack.
	// A hello sent within RetryInterval is left to sweep, so two nodes don't bounce hello forever.
	cand, ok := pool.Get(addr)
	if !ok || cand.State == candidate.Acknowledged {
		return
	}

	if cand.State == candidate.Discovered || now.Sub(cand.LastSent) >= c.opts.RetryInterval {
		if err := c.send(addr, hello.Encode(hello.Hello(c.session.Own()))); err != nil {
			c.log.Warn().Err(err).Stringer("addr", addr).Msg("failed to send hello")
		} else {
			messagesSent.WithLabelValues(hello.KindHello.String()).Inc()
		}

		pool.MarkSent(addr, now)
	}
}

// peerGreeted report whether a hello from expected peer has been answered.
func (c *Coordinator) peerGreeted() bool {
	peer, ok := c.session.Peer()
	if !ok {
		return false
	}

	for _, item := range c.exchanges.Items() {
		if item.Value() == peer {
			return true
		}
	}

	return false
}

func (c *Coordinator) handleAck(addr netip.AddrPort, m hello.Message) bool {
	peer, hasPeer := c.session.Peer()
	if !hasPeer || m.Sender != peer {
		datagramsDropped.WithLabelValues("unexpected-sender").Inc()
		c.log.Debug().Stringer("addr", addr).Stringer("sender", m.Sender).Msg("ignoring hello-ack from unexpected id")
		return false
	}

	now := time.Now()
	c.session.Pool().Acknowledge(addr, m.Sender, now)

	r := Result{At: now, Addr: addr, Message: m}
	if !c.session.connect(r) {
		c.log.Debug().Stringer("addr", addr).Msg("duplicated hello-ack after connected")
		return false
	}

	c.log.Info().Msg(r.String())

	select {
	case c.connected <- r:
	default:
	}

	return true
}
