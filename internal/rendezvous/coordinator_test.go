// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package rendezvous_test

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dhtmsg/internal/candidate"
	"dhtmsg/internal/dht"
	"dhtmsg/internal/hello"
	"dhtmsg/internal/identity"
	"dhtmsg/internal/rendezvous"
)

var (
	idA = identity.MustParse(strings.Repeat("1", identity.TextSize))
	idB = identity.MustParse(strings.Repeat("2", identity.TextSize))

	loopback = netip.MustParseAddr("127.0.0.1")
)

const waitFor = 5 * time.Second

func testOptions() rendezvous.Options {
	return rendezvous.Options{
		AnnounceInterval:     50 * time.Millisecond,
		LookupInterval:       50 * time.Millisecond,
		RetryInterval:        100 * time.Millisecond,
		SweepInterval:        20 * time.Millisecond,
		BootstrapMinInterval: 10 * time.Millisecond,
		BootstrapMaxInterval: 50 * time.Millisecond,
	}
}

func listen(t *testing.T) net.PacketConn {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func addrOf(conn net.PacketConn) netip.AddrPort {
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

type node struct {
	c    *rendezvous.Coordinator
	conn net.PacketConn
	errs chan error
	stop context.CancelFunc
}

func (n *node) Stop() error {
	n.stop()
	return <-n.errs
}

func start(t *testing.T, s *rendezvous.Session, d dht.Service, opts rendezvous.Options) *node {
	t.Helper()

	conn := listen(t)
	ctx, cancel := context.WithCancel(context.Background())

	n := &node{
		c:    rendezvous.New(s, d, conn, opts),
		conn: conn,
		errs: make(chan error, 1),
		stop: cancel,
	}

	go func() { n.errs <- n.c.Run(ctx) }()
	t.Cleanup(cancel)

	return n
}

func waitConnected(t *testing.T, n *node) rendezvous.Result {
	t.Helper()

	select {
	case r := <-n.c.Connected():
		return r
	case <-time.After(waitFor):
		t.Fatalf("node %s not connected in %s, status %s", n.c.Session().Own(), waitFor, n.c.Session().Status())
	}

	return rendezvous.Result{}
}

// exchange send payload from a fresh socket to addr and return the reply.
func exchange(t *testing.T, addr netip.AddrPort, payload []byte) hello.Message {
	t.Helper()

	conn := listen(t)
	_, err := conn.WriteTo(payload, net.UDPAddrFromAddrPort(addr))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	m, err := hello.Decode(buf[:n])
	require.NoError(t, err)

	return m
}

func TestTwoNodesHandshake(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()

	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), testOptions())
	b := start(t, rendezvous.NewSession(idB, idA), m.Attach(loopback), testOptions())

	ra := waitConnected(t, a)
	rb := waitConnected(t, b)

	require.Equal(t, addrOf(b.conn), ra.Addr)
	require.Equal(t, idB, ra.Peer())
	require.Equal(t, hello.KindHelloAck, ra.Message.Kind)
	require.Equal(t, "received hello from "+addrOf(b.conn).String()+": hello-ack from "+idB.String(), ra.String())

	require.Equal(t, addrOf(a.conn), rb.Addr)
	require.Equal(t, idA, rb.Peer())

	require.Equal(t, rendezvous.Connected, a.c.Session().Status())
	require.Equal(t, rendezvous.Connected, b.c.Session().Status())

	c, ok := a.c.Session().Pool().AcknowledgedBy(idB)
	require.True(t, ok)
	require.Equal(t, candidate.Acknowledged, c.State)

	// late duplicated hello is still answered, and doesn't change state.
	reply := exchange(t, addrOf(b.conn), hello.Encode(hello.Hello(idA)))
	require.Equal(t, hello.Ack(idB), reply)

	require.Equal(t, rendezvous.Connected, b.c.Session().Status())
	r, ok := b.c.Session().Result()
	require.True(t, ok)
	require.Equal(t, rb, r)

	require.ErrorIs(t, a.Stop(), context.Canceled)
	require.ErrorIs(t, b.Stop(), context.Canceled)
}

func TestEmptyLookupKeepSearching(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()
	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), testOptions())

	require.Eventually(t, func() bool {
		return m.Lookups.Load() >= 3
	}, waitFor, 10*time.Millisecond)

	require.Equal(t, rendezvous.Searching, a.c.Session().Status())
	require.Zero(t, a.c.Session().Pool().Len())

	select {
	case <-a.c.Connected():
		t.Fatal("unexpected connected")
	default:
	}

	require.ErrorIs(t, a.Stop(), context.Canceled)
}

func TestBootstrapRetry(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()
	m.FailBootstrap(3)

	a := start(t, rendezvous.NewListenSession(idA), m.Attach(loopback), testOptions())

	require.Eventually(t, func() bool {
		return a.c.Session().Status() == rendezvous.Searching
	}, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(m.Peers(identity.Derive(idA))) == 1
	}, waitFor, 10*time.Millisecond)

	require.Equal(t, []netip.AddrPort{addrOf(a.conn)}, m.Peers(identity.Derive(idA)))
	require.ErrorIs(t, a.Stop(), context.Canceled)
}

func TestStayBootstrappingWhileDHTUnavailable(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()
	m.FailBootstrap(1 << 30)

	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), testOptions())

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, rendezvous.Bootstrapping, a.c.Session().Status())
	require.Zero(t, m.Lookups.Load())

	// hello is still answered while DHT is unavailable.
	reply := exchange(t, addrOf(a.conn), hello.Encode(hello.Hello(idB)))
	require.Equal(t, hello.Ack(idA), reply)

	require.ErrorIs(t, a.Stop(), context.Canceled)
}

func TestNoFalseSuccess(t *testing.T) {
	t.Parallel()

	impostorID := identity.Generate()
	impostor := listen(t)

	// impostor answer every hello with its own id.
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := impostor.ReadFrom(buf)
			if err != nil {
				return
			}

			if m, err := hello.Decode(buf[:n]); err == nil && m.Kind == hello.KindHello {
				_, _ = impostor.WriteTo(hello.Encode(hello.Ack(impostorID)), addr)
			}
		}
	}()

	m := dht.NewMemory()
	m.AddPeer(identity.Derive(idB), addrOf(impostor))

	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), testOptions())

	require.Eventually(t, func() bool {
		c, ok := a.c.Session().Pool().Get(addrOf(impostor))
		return ok && c.Attempts >= 2
	}, waitFor, 10*time.Millisecond)

	require.Equal(t, rendezvous.Searching, a.c.Session().Status())
	_, ok := a.c.Session().Result()
	require.False(t, ok)

	c, _ := a.c.Session().Pool().Get(addrOf(impostor))
	require.Equal(t, candidate.HelloSent, c.State)

	// real peer join later.
	b := start(t, rendezvous.NewSession(idB, idA), m.Attach(loopback), testOptions())

	r := waitConnected(t, a)
	require.Equal(t, addrOf(b.conn), r.Addr)
	require.Equal(t, idB, r.Peer())
}

func TestMalformedDatagram(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()
	a := start(t, rendezvous.NewListenSession(idA), m.Attach(loopback), testOptions())

	sender := listen(t)
	for _, payload := range [][]byte{
		[]byte("hello from " + idB.String()),
		{0xff, 0x00, 0x13},
		[]byte("d1:v3:dm11:y5:hello2:id3:abce"),
		make([]byte, 1400),
	} {
		_, err := sender.WriteTo(payload, net.UDPAddrFromAddrPort(addrOf(a.conn)))
		require.NoError(t, err)
	}

	// still serving.
	reply := exchange(t, addrOf(a.conn), hello.Encode(hello.Hello(idB)))
	require.Equal(t, hello.Ack(idA), reply)

	require.NoError(t, sender.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := sender.ReadFrom(make([]byte, 1500))
	require.Error(t, err, "malformed datagram must not be answered")

	require.Eventually(t, func() bool {
		return a.c.Session().Status() == rendezvous.Searching
	}, waitFor, 10*time.Millisecond)
	require.ErrorIs(t, a.Stop(), context.Canceled)
}

func TestAckFromUnexpectedSenderIgnored(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()
	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), testOptions())

	require.Eventually(t, func() bool {
		return a.c.Session().Status() == rendezvous.Searching
	}, waitFor, 10*time.Millisecond)

	sender := listen(t)
	_, err := sender.WriteTo(hello.Encode(hello.Ack(identity.Generate())), net.UDPAddrFromAddrPort(addrOf(a.conn)))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, rendezvous.Searching, a.c.Session().Status())
	require.Zero(t, a.c.Session().Pool().Len())
}

func waitExit(t *testing.T, n *node) {
	t.Helper()

	select {
	case err := <-n.errs:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatalf("node %s Run should return after connected, status %s", n.c.Session().Own(), n.c.Session().Status())
	}
}

func TestExitOnConnect(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()

	opts := testOptions()
	opts.ExitOnConnect = true

	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), opts)
	b := start(t, rendezvous.NewSession(idB, idA), m.Attach(loopback), opts)

	waitExit(t, a)
	_ = a.conn.Close()
	waitExit(t, b)

	r, ok := a.c.Session().Result()
	require.True(t, ok)
	require.Equal(t, idB, r.Peer())

	r, ok = b.c.Session().Result()
	require.True(t, ok)
	require.Equal(t, idA, r.Peer())
}

// the side found by lookup only learns peer address from inbound hello,
// it must still connect when the other side exits right after its own handshake.
func TestExitOnConnectFoundSideConnects(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()

	slow := testOptions()
	slow.ExitOnConnect = true
	slow.LookupInterval = time.Hour
	slow.SweepInterval = time.Hour
	slow.RetryInterval = time.Hour

	b := start(t, rendezvous.NewSession(idB, idA), m.Attach(loopback), slow)

	require.Eventually(t, func() bool {
		return m.Lookups.Load() >= 1 && len(m.Peers(identity.Derive(idB))) == 1
	}, waitFor, 10*time.Millisecond)
	require.Zero(t, b.c.Session().Pool().Len())

	fast := testOptions()
	fast.ExitOnConnect = true
	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), fast)

	waitExit(t, a)
	_ = a.conn.Close()
	waitExit(t, b)

	r, ok := b.c.Session().Result()
	require.True(t, ok)
	require.Equal(t, addrOf(a.conn), r.Addr)
	require.Equal(t, idA, r.Peer())
	require.Equal(t, rendezvous.Connected, b.c.Session().Status())
}

func TestExitLingerWithoutPeerHello(t *testing.T) {
	t.Parallel()

	// peer acknowledge hello but never send its own.
	peer := listen(t)
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := peer.ReadFrom(buf)
			if err != nil {
				return
			}

			if m, err := hello.Decode(buf[:n]); err == nil && m.Kind == hello.KindHello {
				_, _ = peer.WriteTo(hello.Encode(hello.Ack(idB)), addr)
			}
		}
	}()

	m := dht.NewMemory()
	m.AddPeer(identity.Derive(idB), addrOf(peer))

	opts := testOptions()
	opts.ExitOnConnect = true
	opts.ExitLinger = 150 * time.Millisecond

	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), opts)

	r := waitConnected(t, a)
	connectedAt := time.Now()
	require.Equal(t, addrOf(peer), r.Addr)

	waitExit(t, a)
	require.GreaterOrEqual(t, time.Since(connectedAt), 100*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	m := dht.NewMemory()
	a := start(t, rendezvous.NewSession(idA, idB), m.Attach(loopback), testOptions())
	b := start(t, rendezvous.NewSession(idB, idA), m.Attach(loopback), testOptions())

	waitConnected(t, a)
	waitConnected(t, b)

	snap := a.c.Snapshot()
	require.Equal(t, idA.String(), snap.ID)
	require.Equal(t, idB.String(), snap.Peer)
	require.Equal(t, identity.Derive(idB).String(), snap.PeerTopic)
	require.Equal(t, "Connected", snap.Status)
	require.NotNil(t, snap.Connected)
	require.Equal(t, addrOf(b.conn).String(), snap.Connected.Addr)
	require.NotEmpty(t, snap.Candidates)
	require.NotEmpty(t, snap.Hellos)
}
