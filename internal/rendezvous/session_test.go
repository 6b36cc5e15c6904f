// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package rendezvous

import (
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dhtmsg/internal/hello"
	"dhtmsg/internal/identity"
)

func TestSessionTopics(t *testing.T) {
	t.Parallel()

	own := identity.Generate()
	peer := identity.Generate()

	s := NewSession(own, peer)
	require.Equal(t, Bootstrapping, s.Status())
	require.Equal(t, identity.Derive(own), s.OwnTopic())

	p, ok := s.Peer()
	require.True(t, ok)
	require.Equal(t, peer, p)

	topic, ok := s.PeerTopic()
	require.True(t, ok)
	require.Equal(t, identity.Derive(peer), topic)

	l := NewListenSession(own)
	_, ok = l.Peer()
	require.False(t, ok)
	_, ok = l.PeerTopic()
	require.False(t, ok)
}

func TestSessionConnectOnce(t *testing.T) {
	t.Parallel()

	own := identity.Generate()
	peer := identity.Generate()
	s := NewSession(own, peer)
	s.setStatus(Searching)

	_, ok := s.Result()
	require.False(t, ok)

	var wg sync.WaitGroup
	var won sync.Map
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := Result{At: time.Now(), Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(10000+i)), Message: hello.Ack(peer)}
			if s.connect(r) {
				won.Store(i, r)
			}
		}()
	}
	wg.Wait()

	var winners []Result
	won.Range(func(_, value any) bool {
		winners = append(winners, value.(Result))
		return true
	})

	require.Len(t, winners, 1)
	require.Equal(t, Connected, s.Status())

	r, ok := s.Result()
	require.True(t, ok)
	require.Equal(t, winners[0], r)
	require.Equal(t, peer, r.Peer())

	require.False(t, s.connect(Result{Message: hello.Ack(peer)}))
	r2, _ := s.Result()
	require.Equal(t, r, r2)
}

func TestResultString(t *testing.T) {
	t.Parallel()

	peer := identity.MustParse(strings.Repeat("ab", identity.Size))
	r := Result{
		Addr:    netip.MustParseAddrPort("203.0.113.7:6881"),
		Message: hello.Ack(peer),
	}

	require.Equal(t, "received hello from 203.0.113.7:6881: hello-ack from "+strings.Repeat("ab", identity.Size), r.String())
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Bootstrapping", Bootstrapping.String())
	require.Equal(t, "Searching", Searching.String())
	require.Equal(t, "Connected", Connected.String())
}
