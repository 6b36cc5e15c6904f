// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

const (
	// larger than hello.MaxSize, so oversized datagrams are still seen and rejected by decoder.
	readBufferSize = 1500

	// receive loop check ctx at least this often.
	readPollInterval = 200 * time.Millisecond
)

func (c *Coordinator) receive(ctx context.Context, out chan<- datagram) {
	buf := make([]byte, readBufferSize)

	for ctx.Err() == nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(readPollInterval))

		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			if errors.Is(err, net.ErrClosed) {
				c.log.Debug().Msg("hello socket closed, stop receiving")
				return
			}

			c.log.Err(err).Msg("UDP recv error")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		ap, ok := addrPortOf(addr)
		if !ok {
			continue
		}

		select {
		case out <- datagram{addr: ap, payload: bytes.Clone(buf[:n])}:
		case <-ctx.Done():
			return
		}
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	if a, ok := addr.(*net.UDPAddr); ok {
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	}

	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, false
	}

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
