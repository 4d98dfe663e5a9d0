// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gateway

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/trim21/errgo"

	"shroud/internal/mse"
	"shroud/internal/pkg/global"
	"shroud/internal/pkg/global/tasks"
	"shroud/internal/proto"
)

func (g *Gateway) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || g.ctx.Err() != nil {
				return
			}

			g.log.Err(err).Msg("failed to accept connection")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		g.accept(conn)
	}
}

func (g *Gateway) accept(conn net.Conn) {
	addr, err := addrPort(conn.RemoteAddr())
	if err != nil {
		_ = conn.Close()
		return
	}

	if g.banned(addr.Addr()) {
		connectionsRejected.WithLabelValues("banned").Inc()
		_ = conn.Close()
		return
	}

	if g.bucket.TakeAvailable(1) == 0 {
		connectionsRejected.WithLabelValues("rate").Inc()
		_ = conn.Close()
		return
	}

	release, ok := g.acquire()
	if !ok {
		connectionsRejected.WithLabelValues("limit").Inc()
		_ = conn.Close()
		return
	}

	err = tasks.Submit(func() {
		g.handleIncoming(conn, addr, release)
	})

	if err != nil {
		g.log.Err(err).Msg("failed to submit incoming connection")
		_ = conn.Close()
		release()
	}
}

func (g *Gateway) handleIncoming(conn net.Conn, addr netip.AddrPort, release func()) {
	log := g.log.With().Str("direction", directionIncoming).Stringer("addr", addr).Logger()

	var pc panics.Catcher
	pc.Try(func() {
		if err := g.acceptPeer(conn, addr, release, log); err != nil {
			log.Debug().Err(err).Msg("incoming connection failed")
		}
	})

	if r := pc.Recovered(); r != nil {
		log.Error().Str("panic", r.String()).Msg("panic while handling incoming connection")
		_ = conn.Close()
		release()
	}
}

func (g *Gateway) acceptPeer(conn net.Conn, addr netip.AddrPort, release func(), log zerolog.Logger) (err error) {
	start := time.Now()
	var method mse.Method

	defer func() {
		observeHandshake(directionIncoming, start, method, err)
		if err != nil {
			_ = conn.Close()
			release()
		}
	}()

	r, err := mse.CheckIncoming(g.ctx, conn, g.settings, g.keys)
	if err != nil {
		if mse.IsProtocolViolation(err) {
			g.ban(addr.Addr(), err)
		}

		return err
	}

	method = r.Method

	c := mse.NewConn(conn, r)
	_ = c.SetDeadline(time.Now().Add(global.ConnTimeout))

	// served from InitialData when the handshake came along with MSE
	h, err := proto.ReadHandshake(c)
	if err != nil {
		return errgo.Wrap(err, "failed to read handshake")
	}

	if !g.keys.Has(h.InfoHash) {
		return ErrUnknownInfoHash
	}

	if method != mse.PlainText && h.InfoHash != r.SKey {
		g.ban(addr.Addr(), errInfoHashMismatch)
		return errInfoHashMismatch
	}

	if err = proto.SendHandshake(c, h.InfoHash, g.peerID, false); err != nil {
		return errgo.Wrap(err, "failed to send handshake")
	}

	_ = c.SetDeadline(time.Time{})

	return g.start(newPeer(c, addr, h, true, log, release, g.removePeer))
}
