// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gateway

import (
	"context"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/trim21/errgo"
	"go.uber.org/multierr"

	"shroud/internal/metainfo"
	"shroud/internal/mse"
	"shroud/internal/pkg/global"
	"shroud/internal/proto"
)

// Dial connects to a peer serving infoHash.
//
// If the first method fails and the crypto policy allows the other one,
// it's tried again on a fresh connection. The method that worked is
// remembered for an hour and tried first next time.
func (g *Gateway) Dial(ctx context.Context, addr netip.AddrPort, infoHash metainfo.Hash) (*Peer, error) {
	if _, ok := g.peers.Load(addr); ok {
		return nil, ErrAlreadyConnected
	}

	release, ok := g.acquire()
	if !ok {
		return nil, ErrTooManyConnections
	}

	log := g.log.With().Str("direction", directionOutgoing).Stringer("addr", addr).Logger()

	var errs error
	for _, s := range g.attempts(addr) {
		p, err := g.dial(ctx, addr, infoHash, s, release, log)
		if err == nil {
			g.history.Set(addr, connHistory{lastTry: time.Now(), method: p.Method(), connected: true}, ttlcache.DefaultTTL)
			return p, nil
		}

		log.Debug().Err(err).Msg("outgoing connection failed")
		errs = multierr.Append(errs, err)

		if ctx.Err() != nil || g.ctx.Err() != nil {
			break
		}
	}

	g.history.Set(addr, connHistory{lastTry: time.Now(), err: errs}, ttlcache.DefaultTTL)
	release()

	return nil, errs
}

// attempts splits local policy into a plaintext and an encrypted attempt, in the order to try them.
func (g *Gateway) attempts(addr netip.AddrPort) []mse.Settings {
	encrypted := lo.Filter(g.settings.Allowed, func(m mse.Method, _ int) bool {
		return m != mse.PlainText
	})

	plainAllowed := lo.Contains(g.settings.Allowed, mse.PlainText)
	plainFirst := g.settings.Allowed[0] == mse.PlainText

	if item := g.history.Get(addr); item != nil {
		if h := item.Value(); h.connected {
			plainFirst = h.method == mse.PlainText
		}
	}

	var plain, enc *mse.Settings
	if plainAllowed {
		s := g.settings
		s.Allowed = []mse.Method{mse.PlainText}
		plain = &s
	}

	if len(encrypted) != 0 {
		s := g.settings
		s.Allowed = encrypted
		enc = &s
	}

	order := []*mse.Settings{enc, plain}
	if plainFirst {
		order = []*mse.Settings{plain, enc}
	}

	return lo.FilterMap(order, func(s *mse.Settings, _ int) (mse.Settings, bool) {
		if s == nil {
			return mse.Settings{}, false
		}

		return *s, true
	})
}

func (g *Gateway) dial(
	ctx context.Context,
	addr netip.AddrPort,
	infoHash metainfo.Hash,
	s mse.Settings,
	release func(),
	log zerolog.Logger,
) (p *Peer, err error) {
	start := time.Now()
	var method mse.Method

	conn, err := global.Dial(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errgo.Wrap(err, "failed to connect")
	}

	defer func() {
		observeHandshake(directionOutgoing, start, method, err)
		if err != nil {
			_ = conn.Close()
		}
	}()

	r, err := mse.CheckOutgoing(ctx, conn, s, infoHash, proto.MarshalHandshake(infoHash, g.peerID, false))
	if err != nil {
		return nil, err
	}

	method = r.Method

	c := mse.NewConn(conn, r)
	_ = c.SetDeadline(time.Now().Add(global.ConnTimeout))

	h, err := proto.ReadHandshake(c)
	if err != nil {
		return nil, errgo.Wrap(err, "failed to read handshake")
	}

	if h.InfoHash != infoHash {
		return nil, proto.ErrHandshakeMismatch
	}

	_ = c.SetDeadline(time.Time{})

	p = newPeer(c, addr, h, false, log, release, g.removePeer)
	if err = g.start(p); err != nil {
		return nil, err
	}

	return p, nil
}
