// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package gateway accepts and dials BitTorrent peers, running the MSE
// handshake and the plaintext BitTorrent handshake before handing a
// connection over.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/ratelimit"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"github.com/trim21/errgo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"shroud/internal/config"
	"shroud/internal/mse"
	"shroud/internal/pkg/global"
	"shroud/internal/proto"
)

var (
	ErrUnknownInfoHash     = errors.New("gateway: unknown info hash")
	ErrTooManyConnections  = errors.New("gateway: too many connections")
	ErrAlreadyConnected    = errors.New("gateway: already connected to peer")
	errInfoHashMismatch    = errors.New("gateway: info hash doesn't match SKEY")
	errGatewayShuttingDown = errors.New("gateway: shutting down")
)

// Handler takes over a peer after handshake, it must close the peer when done.
type Handler func(p *Peer)

const banListSize = 4096

type connHistory struct {
	lastTry   time.Time
	err       error
	method    mse.Method
	connected bool
}

type Gateway struct {
	ctx      context.Context
	listener net.Listener
	log      zerolog.Logger
	cancel   context.CancelFunc
	keys     *mse.KeyRing
	handler  Handler
	sem      *semaphore.Weighted
	bucket   *ratelimit.Bucket
	bans     *expirable.LRU[netip.Addr, string]
	history  *ttlcache.Cache[netip.AddrPort, connHistory]
	peers    *xsync.MapOf[netip.AddrPort, *Peer]
	settings mse.Settings
	wg       conc.WaitGroup
	count    atomic.Uint32
	started  atomic.Bool
	port     uint16
	peerID   proto.PeerID
}

// New doesn't touch the network, call Start to listen.
// A nil handler keeps every peer open and discards what it sends.
func New(cfg config.Application, keys *mse.KeyRing, handler Handler) (*Gateway, error) {
	settings, err := cfg.MSE()
	if err != nil {
		return nil, errgo.Wrap(err, "invalid crypto config")
	}

	if handler == nil {
		handler = drain
	}

	if keys == nil {
		keys = mse.NewKeyRing()
	}

	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With().Str("module", "gateway").Logger(),
		keys:     keys,
		handler:  handler,
		settings: settings,
		sem:      semaphore.NewWeighted(int64(cfg.GlobalConnectionLimit)),
		bucket:   ratelimit.NewBucketWithRate(cfg.AcceptRate, int64(math.Max(1, math.Ceil(cfg.AcceptRate)))),
		history: ttlcache.New[netip.AddrPort, connHistory](
			ttlcache.WithTTL[netip.AddrPort, connHistory](time.Hour),
			ttlcache.WithDisableTouchOnHit[netip.AddrPort, connHistory](),
		),
		peers:  xsync.NewMapOf[netip.AddrPort, *Peer](),
		port:   cfg.P2PPort,
		peerID: proto.NewPeerID(),
	}

	if cfg.BanDuration > 0 {
		g.bans = expirable.NewLRU[netip.Addr, string](banListSize, nil, time.Duration(cfg.BanDuration))
	}

	return g, nil
}

func (g *Gateway) Start() error {
	l, err := global.Listen(g.ctx, fmt.Sprintf(":%d", g.port))
	if err != nil {
		return errgo.Wrap(err, "failed to listen on p2p port")
	}

	g.listener = l
	g.started.Store(true)

	g.wg.Go(g.history.Start)
	g.wg.Go(g.acceptLoop)

	g.log.Info().Stringer("addr", l.Addr()).Msg("start listening")

	return nil
}

// Addr is only valid after Start.
func (g *Gateway) Addr() net.Addr {
	return g.listener.Addr()
}

func (g *Gateway) Port() uint16 {
	if a, ok := g.listener.Addr().(*net.TCPAddr); ok {
		return uint16(a.Port)
	}

	return g.port
}

func (g *Gateway) Keys() *mse.KeyRing {
	return g.keys
}

func (g *Gateway) PeerID() proto.PeerID {
	return g.peerID
}

// Connections is the number of used slots, handshakes in progress included.
func (g *Gateway) Connections() uint32 {
	return g.count.Load()
}

func (g *Gateway) Peers() []PeerInfo {
	peers := make([]*Peer, 0, g.peers.Size())
	g.peers.Range(func(_ netip.AddrPort, p *Peer) bool {
		peers = append(peers, p)
		return true
	})

	slices.SortFunc(peers, func(a, b *Peer) int {
		return a.Connected.Compare(b.Connected)
	})

	return lo.Map(peers, func(p *Peer, _ int) PeerInfo {
		return p.Info()
	})
}

func (g *Gateway) Shutdown() error {
	g.log.Info().Msg("gateway shutting down...")
	g.cancel()

	var err error
	if g.started.CompareAndSwap(true, false) {
		err = multierr.Append(err, g.listener.Close())
		g.history.Stop()
	}

	g.peers.Range(func(_ netip.AddrPort, p *Peer) bool {
		err = multierr.Append(err, p.Close())
		return true
	})

	g.wg.Wait()

	return err
}

func (g *Gateway) banned(addr netip.Addr) bool {
	return g.bans != nil && g.bans.Contains(addr)
}

func (g *Gateway) ban(addr netip.Addr, err error) {
	if g.bans == nil {
		return
	}

	g.log.Info().Stringer("ip", addr).Err(err).Msg("ban address")
	g.bans.Add(addr, err.Error())
}

// acquire takes a slot from the global connection limit.
// The returned func gives it back, calling it more than once is fine.
func (g *Gateway) acquire() (func(), bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}

	g.count.Inc()
	activeConnections.Inc()

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.sem.Release(1)
			g.count.Dec()
			activeConnections.Dec()
		}
	}, true
}

func (g *Gateway) addPeer(p *Peer) error {
	if g.ctx.Err() != nil {
		return errGatewayShuttingDown
	}

	if _, loaded := g.peers.LoadOrStore(p.Address, p); loaded {
		return ErrAlreadyConnected
	}

	return nil
}

func (g *Gateway) removePeer(p *Peer) {
	g.peers.Compute(p.Address, func(old *Peer, loaded bool) (*Peer, bool) {
		return old, !loaded || old == p
	})
}

// start registers p and hands it to the handler.
func (g *Gateway) start(p *Peer) error {
	if err := g.addPeer(p); err != nil {
		return err
	}

	p.Log.Info().Msg("peer connected")
	go g.handler(p)

	return nil
}

func drain(p *Peer) {
	defer p.Close()

	n, err := io.Copy(io.Discard, p)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		p.Log.Debug().Err(err).Msg("peer read error")
	}

	p.Log.Debug().Str("received", humanize.IBytes(uint64(n))).Msg("peer disconnected")
}

// addrPort normalizes IPv4-mapped IPv6 address so bans apply to both forms.
func addrPort(a net.Addr) (netip.AddrPort, error) {
	if t, ok := a.(*net.TCPAddr); ok {
		ap := t.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}

	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.AddrPort{}, err
	}

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
