// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gateway

import (
	"net/netip"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"shroud/internal/metainfo"
	"shroud/internal/mse"
	"shroud/internal/proto"
)

// Peer is a connection that finished both MSE and BitTorrent handshake.
// Reads and writes go through the negotiated ciphers.
type Peer struct {
	*mse.Conn
	Log       zerolog.Logger
	Connected time.Time
	release   func()
	remove    func(*Peer)
	Client    string
	Address   netip.AddrPort
	InfoHash  metainfo.Hash
	PeerID    proto.PeerID
	closed    atomic.Bool
	Incoming  bool
}

func newPeer(
	conn *mse.Conn,
	addr netip.AddrPort,
	h proto.Handshake,
	incoming bool,
	log zerolog.Logger,
	release func(),
	remove func(*Peer),
) *Peer {
	client := h.PeerID.Client()

	return &Peer{
		Conn:      conn,
		Address:   addr,
		InfoHash:  h.InfoHash,
		PeerID:    h.PeerID,
		Client:    client,
		Incoming:  incoming,
		Connected: time.Now(),
		Log: log.With().
			Stringer("info_hash", h.InfoHash).
			Str("peer_id", url.QueryEscape(h.PeerID.AsString())).
			Stringer("method", conn.Method()).
			Logger(),
		release: release,
		remove:  remove,
	}
}

// Close is safe to call more than once, the connection slot is given back on first call.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := p.Conn.Close()
	p.remove(p)
	p.release()

	p.Log.Debug().Msg("peer closed")

	return err
}

type PeerInfo struct {
	Address   string        `json:"address"`
	InfoHash  metainfo.Hash `json:"info_hash"`
	Client    string        `json:"client"`
	Method    string        `json:"method"`
	Connected string        `json:"connected"`
	Incoming  bool          `json:"incoming"`
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		Address:   p.Address.String(),
		InfoHash:  p.InfoHash,
		Client:    p.Client,
		Method:    p.Method().String(),
		Connected: humanize.Time(p.Connected),
		Incoming:  p.Incoming,
	}
}
