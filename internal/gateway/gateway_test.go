// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gateway_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shroud/internal/config"
	"shroud/internal/gateway"
	"shroud/internal/metainfo"
	"shroud/internal/mse"
	"shroud/internal/proto"
)

func newGateway(t *testing.T, crypto string, hashes ...metainfo.Hash) (*gateway.Gateway, chan *gateway.Peer) {
	t.Helper()

	cfg := config.Default().App
	cfg.P2PPort = 0
	cfg.Crypto = crypto
	cfg.HandshakeTimeout = config.Duration(5 * time.Second)
	cfg.AcceptRate = 1000

	peers := make(chan *gateway.Peer, 4)

	g, err := gateway.New(cfg, mse.NewKeyRing(hashes...), func(p *gateway.Peer) {
		peers <- p
	})
	require.NoError(t, err)
	require.NoError(t, g.Start())

	t.Cleanup(func() {
		_ = g.Shutdown()
	})

	return g, peers
}

func addr(g *gateway.Gateway) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), g.Port())
}

func receive(t *testing.T, peers chan *gateway.Peer) *gateway.Peer {
	t.Helper()

	select {
	case p := <-peers:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no peer connected")
		return nil
	}
}

func TestAcceptEncrypted(t *testing.T) {
	ih := metainfo.Hash{1}
	g, peers := newGateway(t, "prefer", ih)

	conn, err := net.Dial("tcp", addr(g).String())
	require.NoError(t, err)
	defer conn.Close()

	peerID := proto.NewPeerID()
	r, err := mse.CheckOutgoing(context.Background(), conn,
		mse.Settings{Allowed: []mse.Method{mse.RC4Full}}, ih, proto.MarshalHandshake(ih, peerID, false))
	require.NoError(t, err)

	c := mse.NewConn(conn, r)

	h, err := proto.ReadHandshake(c)
	require.NoError(t, err)
	require.Equal(t, ih, h.InfoHash)
	require.Equal(t, g.PeerID(), h.PeerID)

	p := receive(t, peers)
	defer p.Close()

	require.Equal(t, mse.RC4Full, p.Method())
	require.Equal(t, ih, p.InfoHash)
	require.Equal(t, peerID, p.PeerID)
	require.True(t, p.Incoming)

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)

	b := make([]byte, 4)
	_, err = io.ReadFull(p, b)
	require.NoError(t, err)
	require.Equal(t, "ping", string(b))

	require.Len(t, g.Peers(), 1)
	require.Equal(t, uint32(1), g.Connections())
}

func TestAcceptPlaintext(t *testing.T) {
	ih := metainfo.Hash{2}
	g, peers := newGateway(t, "prefer", ih)

	conn, err := net.Dial("tcp", addr(g).String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.SendHandshake(conn, ih, proto.NewPeerID(), false))

	h, err := proto.ReadHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, ih, h.InfoHash)

	p := receive(t, peers)
	defer p.Close()

	require.Equal(t, mse.PlainText, p.Method())
}

func TestAcceptPlaintextUnknownInfoHash(t *testing.T) {
	g, _ := newGateway(t, "prefer", metainfo.Hash{3})

	conn, err := net.Dial("tcp", addr(g).String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.SendHandshake(conn, metainfo.Hash{4}, proto.NewPeerID(), false))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = proto.ReadHandshake(conn)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return g.Connections() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// a peer that fails the MSE handshake is refused for a while.
func TestBanAfterViolation(t *testing.T) {
	g, _ := newGateway(t, "force", metainfo.Hash{5})

	conn, err := net.Dial("tcp", addr(g).String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = mse.CheckOutgoing(context.Background(), conn,
		mse.Settings{Allowed: []mse.Method{mse.RC4Full}}, metainfo.Hash{6}, nil)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr(g).String())
		if err != nil {
			return false
		}
		defer c.Close()

		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, err = c.Read(make([]byte, 1))

		var ne net.Error
		return err != nil && !(errors.As(err, &ne) && ne.Timeout())
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	cfg := config.Default().App
	cfg.P2PPort = 0
	cfg.GlobalConnectionLimit = 1
	cfg.AcceptRate = 1000

	g, err := gateway.New(cfg, mse.NewKeyRing(), nil)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	defer g.Shutdown()

	first, err := net.Dial("tcp", addr(g).String())
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		return g.Connections() == 1
	}, 5*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", addr(g).String())
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestDial(t *testing.T) {
	ih := metainfo.Hash{7}
	a, _ := newGateway(t, "prefer")
	b, bPeers := newGateway(t, "prefer", ih)

	p, err := a.Dial(context.Background(), addr(b), ih)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, mse.RC4Full, p.Method())
	require.False(t, p.Incoming)
	require.Equal(t, b.PeerID(), p.PeerID)

	remote := receive(t, bPeers)
	defer remote.Close()
	require.Equal(t, mse.RC4Full, remote.Method())
	require.Equal(t, a.PeerID(), remote.PeerID)

	_, err = p.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = a.Dial(context.Background(), addr(b), ih)
	require.ErrorIs(t, err, gateway.ErrAlreadyConnected)
}

func TestDialFallbackToPlaintext(t *testing.T) {
	ih := metainfo.Hash{8}
	a, _ := newGateway(t, "prefer")
	b, bPeers := newGateway(t, "disable", ih)

	p, err := a.Dial(context.Background(), addr(b), ih)
	require.NoError(t, err)
	require.Equal(t, mse.PlainText, p.Method())

	remote := receive(t, bPeers)
	require.Equal(t, mse.PlainText, remote.Method())

	require.NoError(t, p.Close())
	require.NoError(t, remote.Close())

	// plaintext is remembered and tried first
	p, err = a.Dial(context.Background(), addr(b), ih)
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, mse.PlainText, p.Method())
}

func TestDialUnknownInfoHash(t *testing.T) {
	a, _ := newGateway(t, "force")
	b, _ := newGateway(t, "force", metainfo.Hash{9})

	_, err := a.Dial(context.Background(), addr(b), metainfo.Hash{10})
	require.Error(t, err)
	require.Equal(t, uint32(0), a.Connections())
	require.Empty(t, a.Peers())
}

func TestShutdownClosesPeers(t *testing.T) {
	ih := metainfo.Hash{11}
	a, _ := newGateway(t, "prefer")
	b, bPeers := newGateway(t, "prefer", ih)

	p, err := a.Dial(context.Background(), addr(b), ih)
	require.NoError(t, err)

	remote := receive(t, bPeers)
	defer remote.Close()

	require.NoError(t, a.Shutdown())

	_, err = p.Read(make([]byte, 1))
	require.Error(t, err)
	require.Equal(t, uint32(0), a.Connections())
}

func TestInvalidCrypto(t *testing.T) {
	cfg := config.Default().App
	cfg.Crypto = "sometimes"

	_, err := gateway.New(cfg, nil, nil)
	require.ErrorContains(t, err, "unknown crypto preference")
}
