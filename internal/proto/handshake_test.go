// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package proto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"shroud/internal/metainfo"
	"shroud/internal/proto"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var ih metainfo.Hash
	copy(ih[:], "01234567890123456789")
	peerID := proto.NewPeerID()

	b := proto.MarshalHandshake(ih, peerID, false)
	require.Len(t, b, proto.HandshakeLength)
	require.True(t, proto.IsHandshakePrefix(b))

	h, err := proto.ParseHandshake(b)
	require.NoError(t, err)
	require.Equal(t, ih, h.InfoHash)
	require.Equal(t, peerID, h.PeerID)
	require.True(t, h.DhtEnabled)
	require.True(t, h.FastExtension)
	require.True(t, h.ExchangeExtensions)

	h, err = proto.ReadHandshake(bytes.NewReader(proto.MarshalHandshake(ih, peerID, true)))
	require.NoError(t, err)
	require.False(t, h.DhtEnabled)
	require.True(t, h.FastExtension)
}

func TestHandshakeReservedBits(t *testing.T) {
	var ih metainfo.Hash
	peerID := proto.NewPeerID()

	reserved := func(private bool) []byte {
		return proto.MarshalHandshake(ih, peerID, private)[20:28]
	}

	require.Equal(t, []byte{0, 0, 0, 0, 0, 0x10, 0, 0x05}, reserved(false))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0x10, 0, 0x04}, reserved(true))
}

func TestHandshakeMismatch(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xff}, proto.HandshakeLength)

	require.False(t, proto.IsHandshakePrefix(garbage))
	require.False(t, proto.IsHandshakePrefix(nil))
	require.True(t, proto.IsHandshakePrefix([]byte("\x13BitTorr")))

	_, err := proto.ParseHandshake(garbage)
	require.ErrorIs(t, err, proto.ErrHandshakeMismatch)

	_, err = proto.ReadHandshake(bytes.NewReader(garbage))
	require.ErrorIs(t, err, proto.ErrHandshakeMismatch)

	_, err = proto.ParseHandshake(garbage[:10])
	require.Error(t, err)
}

func TestPeerID(t *testing.T) {
	id := proto.NewPeerID()
	require.True(t, strings.HasPrefix(id.AsString(), "-SH"))
	require.Equal(t, "Shroud/0.1.0", id.Client())
	require.False(t, id.Zero())
	require.True(t, proto.PeerID{}.Zero())

	var qb proto.PeerID
	copy(qb[:], "-qB4650-abcdefghijkl")
	require.Equal(t, "qBittorrent/4.6.5", qb.Client())
}
