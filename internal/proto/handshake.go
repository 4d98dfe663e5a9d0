// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"shroud/internal/metainfo"
)

func genReversedFlag(index int, value byte) uint64 {
	var b [8]byte
	b[index] = value
	return binary.BigEndian.Uint64(b[:])
}

const handshakePstrV1 = "\x13BitTorrent protocol"

// HandshakeLength = len(pStrlen + pStr + reserved + info_hash + peer_id).
const HandshakeLength = len(handshakePstrV1) + 8 + 20 + 20

// https://www.bittorrent.org/beps/bep_0005.html
// reserved_byte[7] & 0x01.
var dhtEnabled = genReversedFlag(7, 0x01)

// https://www.bittorrent.org/beps/bep_0006.html
// reserved_byte[7] & 0x04.
var fastExtensionEnabled = genReversedFlag(7, 0x04)

// https://www.bittorrent.org/beps/bep_0010.html
// reserved_byte[5] & 0x10.
var exchangeExtensionEnabled = genReversedFlag(5, 0x10)

var privateHandshakeFlags = exchangeExtensionEnabled | fastExtensionEnabled
var publicHandshakeFlags = privateHandshakeFlags | dhtEnabled

// MarshalHandshake = <pStrlen><pStr><reserved><info_hash><peer_id>
// - pStrlen = length of pStr (1 byte)
// - pStr = string identifier of the protocol: "BitTorrent protocol" (19 bytes)
// - reserved = 8 reserved bytes indicating extensions to the protocol (8 bytes)
// - info_hash = hash of the value of the 'info' key of the torrent file (20 bytes)
// - peer_id = unique identifier of the Peer (20 bytes)
//
// Total length = payload length = 49 + len(pstr) = 68 bytes (for BitTorrent v1).
func MarshalHandshake(infoHash metainfo.Hash, peerID PeerID, private bool) []byte {
	b := make([]byte, 0, HandshakeLength)
	b = append(b, handshakePstrV1...)

	if private {
		b = binary.BigEndian.AppendUint64(b, privateHandshakeFlags)
	} else {
		b = binary.BigEndian.AppendUint64(b, publicHandshakeFlags)
	}

	b = append(b, infoHash[:]...)
	return append(b, peerID[:]...)
}

func SendHandshake(conn io.Writer, infoHash metainfo.Hash, peerID PeerID, private bool) error {
	_, err := conn.Write(MarshalHandshake(infoHash, peerID, private))
	return err
}

type Handshake struct {
	InfoHash           metainfo.Hash
	PeerID             PeerID
	FastExtension      bool
	ExchangeExtensions bool
	DhtEnabled         bool
}

func (h Handshake) GoString() string {
	return fmt.Sprintf("Handshake{InfoHash='%x', PeerID='%s'}", h.InfoHash, h.PeerID)
}

var ErrHandshakeMismatch = errors.New("handshake string mismatch")

// IsHandshakePrefix reports whether b starts with the plaintext protocol string.
// b may be shorter than the protocol string.
func IsHandshakePrefix(b []byte) bool {
	n := min(len(b), len(handshakePstrV1))
	return n > 0 && bytes.Equal(b[:n], []byte(handshakePstrV1[:n]))
}

// ParseHandshake decodes a handshake from exactly HandshakeLength bytes.
func ParseHandshake(b []byte) (Handshake, error) {
	if len(b) != HandshakeLength {
		return Handshake{}, fmt.Errorf("handshake must be %d bytes, got %d", HandshakeLength, len(b))
	}

	if !bytes.Equal(b[:len(handshakePstrV1)], []byte(handshakePstrV1)) {
		return Handshake{}, ErrHandshakeMismatch
	}

	b = b[len(handshakePstrV1):]

	reversed := binary.BigEndian.Uint64(b)

	var h = Handshake{
		FastExtension:      reversed&fastExtensionEnabled != 0,
		ExchangeExtensions: reversed&exchangeExtensionEnabled != 0,
		DhtEnabled:         reversed&dhtEnabled != 0,
	}

	copy(h.InfoHash[:], b[8:28])
	copy(h.PeerID[:], b[28:48])

	return h, nil
}

func ReadHandshake(conn io.Reader) (Handshake, error) {
	var b [HandshakeLength]byte
	if _, err := io.ReadFull(conn, b[:len(handshakePstrV1)]); err != nil {
		return Handshake{}, err
	}

	// fail fast, don't wait for the rest of a garbage stream
	if !IsHandshakePrefix(b[:len(handshakePstrV1)]) {
		return Handshake{}, ErrHandshakeMismatch
	}

	if _, err := io.ReadFull(conn, b[len(handshakePstrV1):]); err != nil {
		return Handshake{}, err
	}

	return ParseHandshake(b[:])
}
