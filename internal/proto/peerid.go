// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package proto

import (
	"fmt"
	"strings"

	"github.com/dchest/uniuri"

	"shroud/internal/pkg/global"
	"shroud/internal/pkg/unsafe"
)

type PeerID [20]byte

func (i PeerID) AsString() string {
	return unsafe.Str(i[:])
}

func (i PeerID) String() string {
	return fmt.Sprintf("%q", i[:])
}

var emptyPeerID PeerID

func (i PeerID) Zero() bool {
	return i == emptyPeerID
}

var peerIDChars = []byte("0123456789abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~")

func NewPeerID() (peerID PeerID) {
	copy(peerID[:], global.PeerIDPrefix)
	copy(peerID[8:], uniuri.NewLenCharsBytes(12, peerIDChars))
	return
}

// -AZ2060- style peer id
var azureusStyleMapping = map[[2]byte]string{
	{'q', 'B'}: "qBittorrent",
	{'T', 'R'}: "Transmission",
	{'L', 'T'}: "libtorrent",
	{'L', 't'}: "libTorrent",
	{'T', 'Y'}: "Tyr",
	{'S', 'H'}: "Shroud",
	{'K', 'T'}: "KTorrent",
	{'U', 'T'}: "µTorrent",
	{'M', 'O'}: "MonoTorrent",
}

// Client guesses remote client name and version from peer id.
func (i PeerID) Client() string {
	if i[0] == '-' && i[7] == '-' {
		name, ok := azureusStyleMapping[[2]byte(i[1:3])]
		if !ok {
			name = strings.ToUpper(string(i[1:3]))
		}

		if i[6] == '0' {
			return fmt.Sprintf("%s/%d.%d.%d", name, i[3]-'0', i[4]-'0', i[5]-'0')
		}

		return fmt.Sprintf("%s/%d.%d.%d.%d", name, i[3]-'0', i[4]-'0', i[5]-'0', i[6]-'0')
	}

	return string(i[:6])
}
