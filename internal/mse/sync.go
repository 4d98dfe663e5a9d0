// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"bytes"
	"crypto/sha1" //nolint:gosec
)

// synchronize consumes the stream up to and including syncData,
// which is preceded by an unknown amount of random padding.
//
// The window never extends past a possible match, so nothing after syncData is read.
// It gives up before receiving more than stopPoint bytes since the handshake began.
func (s *session) synchronize(syncData []byte, stopPoint int) error {
	var buf [sha1.Size]byte
	if len(syncData) == 0 || len(syncData) > len(buf) {
		panic("mse: invalid sync data length")
	}

	window := buf[:len(syncData)]
	filled := 0

	for {
		// a match can't end within the budget anymore
		if s.received+len(window)-filled > stopPoint {
			return newError(reasonSync)
		}

		if err := s.receive(window[filled:]); err != nil {
			return err
		}

		if bytes.Equal(window, syncData) {
			return nil
		}

		// position 0 already failed, keep the suffix starting at the next candidate
		filled = 0
		if i := bytes.IndexByte(window[1:], syncData[0]); i >= 0 {
			filled = copy(window, window[i+1:])
		}
	}
}
