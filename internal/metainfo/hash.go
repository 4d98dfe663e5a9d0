// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package metainfo

import (
	"encoding/hex"
	"errors"
	"fmt"

	"shroud/internal/pkg/unsafe"
)

// Hash is a v1 torrent info hash. MSE uses it as SKEY.
type Hash [20]byte

var ErrInvalidHash = errors.New("info hash must be 40 hex characters")

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) AsString() string {
	return unsafe.Str(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := FromHex(unsafe.Str(b))
	if err != nil {
		return err
	}

	*h = v
	return nil
}

func FromHex(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(len(h)) {
		return h, ErrInvalidHash
	}

	if _, err := hex.Decode(h[:], unsafe.Bytes(s)); err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}

	return h, nil
}
