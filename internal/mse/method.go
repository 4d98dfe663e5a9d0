// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"shroud/internal/pkg/random"
)

// Method is how the connection is protected once the handshake completes.
type Method uint8

const (
	// PlainText skips MSE, the peer speaks the BitTorrent handshake directly.
	PlainText Method = iota
	// RC4Header encrypts only the MSE handshake, payload goes in plaintext afterward.
	RC4Header
	// RC4Full encrypts the whole stream.
	RC4Full
)

func (m Method) String() string {
	switch m {
	case PlainText:
		return "plaintext"
	case RC4Header:
		return "rc4-header"
	case RC4Full:
		return "rc4-full"
	}

	return fmt.Sprintf("Method(%d)", uint8(m))
}

// Mask is crypto_provide / crypto_select on the wire.
type Mask uint32

const (
	MaskRC4Header Mask = 1 << iota
	MaskRC4Full

	maskKnown = MaskRC4Header | MaskRC4Full
)

// Mask returns the wire bit of m, PlainText has none.
func (m Method) Mask() Mask {
	switch m {
	case RC4Header:
		return MaskRC4Header
	case RC4Full:
		return MaskRC4Full
	}

	return 0
}

func (m Mask) Has(method Method) bool {
	bit := method.Mask()
	return bit != 0 && m&bit != 0
}

func readMask(b []byte) Mask {
	return Mask(binary.BigEndian.Uint32(b))
}

// CryptoProvide computes crypto_provide from the locally allowed methods.
func CryptoProvide(allowed []Method) (Mask, error) {
	var m Mask
	for _, method := range allowed {
		m |= method.Mask()
	}

	if m == 0 {
		return 0, ErrNoCryptoMethod
	}

	return m, nil
}

// SelectCrypto picks the method both peers support.
// preference RC4Full tries RC4Full then RC4Header, preference RC4Header tries the reverse.
// Both sides run the same rule so they agree without another round trip.
func SelectCrypto(remote Mask, allowed []Method, preference Method) (Method, error) {
	order := [...]Method{RC4Full, RC4Header}
	if preference == RC4Header {
		order = [...]Method{RC4Header, RC4Full}
	}

	for _, m := range order {
		if remote.Has(m) && slices.Contains(allowed, m) {
			return m, nil
		}
	}

	return PlainText, newError(reasonNoMethod)
}

// DefaultTimeout bounds a handshake when Settings.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Settings is read-only configuration shared by all handshakes.
type Settings struct {
	// Random defaults to random.Secure.
	Random random.Source
	// Allowed is in preference order, the first entry decides whether
	// outgoing connections try plaintext or MSE first.
	Allowed []Method
	Timeout time.Duration
}

func (s Settings) allows(m Method) bool {
	return slices.Contains(s.Allowed, m)
}

func (s Settings) encryptionAllowed() bool {
	return s.allows(RC4Full) || s.allows(RC4Header)
}

func (s Settings) prefersPlaintext() bool {
	return len(s.Allowed) != 0 && s.Allowed[0] == PlainText
}

// Preferred returns the first encrypted method in Allowed.
func (s Settings) Preferred() Method {
	for _, m := range s.Allowed {
		if m != PlainText {
			return m
		}
	}

	return RC4Full
}

func (s Settings) random() random.Source {
	if s.Random == nil {
		return random.Secure
	}

	return s.Random
}

func (s Settings) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}

	return s.Timeout
}

func (s Settings) validate() error {
	if len(s.Allowed) == 0 {
		return ErrNoCryptoMethod
	}

	for _, m := range s.Allowed {
		if m > RC4Full {
			return fmt.Errorf("%w: %s", ErrNoCryptoMethod, m)
		}
	}

	return nil
}

// ParsePolicy maps a crypto policy name to an allowed list in preference order.
func ParsePolicy(name string) ([]Method, error) {
	switch name {
	case "disable":
		return []Method{PlainText}, nil
	case "prefer-not":
		return []Method{PlainText, RC4Header, RC4Full}, nil
	case "", "prefer":
		return []Method{RC4Full, RC4Header, PlainText}, nil
	case "force":
		return []Method{RC4Full, RC4Header}, nil
	case "force-full":
		return []Method{RC4Full}, nil
	}

	return nil, fmt.Errorf("%w %q, only 'disable', 'prefer-not', 'prefer', 'force' or 'force-full' are allowed",
		ErrUnknownMethodPreference, name)
}
