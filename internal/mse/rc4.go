// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"crypto/rc4"
	"fmt"
)

// Encryptor encrypts b in place.
type Encryptor interface {
	Encrypt(b []byte)
}

// Decryptor decrypts b in place.
type Decryptor interface {
	Decrypt(b []byte)
}

// keystream bytes dropped after key scheduling, see "RC4-drop[n]".
const rc4Discard = 1024

// RC4 is one direction of an RC4 stream, it's not safe for concurrent use.
type RC4 struct {
	c *rc4.Cipher
}

// NewRC4 panics if key is empty or longer than 256 bytes.
func NewRC4(key []byte) *RC4 {
	c, err := rc4.NewCipher(key)
	if err != nil {
		panic(fmt.Sprintf("mse: invalid rc4 key: %v", err))
	}

	r := &RC4{c: c}

	var burn [rc4Discard]byte
	r.Encrypt(burn[:])

	return r
}

func (r *RC4) Encrypt(b []byte) {
	r.c.XORKeyStream(b, b)
}

func (r *RC4) Decrypt(b []byte) {
	r.c.XORKeyStream(b, b)
}

// Passthrough leaves data unchanged. It's used after a plaintext handshake
// and after a header-only MSE handshake.
var Passthrough = passthrough{}

type passthrough struct{}

func (passthrough) Encrypt([]byte) {}
func (passthrough) Decrypt([]byte) {}

var _ Encryptor = (*RC4)(nil)
var _ Decryptor = (*RC4)(nil)
var _ Encryptor = Passthrough
var _ Decryptor = Passthrough
