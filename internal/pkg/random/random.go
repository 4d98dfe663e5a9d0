// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package random

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	mrand "math/rand/v2"

	"shroud/internal/pkg/gsync"
	"shroud/internal/pkg/unsafe"
)

// Source is where handshake code draws key material and padding from.
type Source interface {
	io.Reader
	// IntN returns a uniform value in [0, n). It panics if n <= 0.
	IntN(n int) int
}

var p = gsync.NewPool(func() *bufio.Reader {
	return bufio.NewReader(rand.Reader)
})

// Secure is backed by crypto/rand and safe for concurrent use.
var Secure Source = secure{}

type secure struct{}

func (secure) Read(b []byte) (int, error) {
	reader := p.Get()
	defer p.Put(reader)

	return io.ReadFull(reader, b)
}

func (s secure) IntN(n int) int {
	if n <= 0 || n > math.MaxUint32 {
		panic(fmt.Sprintf("random: invalid argument to IntN: %d", n))
	}

	// drop values in the tail so the result has no modulo bias
	limit := math.MaxUint32 - (math.MaxUint32 % uint32(n))

	var b [4]byte
	for {
		if _, err := s.Read(b[:]); err != nil {
			panic(fmt.Sprintf("unexpected error happened when reading from crypto/rand %+v", err))
		}

		v := binary.BigEndian.Uint32(b[:])
		if v < limit {
			return int(v % uint32(n))
		}
	}
}

// NewDeterministic returns a seeded source for tests, it is not safe for concurrent use.
func NewDeterministic(seed uint64) Source {
	var s [32]byte
	binary.BigEndian.PutUint64(s[:], seed)
	c := mrand.NewChaCha8(s)

	return &deterministic{c: c, r: mrand.New(c)}
}

type deterministic struct {
	c *mrand.ChaCha8
	r *mrand.Rand
}

func (d *deterministic) Read(b []byte) (int, error) {
	return d.c.Read(b)
}

func (d *deterministic) IntN(n int) int {
	return d.r.IntN(n)
}

const base64UrlSafeChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// URLSafeStr generate a cryptographically secure url safe string in given length.
// result is not a valid base64 string or base64url string
// entropy = 64^size
func URLSafeStr(size int) string {
	r := Bytes(size)

	for i, rb := range r {
		// len(base64UrlSafeChars) % 64 == 0 so it's not bias
		r[i] = base64UrlSafeChars[rb%64]
	}

	return unsafe.Str(r)
}

// Bytes generate a cryptographically secure random bytes.
// Will panic if it can't read from 'crypto/rand'.
// entropy = 256^size
func Bytes(size int) []byte {
	r := make([]byte, size)
	if _, err := Secure.Read(r); err != nil {
		panic(fmt.Sprintf("unexpected error happened when reading from bufio.NewReader(crypto/rand.Reader) %+v", err))
	}

	return r
}
