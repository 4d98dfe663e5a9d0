// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"errors"
	"net"

	"shroud/internal/pkg/mempool"
)

var errCipherBroken = errors.New("mse: previous write failed, cipher stream is out of sync")

// Conn is a net.Conn that goes through the ciphers negotiated by a handshake.
// Result.InitialData is returned by Read before anything from the network.
//
// One Read and one Write may run concurrently, concurrent Writes are not allowed.
type Conn struct {
	net.Conn
	enc     Encryptor
	dec     Decryptor
	werr    error
	pending []byte
	method  Method
}

var _ net.Conn = (*Conn)(nil)

func NewConn(conn net.Conn, r Result) *Conn {
	enc, dec := r.Encryptor, r.Decryptor
	if enc == nil {
		enc = Passthrough
	}

	if dec == nil {
		dec = Passthrough
	}

	return &Conn{
		Conn:    conn,
		enc:     enc,
		dec:     dec,
		pending: r.InitialData,
		method:  r.Method,
	}
}

func (c *Conn) Method() Method {
	return c.method
}

func (c *Conn) Read(b []byte) (int, error) {
	if len(c.pending) != 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	n, err := c.Conn.Read(b)
	c.dec.Decrypt(b[:n])

	return n, err
}

// Write doesn't modify b.
func (c *Conn) Write(b []byte) (int, error) {
	if c.werr != nil {
		return 0, c.werr
	}

	if c.enc == Passthrough {
		return c.Conn.Write(b)
	}

	buf := mempool.GetSlice()
	defer mempool.PutSlice(buf)

	var written int
	for len(b) != 0 {
		chunk := copy(buf, b)
		c.enc.Encrypt(buf[:chunk])

		n, err := c.Conn.Write(buf[:chunk])
		written += n
		if err != nil {
			// The cipher has advanced beyond the peer's stream position.
			c.werr = errors.Join(errCipherBroken, err)
			return written, err
		}

		b = b[chunk:]
	}

	return written, nil
}
