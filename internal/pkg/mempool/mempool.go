// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mempool

import (
	"github.com/colega/zeropool"
	"github.com/docker/go-units"
	"github.com/valyala/bytebufferpool"
)

// SliceSize is the length of slices returned by GetSlice.
const SliceSize = 16 * units.KiB

var pool = zeropool.New(func() []byte {
	return make([]byte, SliceSize)
})

// GetSlice returns a scratch slice of SliceSize bytes, content is undefined.
func GetSlice() []byte {
	return pool.Get()
}

func PutSlice(slice []byte) {
	if cap(slice) < SliceSize {
		return
	}

	pool.Put(slice[:SliceSize])
}

func Get() *bytebufferpool.ByteBuffer {
	return bytebufferpool.Get()
}

// Put wipes the buffer before returning it, handshake buffers carry key material.
func Put(b *bytebufferpool.ByteBuffer) {
	clear(b.B)
	bytebufferpool.Put(b)
}
