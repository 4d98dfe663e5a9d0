// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gsync_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"shroud/internal/pkg/gsync"
)

func TestPool(t *testing.T) {
	p := gsync.NewPool(func() []byte {
		return make([]byte, 1024)
	})

	b := p.Get()
	require.Equal(t, 1024, len(b))
	require.Equal(t, 1024, cap(b))
}

func TestPoolWithReset(t *testing.T) {
	var called int
	p := gsync.NewPoolWithReset(func() *[8]byte {
		return &[8]byte{}
	}, func(b *[8]byte) bool {
		called++
		clear(b[:])
		return true
	})

	b := p.Get()
	b[0] = 1
	p.Put(b)

	require.Equal(t, 1, called)
	require.Equal(t, byte(0), b[0])

	require.Panics(t, func() {
		gsync.NewPoolWithReset(func() int { return 0 }, (func(int) bool)(nil))
	})
}
