// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse_test

import (
	"bytes"
	"crypto/rc4"
	"testing"

	"github.com/stretchr/testify/require"

	"shroud/internal/mse"
	"shroud/internal/pkg/random"
)

func TestRC4RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdefghij")
	data := random.Bytes(4096)

	enc := mse.NewRC4(key)
	dec := mse.NewRC4(key)

	buf := bytes.Clone(data)
	enc.Encrypt(buf[:1000])
	enc.Encrypt(buf[1000:])
	require.NotEqual(t, data, buf)

	dec.Decrypt(buf[:7])
	dec.Decrypt(buf[7:])
	require.Equal(t, data, buf)
}

func TestRC4DropsKeystreamPrefix(t *testing.T) {
	key := []byte("some key")

	ref, err := rc4.NewCipher(key)
	require.NoError(t, err)

	discard := make([]byte, 1024)
	ref.XORKeyStream(discard, discard)

	expected := make([]byte, 64)
	ref.XORKeyStream(expected, expected)

	actual := make([]byte, 64)
	mse.NewRC4(key).Encrypt(actual)

	require.Equal(t, expected, actual)
}

func TestRC4Empty(t *testing.T) {
	c := mse.NewRC4([]byte("k"))
	c.Encrypt(nil)
	c.Decrypt([]byte{})

	require.Panics(t, func() {
		mse.NewRC4(nil)
	})
}

func TestPassthrough(t *testing.T) {
	data := []byte("hello world")
	buf := bytes.Clone(data)

	mse.Passthrough.Encrypt(buf)
	mse.Passthrough.Decrypt(buf)

	require.Equal(t, data, buf)
}
