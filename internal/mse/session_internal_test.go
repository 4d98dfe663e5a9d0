// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"shroud/internal/metainfo"
	"shroud/internal/pkg/random"
)

// memConn reads from a fixed stream and records writes.
type memConn struct {
	r      io.Reader
	w      bytes.Buffer
	reads  int
	closed bool
}

func newMemConn(stream []byte) *memConn {
	return &memConn{r: bytes.NewReader(stream)}
}

func (m *memConn) Read(b []byte) (int, error) {
	if m.closed {
		return 0, net.ErrClosed
	}

	m.reads++
	return m.r.Read(b)
}

func (m *memConn) Write(b []byte) (int, error) {
	if m.closed {
		return 0, net.ErrClosed
	}

	return m.w.Write(b)
}

func (m *memConn) Close() error {
	m.closed = true
	return nil
}

func tcpPair(t testing.TB) (client, server net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)

	server = <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client, server
}

func testSession(t *testing.T, conn io.ReadWriteCloser, seed uint64, initiator bool) *session {
	t.Helper()

	s, err := newSession(context.Background(), conn, Settings{
		Random:  random.NewDeterministic(seed),
		Allowed: []Method{RC4Full, RC4Header},
	}, initiator, nil)
	require.NoError(t, err)

	return s
}

func TestSynchronizePadding(t *testing.T) {
	marker := hashBytes([]byte("marker"))
	rng := random.NewDeterministic(1)

	for pad := 0; pad <= maxPadLength; pad++ {
		stream := make([]byte, pad, pad+len(marker)+4)
		_, _ = rng.Read(stream)
		stream = append(stream, marker[:]...)
		stream = append(stream, "next"...)

		conn := newMemConn(stream)
		s := &session{ctx: context.Background(), conn: conn}

		require.NoError(t, s.synchronize(marker[:], pad+len(marker)), "pad %d", pad)
		require.Equal(t, pad+len(marker), s.received)
		require.LessOrEqual(t, conn.reads, pad+len(marker))

		rest, err := io.ReadAll(conn.r)
		require.NoError(t, err)
		require.Equal(t, "next", string(rest), "bytes after the marker must stay unread")
	}
}

func TestSynchronizeRepeatedPrefix(t *testing.T) {
	testCases := []struct {
		stream string
		marker string
	}{
		{stream: "aaab", marker: "aab"},
		{stream: "ababc", marker: "abc"},
		{stream: "xxabababd", marker: "ababd"},
		{stream: "aaaaaaaab", marker: "aaab"},
		{stream: "abc", marker: "abc"},
	}

	for _, tc := range testCases {
		t.Run(tc.stream, func(t *testing.T) {
			s := &session{ctx: context.Background(), conn: newMemConn([]byte(tc.stream + "!"))}

			require.NoError(t, s.synchronize([]byte(tc.marker), 100))
			require.Equal(t, len(tc.stream), s.received)
		})
	}
}

func TestSynchronizeBudget(t *testing.T) {
	marker := []byte("12345678")

	// marker ends exactly at the budget
	stream := append(bytes.Repeat([]byte{0}, 100), marker...)
	s := &session{ctx: context.Background(), conn: newMemConn(stream)}
	require.NoError(t, s.synchronize(marker, len(stream)))

	// one byte late
	stream = append(bytes.Repeat([]byte{0}, 101), marker...)
	s = &session{ctx: context.Background(), conn: newMemConn(stream)}
	err := s.synchronize(marker, len(stream)-1)

	var e *EncryptionError
	require.ErrorAs(t, err, &e)
	require.Equal(t, reasonSync, e.Reason)
	require.LessOrEqual(t, s.received, len(stream)-1)
}

func TestSynchronizeCountsInitialBuffer(t *testing.T) {
	marker := []byte("marker")
	head := bytes.Repeat([]byte{'x'}, 60)

	s := &session{
		ctx:           context.Background(),
		conn:          newMemConn(append(bytes.Repeat([]byte{'y'}, 10), marker...)),
		initialBuffer: head,
	}

	err := s.synchronize(marker, 70)
	require.Error(t, err)
	require.LessOrEqual(t, s.received, 70)

	s = &session{
		ctx:           context.Background(),
		conn:          newMemConn(append(bytes.Repeat([]byte{'y'}, 10), marker...)),
		initialBuffer: head,
	}
	require.NoError(t, s.synchronize(marker, 76))
	require.Equal(t, 76, s.received)
}

func TestSynchronizeEOF(t *testing.T) {
	s := &session{ctx: context.Background(), conn: newMemConn([]byte("short"))}

	var e *EncryptionError
	require.ErrorAs(t, s.synchronize([]byte("marker"), 100), &e)
	require.Equal(t, reasonTransport, e.Reason)
	require.ErrorIs(t, e, io.ErrUnexpectedEOF)
}

func TestSendYWireFormat(t *testing.T) {
	conn := newMemConn(nil)
	s := testSession(t, conn, 7, true)

	require.NoError(t, s.sendY())

	// replay the same random stream
	rng := random.NewDeterministic(7)
	var x [privateSize]byte
	_, _ = rng.Read(x[:])

	var y big.Int
	y.Exp(big.NewInt(2), new(big.Int).SetBytes(x[:]), &primeP)

	padLen := rng.IntN(maxPadLength + 1)
	pad := make([]byte, padLen)
	_, _ = rng.Read(pad)

	expected := append(y.FillBytes(make([]byte, keySize)), pad...)
	require.Equal(t, expected, conn.w.Bytes())
}

func TestKeyDerivationSymmetric(t *testing.T) {
	a := testSession(t, newMemConn(nil), 1, true)
	b := testSession(t, newMemConn(nil), 2, false)

	a.initialBuffer = bytes.Clone(b.y[:])
	b.initialBuffer = bytes.Clone(a.y[:])

	require.NoError(t, a.receiveY())
	require.NoError(t, b.receiveY())
	require.Equal(t, a.s, b.s)

	skey := metainfo.Hash{1, 2, 3}
	a.skey = skey[:]
	b.skey = skey[:]

	a.createCryptors(saltKeyA, saltKeyB)
	b.createCryptors(saltKeyB, saltKeyA)

	data := []byte("the quick brown fox jumps over the lazy dog")

	buf := bytes.Clone(data)
	a.encryptor.Encrypt(buf)
	require.NotEqual(t, data, buf)
	b.decryptor.Decrypt(buf)
	require.Equal(t, data, buf)

	buf = bytes.Clone(data)
	b.encryptor.Encrypt(buf)
	a.decryptor.Decrypt(buf)
	require.Equal(t, data, buf)
}

func TestReceiveYRejectsTrivialKeys(t *testing.T) {
	for _, y := range []*big.Int{big.NewInt(0), big.NewInt(1), &primePMinusOne, &primeP} {
		s := testSession(t, newMemConn(y.FillBytes(make([]byte, keySize))), 3, false)

		var e *EncryptionError
		require.ErrorAs(t, s.receiveY(), &e)
		require.Equal(t, reasonBadPublicKey, e.Reason)
	}
}

func TestKeyRingMatch(t *testing.T) {
	rng := random.NewDeterministic(9)

	var S [keySize]byte
	_, _ = rng.Read(S[:])
	req3 := hashBytes(saltReq3, S[:])

	for n := 1; n <= 6; n++ {
		hashes := make([]metainfo.Hash, n)
		for i := range hashes {
			_, _ = rng.Read(hashes[i][:])
		}

		keys := NewKeyRing(hashes...)

		for k, h := range hashes {
			received := hashBytes(saltReq2, h[:])
			for i := range received {
				received[i] ^= req3[i]
			}

			found, ok := keys.match(received[:], req3)
			require.True(t, ok)
			require.Equal(t, hashes[k], found, "n=%d k=%d", n, k)
		}

		var outside metainfo.Hash
		_, _ = rng.Read(outside[:])
		received := hashBytes(saltReq2, outside[:])
		for i := range received {
			received[i] ^= req3[i]
		}

		_, ok := keys.match(received[:], req3)
		require.False(t, ok)
	}

	var nilRing *KeyRing
	_, ok := nilRing.match(make([]byte, 20), req3)
	require.False(t, ok)
}

// initiator offers nothing, the responder must give up and close the connection.
func TestResponderNoCommonMethod(t *testing.T) {
	client, server := tcpPair(t)

	ih := metainfo.Hash{0xaa}
	settings := Settings{Allowed: []Method{RC4Full, RC4Header}}

	errB := make(chan error, 1)
	go func() {
		_, err := CheckIncoming(context.Background(), server, settings, NewKeyRing(ih))
		errB <- err
	}()

	a, err := newSession(context.Background(), client, settings, true, nil)
	require.NoError(t, err)
	a.skey = ih[:]
	a.provide = 0

	errA := a.run(func() error { return a.initiate(nil) })
	require.Error(t, errA)
	require.True(t, IsEncryptionError(errA))
	require.Equal(t, stateAborted, a.state)

	var e *EncryptionError
	require.ErrorAs(t, <-errB, &e)
	require.Equal(t, reasonNoMethod, e.Reason)

	_, err = server.Write([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)
}
