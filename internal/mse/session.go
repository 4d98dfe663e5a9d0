// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"io"
	"math/big"
	"slices"

	"shroud/internal/pkg/gsync"
	"shroud/internal/pkg/mempool"
	"shroud/internal/pkg/random"
)

var (
	// 768-bit prime P and generator G of the key exchange.
	primeP, primeG big.Int
	// Y outside [2, P-2] leaks S, reject it.
	primePMinusOne big.Int
	// Verification constant "VC" which is all zeroes in the bittorrent
	// implementation.
	vc [8]byte
)

var (
	saltReq1 = []byte("req1")
	saltReq2 = []byte("req2")
	saltReq3 = []byte("req3")
	saltKeyA = []byte("keyA")
	saltKeyB = []byte("keyB")
)

func init() {
	primeP.SetString("0xFFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A63A36210000000000090563", 0)
	primeG.SetInt64(2)
	primePMinusOne.Sub(&primeP, big.NewInt(1))
}

const (
	keySize       = 96
	privateSize   = 20
	maxPadLength  = 512
	lengthPrefix  = 2
	cryptoMaskLen = 4

	// Y, PadB, ENCRYPT(VC).
	initiatorSyncBudget = keySize + maxPadLength + len(vc)
	// Y, PadA, HASH('req1', S).
	responderSyncBudget = keySize + maxPadLength + sha1.Size
)

var intPool = gsync.NewPoolWithReset(func() *big.Int {
	return &big.Int{}
}, func(i *big.Int) bool {
	clear(i.Bits())
	i.SetInt64(0)
	return true
})

// padding and the trailing length field, read in one go.
var padPool = gsync.NewPoolWithReset(func() *[maxPadLength + lengthPrefix]byte {
	return new([maxPadLength + lengthPrefix]byte)
}, func(b *[maxPadLength + lengthPrefix]byte) bool {
	clear(b[:])
	return true
})

type state uint8

const (
	stateIdle state = iota
	stateExchangingDH
	stateNegotiating
	stateCryptoSelected
	stateComplete
	stateAborted
)

// session holds everything of one handshake attempt, it's used by a single goroutine.
type session struct {
	ctx  context.Context
	conn io.ReadWriteCloser
	rand random.Source

	x *big.Int

	// handshake ciphers
	encryptor *RC4
	decryptor *RC4

	// ciphers for the rest of the connection, set by selectMethod
	finalEnc Encryptor
	finalDec Decryptor

	skey []byte

	allowed []Method

	// bytes read off the wire before this session existed
	initialBuffer []byte
	// initial payload received by responder
	initialData []byte

	y [keySize]byte
	s [keySize]byte

	// total bytes received since the handshake began, initialBuffer included
	received int

	provide    Mask
	preference Method
	selected   Method
	state      state
	initiator  bool
}

func newSession(
	ctx context.Context,
	conn io.ReadWriteCloser,
	settings Settings,
	initiator bool,
	initialBuffer []byte,
) (*session, error) {
	provide, err := CryptoProvide(settings.Allowed)
	if err != nil {
		return nil, err
	}

	s := &session{
		ctx:           ctx,
		conn:          conn,
		rand:          settings.random(),
		allowed:       slices.Clone(settings.Allowed),
		preference:    settings.Preferred(),
		provide:       provide,
		initiator:     initiator,
		initialBuffer: initialBuffer,
		state:         stateIdle,
	}

	if err := s.generateKey(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *session) generateKey() error {
	var buf [privateSize]byte
	defer clear(buf[:])

	if _, err := io.ReadFull(s.rand, buf[:]); err != nil {
		return wrapError("failed to generate private key", err)
	}

	s.x = intPool.Get().SetBytes(buf[:])

	y := intPool.Get()
	defer intPool.Put(y)

	y.Exp(&primeG, s.x, &primeP).FillBytes(s.y[:])

	return nil
}

// run drives a handshake, the connection is closed if it fails.
func (s *session) run(steps func() error) error {
	err := s.exchangeDH()
	if err == nil {
		err = steps()
	}

	if err != nil {
		s.state = stateAborted
		_ = s.conn.Close()
		s.wipe()

		if e, ok := err.(*EncryptionError); ok {
			return e
		}

		return wrapError(reasonFailed, err)
	}

	s.state = stateComplete
	s.wipe()

	return nil
}

func (s *session) exchangeDH() error {
	s.state = stateExchangingDH

	if err := s.sendY(); err != nil {
		return err
	}

	return s.receiveY()
}

// Calculate, and send Y, our public key, followed by random padding.
func (s *session) sendY() error {
	buf := mempool.Get()
	defer mempool.Put(buf)

	buf.B = append(buf.B[:0], s.y[:]...)

	var err error
	buf.B, err = s.appendPadding(buf.B, s.rand.IntN(maxPadLength+1))
	if err != nil {
		return err
	}

	return s.send(buf.B)
}

// receiveY reads exactly the remote public key and computes S.
// Remote padding is skipped later by synchronize.
func (s *session) receiveY() error {
	if err := s.receive(s.s[:]); err != nil {
		return err
	}

	otherY := intPool.Get()
	defer intPool.Put(otherY)

	otherY.SetBytes(s.s[:])

	if otherY.Cmp(big.NewInt(1)) <= 0 || otherY.Cmp(&primePMinusOne) >= 0 {
		return newError(reasonBadPublicKey)
	}

	secret := intPool.Get()
	defer intPool.Put(secret)

	secret.Exp(otherY, s.x, &primeP).FillBytes(s.s[:])

	return nil
}

func hashBytes(parts ...[]byte) (sum [sha1.Size]byte) {
	h := sha1.New() //nolint:gosec
	for _, p := range parts {
		// it will never fail
		_, _ = h.Write(p)
	}

	h.Sum(sum[:0])
	return
}

func (s *session) createCryptors(encryptionSalt, decryptionSalt []byte) {
	key := hashBytes(encryptionSalt, s.s[:], s.skey)
	s.encryptor = NewRC4(key[:])

	key = hashBytes(decryptionSalt, s.s[:], s.skey)
	s.decryptor = NewRC4(key[:])

	clear(key[:])
}

func (s *session) selectMethod(m Method) {
	s.selected = m
	s.state = stateCryptoSelected

	if m == RC4Full {
		s.finalEnc = s.encryptor
		s.finalDec = s.decryptor
		return
	}

	s.finalEnc = Passthrough
	s.finalDec = Passthrough
}

func (s *session) appendPadding(b []byte, n int) ([]byte, error) {
	start := len(b)
	b = slices.Grow(b, n)[:start+n]

	if _, err := io.ReadFull(s.rand, b[start:]); err != nil {
		return b, wrapError("failed to generate padding", err)
	}

	return b, nil
}

// receive fills b, draining initialBuffer before touching the connection.
func (s *session) receive(b []byte) error {
	if err := s.ctx.Err(); err != nil {
		return s.transportError(err)
	}

	n := copy(b, s.initialBuffer)
	s.initialBuffer = s.initialBuffer[n:]

	if n < len(b) {
		if _, err := io.ReadFull(s.conn, b[n:]); err != nil {
			return s.transportError(err)
		}
	}

	s.received += len(b)

	return nil
}

func (s *session) send(b []byte) error {
	if err := s.ctx.Err(); err != nil {
		return s.transportError(err)
	}

	if _, err := s.conn.Write(b); err != nil {
		return s.transportError(err)
	}

	return nil
}

// transportError reports the timeout instead of "use of closed network connection"
// when the connection was closed by the timeout.
func (s *session) transportError(err error) error {
	if s.ctx.Err() != nil {
		err = context.Cause(s.ctx)
	}

	return wrapError(reasonTransport, err)
}

func (s *session) wipe() {
	if s.x != nil {
		intPool.Put(s.x)
		s.x = nil
	}

	clear(s.s[:])
	clear(s.y[:])
}
