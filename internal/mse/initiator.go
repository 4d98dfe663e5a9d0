// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/go-faster/xor"

	"shroud/internal/pkg/mempool"
)

// initiate runs the connecting side after DH:
//
//	A->B: HASH('req1', S), HASH('req2', SKEY) xor HASH('req3', S),
//	      ENCRYPT(VC, crypto_provide, len(PadC), PadC, len(IA), IA)
//	B->A: ENCRYPT(VC, crypto_select, len(padD), padD)
func (s *session) initiate(payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return ErrInitialPayloadTooLarge
	}

	s.state = stateNegotiating

	req1 := hashBytes(saltReq1, s.s[:])
	req2 := hashBytes(saltReq2, s.skey)
	req3 := hashBytes(saltReq3, s.s[:])
	xor.Bytes(req2[:], req2[:], req3[:])

	s.createCryptors(saltKeyA, saltKeyB)

	buf := mempool.Get()
	defer mempool.Put(buf)

	b := append(buf.B[:0], req1[:]...)
	b = append(b, req2[:]...)

	encrypted := len(b)

	padLen := s.rand.IntN(maxPadLength + 1)

	b = append(b, vc[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(s.provide))
	b = binary.BigEndian.AppendUint16(b, uint16(padLen))

	b, err := s.appendPadding(b, padLen)
	buf.B = b
	if err != nil {
		return err
	}

	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, payload...)
	buf.B = b

	s.encryptor.Encrypt(b[encrypted:])

	if err = s.send(b); err != nil {
		return err
	}

	// B encrypts VC with the stream we decrypt with, that's what we look for.
	var encryptedVC [len(vc)]byte
	copy(encryptedVC[:], vc[:])
	s.decryptor.Decrypt(encryptedVC[:])

	if err = s.synchronize(encryptedVC[:], initiatorSyncBudget); err != nil {
		return err
	}

	var header [cryptoMaskLen + lengthPrefix]byte
	if err = s.receive(header[:]); err != nil {
		return err
	}

	s.decryptor.Decrypt(header[:])

	selected := readMask(header[:cryptoMaskLen])
	padD := int(binary.BigEndian.Uint16(header[cryptoMaskLen:]))

	if padD > maxPadLength {
		return newError(reasonBadPadding)
	}

	if padD != 0 {
		pad := padPool.Get()
		defer padPool.Put(pad)

		if err = s.receive(pad[:padD]); err != nil {
			return err
		}

		s.decryptor.Decrypt(pad[:padD])
	}

	// exactly one bit, and one we offered
	if selected&^maskKnown != 0 || bits.OnesCount32(uint32(selected)) != 1 || selected&s.provide == 0 {
		return newError(reasonBadMask)
	}

	method, err := SelectCrypto(selected, s.allowed, s.preference)
	if err != nil {
		return err
	}

	s.selectMethod(method)

	return nil
}
