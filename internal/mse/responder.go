// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"bytes"
	"crypto/sha1" //nolint:gosec
	"encoding/binary"

	"shroud/internal/metainfo"
	"shroud/internal/pkg/mempool"
)

// respond runs the accepting side after DH:
//
//	A->B: HASH('req1', S), HASH('req2', SKEY) xor HASH('req3', S),
//	      ENCRYPT(VC, crypto_provide, len(PadC), PadC, len(IA), IA)
//	B->A: ENCRYPT(VC, crypto_select, len(padD), padD)
func (s *session) respond(keys *KeyRing) (metainfo.Hash, error) {
	s.state = stateNegotiating

	req1 := hashBytes(saltReq1, s.s[:])
	if err := s.synchronize(req1[:], responderSyncBudget); err != nil {
		return metainfo.Hash{}, err
	}

	// HASH('req2', SKEY) xor HASH('req3', S), VC, crypto_provide, len(PadC)
	var b [sha1.Size + len(vc) + cryptoMaskLen + lengthPrefix]byte
	if err := s.receive(b[:]); err != nil {
		return metainfo.Hash{}, err
	}

	skey, ok := keys.match(b[:sha1.Size], hashBytes(saltReq3, s.s[:]))
	if !ok {
		return metainfo.Hash{}, newError(reasonNoSKey)
	}

	s.skey = skey[:]

	s.createCryptors(saltKeyB, saltKeyA)

	rest := b[sha1.Size:]
	s.decryptor.Decrypt(rest)

	if !bytes.Equal(rest[:len(vc)], vc[:]) {
		return skey, newError(reasonBadVC)
	}

	rest = rest[len(vc):]

	provide := readMask(rest[:cryptoMaskLen])
	padC := int(binary.BigEndian.Uint16(rest[cryptoMaskLen:]))

	if padC > maxPadLength {
		return skey, newError(reasonBadPadding)
	}

	tail := padPool.Get()
	defer padPool.Put(tail)

	// PadC, len(IA)
	if err := s.receive(tail[:padC+lengthPrefix]); err != nil {
		return skey, err
	}

	s.decryptor.Decrypt(tail[:padC+lengthPrefix])

	if iaLen := binary.BigEndian.Uint16(tail[padC:]); iaLen != 0 {
		ia := make([]byte, iaLen)
		if err := s.receive(ia); err != nil {
			return skey, err
		}

		s.decryptor.Decrypt(ia)
		s.initialData = ia
	}

	method, err := SelectCrypto(provide, s.allowed, s.preference)
	if err != nil {
		return skey, err
	}

	if err = s.reply(method); err != nil {
		return skey, err
	}

	// the reply above is part of the handshake and always uses RC4,
	// switch to the negotiated method only now.
	s.selectMethod(method)

	return skey, nil
}

func (s *session) reply(method Method) error {
	buf := mempool.Get()
	defer mempool.Put(buf)

	padLen := s.rand.IntN(maxPadLength + 1)

	b := append(buf.B[:0], vc[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(method.Mask()))
	b = binary.BigEndian.AppendUint16(b, uint16(padLen))

	b, err := s.appendPadding(b, padLen)
	buf.B = b
	if err != nil {
		return err
	}

	s.encryptor.Encrypt(b)

	return s.send(b)
}
