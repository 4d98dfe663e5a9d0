// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package mse implements BitTorrent Message Stream Encryption, the obfuscation
// handshake peers run before the plaintext BitTorrent handshake.
//
// https://wiki.vuze.com/w/Message_Stream_Encryption
package mse

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"shroud/internal/metainfo"
	"shroud/internal/proto"
)

// ErrHandshakeTimeout is the cause of an EncryptionError when Settings.Timeout expires.
var ErrHandshakeTimeout = errors.New("mse: handshake timeout")

// Result is what a successful handshake leaves for the rest of the connection.
type Result struct {
	Encryptor Encryptor
	Decryptor Decryptor

	// Handshake is the remote BitTorrent handshake if it already arrived,
	// either in plaintext or as MSE initial payload.
	Handshake *proto.Handshake

	// InitialData is plaintext already read off the wire that belongs to the
	// next protocol layer, the BitTorrent handshake included.
	// It must be consumed before reading from the connection again.
	InitialData []byte

	// SKey is the info hash the remote peer proved knowledge of,
	// only set for encrypted incoming connections.
	SKey metainfo.Hash

	Method Method
}

// CheckIncoming detects whether an accepted connection starts with a plaintext
// BitTorrent handshake or an MSE handshake, and completes the latter.
//
// keys are the info hashes this peer serves. conn is closed on failure or timeout.
func CheckIncoming(ctx context.Context, conn io.ReadWriteCloser, settings Settings, keys *KeyRing) (r Result, err error) {
	if err = settings.validate(); err != nil {
		return Result{}, err
	}

	ctx, done := bindTimeout(ctx, conn, settings.timeout())
	defer func() {
		if done() && err == nil {
			r, err = Result{}, wrapError(reasonTransport, context.Cause(ctx))
		}
	}()

	// an MSE initiator always sends more than this, its public key alone is 96 bytes.
	peek := make([]byte, proto.HandshakeLength)
	if _, err = io.ReadFull(conn, peek); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}

		return Result{}, wrapError(reasonTransport, err)
	}

	if proto.IsHandshakePrefix(peek) {
		if !settings.allows(PlainText) {
			_ = conn.Close()
			return Result{}, newError(reasonPlainRejected)
		}

		h, err := proto.ParseHandshake(peek)
		if err != nil {
			_ = conn.Close()
			return Result{}, wrapError(reasonPlainRejected, err)
		}

		return Result{
			Method:      PlainText,
			Encryptor:   Passthrough,
			Decryptor:   Passthrough,
			Handshake:   &h,
			InitialData: peek,
		}, nil
	}

	if !settings.encryptionAllowed() {
		_ = conn.Close()
		return Result{}, newError(reasonMSERejected)
	}

	s, err := newSession(ctx, conn, settings, false, peek)
	if err != nil {
		_ = conn.Close()
		return Result{}, err
	}

	var skey metainfo.Hash
	err = s.run(func() (err error) {
		skey, err = s.respond(keys)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	r = s.result()
	r.SKey = skey

	return r, nil
}

// CheckOutgoing runs the handshake for a connection we opened to a peer serving infoHash.
//
// handshake is our plaintext BitTorrent handshake, it's sent as MSE initial payload
// so it goes out together with the crypto handshake. It may be nil.
// conn is closed on failure or timeout.
func CheckOutgoing(
	ctx context.Context,
	conn io.ReadWriteCloser,
	settings Settings,
	infoHash metainfo.Hash,
	handshake []byte,
) (r Result, err error) {
	if err = settings.validate(); err != nil {
		return Result{}, err
	}

	if len(handshake) > math.MaxUint16 {
		return Result{}, ErrInitialPayloadTooLarge
	}

	ctx, done := bindTimeout(ctx, conn, settings.timeout())
	defer func() {
		if done() && err == nil {
			r, err = Result{}, wrapError(reasonTransport, context.Cause(ctx))
		}
	}()

	if settings.prefersPlaintext() {
		if len(handshake) != 0 {
			if _, err = conn.Write(handshake); err != nil {
				_ = conn.Close()
				if ctx.Err() != nil {
					err = context.Cause(ctx)
				}

				return Result{}, wrapError(reasonTransport, err)
			}
		}

		return Result{Method: PlainText, Encryptor: Passthrough, Decryptor: Passthrough}, nil
	}

	s, err := newSession(ctx, conn, settings, true, nil)
	if err != nil {
		_ = conn.Close()
		return Result{}, err
	}

	s.skey = infoHash[:]

	if err = s.run(func() error { return s.initiate(handshake) }); err != nil {
		return Result{}, err
	}

	return s.result(), nil
}

func (s *session) result() Result {
	r := Result{
		Method:      s.selected,
		Encryptor:   s.finalEnc,
		Decryptor:   s.finalDec,
		InitialData: s.initialData,
	}

	if len(s.initialData) >= proto.HandshakeLength {
		if h, err := proto.ParseHandshake(s.initialData[:proto.HandshakeLength]); err == nil {
			r.Handshake = &h
		}
	}

	return r
}

// bindTimeout closes conn when ctx is done, which fails any pending read or write.
// done reports whether conn has been closed this way.
func bindTimeout(ctx context.Context, conn io.Closer, timeout time.Duration) (context.Context, func() bool) {
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrHandshakeTimeout)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	return ctx, func() bool {
		stopped := stop()
		cancel()
		return !stopped
	}
}
