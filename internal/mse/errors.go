// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"errors"
)

// EncryptionError is the only error a failed handshake returns,
// the connection has been closed when you see it.
// Err holds the transport error or context error that caused it, if any.
type EncryptionError struct {
	Err    error
	Reason string
}

func (e *EncryptionError) Error() string {
	if e.Err == nil {
		return "mse: " + e.Reason
	}

	return "mse: " + e.Reason + ": " + e.Err.Error()
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

const (
	reasonSync          = "couldn't synchronise"
	reasonNoSKey        = "no valid SKey found"
	reasonBadVC         = "verification constant was invalid"
	reasonNoMethod      = "no supported crypto method"
	reasonBadMask       = "bad crypto mask"
	reasonBadPadding    = "padding too long"
	reasonBadPublicKey  = "invalid public key"
	reasonTransport     = "transport failed"
	reasonFailed        = "handshake failed"
	reasonPlainRejected = "plaintext connection is not allowed"
	reasonMSERejected   = "encrypted connection is not allowed"
)

func newError(reason string) *EncryptionError {
	return &EncryptionError{Reason: reason}
}

func wrapError(reason string, err error) *EncryptionError {
	return &EncryptionError{Reason: reason, Err: err}
}

// configuration errors, returned before any network I/O.
var (
	ErrNoCryptoMethod          = errors.New("mse: no usable crypto method configured")
	ErrInitialPayloadTooLarge  = errors.New("mse: initial payload too large")
	ErrUnknownMethodPreference = errors.New("mse: unknown crypto preference")
)

// IsEncryptionError reports whether err comes from a failed handshake.
func IsEncryptionError(err error) bool {
	var e *EncryptionError
	return errors.As(err, &e)
}

// IsProtocolViolation reports whether the remote peer sent something no
// well-behaved client would send. Policy mismatches and transport errors
// are not violations.
func IsProtocolViolation(err error) bool {
	var e *EncryptionError
	if !errors.As(err, &e) {
		return false
	}

	switch e.Reason {
	case reasonSync, reasonNoSKey, reasonBadVC, reasonBadMask, reasonBadPadding, reasonBadPublicKey:
		return true
	}

	return false
}
