// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package unsafe converts between string and []byte without copying.
package unsafe

import (
	"unsafe"
)

// Bytes returns the bytes backing s. The result must not be modified.
func Bytes(s string) []byte {
	if s == "" {
		return nil
	}

	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// Str views b as a string. b must not change while the string is alive.
func Str(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	return unsafe.String(unsafe.SliceData(b), len(b))
}
