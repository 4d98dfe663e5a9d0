// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"bytes"
	"cmp"
	"crypto/sha1" //nolint:gosec
	"slices"

	"github.com/go-faster/xor"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"shroud/internal/metainfo"
)

// KeyRing is the set of info hashes a responder accepts as SKEY.
// It's safe for concurrent use, handshakes read it while torrents are added or removed.
type KeyRing struct {
	m   *xsync.MapOf[metainfo.Hash, keyEntry]
	seq atomic.Uint64
}

type keyEntry struct {
	// HASH('req2', SKEY), doesn't depend on S so it's computed once.
	req2 [sha1.Size]byte
	seq  uint64
}

func NewKeyRing(hashes ...metainfo.Hash) *KeyRing {
	k := &KeyRing{m: xsync.NewMapOf[metainfo.Hash, keyEntry]()}
	for _, h := range hashes {
		k.Add(h)
	}

	return k
}

// Add returns false if h is already present.
func (k *KeyRing) Add(h metainfo.Hash) bool {
	_, loaded := k.m.LoadOrCompute(h, func() keyEntry {
		return keyEntry{req2: hashBytes(saltReq2, h[:]), seq: k.seq.Inc()}
	})

	return !loaded
}

func (k *KeyRing) Remove(h metainfo.Hash) {
	k.m.Delete(h)
}

func (k *KeyRing) Has(h metainfo.Hash) bool {
	_, ok := k.m.Load(h)
	return ok
}

func (k *KeyRing) Len() int {
	return k.m.Size()
}

// Hashes returns info hashes in the order they were added.
func (k *KeyRing) Hashes() []metainfo.Hash {
	type item struct {
		h   metainfo.Hash
		seq uint64
	}

	items := make([]item, 0, k.m.Size())
	k.m.Range(func(h metainfo.Hash, e keyEntry) bool {
		items = append(items, item{h: h, seq: e.seq})
		return true
	})

	slices.SortFunc(items, func(a, b item) int {
		return cmp.Compare(a.seq, b.seq)
	})

	hashes := make([]metainfo.Hash, len(items))
	for i, it := range items {
		hashes[i] = it.h
	}

	return hashes
}

// match finds the SKEY with HASH('req2', SKEY) xor req3 == received.
// When several match, the one added first wins.
func (k *KeyRing) match(received []byte, req3 [sha1.Size]byte) (metainfo.Hash, bool) {
	if k == nil {
		return metainfo.Hash{}, false
	}

	var (
		found    metainfo.Hash
		foundSeq uint64
		ok       bool
		xored    [sha1.Size]byte
	)

	k.m.Range(func(h metainfo.Hash, e keyEntry) bool {
		xor.Bytes(xored[:], e.req2[:], req3[:])
		if bytes.Equal(xored[:], received) && (!ok || e.seq < foundSeq) {
			found, foundSeq, ok = h, e.seq, true
		}

		return true
	})

	return found, ok
}
