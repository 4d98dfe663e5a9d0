// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gsync

import (
	"sync"
)

// Pool is a typed sync.Pool.
// If reset is set, it's called before an item goes back to the pool,
// items are dropped when it returns false.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) bool
}

//nolint:forcetypeassert
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(t T) {
	if p.reset != nil && !p.reset(t) {
		return
	}

	p.pool.Put(t)
}

func NewPool[T any, F func() T](fn F) *Pool[T] {
	if fn == nil {
		panic("missing new function")
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return fn()
			},
		},
	}
}

func NewPoolWithReset[T any, F func() T, R func(T) bool](fn F, reset R) *Pool[T] {
	if reset == nil {
		panic("missing reset function")
	}

	p := NewPool(func() T { return fn() })
	p.reset = reset

	return p
}
