// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package tasks

import (
	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
)

// handshakes are mostly waiting on network, DH is the only cpu heavy part.
var pool = lo.Must(ants.NewPool(256, ants.WithPreAlloc(true)))

// Submit runs fn on the shared worker pool, blocking while all workers are busy.
func Submit(fn func()) error {
	return pool.Submit(fn)
}

// Running returns the number of workers currently running a task.
func Running() int {
	return pool.Running()
}
