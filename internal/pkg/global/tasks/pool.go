// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package tasks

import (
	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
)

// DHT traversal may take up to a minute, pool size limit how many of them run at the same time.
var pool = lo.Must(ants.NewPool(20, ants.WithPreAlloc(true), ants.WithNonblocking(true)))

// Submit run task in background, it returns ants.ErrPoolOverload without waiting if all workers are busy.
func Submit(task func()) error {
	return pool.Submit(task)
}

func Running() int {
	return pool.Running()
}
