// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package random

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"

	"dhtmsg/internal/pkg/gsync"
)

var p = gsync.NewPool(func() *bufio.Reader {
	return bufio.NewReader(rand.Reader)
})

// Bytes generate cryptographically secure random bytes.
// Will panic if it can't read from 'crypto/rand'.
// entropy = 256^size
func Bytes(size int) []byte {
	r := make([]byte, size)
	Fill(r)
	return r
}

// Fill b with cryptographically secure random bytes.
func Fill(b []byte) {
	reader := p.Get()
	defer p.Put(reader)

	_, err := io.ReadFull(reader, b)
	if err != nil {
		panic(fmt.Sprintf("unexpected error happened when reading from bufio.NewReader(crypto/rand.Reader) %+v", err))
	}
}
