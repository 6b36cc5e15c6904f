// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package identity

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
)

// Topic is the DHT key a node announce itself under, same size as a BitTorrent info hash.
type Topic [sha1.Size]byte

func (t Topic) Bytes() []byte { return t[:] }

func (t Topic) String() string {
	return t.Hex()
}

func (t Topic) Hex() string {
	return hex.EncodeToString(t[:])
}

// Derive return sha1 of raw id bytes.
func Derive(id NodeID) Topic {
	return sha1.Sum(id[:]) //nolint:gosec
}
