// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"dhtmsg/internal/pkg/random"
	"dhtmsg/internal/pkg/unsafe"
)

// Size is the length of a NodeID in bytes.
const Size = 16

// TextSize is the length of a NodeID rendered as lowercase hex.
const TextSize = Size * 2

var ErrMalformedIdentity = errors.New("malformed identity")

// NodeID identify a node. It's only used as rendezvous label, it's not a secret.
type NodeID [Size]byte

var emptyNodeID NodeID

func (id NodeID) Zero() bool {
	return id == emptyNodeID
}

func (id NodeID) Bytes() []byte { return id[:] }

func (id NodeID) String() string {
	return id.Hex()
}

func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	v, err := Parse(unsafe.Str(text))
	if err != nil {
		return err
	}

	*id = v
	return nil
}

// Parse only accept lowercase hex in exactly TextSize characters,
// so Parse(s).String() == s for every accepted s.
func Parse(s string) (NodeID, error) {
	if len(s) != TextSize {
		return NodeID{}, fmt.Errorf("%w: want %d hex characters, got %d", ErrMalformedIdentity, TextSize, len(s))
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return NodeID{}, fmt.Errorf("%w: invalid character %q at offset %d", ErrMalformedIdentity, c, i)
		}
	}

	var id NodeID
	// can't fail, input is validated above.
	_, _ = hex.Decode(id[:], unsafe.Bytes(s))

	return id, nil
}

func MustParse(s string) NodeID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return id
}

// FromBytes copy raw bytes into a NodeID, b must have exactly Size bytes.
func FromBytes(b []byte) (NodeID, error) {
	if len(b) != Size {
		return NodeID{}, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedIdentity, Size, len(b))
	}

	return NodeID(b), nil
}

// Generate a random NodeID from crypto/rand.
func Generate() NodeID {
	return NodeID(random.Bytes(Size))
}
