// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package hello

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
	"github.com/valyala/bytebufferpool"

	"dhtmsg/internal/identity"
)

// Version is carried in every datagram, peers speaking another version are ignored.
const Version = "dm1"

// MaxSize is the largest datagram Decode will look at.
const MaxSize = 512

var (
	ErrMalformed     = errors.New("malformed hello payload")
	ErrUnknownSender = errors.New("hello payload carries invalid sender id")
)

type Kind uint8

//go:generate stringer -type=Kind -linecomment
const (
	KindHello    Kind = iota + 1 // hello
	KindHelloAck                 // hello-ack
)

func parseKind(s string) (Kind, bool) {
	switch s {
	case "hello":
		return KindHello, true
	case "hello-ack":
		return KindHelloAck, true
	}

	return 0, false
}

type Message struct {
	Kind   Kind
	Sender identity.NodeID
}

func Hello(sender identity.NodeID) Message {
	return Message{Kind: KindHello, Sender: sender}
}

func Ack(sender identity.NodeID) Message {
	return Message{Kind: KindHelloAck, Sender: sender}
}

// String render message in human-readable form, "hello from <id>" or "hello-ack from <id>".
func (m Message) String() string {
	return fmt.Sprintf("%s from %s", m.Kind, m.Sender)
}

func (m Message) GoString() string {
	return fmt.Sprintf("Message{Kind=%s, Sender='%s'}", m.Kind, m.Sender)
}

// wire format is a bencoded dictionary
//
//	d1:v3:dm11:y5:hello2:id16:<raw sender id>e
type wireMessage struct {
	Version string `bencode:"v"`
	Kind    string `bencode:"y"`
	ID      string `bencode:"id"`
}

func Encode(m Message) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	err := bencode.NewEncoder(buf).Encode(wireMessage{
		Version: Version,
		Kind:    m.Kind.String(),
		ID:      string(m.Sender[:]),
	})
	if err != nil {
		// struct of strings always encode
		panic(fmt.Sprintf("failed to encode hello message: %v", err))
	}

	return bytes.Clone(buf.B)
}

func Decode(b []byte) (m Message, err error) {
	if len(b) == 0 || len(b) > MaxSize {
		return Message{}, fmt.Errorf("%w: unexpected payload length %d", ErrMalformed, len(b))
	}

	// payload is untrusted network input, a decoder panic is reported as ErrMalformed.
	defer func() {
		if r := recover(); r != nil {
			m = Message{}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	var w wireMessage
	if err := bencode.Unmarshal(b, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if w.Version != Version {
		return Message{}, fmt.Errorf("%w: unsupported version %q", ErrMalformed, w.Version)
	}

	kind, ok := parseKind(w.Kind)
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown message type %q", ErrMalformed, w.Kind)
	}

	sender, err := identity.FromBytes([]byte(w.ID))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrUnknownSender, err)
	}

	return Message{Kind: kind, Sender: sender}, nil
}
