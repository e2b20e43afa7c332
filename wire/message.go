// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire implements the BitTorrent v1 peer wire protocol: the
// handshake, the length-prefixed message codec, and the duplex stream that
// multiplexes both over a net.Conn with read/write deadlines.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the single-byte identifier following a message's 4-byte
// length prefix.
type MessageType byte

// Message type identifiers, per the BitTorrent v1 wire protocol.
const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	BitfieldMsg   MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// BlockSize is the canonical request/piece block size: 16 KiB. Requests for
// larger blocks are a protocol violation in practice even though the wire
// format does not forbid them.
const BlockSize = 16384

// MaxInFlight bounds the number of unfulfilled block requests a session
// keeps outstanding to a single peer at once.
const MaxInFlight = 5

// Message is a decoded peer wire message. KeepAlive is represented by a zero
// value Message with Type left at its zero value and IsKeepAlive set, since
// a keep-alive carries no type byte at all.
type Message struct {
	IsKeepAlive bool
	Type        MessageType

	// Have
	Index int

	// Bitfield
	Bits []byte

	// Request / Cancel
	Begin  int
	Length int

	// Piece
	Block []byte

	// Port
	ListenPort uint16
}

// KeepAliveMessage returns the zero-length keep-alive message.
func KeepAliveMessage() Message {
	return Message{IsKeepAlive: true}
}

// Encode serializes m into its wire representation: a 4-byte big-endian
// length prefix followed by the type byte and payload, or just the 4-byte
// zero length prefix for a keep-alive.
func Encode(m Message) ([]byte, error) {
	if m.IsKeepAlive {
		return []byte{0, 0, 0, 0}, nil
	}

	var payload []byte
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested:
		payload = nil
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(m.Index))
	case BitfieldMsg:
		payload = m.Bits
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(m.Length))
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		copy(payload[8:], m.Block)
	case Port:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, m.ListenPort)
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", m.Type)
	}

	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.Type)
	copy(buf[5:], payload)
	return buf, nil
}

// Decode parses a message given its length-prefix-stripped body: typeByte
// followed by the payload. A zero-length body (length == 0) is the
// keep-alive and has no typeByte; callers detect that case before calling
// Decode by checking the length prefix themselves.
func Decode(body []byte) (Message, error) {
	if len(body) == 0 {
		return KeepAliveMessage(), nil
	}

	t := MessageType(body[0])
	payload := body[1:]

	switch t {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("wire: %s must have empty payload, got %d bytes", t, len(payload))
		}
		return Message{Type: t}, nil

	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("wire: have payload must be 4 bytes, got %d", len(payload))
		}
		return Message{Type: t, Index: int(binary.BigEndian.Uint32(payload))}, nil

	case BitfieldMsg:
		bits := make([]byte, len(payload))
		copy(bits, payload)
		return Message{Type: t, Bits: bits}, nil

	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("wire: %s payload must be 12 bytes, got %d", t, len(payload))
		}
		return Message{
			Type:   t,
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}, nil

	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("wire: piece payload must be at least 8 bytes, got %d", len(payload))
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Message{
			Type:  t,
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: block,
		}, nil

	case Port:
		if len(payload) != 2 {
			return Message{}, fmt.Errorf("wire: port payload must be 2 bytes, got %d", len(payload))
		}
		return Message{Type: t, ListenPort: binary.BigEndian.Uint16(payload)}, nil

	default:
		return Message{}, fmt.Errorf("wire: unknown message type %d", t)
	}
}

// CalcBlockLength returns the length of the block starting at offset within
// a piece of the given total byte length: BlockSize, or whatever remains if
// less than a full block is left.
func CalcBlockLength(offset, total int) int {
	remaining := total - offset
	if remaining > BlockSize {
		return BlockSize
	}
	return remaining
}
