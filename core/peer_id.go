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
package core

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrInvalidPeerIDLength returns when a string peer id does not decode into 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is a fixed 20-byte peer identifier, generated once per process and
// sent verbatim in every handshake.
type PeerID [20]byte

// RandomPeerID returns a PeerID of 20 random bytes. It carries no client
// prefix such as "-XX0001-"; the wire protocol treats the id as an opaque
// 20-byte string.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	if _, err := rand.Read(p[:]); err != nil {
		return PeerID{}, err
	}
	return p, nil
}

// NewPeerIDFromBytes parses a PeerID from a raw 20-byte slice.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	var p PeerID
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	copy(p[:], b)
	return p, nil
}

// NewPeerIDFromHex parses a PeerID from a hexadecimal string.
func NewPeerIDFromHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	return NewPeerIDFromBytes(b)
}

// Bytes returns the raw 20 bytes of p.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// String encodes p in hexadecimal notation.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}
