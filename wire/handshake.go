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
package wire

import (
	"fmt"
	"io"

	"github.com/btswarm/swarmd/core"
)

// protocolID is the fixed protocol string sent in every handshake.
const protocolID = "BitTorrent protocol"

// HandshakeLen is the fixed length of a handshake message on the wire.
const HandshakeLen = 1 + len(protocolID) + 8 + 20 + 20

// Handshake is the 68-byte message exchanged before any other wire traffic.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// Write serializes h to w: pstrlen, pstr, 8 reserved zero bytes, info_hash,
// peer_id.
func (h Handshake) Write(w io.Writer) error {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolID))
	copy(buf[1:], protocolID)
	// bytes [1+len(protocolID), 1+len(protocolID)+8) are reserved and left zero.
	off := 1 + len(protocolID) + 8
	copy(buf[off:off+20], h.InfoHash.Bytes())
	copy(buf[off+20:off+40], h.PeerID.Bytes())

	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake: %s", err)
	}

	pstrlen := int(buf[0])
	if pstrlen != len(protocolID) {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol string length %d", pstrlen)
	}
	if string(buf[1:1+pstrlen]) != protocolID {
		return Handshake{}, fmt.Errorf("wire: unrecognized protocol %q", buf[1:1+pstrlen])
	}

	off := 1 + pstrlen + 8
	infoHash, err := core.NewInfoHashFromRaw20(buf[off : off+20])
	if err != nil {
		return Handshake{}, err
	}
	peerID, err := core.NewPeerIDFromBytes(buf[off+20 : off+40])
	if err != nil {
		return Handshake{}, fmt.Errorf("wire: invalid peer id: %s", err)
	}

	return Handshake{InfoHash: infoHash, PeerID: peerID}, nil
}
