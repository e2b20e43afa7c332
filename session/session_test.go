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
package session

import (
	"crypto/sha1"
	"net"
	"os"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btswarm/swarmd/core"
	"github.com/btswarm/swarmd/pieceset"
	"github.com/btswarm/swarmd/store"
	"github.com/btswarm/swarmd/wire"
)

func newTestDescriptor(t *testing.T, content []byte, pieceLength int64) *core.TorrentDescriptor {
	t.Helper()

	var pieces []core.PieceDescriptor
	for off, i := int64(0), 0; off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[off:end])
		pieces = append(pieces, core.PieceDescriptor{Index: i, ByteLength: end - off, SHA1: sum})
		i++
	}

	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	return &core.TorrentDescriptor{
		AnnounceURL: "http://tracker.local",
		InfoHash:    core.NewInfoHashFromBytes([]byte("test")),
		PeerID:      peerID,
		PieceLength: pieceLength,
		TotalLength: int64(len(content)),
		Files:       []core.FileEntry{{Path: []string{"a.bin"}, Length: int64(len(content))}},
		Pieces:      pieces,
	}
}

func newTestStore(t *testing.T, desc *core.TorrentDescriptor) *store.PartialStore {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop().Sugar()
	s, err := store.Open(dir, desc, logger)
	require.NoError(t, err)
	return s
}

func TestDownloadSinglePieceFromPeer(t *testing.T) {
	require := require.New(t)

	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i + 1)
	}
	desc := newTestDescriptor(t, content, 16)

	localStore := newTestStore(t, desc)
	pieces := pieceset.NewFromIndices([]int{0, 1})

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := New(wire.NewFrameStream(a), desc, localStore, pieces, desc.PeerID, clock.New(), tally.NoopScope, true)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	peer := wire.NewFrameStream(b)

	// Local sends its (empty) bitfield first.
	_, err := peer.Receive()
	require.NoError(err)

	require.NoError(peer.Send(wire.Message{Type: wire.Unchoke}))
	require.NoError(peer.Send(wire.Message{Type: wire.BitfieldMsg, Bits: []byte{0xC0}}))

	m, err := peer.Receive() // expect Interested
	require.NoError(err)
	require.Equal(wire.Interested, m.Type)

	m, err = peer.Receive() // expect Request for piece 0
	require.NoError(err)
	require.Equal(wire.Request, m.Type)
	require.Equal(0, m.Index)
	require.Equal(0, m.Begin)
	require.Equal(16, m.Length)

	require.NoError(peer.Send(wire.Message{Type: wire.Piece, Index: 0, Begin: 0, Block: content[0:16]}))

	require.Eventually(t, func() bool { return localStore.Have(0) }, time.Second, 5*time.Millisecond)

	a.Close()
	b.Close()
	<-errCh
}

func TestHandleRequestSendsBlockWhenUnchoked(t *testing.T) {
	require := require.New(t)

	content := make([]byte, 16)
	for i := range content {
		content[i] = byte(i)
	}
	desc := newTestDescriptor(t, content, 16)
	localStore := newTestStore(t, desc)

	verified, err := localStore.Update(0, content)
	require.NoError(err)
	require.True(verified)

	pieces := pieceset.New()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := New(wire.NewFrameStream(a), desc, localStore, pieces, desc.PeerID, clock.New(), tally.NoopScope, false)
	s.amChoking.Store(false)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	peer := wire.NewFrameStream(b)
	_, err = peer.Receive() // bitfield
	require.NoError(err)

	require.NoError(peer.Send(wire.Message{Type: wire.Request, Index: 0, Begin: 0, Length: 16}))

	m, err := peer.Receive()
	require.NoError(err)
	require.Equal(wire.Piece, m.Type)
	require.Equal(content, m.Block)

	a.Close()
	b.Close()
	<-errCh
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
