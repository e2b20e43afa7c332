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
package supervisor

import (
	"net"
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

func newTestDescriptor(t *testing.T) *core.TorrentDescriptor {
	t.Helper()
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	return &core.TorrentDescriptor{
		AnnounceURL: "http://tracker.local",
		InfoHash:    core.NewInfoHashFromBytes([]byte("supervisor-test")),
		PeerID:      peerID,
		PieceLength: 16,
		TotalLength: 16,
		Files:       []core.FileEntry{{Path: []string{"a.bin"}, Length: 16}},
	}
}

func newTestSupervisor(t *testing.T, desc *core.TorrentDescriptor) *Supervisor {
	t.Helper()
	s, err := store.Open(t.TempDir(), desc, zap.NewNop().Sugar())
	require.NoError(t, err)
	pieces := pieceset.New()
	return New(desc, s, pieces, clock.New(), tally.NoopScope, zap.NewNop().Sugar())
}

func TestAcceptorHandshakeAndAdopt(t *testing.T) {
	require := require.New(t)

	desc := newTestDescriptor(t)
	desc.Pieces = []core.PieceDescriptor{{Index: 0, ByteLength: 16}}

	sup := newTestSupervisor(t, desc)
	defer sup.Stop()

	acc, err := NewAcceptor("127.0.0.1:0", desc, sup, clock.New(), zap.NewNop().Sugar())
	require.NoError(err)
	defer acc.Close()

	go acc.Serve()

	conn, err := net.Dial("tcp", acc.Addr().String())
	require.NoError(err)
	defer conn.Close()

	stream := wire.NewFrameStream(conn)
	remotePeerID, err := core.RandomPeerID()
	require.NoError(err)

	require.NoError(stream.SendHandshake(wire.Handshake{InfoHash: desc.InfoHash, PeerID: remotePeerID}))
	hs, err := stream.ReceiveHandshake()
	require.NoError(err)
	require.Equal(desc.InfoHash, hs.InfoHash)
	require.Equal(desc.PeerID, hs.PeerID)

	require.Eventually(func() bool { return sup.NumSessions() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAcceptorRejectsWrongInfoHash(t *testing.T) {
	require := require.New(t)

	desc := newTestDescriptor(t)
	sup := newTestSupervisor(t, desc)
	defer sup.Stop()

	acc, err := NewAcceptor("127.0.0.1:0", desc, sup, clock.New(), zap.NewNop().Sugar())
	require.NoError(err)
	defer acc.Close()

	go acc.Serve()

	conn, err := net.Dial("tcp", acc.Addr().String())
	require.NoError(err)
	defer conn.Close()

	stream := wire.NewFrameStream(conn)
	remotePeerID, err := core.RandomPeerID()
	require.NoError(err)

	wrongHash := core.NewInfoHashFromBytes([]byte("not the right torrent"))
	require.NoError(stream.SendHandshake(wire.Handshake{InfoHash: wrongHash, PeerID: remotePeerID}))

	_, err = stream.ReceiveHandshake()
	require.Error(err)
}

func TestStopClosesSessionsAndIsIdempotent(t *testing.T) {
	require := require.New(t)

	desc := newTestDescriptor(t)
	sup := newTestSupervisor(t, desc)

	sup.Stop()
	sup.Stop() // must not panic or block
	require.Equal(0, sup.NumSessions())
}
