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
package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btswarm/swarmd/core"
	"github.com/btswarm/swarmd/store"
)

func newTestDescriptor(t *testing.T, announceURL string) *core.TorrentDescriptor {
	t.Helper()
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	return &core.TorrentDescriptor{
		AnnounceURL: announceURL,
		InfoHash:    core.NewInfoHashFromBytes([]byte("tracker-test")),
		PeerID:      peerID,
		PieceLength: 16,
		TotalLength: 16,
		Files:       []core.FileEntry{{Path: []string{"a.bin"}, Length: 16}},
		Pieces:      []core.PieceDescriptor{{Index: 0, ByteLength: 16}},
	}
}

func TestDecodeCompactPeers(t *testing.T) {
	require := require.New(t)

	raw := string([]byte{10, 0, 0, 1, 0x1A, 0xE1, 192, 168, 1, 5, 0x00, 0x50})
	peers, err := decodeCompactPeers(raw)
	require.NoError(err)
	require.Len(peers, 2)
	require.Equal("10.0.0.1", peers[0].IP)
	require.Equal(uint16(6881), peers[0].Port)
	require.Equal("192.168.1.5", peers[1].IP)
	require.Equal(uint16(80), peers[1].Port)
}

func TestDecodeCompactPeersRejectsMisalignedLength(t *testing.T) {
	require := require.New(t)

	_, err := decodeCompactPeers("12345")
	require.Error(err)
}

func TestAnnounceParsesResponse(t *testing.T) {
	require := require.New(t)

	body := "d8:intervali900e5:peers12:" + string([]byte{10, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}) + "e"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("1", r.URL.Query().Get("compact"))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	desc := newTestDescriptor(t, srv.URL)
	s, err := store.Open(t.TempDir(), desc, zap.NewNop().Sugar())
	require.NoError(err)

	p := NewPoller(desc, s, 6881, clock.New(), zap.NewNop().Sugar())
	peers, interval, err := p.announce(EventStarted)
	require.NoError(err)
	require.Equal(900*time.Second, interval)
	require.Len(peers, 2)
}

func TestAnnounceReportsFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	desc := newTestDescriptor(t, srv.URL)
	s, err := store.Open(t.TempDir(), desc, zap.NewNop().Sugar())
	require.NoError(err)

	p := NewPoller(desc, s, 6881, clock.New(), zap.NewNop().Sugar())
	_, _, err = p.announce(EventNone)
	require.Error(err)
}

func TestReannounceDelayEnforcesMinimum(t *testing.T) {
	require := require.New(t)

	require.Equal(MinReannounceInterval, reannounceDelay(time.Second))
	require.Equal(time.Hour, reannounceDelay(time.Hour))
}
