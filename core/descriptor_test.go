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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorOffsetAndPieceByteLength(t *testing.T) {
	require := require.New(t)

	d := &TorrentDescriptor{
		PieceLength: 4,
		TotalLength: 10,
		Pieces: []PieceDescriptor{
			{Index: 0, ByteLength: 4},
			{Index: 1, ByteLength: 4},
			{Index: 2, ByteLength: 2},
		},
	}

	require.Equal(3, d.NumPieces())
	require.Equal(int64(0), d.Offset(0))
	require.Equal(int64(4), d.Offset(1))
	require.Equal(int64(8), d.Offset(2))
	require.Equal(int64(2), d.PieceByteLength(2))
}

func TestFileEntryJoinedPath(t *testing.T) {
	require := require.New(t)

	f := FileEntry{Path: []string{"a", "b", "c.bin"}}
	require.Equal("a/b/c.bin", f.JoinedPath())
}

func TestPeerAddrString(t *testing.T) {
	require := require.New(t)

	a := PeerAddr{IP: "10.0.0.1", Port: 6881}
	require.Equal("10.0.0.1:6881", a.String())
}
