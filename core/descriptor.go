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

import "fmt"

// FileEntry is one file within a (possibly multi-file) torrent, in the order
// declared by the metainfo.
type FileEntry struct {
	Path   []string
	Length int64
}

// JoinedPath joins the file's path segments with "/", relative to the
// torrent's output directory.
func (f FileEntry) JoinedPath() string {
	p := ""
	for i, seg := range f.Path {
		if i > 0 {
			p += "/"
		}
		p += seg
	}
	return p
}

// PieceDescriptor describes one piece of a torrent: its index, its true byte
// length (which may be shorter than the torrent's nominal piece length for
// the final piece), and the SHA-1 sum it must verify against.
type PieceDescriptor struct {
	Index      int
	ByteLength int64
	SHA1       [20]byte
}

func (p PieceDescriptor) String() string {
	return fmt.Sprintf("Piece(%d, len=%d)", p.Index, p.ByteLength)
}

// TorrentDescriptor is the immutable, process-lifetime description of a
// single torrent: everything the swarm engine needs to know in order to
// request, verify and assemble its content. It is constructed once by the
// external metainfo parser and shared by reference across every session.
type TorrentDescriptor struct {
	AnnounceURL  string
	InfoHash     InfoHash
	PeerID       PeerID
	PieceLength  int64
	TotalLength  int64
	Files        []FileEntry
	Pieces       []PieceDescriptor
}

// NumPieces returns the number of pieces in the torrent.
func (d *TorrentDescriptor) NumPieces() int {
	return len(d.Pieces)
}

// PieceByteLength returns the true byte length of piece i, which is
// TotalLength mod PieceLength for the last piece (when nonzero) and
// PieceLength otherwise.
func (d *TorrentDescriptor) PieceByteLength(i int) int64 {
	return d.Pieces[i].ByteLength
}

// Offset returns the byte offset of piece i within the torrent's content
// buffer.
func (d *TorrentDescriptor) Offset(i int) int64 {
	return int64(i) * d.PieceLength
}

// PeerAddr is a compact peer address as returned by the tracker: an IPv4
// address and port, 6 bytes on the wire.
type PeerAddr struct {
	IP   string
	Port uint16
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}
