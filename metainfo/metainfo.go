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

// Package metainfo parses bencoded .torrent files into a core.TorrentDescriptor.
// It is an external collaborator of the swarm engine core: the engine never
// sees bencode, only the already-parsed descriptor.
package metainfo

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"

	"github.com/btswarm/swarmd/core"
)

// rawFile is one entry of a multi-file torrent's "files" list.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the "info" dictionary of a .torrent file.
type rawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

// rawTorrent mirrors the root dictionary of a .torrent file.
type rawTorrent struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

// Parse reads and decodes the .torrent file at path into a TorrentDescriptor,
// generating a fresh random PeerID for this process.
func Parse(path string) (*core.TorrentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read torrent file: %s", err)
	}
	return ParseBytes(data)
}

// ParseBytes decodes the raw bencoded bytes of a .torrent file.
func ParseBytes(data []byte) (*core.TorrentDescriptor, error) {
	var t rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &t); err != nil {
		return nil, fmt.Errorf("bencode unmarshal: %s", err)
	}

	infoBytes, err := extractInfoDictBytes(data)
	if err != nil {
		return nil, fmt.Errorf("extract info dict: %s", err)
	}
	infoHash := core.NewInfoHashFromBytes(infoBytes)

	if t.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length: %d", t.Info.PieceLength)
	}
	if len(t.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("pieces field is not a multiple of 20 bytes: %d", len(t.Info.Pieces))
	}

	files, totalLength := buildFiles(t.Info)

	numPieces := len(t.Info.Pieces) / 20
	pieces := make([]core.PieceDescriptor, numPieces)
	for i := 0; i < numPieces; i++ {
		var sum [20]byte
		copy(sum[:], t.Info.Pieces[i*20:(i+1)*20])
		pieces[i] = core.PieceDescriptor{
			Index:      i,
			ByteLength: pieceByteLength(i, numPieces, totalLength, t.Info.PieceLength),
			SHA1:       sum,
		}
	}

	peerID, err := core.RandomPeerID()
	if err != nil {
		return nil, fmt.Errorf("generate peer id: %s", err)
	}

	return &core.TorrentDescriptor{
		AnnounceURL: t.Announce,
		InfoHash:    infoHash,
		PeerID:      peerID,
		PieceLength: t.Info.PieceLength,
		TotalLength: totalLength,
		Files:       files,
		Pieces:      pieces,
	}, nil
}

// pieceByteLength returns the true length of piece i: total mod piece_length
// for the last piece when nonzero, piece_length otherwise.
func pieceByteLength(i, numPieces int, totalLength, pieceLength int64) int64 {
	if i < numPieces-1 {
		return pieceLength
	}
	last := totalLength % pieceLength
	if last == 0 {
		return pieceLength
	}
	return last
}

// buildFiles constructs the ordered file list. In single-file mode, Name is
// the filename. In multi-file mode, Name is prepended as a directory segment
// to every file's path.
func buildFiles(info rawInfo) ([]core.FileEntry, int64) {
	if len(info.Files) == 0 {
		return []core.FileEntry{{
			Path:   []string{info.Name},
			Length: info.Length,
		}}, info.Length
	}

	var total int64
	files := make([]core.FileEntry, len(info.Files))
	for i, f := range info.Files {
		path := make([]string, 0, len(f.Path)+1)
		path = append(path, info.Name)
		path = append(path, f.Path...)
		files[i] = core.FileEntry{Path: path, Length: f.Length}
		total += f.Length
	}
	return files, total
}

// extractInfoDictBytes locates the "4:info" key in the raw bencoded torrent
// and returns the exact bytes of its dictionary value, so that the info hash
// is computed over the bytes as received rather than a re-encoding (which
// could reorder keys and silently change the torrent's identity).
func extractInfoDictBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at offset %d: %s", i, err)
					}
					i = j + length
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dictionary")
}
