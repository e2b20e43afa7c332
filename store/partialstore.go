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

// Package store implements on-disk persistence for an in-progress download:
// an append-only crash-recovery log (the ".part" file) that is replayed and
// SHA-1-verified on startup, and the final split-into-files write once every
// piece has arrived.
package store

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/btswarm/swarmd/bitfield"
	"github.com/btswarm/swarmd/core"
)

const partialFileSuffix = ".part"

// Progress summarizes a torrent's transfer state, reported to the tracker on
// every announce.
type Progress struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// PartialStore owns the in-memory content buffer for a single torrent, the
// bitfield of pieces currently held, and the crash-recovery log backing them
// both on disk.
type PartialStore struct {
	desc *core.TorrentDescriptor
	dir  string
	log  *zap.SugaredLogger

	mu         sync.Mutex
	buf        []byte
	have       *bitfield.Bitfield
	uploaded   int64
	partial    *os.File
	partialLen int64 // bytes of partial log already written, for truncation on corruption
}

// recordLen is the fixed size of one crash-recovery log record: a 4-byte
// big-endian piece index followed by a full canonical-piece-length payload.
// Every record is padded to PieceLength even for the final, shorter piece,
// so every record in the file has the same size and can be seeked to.
func recordLen(pieceLength int64) int64 {
	return 4 + pieceLength
}

// Open prepares a PartialStore for desc rooted at dir, either by detecting a
// complete prior download (seeding mode) or by recovering whatever a prior
// crash-recovery log holds.
func Open(dir string, desc *core.TorrentDescriptor, log *zap.SugaredLogger) (*PartialStore, error) {
	s := &PartialStore{
		desc: desc,
		dir:  dir,
		log:  log,
		buf:  make([]byte, desc.TotalLength),
		have: bitfield.New(desc.NumPieces()),
	}

	if complete, err := s.loadCompletedFiles(); err != nil {
		return nil, err
	} else if complete {
		s.log.Infow("found complete download on disk, entering seed mode", "dir", dir)
		return s, nil
	}

	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("recover partial file: %s", err)
	}
	return s, nil
}

// loadCompletedFiles checks whether every file the descriptor names already
// exists on disk with the right length and piece hashes, and if so loads
// them directly into buf, skipping partial-file recovery entirely.
func (s *PartialStore) loadCompletedFiles() (bool, error) {
	offset := int64(0)
	for _, f := range s.desc.Files {
		path := filepath.Join(s.dir, filepath.Join(f.Path...))
		data, err := os.ReadFile(path)
		if err != nil {
			return false, nil
		}
		if int64(len(data)) != f.Length {
			return false, nil
		}
		copy(s.buf[offset:offset+f.Length], data)
		offset += f.Length
	}

	for i, p := range s.desc.Pieces {
		start := s.desc.Offset(i)
		sum := sha1.Sum(s.buf[start : start+p.ByteLength])
		if sum != p.SHA1 {
			return false, nil
		}
		s.have.Set(i)
	}
	return true, nil
}

// partialPath returns the path of the crash-recovery log for this torrent.
func (s *PartialStore) partialPath() string {
	return filepath.Join(s.dir, s.desc.InfoHash.Hex()+partialFileSuffix)
}

// recover replays the crash-recovery log, verifying each record's SHA-1
// against the canonical piece hash. The first invalid record truncates the
// log at that point and is treated as the new end of file: whatever
// recovered cleanly before it is kept, nothing after it is trusted. A
// trailing partial record (a log whose length is not a multiple of the
// record size) is truncated away the same way. The log file is never
// deleted here; a log whose first record is invalid is truncated to empty.
func (s *PartialStore) recover() error {
	path := s.partialPath()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %s", err)
	}
	s.partial = f

	rl := recordLen(s.desc.PieceLength)
	seen := make(map[int]bool)

	var offset int64
	for {
		header := make([]byte, 4)
		n, err := io.ReadFull(f, header)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n != 4 {
			s.log.Warnw("partial file truncated mid-record, discarding tail", "offset", offset)
			break
		}
		if err != nil {
			return fmt.Errorf("read record header: %s", err)
		}

		index := int(binary.BigEndian.Uint32(header))
		if index < 0 || index >= s.desc.NumPieces() || seen[index] {
			s.log.Warnw("partial file has invalid or duplicate index, discarding tail", "index", index, "offset", offset)
			break
		}

		payload := make([]byte, s.desc.PieceLength)
		if _, err := io.ReadFull(f, payload); err != nil {
			s.log.Warnw("partial file truncated mid-payload, discarding tail", "index", index)
			break
		}

		byteLen := s.desc.PieceByteLength(index)
		content := payload[:byteLen]
		sum := sha1.Sum(content)
		if sum != s.desc.Pieces[index].SHA1 {
			s.log.Warnw("partial file record failed verification, discarding tail", "index", index)
			break
		}

		pieceOffset := s.desc.Offset(index)
		copy(s.buf[pieceOffset:pieceOffset+byteLen], content)
		s.have.Set(index)
		seen[index] = true
		offset += rl
	}

	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate partial file: %s", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek partial file: %s", err)
	}
	s.partialLen = offset

	s.log.Infow("recovered partial file", "pieces_recovered", len(seen), "total_pieces", s.desc.NumPieces())
	return nil
}

// Have reports whether piece index has already been downloaded and
// verified.
func (s *PartialStore) Have(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Has(index)
}

// Bitfield returns a snapshot of the pieces currently held.
func (s *PartialStore) Bitfield() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Clone()
}

// Complete reports whether every piece has been downloaded.
func (s *PartialStore) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Complete()
}

// Update writes a fully-received piece's bytes into the store, verifying its
// SHA-1 before accepting it. If verification fails the piece is rejected
// (not written, not marked as had) so the caller can re-request it. If this
// was the torrent's last missing piece, Update writes out the final files
// and removes the crash-recovery log.
func (s *PartialStore) Update(index int, data []byte) (verified bool, err error) {
	if index < 0 || index >= s.desc.NumPieces() {
		return false, fmt.Errorf("piece index %d out of range", index)
	}
	expected := s.desc.PieceByteLength(index)
	if int64(len(data)) != expected {
		return false, fmt.Errorf("piece %d: expected %d bytes, got %d", index, expected, len(data))
	}

	sum := sha1.Sum(data)
	if sum != s.desc.Pieces[index].SHA1 {
		s.log.Warnw("piece failed sha1 verification", "index", index)
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.have.Has(index) {
		return true, nil
	}

	offset := s.desc.Offset(index)
	copy(s.buf[offset:offset+expected], data)
	s.have.Set(index)

	if err := s.appendRecord(index, data); err != nil {
		return true, fmt.Errorf("append partial record: %s", err)
	}

	if s.have.Complete() {
		if err := s.writeFinalFiles(); err != nil {
			return true, fmt.Errorf("write final files: %s", err)
		}
		if err := s.removePartialFile(); err != nil {
			s.log.Warnw("failed to remove partial file after completion", "error", err)
		}
	}

	return true, nil
}

// appendRecord appends one crash-recovery record for index, padding the
// payload to the canonical piece length.
func (s *PartialStore) appendRecord(index int, data []byte) error {
	if s.partial == nil {
		return nil // seeding mode: no partial file to maintain.
	}

	record := make([]byte, recordLen(s.desc.PieceLength))
	binary.BigEndian.PutUint32(record[0:4], uint32(index))
	copy(record[4:], data)

	if _, err := s.partial.WriteAt(record, s.partialLen); err != nil {
		return err
	}
	s.partialLen += int64(len(record))
	return s.partial.Sync()
}

func (s *PartialStore) removePartialFile() error {
	if s.partial == nil {
		return nil
	}
	path := s.partial.Name()
	if err := s.partial.Close(); err != nil {
		return err
	}
	s.partial = nil
	return os.Remove(path)
}

// writeFinalFiles splits buf across the descriptor's declared files and
// writes each to disk, creating parent directories as needed.
func (s *PartialStore) writeFinalFiles() error {
	offset := int64(0)
	for _, f := range s.desc.Files {
		path := filepath.Join(s.dir, filepath.Join(f.Path...))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %s", path, err)
		}
		if err := os.WriteFile(path, s.buf[offset:offset+f.Length], 0o644); err != nil {
			return fmt.Errorf("write %s: %s", path, err)
		}
		offset += f.Length
	}
	s.log.Infow("download complete, wrote final files", "dir", s.dir, "num_files", len(s.desc.Files))
	return nil
}

// Get returns length bytes starting at offset within piece index, for
// serving an upload request. It returns ok=false if the piece is not held
// or the requested range falls outside it.
func (s *PartialStore) Get(index, offset, length int) (data []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.have.Has(index) {
		return nil, false
	}
	pieceLen := int(s.desc.PieceByteLength(index))
	if offset < 0 || length < 0 || offset+length > pieceLen {
		return nil, false
	}

	base := s.desc.Offset(index) + int64(offset)
	out := make([]byte, length)
	copy(out, s.buf[base:base+int64(length)])
	return out, true
}

// RecordUpload adds n bytes to the running uploaded total, reported to the
// tracker on the next announce.
func (s *PartialStore) RecordUpload(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded += n
}

// Progress returns the current transfer progress.
func (s *PartialStore) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	var downloaded int64
	for i := 0; i < s.desc.NumPieces(); i++ {
		if s.have.Has(i) {
			downloaded += s.desc.PieceByteLength(i)
		}
	}
	return Progress{
		Uploaded:   s.uploaded,
		Downloaded: downloaded,
		Left:       s.desc.TotalLength - downloaded,
	}
}
