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

// Package session implements PeerSession: the per-connection state machine
// that drives one peer through choke/interest negotiation and the
// request/piece pipeline, whether we dialed the peer (Downloader) or they
// dialed us (Uploader). The handshake itself happens before a PeerSession
// exists; see wire.Handshake and the supervisor/acceptor packages.
package session

import (
	"fmt"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"

	"github.com/btswarm/swarmd/bitfield"
	"github.com/btswarm/swarmd/core"
	"github.com/btswarm/swarmd/pieceset"
	"github.com/btswarm/swarmd/store"
	"github.com/btswarm/swarmd/wire"
)

const claimedPieceNone = -1

// errIdleClose is returned by handle to signal that the session has nothing
// further to do and should close cleanly: not a protocol error, so Run
// returns it to the caller as nil rather than propagating it as a failure.
var errIdleClose = fmt.Errorf("session: closing idle connection")

// pendingRequest tracks one in-flight block request awaiting its Piece
// response.
type pendingRequest struct {
	begin  int
	length int
}

// assembly accumulates the blocks of a claimed piece as they arrive.
type assembly struct {
	buf      []byte
	received int64
	done     map[int]bool // begin -> true, for blocks already written into buf
}

// PeerSession owns one peer connection for the lifetime of the torrent
// transfer with that peer.
type PeerSession struct {
	stream *wire.FrameStream
	desc   *core.TorrentDescriptor
	store  *store.PartialStore
	pieces *pieceset.PieceSet
	peerID core.PeerID
	clk    clock.Clock
	stats  tally.Scope

	remoteBitfield *bitfield.Bitfield

	amChoking      atomic.Bool
	amInterested   atomic.Bool
	peerChoking    atomic.Bool
	peerInterested atomic.Bool

	claimedPiece atomic.Int64

	// initiator is true for sessions we dialed out to as a downloader, false
	// for sessions handed to us by the Acceptor as a peer we're serving. It
	// governs whether this session closes itself when there is nothing left
	// to pull from the remote bitfield.
	initiator bool

	// disconnectWhenIdle mirrors the peer's current interest in us: it
	// starts true for downloader sessions and false for uploader sessions,
	// is cleared whenever the peer becomes Interested (they want blocks from
	// us, so keep serving them), and is set whenever the peer becomes
	// NotInterested while we hold no piece of our own (nothing left for
	// this session to do in either direction).
	disconnectWhenIdle atomic.Bool

	inFlight map[int]pendingRequest // begin -> pendingRequest, for the claimed piece only
	asm      *assembly

	// OnHave is invoked whenever a piece this session just completed should
	// be broadcast to every other session. Wired up by the Supervisor.
	OnHave func(index int)

	// OnClaimChange is invoked whenever this session starts or stops
	// actively pulling blocks for a piece: claimed is true when the piece is
	// claimed and false when it is released.
	// Wired up by the Supervisor purely for in-flight diagnostics.
	OnClaimChange func(index int, claimed bool)
}

// New constructs a PeerSession bound to an already-handshaken stream.
// initiator must be true for a session we dialed out (downloader entry) and
// false for a session handed to us by the Acceptor (uploader entry).
func New(
	stream *wire.FrameStream,
	desc *core.TorrentDescriptor,
	partial *store.PartialStore,
	pieces *pieceset.PieceSet,
	peerID core.PeerID,
	clk clock.Clock,
	stats tally.Scope,
	initiator bool,
) *PeerSession {
	s := &PeerSession{
		stream:         stream,
		desc:           desc,
		store:          partial,
		pieces:         pieces,
		peerID:         peerID,
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"module": "session"}),
		remoteBitfield: bitfield.New(desc.NumPieces()),
		initiator:      initiator,
		inFlight:       make(map[int]pendingRequest),
	}
	s.amChoking.Store(true)
	s.peerChoking.Store(true)
	s.claimedPiece.Store(claimedPieceNone)
	s.disconnectWhenIdle.Store(initiator)
	return s
}

// Run drives the session until the stream closes or an unrecoverable
// protocol error occurs. Any piece claimed from the shared PieceSet is
// always returned before Run returns, so callers never leak a claim by
// forgetting a defer of their own.
func (s *PeerSession) Run() error {
	defer s.releaseClaim()
	defer s.stream.Close()

	if err := s.sendBitfield(); err != nil {
		return fmt.Errorf("send bitfield: %s", err)
	}
	if err := s.pump(); err != nil {
		return err
	}

	for {
		m, err := s.stream.Receive()
		if err != nil {
			return err
		}
		if m.IsKeepAlive {
			continue
		}
		if err := s.handle(m); err != nil {
			if err == errIdleClose {
				return nil
			}
			return err
		}
		if err := s.pump(); err != nil {
			return err
		}
	}
}

func (s *PeerSession) sendBitfield() error {
	b := s.store.Bitfield()
	return s.stream.Send(wire.Message{Type: wire.BitfieldMsg, Bits: b.Bytes()})
}

func (s *PeerSession) handle(m wire.Message) error {
	switch m.Type {
	case wire.Choke:
		// Stop issuing Requests; the claimed piece and its accumulated
		// blocks are kept so the pump resumes where it left off on Unchoke.
		s.peerChoking.Store(true)
	case wire.Unchoke:
		s.peerChoking.Store(false)
	case wire.Interested:
		s.peerInterested.Store(true)
		s.disconnectWhenIdle.Store(false)
		return s.SetChoking(false)
	case wire.NotInterested:
		s.peerInterested.Store(false)
		if s.claimedPiece.Load() == claimedPieceNone {
			s.disconnectWhenIdle.Store(true)
			return errIdleClose
		}
	case wire.Have:
		if m.Index < 0 || m.Index >= s.desc.NumPieces() {
			return fmt.Errorf("have: piece index %d out of bounds", m.Index)
		}
		s.remoteBitfield.Set(m.Index)
		return s.maybeSendInterested()
	case wire.BitfieldMsg:
		rb, err := bitfield.FromBytes(m.Bits, s.desc.NumPieces())
		if err != nil {
			return fmt.Errorf("bitfield: %s", err)
		}
		s.remoteBitfield = rb
		if err := s.maybeSendInterested(); err != nil {
			return err
		}
		if s.initiator && !s.amInterested.Load() {
			// Nothing in the remote's bitfield is worth downloading; a
			// downloader session with nothing to pull has no reason to
			// stay connected.
			return errIdleClose
		}
		return nil
	case wire.Request:
		return s.handleRequest(m)
	case wire.Piece:
		return s.handlePiece(m)
	case wire.Cancel:
		// We send blocks synchronously on receipt of Request, so there is
		// nothing queued to cancel.
	case wire.Port:
		// DHT listen port advertisement; no DHT support, ignored.
	default:
		return fmt.Errorf("unhandled message type %s", m.Type)
	}
	return nil
}

func (s *PeerSession) maybeSendInterested() error {
	interesting := false
	for i := 0; i < s.desc.NumPieces(); i++ {
		if s.remoteBitfield.Has(i) && !s.store.Have(i) {
			interesting = true
			break
		}
	}

	if interesting && !s.amInterested.Load() {
		s.amInterested.Store(true)
		return s.stream.Send(wire.Message{Type: wire.Interested})
	}
	if !interesting && s.amInterested.Load() {
		s.amInterested.Store(false)
		return s.stream.Send(wire.Message{Type: wire.NotInterested})
	}
	return nil
}

func (s *PeerSession) handleRequest(m wire.Message) error {
	if s.amChoking.Load() {
		return nil
	}
	block, ok := s.store.Get(m.Index, m.Begin, m.Length)
	if !ok {
		return nil
	}
	if err := s.stream.Send(wire.Message{Type: wire.Piece, Index: m.Index, Begin: m.Begin, Block: block}); err != nil {
		return err
	}
	s.store.RecordUpload(int64(len(block)))
	s.stats.Counter("bytes_uploaded").Inc(int64(len(block)))
	return nil
}

func (s *PeerSession) handlePiece(m wire.Message) error {
	claimed := int(s.claimedPiece.Load())
	if claimed == claimedPieceNone || claimed != m.Index {
		return fmt.Errorf("protocol violation: piece for index %d, not owned piece %d", m.Index, claimed)
	}
	req, ok := s.inFlight[m.Begin]
	if !ok {
		return fmt.Errorf("protocol violation: unsolicited block at offset %d for piece %d", m.Begin, claimed)
	}
	if req.length != len(m.Block) || m.Begin+len(m.Block) > len(s.asm.buf) {
		return fmt.Errorf("protocol violation: block at offset %d length %d out of range for piece %d", m.Begin, len(m.Block), claimed)
	}
	delete(s.inFlight, m.Begin)
	s.asm.done[m.Begin] = true

	copy(s.asm.buf[m.Begin:m.Begin+len(m.Block)], m.Block)
	s.asm.received += int64(len(m.Block))
	s.stats.Counter("bytes_downloaded").Inc(int64(len(m.Block)))

	if s.asm.received < int64(len(s.asm.buf)) {
		return nil
	}

	data := s.asm.buf
	s.asm = nil

	verified, err := s.store.Update(claimed, data)
	if err != nil {
		return fmt.Errorf("store piece %d: %s", claimed, err)
	}
	s.claimedPiece.Store(claimedPieceNone)
	if s.OnClaimChange != nil {
		s.OnClaimChange(claimed, false)
	}
	if !verified {
		s.pieces.Return(claimed)
		return nil
	}
	if s.OnHave != nil {
		s.OnHave(claimed)
	}
	if err := s.maybeSendInterested(); err != nil {
		return err
	}
	if !s.amInterested.Load() {
		if s.initiator {
			// Nothing left to pull from this peer; a downloader with
			// nothing more to claim has no reason to stay connected.
			return errIdleClose
		}
		if s.disconnectWhenIdle.Load() {
			// Peer isn't interested in our blocks and we're not pulling
			// anything from them either; nothing left for this session.
			return errIdleClose
		}
	}
	return nil
}

// pump claims a new piece if idle and sends requests to fill the in-flight
// window, up to wire.MaxInFlight outstanding blocks.
func (s *PeerSession) pump() error {
	if s.peerChoking.Load() {
		return nil
	}

	if s.claimedPiece.Load() == claimedPieceNone {
		index, ok := s.pieces.FindFirst(func(i int) bool {
			return s.remoteBitfield.Has(i) && !s.store.Have(i)
		})
		if !ok {
			return nil
		}
		s.claimedPiece.Store(int64(index))
		s.asm = &assembly{
			buf:  make([]byte, s.desc.PieceByteLength(index)),
			done: make(map[int]bool),
		}
		if s.OnClaimChange != nil {
			s.OnClaimChange(index, true)
		}
	}

	index := int(s.claimedPiece.Load())
	pieceLen := int(s.desc.PieceByteLength(index))

	for len(s.inFlight) < wire.MaxInFlight {
		begin := s.nextRequestOffset(pieceLen)
		if begin == -1 {
			break
		}
		length := wire.CalcBlockLength(begin, pieceLen)
		if err := s.stream.Send(wire.Message{Type: wire.Request, Index: index, Begin: begin, Length: length}); err != nil {
			return err
		}
		s.inFlight[begin] = pendingRequest{begin: begin, length: length}
	}
	return nil
}

// nextRequestOffset returns the next block offset within the claimed piece
// that has neither arrived nor been requested yet, or -1 if none remain.
func (s *PeerSession) nextRequestOffset(pieceLen int) int {
	for begin := 0; begin < pieceLen; begin += wire.BlockSize {
		if s.asm.done[begin] {
			continue
		}
		if _, inFlight := s.inFlight[begin]; inFlight {
			continue
		}
		return begin
	}
	return -1
}

// abandonClaim releases any in-flight requests and the claimed piece back to
// the shared PieceSet. The partially-assembled bytes are discarded along
// with the reassembly buffer; the next claimant starts the piece over.
func (s *PeerSession) abandonClaim() {
	s.inFlight = make(map[int]pendingRequest)
	claimed := int(s.claimedPiece.Swap(claimedPieceNone))
	s.asm = nil
	if claimed != claimedPieceNone {
		if s.OnClaimChange != nil {
			s.OnClaimChange(claimed, false)
		}
		s.pieces.Return(claimed)
	}
}

func (s *PeerSession) releaseClaim() {
	s.abandonClaim()
}

// SetChoking sets whether we are choking this peer, sending the
// corresponding message if the state actually changes.
func (s *PeerSession) SetChoking(choke bool) error {
	if s.amChoking.Load() == choke {
		return nil
	}
	s.amChoking.Store(choke)
	t := wire.Unchoke
	if choke {
		t = wire.Choke
	}
	return s.stream.Send(wire.Message{Type: t})
}

// SendHave broadcasts that index has been completed locally.
func (s *PeerSession) SendHave(index int) error {
	return s.stream.Send(wire.Message{Type: wire.Have, Index: index})
}

// PeerID returns the remote peer's identifier.
func (s *PeerSession) PeerID() core.PeerID {
	return s.peerID
}

// Initiator reports whether this session is a downloader entry (we dialed
// out) as opposed to an uploader entry (the Acceptor handed us the
// connection).
func (s *PeerSession) Initiator() bool {
	return s.initiator
}

// Close terminates the underlying stream.
func (s *PeerSession) Close() error {
	return s.stream.Close()
}
