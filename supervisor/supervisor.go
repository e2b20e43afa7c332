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

// Package supervisor owns the lifetime of every PeerSession for a single
// torrent: it dials out to peers handed to it by the tracker poller, accepts
// incoming connections from the Acceptor, and fans out Have broadcasts and
// shutdown across the whole registry.
package supervisor

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"

	"github.com/btswarm/swarmd/core"
	"github.com/btswarm/swarmd/pieceset"
	"github.com/btswarm/swarmd/session"
	"github.com/btswarm/swarmd/store"
	"github.com/btswarm/swarmd/wire"
)

// DialTimeout bounds how long a single outgoing connection attempt may take.
const DialTimeout = 10 * time.Second

// Supervisor manages the set of live PeerSessions for one torrent.
type Supervisor struct {
	desc   *core.TorrentDescriptor
	store  *store.PartialStore
	pieces *pieceset.PieceSet
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	sessions syncmap.Map // core.PeerID -> *session.PeerSession

	// inFlightDiag is a diagnostic view of which pieces currently have a
	// session actively pulling blocks for them; it is not part of the wire
	// protocol and exists purely for introspection (e.g. a future status
	// endpoint), kept as a willf/bitset rather than the wire bitfield type
	// since it never leaves the process.
	inFlightDiag   *bitset.BitSet
	inFlightDiagMu sync.Mutex

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	completedOnce sync.Once
	completed     chan struct{}
}

// New constructs a Supervisor for desc, backed by partial and pieces.
func New(
	desc *core.TorrentDescriptor,
	partial *store.PartialStore,
	pieces *pieceset.PieceSet,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Supervisor {
	sup := &Supervisor{
		desc:         desc,
		store:        partial,
		pieces:       pieces,
		clk:          clk,
		stats:        stats.Tagged(map[string]string{"module": "supervisor"}),
		logger:       logger,
		inFlightDiag: bitset.New(uint(desc.NumPieces())),
		done:         make(chan struct{}),
		completed:    make(chan struct{}),
	}
	if partial.Complete() {
		close(sup.completed)
	}
	return sup
}

// Connect dials addr, performs the handshake, and runs a new PeerSession
// against it in its own goroutine. It returns once the handshake completes,
// not once the session exits.
func (sup *Supervisor) Connect(addr core.PeerAddr) error {
	conn, err := net.DialTimeout("tcp", addr.String(), DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %s", addr, err)
	}

	stream := wire.NewFrameStreamWithClock(conn, sup.clk)
	if err := stream.SendHandshake(wire.Handshake{InfoHash: sup.desc.InfoHash, PeerID: sup.desc.PeerID}); err != nil {
		return fmt.Errorf("send handshake to %s: %s", addr, err)
	}
	hs, err := stream.ReceiveHandshake()
	if err != nil {
		return fmt.Errorf("receive handshake from %s: %s", addr, err)
	}
	if hs.InfoHash != sup.desc.InfoHash {
		stream.Close()
		return fmt.Errorf("info hash mismatch from %s", addr)
	}

	// We dialed this peer: it's a downloader entry.
	sup.adopt(stream, hs.PeerID, true)
	return nil
}

// AddIncoming adopts an already-handshaken incoming connection, typically
// handed off by an Acceptor after it has verified the info hash. Incoming
// connections are uploader entries.
func (sup *Supervisor) AddIncoming(stream *wire.FrameStream, peerID core.PeerID) {
	sup.adopt(stream, peerID, false)
}

func (sup *Supervisor) adopt(stream *wire.FrameStream, peerID core.PeerID, initiator bool) {
	if _, loaded := sup.sessions.LoadOrStore(peerID, struct{}{}); loaded {
		stream.Close()
		return
	}

	s := session.New(stream, sup.desc, sup.store, sup.pieces, peerID, sup.clk, sup.stats, initiator)
	s.OnHave = sup.broadcastHave
	s.OnClaimChange = sup.markInFlight
	sup.sessions.Store(peerID, s)

	if initiator && sup.store.Complete() {
		// The torrent already finished downloading before this session
		// started; there is nothing for a downloader entry to do.
		stream.Close()
		sup.sessions.Delete(peerID)
		return
	}

	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		defer sup.sessions.Delete(peerID)

		sup.logger.Infow("peer session starting", "peer_id", peerID)
		if err := s.Run(); err != nil {
			sup.logger.Infow("peer session exited", "peer_id", peerID, "error", err)
		}
	}()
}

// broadcastHave sends a Have message for index to every live session,
// including the one that completed the piece, and is invoked by a
// PeerSession itself when it finishes and verifies a piece. It logs the
// download progress as a percentage of pieces held. Once the torrent is fully downloaded, downloader sessions have
// nothing left to do and are closed; uploader sessions are left running so
// this peer keeps seeding.
func (sup *Supervisor) broadcastHave(index int) {
	sup.stats.Counter("pieces_completed").Inc(1)

	held := sup.store.Bitfield().Count()
	sup.logger.Infow("piece verified", "index", index,
		"progress_pct", float64(held)*100/float64(sup.desc.NumPieces()))

	complete := sup.store.Complete()
	if complete {
		sup.completedOnce.Do(func() { close(sup.completed) })
	}
	sup.sessions.Range(func(key, value interface{}) bool {
		s, ok := value.(*session.PeerSession)
		if !ok {
			return true // placeholder not yet upgraded to a real session.
		}
		if complete && s.Initiator() {
			s.Close()
			return true
		}
		if err := s.SendHave(index); err != nil {
			sup.logger.Warnw("failed to send have", "peer_id", s.PeerID(), "index", index, "error", err)
		}
		return true
	})
}

// Completed returns a channel that is closed once every piece of the
// torrent has been downloaded and verified, for callers that want to exit
// a download-only run without waiting for a signal.
func (sup *Supervisor) Completed() <-chan struct{} {
	return sup.completed
}

// markInFlight updates the in-flight diagnostic bitset as sessions claim and
// release pieces.
func (sup *Supervisor) markInFlight(index int, claimed bool) {
	sup.inFlightDiagMu.Lock()
	defer sup.inFlightDiagMu.Unlock()
	if claimed {
		sup.inFlightDiag.Set(uint(index))
	} else {
		sup.inFlightDiag.Clear(uint(index))
	}
}

// InFlightCount returns the number of pieces currently being actively
// pulled by some session, for status reporting.
func (sup *Supervisor) InFlightCount() int {
	sup.inFlightDiagMu.Lock()
	defer sup.inFlightDiagMu.Unlock()
	return int(sup.inFlightDiag.Count())
}

// NumSessions returns the number of currently live sessions.
func (sup *Supervisor) NumSessions() int {
	n := 0
	sup.sessions.Range(func(_, v interface{}) bool {
		if _, ok := v.(*session.PeerSession); ok {
			n++
		}
		return true
	})
	return n
}

// Stop closes every live session and waits for their goroutines to exit.
// Idempotent.
func (sup *Supervisor) Stop() {
	sup.stopOnce.Do(func() {
		close(sup.done)
		sup.pieces.Close()
		sup.sessions.Range(func(_, v interface{}) bool {
			if s, ok := v.(*session.PeerSession); ok {
				s.Close()
			}
			return true
		})
		sup.wg.Wait()
	})
}

// Done returns a channel closed when Stop has been called, for callers that
// want to exit their own loops (e.g. the tracker poller) alongside the
// supervisor.
func (sup *Supervisor) Done() <-chan struct{} {
	return sup.done
}
