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

// Package pieceset implements the shared queue of piece indices still needed
// from the swarm. Every PeerSession pulls from the same PieceSet, so a piece
// claimed by one session is invisible to the rest until it is returned
// (on disconnect) or permanently removed (on successful download).
package pieceset

import "sync"

// PieceSet is a mutex-guarded FIFO of pending piece indices, with a
// notify-on-push condition variable so blocking consumers wake promptly
// instead of polling.
type PieceSet struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []int
	closed  bool
}

// New returns an empty PieceSet.
func New() *PieceSet {
	ps := &PieceSet{}
	ps.cond = sync.NewCond(&ps.mu)
	return ps
}

// NewFromIndices returns a PieceSet preloaded with the given indices, in
// order, typically the full complement of pieces this process still lacks
// at startup.
func NewFromIndices(indices []int) *PieceSet {
	ps := New()
	ps.pending = append(ps.pending, indices...)
	return ps
}

// Push adds index to the back of the queue and wakes one blocked popper.
func (ps *PieceSet) Push(index int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pending = append(ps.pending, index)
	ps.cond.Signal()
}

// PopBlock removes and returns the piece index at the front of the queue,
// blocking until one is available or the set is closed. The second return
// value is false only when the set was closed with an empty queue.
func (ps *PieceSet) PopBlock() (int, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for len(ps.pending) == 0 {
		if ps.closed {
			return 0, false
		}
		ps.cond.Wait()
	}
	index := ps.pending[0]
	ps.pending = ps.pending[1:]
	return index, true
}

// FindFirst atomically removes and returns the first pending index for which
// pred returns true, preserving the relative order of the remaining entries.
// It is used by a session to claim the first piece the remote peer actually
// has, without disturbing the queue for everyone else.
func (ps *PieceSet) FindFirst(pred func(index int) bool) (int, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, index := range ps.pending {
		if pred(index) {
			ps.pending = append(ps.pending[:i], ps.pending[i+1:]...)
			return index, true
		}
	}
	return 0, false
}

// Len returns the number of pieces currently pending.
func (ps *PieceSet) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// Clear empties the queue. It does not wake blocked PopBlock callers; Close
// does that.
func (ps *PieceSet) Clear() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pending = nil
}

// Replace atomically swaps the entire pending queue for indices, discarding
// whatever was previously queued. A session that disconnects hands its
// claimed piece back with Return, not Replace.
func (ps *PieceSet) Replace(indices []int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pending = append([]int(nil), indices...)
	if len(ps.pending) > 0 {
		ps.cond.Broadcast()
	}
}

// Return pushes index back onto the front of the queue, giving it priority
// over pieces that were already waiting. Used when a session that had
// claimed a piece disconnects before finishing it.
func (ps *PieceSet) Return(index int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pending = append([]int{index}, ps.pending...)
	ps.cond.Signal()
}

// Close wakes every blocked PopBlock caller, causing them to return
// (0, false) once the queue drains. Used during supervisor shutdown.
func (ps *PieceSet) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.closed = true
	ps.cond.Broadcast()
}
