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
	"fmt"
	"net"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/btswarm/swarmd/core"
	"github.com/btswarm/swarmd/wire"
)

// MaxPendingAccepts bounds the number of simultaneous in-progress incoming
// handshakes, so a burst of connecting peers cannot exhaust file descriptors
// before the handshake has even been read.
const MaxPendingAccepts = 16

// Acceptor listens for incoming peer connections, validates their handshake
// against the expected info hash, and hands verified peers off to a
// Supervisor.
type Acceptor struct {
	listener net.Listener
	desc     *core.TorrentDescriptor
	clk      clock.Clock
	logger   *zap.SugaredLogger
	slots    chan struct{}

	sup *Supervisor
}

// NewAcceptor starts listening on addr and returns an Acceptor bound to sup.
func NewAcceptor(addr string, desc *core.TorrentDescriptor, sup *Supervisor, clk clock.Clock, logger *zap.SugaredLogger) (*Acceptor, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %s", addr, err)
	}
	return &Acceptor{
		listener: l,
		desc:     desc,
		clk:      clk,
		logger:   logger,
		slots:    make(chan struct{}, MaxPendingAccepts),
		sup:      sup,
	}, nil
}

// Addr returns the address the acceptor is listening on.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts connections until the listener is closed, handing each one
// off to a short-lived handshake goroutine bounded by MaxPendingAccepts.
func (a *Acceptor) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %s", err)
		}

		select {
		case a.slots <- struct{}{}:
			go a.handshakeAndAdopt(conn)
		default:
			a.logger.Warnw("dropping incoming connection: too many pending handshakes", "remote", conn.RemoteAddr())
			conn.Close()
		}
	}
}

func (a *Acceptor) handshakeAndAdopt(conn net.Conn) {
	defer func() { <-a.slots }()

	stream := wire.NewFrameStreamWithClock(conn, a.clk)

	hs, err := stream.ReceiveHandshake()
	if err != nil {
		a.logger.Warnw("incoming handshake failed", "remote", conn.RemoteAddr(), "error", err)
		stream.Close()
		return
	}
	if hs.InfoHash != a.desc.InfoHash {
		a.logger.Warnw("incoming handshake has unknown info hash", "remote", conn.RemoteAddr(), "info_hash", hs.InfoHash)
		stream.Close()
		return
	}

	if err := stream.SendHandshake(wire.Handshake{InfoHash: a.desc.InfoHash, PeerID: a.desc.PeerID}); err != nil {
		a.logger.Warnw("failed to send handshake response", "remote", conn.RemoteAddr(), "error", err)
		stream.Close()
		return
	}

	a.sup.AddIncoming(stream, hs.PeerID)
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}
