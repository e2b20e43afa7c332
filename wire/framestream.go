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
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
)

// MaxMessageLen bounds the length prefix accepted from a peer, guarding
// against a malicious or corrupt peer claiming a multi-gigabyte message.
const MaxMessageLen = 1 << 20 // 1 MiB, comfortably above any real piece block.

// DefaultReadTimeout is the deadline applied to each message read.
const DefaultReadTimeout = 15 * time.Second

// DefaultWriteTimeout is the deadline applied to each message write.
const DefaultWriteTimeout = 10 * time.Second

// FrameStream is a duplex, length-prefixed message stream over a net.Conn.
// Any I/O error or decode failure transitions the stream to closed; callers
// must check Closed before reusing it. A FrameStream is safe for concurrent
// Send and Receive from two different goroutines, but not for concurrent
// Send-with-Send or Receive-with-Receive.
type FrameStream struct {
	conn         net.Conn
	clk          clock.Clock
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       atomic.Bool
}

// NewFrameStream wraps conn with the default timeouts and a real clock.
func NewFrameStream(conn net.Conn) *FrameStream {
	return NewFrameStreamWithClock(conn, clock.New())
}

// NewFrameStreamWithClock wraps conn with an injected clock, for deterministic
// timeout tests.
func NewFrameStreamWithClock(conn net.Conn, clk clock.Clock) *FrameStream {
	return &FrameStream{
		conn:         conn,
		clk:          clk,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Closed reports whether the stream has encountered an unrecoverable error
// and should no longer be used.
func (s *FrameStream) Closed() bool {
	return s.closed.Load()
}

// Close closes the underlying connection. Idempotent.
func (s *FrameStream) Close() error {
	if s.closed.CAS(false, true) {
		return s.conn.Close()
	}
	return nil
}

// Send writes m to the stream, applying the write deadline. Any deadline or
// write failure closes the stream; an encode error is returned with the
// stream left open.
func (s *FrameStream) Send(m Message) error {
	if s.closed.Load() {
		return fmt.Errorf("wire: stream closed")
	}

	buf, err := Encode(m)
	if err != nil {
		return err
	}

	if err := s.conn.SetWriteDeadline(s.clk.Now().Add(s.writeTimeout)); err != nil {
		s.Close()
		return fmt.Errorf("wire: set write deadline: %s", err)
	}
	if _, err := s.conn.Write(buf); err != nil {
		s.Close()
		return fmt.Errorf("wire: write message: %s", err)
	}
	return nil
}

// Receive reads the next message from the stream, applying the read
// deadline. Any failure, including a decode error, closes the stream.
func (s *FrameStream) Receive() (Message, error) {
	if s.closed.Load() {
		return Message{}, fmt.Errorf("wire: stream closed")
	}

	if err := s.conn.SetReadDeadline(s.clk.Now().Add(s.readTimeout)); err != nil {
		s.Close()
		return Message{}, fmt.Errorf("wire: set read deadline: %s", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		s.Close()
		return Message{}, fmt.Errorf("wire: read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length == 0 {
		return KeepAliveMessage(), nil
	}
	if length > MaxMessageLen {
		s.Close()
		return Message{}, fmt.Errorf("wire: message length %d exceeds max %d", length, MaxMessageLen)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		s.Close()
		return Message{}, fmt.Errorf("wire: read message body: %s", err)
	}

	m, err := Decode(body)
	if err != nil {
		s.Close()
		return Message{}, err
	}
	return m, nil
}

// SendHandshake writes h to the stream, applying the write deadline.
func (s *FrameStream) SendHandshake(h Handshake) error {
	if err := s.conn.SetWriteDeadline(s.clk.Now().Add(s.writeTimeout)); err != nil {
		s.Close()
		return fmt.Errorf("wire: set write deadline: %s", err)
	}
	if err := h.Write(s.conn); err != nil {
		s.Close()
		return fmt.Errorf("wire: write handshake: %s", err)
	}
	return nil
}

// ReceiveHandshake reads a handshake from the stream, applying the read
// deadline.
func (s *FrameStream) ReceiveHandshake() (Handshake, error) {
	if err := s.conn.SetReadDeadline(s.clk.Now().Add(s.readTimeout)); err != nil {
		s.Close()
		return Handshake{}, fmt.Errorf("wire: set read deadline: %s", err)
	}
	h, err := ReadHandshake(s.conn)
	if err != nil {
		s.Close()
		return Handshake{}, err
	}
	return h, nil
}
