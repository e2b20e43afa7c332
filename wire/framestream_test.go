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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameStreamSendReceive(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := NewFrameStream(a)
	sb := NewFrameStream(b)

	done := make(chan error, 1)
	go func() {
		done <- sa.Send(Message{Type: Have, Index: 3})
	}()

	m, err := sb.Receive()
	require.NoError(err)
	require.NoError(<-done)
	require.Equal(Have, m.Type)
	require.Equal(3, m.Index)
}

func TestFrameStreamClosesOnDecodeError(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sb := NewFrameStream(b)

	go func() {
		// Send a length prefix claiming 1 byte of body, type byte unknown.
		a.Write([]byte{0, 0, 0, 1, 0xEE})
	}()

	_, err := sb.Receive()
	require.Error(err)
	require.True(sb.Closed())
}

func TestFrameStreamHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := NewFrameStream(a)
	sb := NewFrameStream(b)

	h := Handshake{}
	done := make(chan error, 1)
	go func() {
		done <- sa.SendHandshake(h)
	}()

	got, err := sb.ReceiveHandshake()
	require.NoError(err)
	require.NoError(<-done)
	require.Equal(h.InfoHash, got.InfoHash)
}

func TestFrameStreamRejectsUseAfterClose(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	defer b.Close()

	s := NewFrameStream(a)
	require.NoError(s.Close())

	_, err := s.Receive()
	require.Error(err)

	err = s.Send(Message{Type: Choke})
	require.Error(err)
}
