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

func TestNewInfoHashFromBytesIsDeterministic(t *testing.T) {
	require := require.New(t)

	h1 := NewInfoHashFromBytes([]byte("d4:infod6:lengthi10eee"))
	h2 := NewInfoHashFromBytes([]byte("d4:infod6:lengthi10eee"))
	require.Equal(h1, h2)

	h3 := NewInfoHashFromBytes([]byte("d4:infod6:lengthi11eee"))
	require.NotEqual(h1, h3)
}

func TestNewInfoHashFromRaw20DoesNotRehash(t *testing.T) {
	require := require.New(t)

	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i)
	}
	h, err := NewInfoHashFromRaw20(raw)
	require.NoError(err)
	require.Equal(raw, h.Bytes())
}

func TestNewInfoHashFromRaw20RejectsWrongLength(t *testing.T) {
	require := require.New(t)

	_, err := NewInfoHashFromRaw20([]byte{1, 2, 3})
	require.Error(err)
}

func TestInfoHashHexRoundTrip(t *testing.T) {
	require := require.New(t)

	h := NewInfoHashFromBytes([]byte("round trip me"))
	parsed, err := NewInfoHashFromHex(h.Hex())
	require.NoError(err)
	require.Equal(h, parsed)
}

func TestNewInfoHashFromHexRejectsBadLength(t *testing.T) {
	require := require.New(t)

	_, err := NewInfoHashFromHex("abcd")
	require.Error(err)
}
