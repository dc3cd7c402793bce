// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package cwe

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSingleUserImage constructs an outer APPL wrapping a single inner
// USER image made of eight 20000-byte chunks of repeating fill bytes.
func buildSingleUserImage(t *testing.T) ([]byte, []byte) {
	t.Helper()
	fill := []byte{0x07, 0x17, 0x27, 0x37, 0x47, 0x57, 0x67, 0x77}
	chunk := bytes.Repeat(fill, 20000/len(fill))
	payload := bytes.Repeat(chunk, 8)
	require.Len(t, payload, 8*20000)

	inner := makeHeader(t, "USER", 1, uint32(len(payload)))
	var buf bytes.Buffer
	buf.Write(EncodeHeader(inner))
	buf.Write(payload)

	outer := makeHeader(t, "APPL", 1, uint32(buf.Len()))
	var full bytes.Buffer
	full.Write(EncodeHeader(outer))
	full.Write(buf.Bytes())
	return full.Bytes(), payload
}

func TestWalkContainerSingleUserImage(t *testing.T) {
	wire, payload := buildSingleUserImage(t)
	r := bytes.NewReader(wire)

	var visited []Header
	var consumed []byte
	err := WalkContainer(r, nil, func(h Header) error {
		visited = append(visited, h)
		buf := make([]byte, h.ImageSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		consumed = buf
		return nil
	})
	require.NoError(t, err)
	require.Len(t, visited, 1)
	require.Equal(t, "USER", visited[0].ImageType.String())
	require.Equal(t, payload, consumed)
}

func TestWalkContainerSingleLeaf(t *testing.T) {
	payload := []byte("hello world")
	h := makeHeader(t, "MODM", 1, uint32(len(payload)))
	var buf bytes.Buffer
	buf.Write(EncodeHeader(h))
	buf.Write(payload)

	var got []byte
	err := WalkContainer(&buf, nil, func(hdr Header) error {
		got = make([]byte, hdr.ImageSize)
		_, err := buf.Read(got)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
