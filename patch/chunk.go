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

package patch

import (
	"encoding/binary"

	"github.com/northern-embedded/swifota/status"
)

// Chunk is one decoded chunk record. Only the fields meaningful to Type
// are populated by DecodeChunkBody.
type Chunk struct {
	Type ChunkType

	SrcOffset uint32
	SrcLen    uint32
	PatchLen  uint32

	Length uint32 // copy/raw

	// deflate: SrcLen compressed bytes read from the source image inflate
	// to SrcExpandLen bytes; the BSDIFF-style transform runs against
	// those SrcExpandLen bytes and must produce exactly DstLen
	// (tgt_expand_len) bytes, which are then re-deflated with the
	// Gzip* parameters below before being written out.
	SrcExpandLen uint32
	DstLen       uint32
	GzipCrc32    uint32
	GzipISize    uint32
	GzipMTime    uint32
	GzipOSFlag   uint32
}

// bodySize returns the wire size of the type-specific record following
// the 1-byte type tag.
func (t ChunkType) bodySize() (int, error) {
	switch t {
	case ChunkNormal:
		return NormalChunkSize, nil
	case ChunkCopy:
		return CopyChunkSize, nil
	case ChunkRaw:
		return RawChunkSize, nil
	case ChunkDeflate:
		return DeflateChunkSize, nil
	default:
		return 0, status.New(status.Unsupported, "patch: unknown chunk type")
	}
}

// DecodeChunkHeader decodes the 1-byte type tag and returns the body size
// the caller must read next.
func DecodeChunkHeader(tag byte) (ChunkType, int, error) {
	t := ChunkType(tag)
	n, err := t.bodySize()
	if err != nil {
		return t, 0, err
	}
	return t, n, nil
}

// DecodeChunkBody decodes a chunk's type-specific body, given its type.
func DecodeChunkBody(t ChunkType, buf []byte) (Chunk, error) {
	n, err := t.bodySize()
	if err != nil {
		return Chunk{}, err
	}
	if len(buf) != n {
		return Chunk{}, status.New(status.BadParameter, "patch: chunk body wrong size")
	}

	c := Chunk{Type: t}
	switch t {
	case ChunkNormal:
		c.SrcOffset = binary.BigEndian.Uint32(buf[0:4])
		c.SrcLen = binary.BigEndian.Uint32(buf[4:8])
		c.PatchLen = binary.BigEndian.Uint32(buf[8:12])
	case ChunkCopy:
		c.SrcOffset = binary.BigEndian.Uint32(buf[0:4])
		c.Length = binary.BigEndian.Uint32(buf[4:8])
	case ChunkRaw:
		c.Length = binary.BigEndian.Uint32(buf[0:4])
	case ChunkDeflate:
		c.SrcOffset = binary.BigEndian.Uint32(buf[0:4])
		c.SrcLen = binary.BigEndian.Uint32(buf[4:8])
		c.PatchLen = binary.BigEndian.Uint32(buf[8:12])
		c.SrcExpandLen = binary.BigEndian.Uint32(buf[12:16])
		c.DstLen = binary.BigEndian.Uint32(buf[16:20])
		c.GzipCrc32 = binary.BigEndian.Uint32(buf[20:24])
		c.GzipISize = binary.BigEndian.Uint32(buf[24:28])
		c.GzipMTime = binary.BigEndian.Uint32(buf[28:32])
		c.GzipOSFlag = binary.BigEndian.Uint32(buf[32:36])
		// bytes 36:40 reserved.
	}
	return c, nil
}

// NextReadLen reports how many bytes the apply state machine consumes in
// state s, so a push-style caller can size its next feed exactly. c is
// consulted only in StateReadMeta (the tag has been read, the body has
// not) and StateReadPatch; it may be nil otherwise.
func NextReadLen(s State, c *Chunk) int {
	switch s {
	case StateReadHeader:
		return MetaSize
	case StateReadType:
		return 1
	case StateReadMeta:
		n, err := c.Type.bodySize()
		if err != nil {
			return 0
		}
		return n
	case StateReadPatch:
		switch c.Type {
		case ChunkRaw:
			return int(c.Length)
		case ChunkNormal, ChunkDeflate:
			return int(c.PatchLen)
		default: // copy chunks carry no patch payload
			return 0
		}
	default:
		return 0
	}
}

// EncodeChunk is the inverse of DecodeChunkHeader+DecodeChunkBody, used by
// tests to build fixtures.
func EncodeChunk(c Chunk) []byte {
	n, _ := c.Type.bodySize()
	buf := make([]byte, 1+n)
	buf[0] = byte(c.Type)
	body := buf[1:]
	switch c.Type {
	case ChunkNormal:
		binary.BigEndian.PutUint32(body[0:4], c.SrcOffset)
		binary.BigEndian.PutUint32(body[4:8], c.SrcLen)
		binary.BigEndian.PutUint32(body[8:12], c.PatchLen)
	case ChunkCopy:
		binary.BigEndian.PutUint32(body[0:4], c.SrcOffset)
		binary.BigEndian.PutUint32(body[4:8], c.Length)
	case ChunkRaw:
		binary.BigEndian.PutUint32(body[0:4], c.Length)
	case ChunkDeflate:
		binary.BigEndian.PutUint32(body[0:4], c.SrcOffset)
		binary.BigEndian.PutUint32(body[4:8], c.SrcLen)
		binary.BigEndian.PutUint32(body[8:12], c.PatchLen)
		binary.BigEndian.PutUint32(body[12:16], c.SrcExpandLen)
		binary.BigEndian.PutUint32(body[16:20], c.DstLen)
		binary.BigEndian.PutUint32(body[20:24], c.GzipCrc32)
		binary.BigEndian.PutUint32(body[24:28], c.GzipISize)
		binary.BigEndian.PutUint32(body[28:32], c.GzipMTime)
		binary.BigEndian.PutUint32(body[32:36], c.GzipOSFlag)
	}
	return buf
}
