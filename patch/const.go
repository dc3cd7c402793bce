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

// Package patch implements the imgdiff delta-apply framing: the patch
// meta header, the per-chunk state machine, the direct chunk types
// (copy/raw), and the inflate/re-deflate framing of deflate chunks. The
// actual byte-diff algorithm behind a "normal" chunk, and the transform
// applied to a deflate chunk's inflated source, are not this package's
// concern; they are delegated to an injected PatchRunner collaborator.
package patch

// Magic is the 8-byte patch-file magic, one of two legal values.
type Magic [8]byte

func magic(s string) Magic {
	var m Magic
	copy(m[:], s)
	return m
}

var (
	MagicBPatch  = magic("BPATCH  ")
	MagicImgdiff = magic("IMGDIFF2")
)

// OriginNone is OriginVolID's value when a patch has no source volume
// (the destination is built purely from raw/deflate chunks).
const OriginNone int32 = -1

// ChunkType enumerates the per-chunk record types.
type ChunkType uint8

const (
	ChunkNormal ChunkType = iota
	ChunkCopy
	ChunkRaw
	ChunkDeflate
)

// Chunk record sizes, in bytes, not counting the 1-byte type tag that
// precedes every chunk record on the wire.
const (
	NormalChunkSize  = 12
	CopyChunkSize    = 8
	RawChunkSize     = 4
	DeflateChunkSize = 40
)

// State is the imgdiff apply state machine's current step.
type State int

const (
	StateReadHeader State = iota
	StateReadType
	StateReadMeta
	StateReadPatch
	StateApplyPatch
	StateDone
)
