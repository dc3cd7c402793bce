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

// Package resume persists the staging writer's durable state -- the
// resume context -- to two mirrored files in a small filesystem tree, so
// an interrupted install can continue from the last completed step
// instead of restarting.
package resume

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/northern-embedded/swifota/status"
)

// patchStateSize bounds the embedded snapshot of in-flight patch-apply
// state (current Meta plus whatever chunk-level progress ApplyPatch had
// made); large enough for a Meta (36 bytes) plus a small fixed-size
// cursor, never meant to hold patch payload bytes themselves.
const patchStateSize = 96

// RecordSize is the fixed on-wire size of a Context record.
const RecordSize = 8 + 4 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 1 + 1 + patchStateSize + 4

// Context is the resume record: everything the engine needs to restart an
// interrupted transfer at its last durable boundary, from the running CRCs
// down to any in-flight patch-apply cursor, guarded by a trailing CRC.
type Context struct {
	CtxCounter       uint64
	ImageType        [4]byte
	ImageSize        uint64
	ImageCrc         uint32
	CurrentImageCrc  uint32
	GlobalCrc        uint32
	CurrentGlobalCrc uint32
	TotalRead        uint64
	CurrentOffset    uint64
	FullImageLength  uint64
	MiscOpts         uint8
	Flags            uint8
	PatchState       [patchStateSize]byte
}

// Encode serializes ctx with a trailing CRC-32 over every preceding byte.
func Encode(ctx Context) []byte {
	buf := make([]byte, RecordSize)
	o := 0
	binary.BigEndian.PutUint64(buf[o:o+8], ctx.CtxCounter)
	o += 8
	copy(buf[o:o+4], ctx.ImageType[:])
	o += 4
	binary.BigEndian.PutUint64(buf[o:o+8], ctx.ImageSize)
	o += 8
	binary.BigEndian.PutUint32(buf[o:o+4], ctx.ImageCrc)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], ctx.CurrentImageCrc)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], ctx.GlobalCrc)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], ctx.CurrentGlobalCrc)
	o += 4
	binary.BigEndian.PutUint64(buf[o:o+8], ctx.TotalRead)
	o += 8
	binary.BigEndian.PutUint64(buf[o:o+8], ctx.CurrentOffset)
	o += 8
	binary.BigEndian.PutUint64(buf[o:o+8], ctx.FullImageLength)
	o += 8
	buf[o] = ctx.MiscOpts
	o++
	buf[o] = ctx.Flags
	o++
	copy(buf[o:o+patchStateSize], ctx.PatchState[:])
	o += patchStateSize

	binary.BigEndian.PutUint32(buf[o:o+4], crc32.ChecksumIEEE(buf[:o]))
	return buf
}

// Decode is the inverse of Encode; it rejects a buffer whose trailing CRC
// does not match, since the mirror it came from is to be treated as
// corrupt rather than trusted.
func Decode(buf []byte) (Context, error) {
	var ctx Context
	if len(buf) != RecordSize {
		return ctx, status.New(status.FormatError, "resume: record wrong size")
	}
	want := binary.BigEndian.Uint32(buf[RecordSize-4:])
	if crc32.ChecksumIEEE(buf[:RecordSize-4]) != want {
		return ctx, status.New(status.FormatError, "resume: record CRC mismatch")
	}

	o := 0
	ctx.CtxCounter = binary.BigEndian.Uint64(buf[o : o+8])
	o += 8
	copy(ctx.ImageType[:], buf[o:o+4])
	o += 4
	ctx.ImageSize = binary.BigEndian.Uint64(buf[o : o+8])
	o += 8
	ctx.ImageCrc = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	ctx.CurrentImageCrc = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	ctx.GlobalCrc = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	ctx.CurrentGlobalCrc = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	ctx.TotalRead = binary.BigEndian.Uint64(buf[o : o+8])
	o += 8
	ctx.CurrentOffset = binary.BigEndian.Uint64(buf[o : o+8])
	o += 8
	ctx.FullImageLength = binary.BigEndian.Uint64(buf[o : o+8])
	o += 8
	ctx.MiscOpts = buf[o]
	o++
	ctx.Flags = buf[o]
	o++
	copy(ctx.PatchState[:], buf[o:o+patchStateSize])
	return ctx, nil
}
