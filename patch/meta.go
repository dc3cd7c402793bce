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

// MetaSize is the on-wire size of Meta.
const MetaSize = 8 + 4 + 4 + 4 + 4 + 4 + 4 + 4

// Meta is the per-image delta header preceding a sequence of chunk
// records.
type Meta struct {
	Magic       Magic
	SegmentSize uint32
	NumChunks   uint32
	OriginVolID int32
	SrcSize     uint32
	SrcCrc      uint32
	DstSize     uint32
	DstCrc      uint32
}

// DecodeMeta decodes a MetaSize-byte buffer.
func DecodeMeta(buf []byte) (Meta, error) {
	var m Meta
	if len(buf) != MetaSize {
		return m, status.New(status.BadParameter, "patch: meta buffer wrong size")
	}
	copy(m.Magic[:], buf[0:8])
	if m.Magic != MagicBPatch && m.Magic != MagicImgdiff {
		return m, status.New(status.Unsupported, "patch: unrecognized patch magic")
	}
	m.SegmentSize = binary.BigEndian.Uint32(buf[8:12])
	m.NumChunks = binary.BigEndian.Uint32(buf[12:16])
	m.OriginVolID = int32(binary.BigEndian.Uint32(buf[16:20]))
	m.SrcSize = binary.BigEndian.Uint32(buf[20:24])
	m.SrcCrc = binary.BigEndian.Uint32(buf[24:28])
	m.DstSize = binary.BigEndian.Uint32(buf[28:32])
	m.DstCrc = binary.BigEndian.Uint32(buf[32:36])
	return m, nil
}

// EncodeMeta is the inverse of DecodeMeta.
func EncodeMeta(m Meta) []byte {
	buf := make([]byte, MetaSize)
	copy(buf[0:8], m.Magic[:])
	binary.BigEndian.PutUint32(buf[8:12], m.SegmentSize)
	binary.BigEndian.PutUint32(buf[12:16], m.NumChunks)
	binary.BigEndian.PutUint32(buf[16:20], uint32(m.OriginVolID))
	binary.BigEndian.PutUint32(buf[20:24], m.SrcSize)
	binary.BigEndian.PutUint32(buf[24:28], m.SrcCrc)
	binary.BigEndian.PutUint32(buf[28:32], m.DstSize)
	binary.BigEndian.PutUint32(buf[32:36], m.DstCrc)
	return buf
}

// HasOrigin reports whether this patch reads from a source volume.
func (m Meta) HasOrigin() bool {
	return m.OriginVolID != OriginNone
}
