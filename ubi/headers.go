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

package ubi

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/northern-embedded/swifota/status"
)

// crc32Of computes the CRC-32 (Ethernet polynomial, 0xFFFFFFFF seed) used
// for every on-flash checksum in this package. hash/crc32's IEEE table
// already implements exactly this algorithm, so no third-party checksum
// library is warranted here (see DESIGN.md, Component C).
func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// ECHeader is the fixed 64-byte record at PEB offset 0.
type ECHeader struct {
	Magic        uint32
	Version      uint8
	VidHdrOffset uint32
	DataOffset   uint32
	ImageSeq     uint32
	EraseCount   uint32
	HdrCrc       uint32
}

// erased reports whether buf is entirely 0xFF, the signature of an erased
// block that has never held a header.
func erased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// DecodeECHeader parses a 64-byte buffer read from PEB offset 0.
func DecodeECHeader(buf []byte) (ECHeader, error) {
	var h ECHeader
	if len(buf) != ECHeaderSize {
		return h, status.New(status.BadParameter, "ubi: EC header wrong size")
	}
	if erased(buf) {
		return h, status.New(status.FormatError, "ubi: EC header erased")
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	if h.Magic != ECMagic {
		return h, status.New(status.Unsupported, "ubi: bad EC magic")
	}
	h.Version = buf[4]
	if h.Version != HeaderVersion {
		return h, status.New(status.Fault, "ubi: unsupported EC header version")
	}
	h.VidHdrOffset = binary.BigEndian.Uint32(buf[8:12])
	h.DataOffset = binary.BigEndian.Uint32(buf[12:16])
	h.ImageSeq = binary.BigEndian.Uint32(buf[16:20])
	h.EraseCount = binary.BigEndian.Uint32(buf[20:24])
	h.HdrCrc = binary.BigEndian.Uint32(buf[ECHeaderSize-4 : ECHeaderSize])

	if crc32Of(buf[:ECHeaderSize-4]) != h.HdrCrc {
		return h, status.New(status.Fault, "ubi: EC header CRC mismatch")
	}
	return h, nil
}

// EncodeECHeader serializes h to a fresh 64-byte buffer, recomputing the
// CRC over everything but the CRC field itself.
func EncodeECHeader(h ECHeader) []byte {
	buf := make([]byte, ECHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], ECMagic)
	buf[4] = HeaderVersion
	binary.BigEndian.PutUint32(buf[8:12], h.VidHdrOffset)
	binary.BigEndian.PutUint32(buf[12:16], h.DataOffset)
	binary.BigEndian.PutUint32(buf[16:20], h.ImageSeq)
	binary.BigEndian.PutUint32(buf[20:24], h.EraseCount)
	binary.BigEndian.PutUint32(buf[ECHeaderSize-4:ECHeaderSize], crc32Of(buf[:ECHeaderSize-4]))
	return buf
}

// BumpEraseCounter increments h's erase counter, capped at
// MaxEraseCounter, as required every time a PEB is re-stamped.
func (h *ECHeader) BumpEraseCounter() {
	if h.EraseCount < MaxEraseCounter {
		h.EraseCount++
	}
}

// VIDHeader is the fixed 64-byte record at PEB offset VidHdrOffset.
type VIDHeader struct {
	Magic    uint32
	Version  uint8
	VolType  VolType
	VolID    uint32
	Lnum     uint32
	DataSize uint32 // static only
	UsedEbs  uint32 // static only
	DataPad  uint32
	DataCrc  uint32 // static only
	HdrCrc   uint32
}

// DecodeVIDHeader parses a 64-byte buffer read from a PEB's VID offset.
func DecodeVIDHeader(buf []byte) (VIDHeader, error) {
	var h VIDHeader
	if len(buf) != VIDHeaderSize {
		return h, status.New(status.BadParameter, "ubi: VID header wrong size")
	}
	if erased(buf) {
		return h, status.New(status.FormatError, "ubi: VID header erased")
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	if h.Magic != VIDMagic {
		return h, status.New(status.Unsupported, "ubi: bad VID magic")
	}
	h.Version = buf[4]
	if h.Version != HeaderVersion {
		return h, status.New(status.Fault, "ubi: unsupported VID header version")
	}
	h.VolType = VolType(buf[5])
	h.VolID = binary.BigEndian.Uint32(buf[8:12])
	h.Lnum = binary.BigEndian.Uint32(buf[12:16])
	h.DataSize = binary.BigEndian.Uint32(buf[16:20])
	h.UsedEbs = binary.BigEndian.Uint32(buf[20:24])
	h.DataPad = binary.BigEndian.Uint32(buf[24:28])
	h.DataCrc = binary.BigEndian.Uint32(buf[28:32])
	h.HdrCrc = binary.BigEndian.Uint32(buf[VIDHeaderSize-4 : VIDHeaderSize])

	if crc32Of(buf[:VIDHeaderSize-4]) != h.HdrCrc {
		return h, status.New(status.Fault, "ubi: VID header CRC mismatch")
	}
	return h, nil
}

// EncodeVIDHeader serializes h, recomputing its CRC.
func EncodeVIDHeader(h VIDHeader) []byte {
	buf := make([]byte, VIDHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], VIDMagic)
	buf[4] = HeaderVersion
	buf[5] = byte(h.VolType)
	binary.BigEndian.PutUint32(buf[8:12], h.VolID)
	binary.BigEndian.PutUint32(buf[12:16], h.Lnum)
	binary.BigEndian.PutUint32(buf[16:20], h.DataSize)
	binary.BigEndian.PutUint32(buf[20:24], h.UsedEbs)
	binary.BigEndian.PutUint32(buf[24:28], h.DataPad)
	binary.BigEndian.PutUint32(buf[28:32], h.DataCrc)
	binary.BigEndian.PutUint32(buf[VIDHeaderSize-4:VIDHeaderSize], crc32Of(buf[:VIDHeaderSize-4]))
	return buf
}

// NewVIDHeader builds a fresh VID header for volId/lnum. For static
// volumes, usedEbs/dataSize/data must be supplied by the caller before
// encoding (see EncodeVIDHeader); for dynamic volumes those fields are
// left zero.
func NewVIDHeader(volType VolType, volID, lnum uint32) VIDHeader {
	return VIDHeader{VolType: volType, VolID: volID, Lnum: lnum}
}
