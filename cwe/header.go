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
	"encoding/binary"
	"hash/crc32"
	"strings"

	"github.com/northern-embedded/swifota/status"
)

// Header is a decoded CWE header.
type Header struct {
	PSB         [256]byte
	HdrRev      uint32
	ImageType   ImageType
	ProductID   uint32
	ImageSize   uint32
	Crc32       uint32
	Version     [84]byte
	Date        [8]byte
	Compat      uint32
	MiscOpts    uint8
	StorageAddr uint32
	ProgramAddr uint32
	EntryAddr   uint32
	Signature   uint32
	PsbCrc      uint32
	CrcValid    uint32
}

// Compressed reports whether bit 0 of MiscOpts, the compression flag, is
// set. Compressed payloads are always rejected by Validate.
func (h *Header) Compressed() bool {
	return h.MiscOpts&0x01 != 0
}

// DecodeHeader decodes a HeaderSize-byte buffer without validating it; use
// Validate (or ParseAndValidate) to apply the ordered checks.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) != HeaderSize {
		return h, status.New(status.BadParameter, "cwe: header buffer wrong size")
	}
	copy(h.PSB[:], buf[0:256])
	h.HdrRev = binary.BigEndian.Uint32(buf[256:260])
	copy(h.ImageType[:], buf[260:264])
	h.ProductID = binary.BigEndian.Uint32(buf[264:268])
	h.ImageSize = binary.BigEndian.Uint32(buf[268:272])
	h.Crc32 = binary.BigEndian.Uint32(buf[272:276])
	copy(h.Version[:], buf[276:360])
	copy(h.Date[:], buf[360:368])
	h.Compat = binary.BigEndian.Uint32(buf[368:372])
	h.MiscOpts = buf[372]
	h.StorageAddr = binary.BigEndian.Uint32(buf[392:396])
	h.ProgramAddr = binary.BigEndian.Uint32(buf[396:400])
	h.EntryAddr = binary.BigEndian.Uint32(buf[400:404])
	h.Signature = binary.BigEndian.Uint32(buf[404:408])
	h.PsbCrc = binary.BigEndian.Uint32(buf[408:412])
	h.CrcValid = binary.BigEndian.Uint32(buf[412:416])
	return h, nil
}

// EncodeHeader is the inverse of DecodeHeader, used by tests to construct
// fixtures byte-for-byte.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:256], h.PSB[:])
	binary.BigEndian.PutUint32(buf[256:260], h.HdrRev)
	copy(buf[260:264], h.ImageType[:])
	binary.BigEndian.PutUint32(buf[264:268], h.ProductID)
	binary.BigEndian.PutUint32(buf[268:272], h.ImageSize)
	binary.BigEndian.PutUint32(buf[272:276], h.Crc32)
	copy(buf[276:360], h.Version[:])
	copy(buf[360:368], h.Date[:])
	binary.BigEndian.PutUint32(buf[368:372], h.Compat)
	buf[372] = h.MiscOpts
	binary.BigEndian.PutUint32(buf[392:396], h.StorageAddr)
	binary.BigEndian.PutUint32(buf[396:400], h.ProgramAddr)
	binary.BigEndian.PutUint32(buf[400:404], h.EntryAddr)
	binary.BigEndian.PutUint32(buf[404:408], h.Signature)
	binary.BigEndian.PutUint32(buf[408:412], h.PsbCrc)
	binary.BigEndian.PutUint32(buf[412:416], h.CrcValid)
	return buf
}

// Validate applies the ordered header checks: revision, image-type,
// product-id allow-list, compression flag, PSB CRC32, then (APPL only)
// signature. allowedProductIDs is typically conf.Config.DefaultCweProductIds.
func (h *Header) Validate(allowedProductIDs map[uint32]bool) error {
	if h.HdrRev < CurrentHdrRev {
		return status.New(status.Unsupported, "cwe: header revision too old")
	}
	if !IsKnownImageType(h.ImageType) {
		return status.New(status.Unsupported, "cwe: unknown image type "+h.ImageType.String())
	}
	if len(allowedProductIDs) > 0 && !allowedProductIDs[h.ProductID] {
		return status.New(status.NotPermitted, "cwe: product id not in allow-list")
	}
	if h.Compressed() {
		return status.New(status.Unsupported, "cwe: compressed images are not supported")
	}

	psbBuf := EncodeHeader(*h)[0:256]
	if crc32.ChecksumIEEE(psbBuf) != h.PsbCrc {
		return status.New(status.FormatError, "cwe: PSB CRC mismatch")
	}

	if h.ImageType == ImageTypeAppl && h.Signature != ApplSignature {
		return status.New(status.FormatError, "cwe: APPL signature mismatch")
	}
	return nil
}

// ParseAndValidate decodes and validates a header in one step.
func ParseAndValidate(buf []byte, allowedProductIDs map[uint32]bool) (Header, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return h, err
	}
	if err := h.Validate(allowedProductIDs); err != nil {
		return h, err
	}
	return h, nil
}

// trimmedString trims trailing NUL padding from a fixed-size ASCII field.
func trimmedString(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// VersionString returns the NUL-trimmed version field.
func (h *Header) VersionString() string { return trimmedString(h.Version[:]) }

// DateString returns the NUL-trimmed date field.
func (h *Header) DateString() string { return trimmedString(h.Date[:]) }
