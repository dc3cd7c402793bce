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

// Package cwe parses the Common Wireless Engine container format: a fixed
// header preceding each image, optionally wrapping a sequence of further
// CWE images (an APPL container).
package cwe

// HeaderSize is the on-wire size of a CWE header. Vendor documentation
// calls this the "400-byte header" for historical reasons, but the
// signature/PSB-CRC/CRC-valid trailer pushes the real record to 416 bytes.
const HeaderSize = 416

// CurrentHdrRev is the minimum header revision this parser accepts.
const CurrentHdrRev = 3

// ApplSignature is the required Signature field value for APPL containers.
const ApplSignature = 0x57535751

// CrcValidMarker / CrcInvalidMarker are the two legal values of the
// CRC-valid trailer field.
const (
	CrcValidMarker   uint32 = 0xFFFFFFFF
	CrcInvalidMarker uint32 = 0x00000000
)

// ImageType is a 4-character CWE image-type tag.
type ImageType [4]byte

func (t ImageType) String() string { return string(t[:]) }

// knownImageTypes is the full vendor token set.
var knownImageTypes = map[ImageType]bool{}

func init() {
	for _, s := range []string{
		"QPAR", "SBL1", "SBL2", "DSP1", "DSP2", "DSP3", "QRPM", "BOOT",
		"APPL", "OSBL", "AMSS", "APPS", "APBL", "NVBF", "NVBO", "NVBU",
		"EXEC", "SWOC", "FOTO", "FILE", "SPKG", "MODM", "SYST", "USER",
		"HDAT", "NVBC", "SPLA", "NVUP", "QMBA", "TZON", "QSDI", "ARCH",
		"UAPP", "LRAM", "CUS0", "CUS1", "CUS2", "HASH", "META", "CUSG",
	} {
		var t ImageType
		copy(t[:], s)
		knownImageTypes[t] = true
	}
}

// IsKnownImageType reports whether t is one of the recognized tokens.
func IsKnownImageType(t ImageType) bool {
	return knownImageTypes[t]
}

func imageType(s string) ImageType {
	var t ImageType
	copy(t[:], s)
	return t
}

// ImageTypeAppl is the token identifying a nested-container image.
var ImageTypeAppl = imageType("APPL")
