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

// Package ubi implements the on-flash UBI (Unsorted Block Image) format on
// top of package flash: EC and VID headers, the volume table, wear-level
// free-block selection, volume create/delete/resize, and LEB read/write
// within a volume. Both whole-partition UBI and an offset-UBI variant
// (starting at an arbitrary byte offset inside a physical partition) are
// supported.
package ubi

const (
	// ECMagic is the 'UBI#' magic stamped at PEB offset 0.
	ECMagic uint32 = 0x55424923
	// VIDMagic is the 'UBI!' magic stamped at PEB offset VidHdrOffset.
	VIDMagic uint32 = 0x55424921

	// HeaderVersion is the only version this implementation emits or
	// accepts.
	HeaderVersion uint8 = 1

	// LayoutVolID is the reserved volume ID hosting the volume table.
	LayoutVolID uint32 = 0x7FFFFEFF

	// ImageSeqBase seeds the image-sequence number stamped into every EC
	// header written by a fresh Create.
	ImageSeqBase uint32 = 0x01020304

	// MaxVolumes bounds the volume table.
	MaxVolumes = 128

	// MaxNameLen is the longest a volume name may be.
	MaxNameLen = 127

	// MaxEraseCounter caps the monotonic per-PEB erase counter.
	MaxEraseCounter uint32 = 1<<31 - 1

	// BEBLimit is the number of PEBs held in reserve beyond the volume
	// table for wear-leveling and the atomic-LEB-change operation.
	BEBLimit = 20

	// ECHeaderSize and VIDHeaderSize are the fixed on-flash record sizes.
	ECHeaderSize  = 64
	VIDHeaderSize = 64

	// VTBLRecordSize is the fixed size of one volume table entry.
	VTBLRecordSize = 172

	// reservedPebsErased marks a VTBL record as unused/erased.
	reservedPebsErased uint32 = 0xFFFFFFFF
)

// VolType distinguishes static (size fixed at creation, CRC-protected) from
// dynamic (size grows as LEBs are written) volumes.
type VolType uint8

const (
	VolDynamic VolType = 1
	VolStatic  VolType = 2
)
