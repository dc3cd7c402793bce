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

// Package flash implements the raw-NAND abstraction: block-oriented
// read/write/erase over a flash partition, bad-block detection and
// skipping, LEB->PEB translation and ECC statistics. It never talks to a
// real device directly -- all I/O goes through a Backend implementation
// injected at Open, so the same engine drives an MTD character device in
// production and a deterministic in-memory array under test.
package flash

import "github.com/pkg/errors"

// InvalidPEB is the sentinel value for a LEB that has no mapped PEB.
const InvalidPEB int32 = -1

// EccStats reports ECC correction/failure counters for a partition.
type EccStats struct {
	Corrected uint32
	Failed    uint32
	BadBlocks uint32
}

// Geometry describes a partition's physical layout.
type Geometry struct {
	Size        uint64
	WriteSize   uint32
	EraseSize   uint32
	NbBlk       uint32
	StartOffset uint64
	Name        string
}

// Backend is the injected low-level I/O primitive a Descriptor drives.
// A real implementation talks to an MTD character device (flash/mtdflash);
// the test suite uses internal/flashtest's deterministic in-memory backend.
type Backend interface {
	// Info returns the partition's geometry without opening it.
	Info(partNum int) (Geometry, error)

	// Open prepares partNum for I/O and returns its geometry. Open must
	// be idempotent: calling it again before Close is a no-op returning
	// the same geometry.
	Open(partNum int) (Geometry, error)

	// Close releases any resources Open acquired.
	Close(partNum int) error

	// ReadAt reads len(buf) bytes from PEB peb at the given byte offset.
	ReadAt(partNum, peb, offset int, buf []byte) (int, error)

	// WriteAt writes buf to PEB peb at the given byte offset. The
	// backend is never asked to write unaligned or partial-page data;
	// Descriptor pads to WriteSize before calling WriteAt.
	WriteAt(partNum, peb, offset int, buf []byte) (int, error)

	// Erase erases PEB peb. Returns an IO error if the underlying erase
	// failed; the caller decides whether to mark the block bad.
	Erase(partNum, peb int) error

	// IsBadBlock reports whether PEB peb is marked bad.
	IsBadBlock(partNum, peb int) (bool, error)

	// MarkBadBlock marks PEB peb bad.
	MarkBadBlock(partNum, peb int) error

	// EccStats returns the partition's cumulative ECC counters.
	EccStats(partNum int) (EccStats, error)
}

var errNilBackend = errors.New("flash: nil backend")
