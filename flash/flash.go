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

package flash

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/northern-embedded/swifota/status"
)

// Mode controls how a partition is opened. The low two bits select the
// access mode; the rest are independent flags.
type Mode uint32

const (
	ModeReadOnly Mode = 1 << iota
	ModeWriteOnly
	ModeLogical     // partition is the first half of a physical partition
	ModeLogicalDual // partition is the second half of a physical partition
	ModeUBI         // partition is expected to already hold a UBI container
	ModeMarkBad     // auto-mark-bad on erase IO error
)

// ModeReadWrite is the combination used throughout the staging writer.
const ModeReadWrite = ModeReadOnly | ModeWriteOnly

// Handle is an opaque reference to an open Descriptor. It is a registry
// index, not a pointer, so a stale or foreign handle is rejected rather
// than dereferenced.
type Handle int

// Descriptor is the per-open-partition state: geometry, the LEB->PEB map
// once scanned, and the scratch buffer used to pad unaligned writes. It is
// owned exclusively by the Handle that created it; there is no sharing
// across descriptors.
type Descriptor struct {
	backend Backend
	partNum int
	mode    Mode

	Geometry Geometry

	// pebBase offsets every backend PEB index when the descriptor views
	// only half of the physical partition (ModeLogical / ModeLogicalDual).
	pebBase int

	lebToPeb []int32
	scanDone bool
	nbLeb    uint32

	curBlock   int // LEB if scanDone, else PEB
	curOffset  int
	positioned bool // Seek must precede Read/Write

	scratch []byte // sized to EraseSize, owned by this descriptor
}

var (
	registryMu sync.Mutex
	registry   = map[Handle]*Descriptor{}
	nextHandle Handle = 1
)

// Open opens partition partNum through backend with the given mode and
// returns a Handle plus its geometry. Fails with status.Unsupported if the
// backend cannot open the partition.
func Open(backend Backend, partNum int, mode Mode) (Handle, Geometry, error) {
	if backend == nil {
		return 0, Geometry{}, status.Wrap(status.BadParameter, errNilBackend, "flash.Open")
	}
	geo, err := backend.Open(partNum)
	if err != nil {
		return 0, Geometry{}, status.Wrapf(status.Unsupported, err,
			"flash: open partition %d", partNum)
	}
	if err := validateGeometry(geo); err != nil {
		backend.Close(partNum)
		return 0, Geometry{}, status.Wrapf(status.FormatError, err,
			"flash: partition %d geometry", partNum)
	}

	// A logical partition is one half of the physical one: same geometry
	// per block, half the blocks, with the dual half starting past the
	// first. Block indices handed to the backend are rebased accordingly.
	pebBase := 0
	if mode&(ModeLogical|ModeLogicalDual) != 0 {
		if geo.NbBlk < 2 {
			backend.Close(partNum)
			return 0, Geometry{}, status.New(status.Unsupported,
				"flash: partition too small to split logically")
		}
		half := geo.NbBlk / 2
		if mode&ModeLogicalDual != 0 {
			pebBase = int(half)
			geo.StartOffset += uint64(half) * uint64(geo.EraseSize)
		}
		geo.NbBlk = half
		geo.Size = uint64(half) * uint64(geo.EraseSize)
	}

	d := &Descriptor{
		backend:  backend,
		partNum:  partNum,
		mode:     mode,
		Geometry: geo,
		pebBase:  pebBase,
		scratch:  make([]byte, geo.EraseSize),
	}

	registryMu.Lock()
	h := nextHandle
	nextHandle++
	registry[h] = d
	registryMu.Unlock()

	log.WithFields(log.Fields{"partition": partNum, "handle": h}).
		Debug("flash: opened partition")
	return h, geo, nil
}

func validateGeometry(geo Geometry) error {
	if geo.EraseSize == 0 || geo.WriteSize == 0 || geo.NbBlk == 0 {
		return status.New(status.FormatError, "flash: zero-sized geometry field")
	}
	if geo.EraseSize%geo.WriteSize != 0 {
		return status.New(status.FormatError, "flash: writeSize does not divide eraseSize")
	}
	if geo.Size != uint64(geo.NbBlk)*uint64(geo.EraseSize) {
		return status.New(status.FormatError, "flash: size != nbBlk * eraseSize")
	}
	return nil
}

// Info returns a partition's geometry without opening it.
func Info(backend Backend, partNum int) (Geometry, error) {
	geo, err := backend.Info(partNum)
	if err != nil {
		return Geometry{}, status.Wrapf(status.Unsupported, err, "flash: info partition %d", partNum)
	}
	return geo, nil
}

// Close releases the handle's registry entry and closes the backend.
func Close(h Handle) error {
	d, err := get(h)
	if err != nil {
		return err
	}
	registryMu.Lock()
	delete(registry, h)
	registryMu.Unlock()
	if err := d.backend.Close(d.partNum); err != nil {
		return status.Wrap(status.IOError, err, "flash: close")
	}
	return nil
}

func get(h Handle) (*Descriptor, error) {
	registryMu.Lock()
	d, ok := registry[h]
	registryMu.Unlock()
	if !ok {
		return nil, status.New(status.BadParameter, "flash: invalid or closed handle")
	}
	return d, nil
}

// DescriptorFor exposes the underlying Descriptor to sibling packages
// within this module (ubi) that need direct field access -- geometry,
// backend, LEB count -- without duplicating the registry lookup.
func DescriptorFor(h Handle) (*Descriptor, error) {
	return get(h)
}

// NbBlk returns the number of erase blocks this descriptor's geometry has,
// the authoritative upper bound for any PEB index.
func (d *Descriptor) NbBlk() uint32 { return d.Geometry.NbBlk }

// NbLeb returns the number of good blocks found by the last Scan.
func (d *Descriptor) NbLeb() uint32 { return d.nbLeb }

// ScanDone reports whether blockIndex arguments are currently interpreted
// as LEBs (true) or PEBs (false).
func (d *Descriptor) ScanDone() bool { return d.scanDone }

// LebToPeb returns the PEB mapped to leb, or InvalidPEB.
func (d *Descriptor) LebToPeb(leb int) int32 {
	if !d.scanDone || leb < 0 || leb >= len(d.lebToPeb) {
		return InvalidPEB
	}
	return d.lebToPeb[leb]
}

// PartNum returns the partition index this descriptor was opened for.
func (d *Descriptor) PartNum() int { return d.partNum }

// Mode returns the mode this descriptor was opened with.
func (d *Descriptor) Mode() Mode { return d.mode }

// Backend exposes the injected backend so sibling packages (ubi) can
// perform the raw PEB-addressed I/O that underlies higher-level LEB
// operations without re-deriving it from the registry on every call.
func (d *Descriptor) Backend() Backend { return d.backend }
