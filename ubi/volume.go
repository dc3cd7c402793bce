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
	log "github.com/sirupsen/logrus"

	"github.com/northern-embedded/swifota/status"
)

// Volume is a single UBI volume within a Container: its VTBL record index
// doubles as its volume ID (the real UBI convention), plus the LEB->PEB
// map built by CreateVolume or ScanVolume.
type Volume struct {
	c            *Container
	id           uint32
	name         string
	volType      VolType
	reservedPebs uint32
	lebToPeb     map[uint32]int
}

func (v *Volume) ID() uint32      { return v.id }
func (v *Volume) Name() string    { return v.name }
func (v *Volume) Type() VolType   { return v.volType }
func (v *Volume) ReservedPebs() uint32 { return v.reservedPebs }

// usableBytes is the per-LEB payload capacity: the erase size minus the EC
// and VID headers occupying the front of every physical block.
func (c *Container) usableBytes() uint64 {
	return uint64(c.eraseSize - c.dataOff)
}

// UsableBytes exposes usableBytes to callers outside this package (the
// staging writer needs it to chunk arbitrary-length writes into LEBs).
func (c *Container) UsableBytes() uint64 {
	return c.usableBytes()
}

// GetNewBlock picks the free logical PEB with the lowest erase counter,
// breaking ties by lowest index, excluding the VTBL PEBs and anything
// currently mapped. Always picking the minimum keeps the wear spread
// across the pool bounded.
func (c *Container) GetNewBlock() (int, error) {
	best := -1
	var bestEC uint32
	for lp := 0; lp < c.count; lp++ {
		if !c.free[lp] {
			continue
		}
		var ec uint32
		if h, ok := c.ec[lp]; ok {
			ec = h.EraseCount
		}
		if best == -1 || ec < bestEC {
			best, bestEC = lp, ec
		}
	}
	if best == -1 {
		return 0, status.New(status.OutOfRange, "ubi: no free PEB available")
	}
	return best, nil
}

func (c *Container) stampFresh(lp int) (ECHeader, error) {
	ec := c.ec[lp]
	if err := c.eraseLogical(lp); err != nil {
		return ECHeader{}, err
	}
	ec.BumpEraseCounter()
	ec.VidHdrOffset = c.vidHdrOff
	ec.DataOffset = c.dataOff
	ec.ImageSeq = c.imageSeq
	if err := c.writeEC(lp, ec); err != nil {
		return ECHeader{}, err
	}
	c.ec[lp] = ec
	return ec, nil
}

// CreateVolume creates a new volume with the given id (0..MaxVolumes),
// name, type and (for dynamic volumes) size bound. Static volumes always
// start reserving a single PEB; WriteLEB grows them via extend.
func (c *Container) CreateVolume(id uint32, name string, volType VolType, size uint64) (*Volume, error) {
	if id >= MaxVolumes {
		return nil, status.New(status.BadParameter, "ubi: volume id out of range")
	}
	if !c.vtbl[id].erasedEntry() {
		return nil, status.New(status.Duplicate, "ubi: volume id already in use")
	}
	for i, r := range c.vtbl {
		if uint32(i) != id && !r.erasedEntry() && r.Name == name {
			return nil, status.New(status.Duplicate, "ubi: volume name already in use")
		}
	}

	var volPebs uint32 = 1
	if volType == VolDynamic {
		usable := c.usableBytes()
		volPebs = uint32((size + usable - 1) / usable)
		if volPebs == 0 {
			volPebs = 1
		}
	}

	need := int(volPebs) + 2*BEBLimit + 4
	if c.FreeCount() < need {
		return nil, status.New(status.OutOfRange, "ubi: not enough free PEBs for volume")
	}

	lp, err := c.GetNewBlock()
	if err != nil {
		return nil, err
	}
	if _, err := c.stampFresh(lp); err != nil {
		return nil, err
	}

	// Only a static volume gets its first LEB mapped at creation; a
	// dynamic volume's LEBs come into existence as WriteLEB touches them,
	// so the stamped PEB stays in the free pool.
	lebToPeb := map[uint32]int{}
	if volType == VolStatic {
		vid := NewVIDHeader(volType, id, 0)
		vid.UsedEbs = 1
		if err := c.writeVID(lp, vid); err != nil {
			return nil, err
		}
		delete(c.free, lp)
		c.assign[lp] = vidAssign{VolID: id, Lnum: 0}
		lebToPeb[0] = lp
	}

	c.vtbl[id] = VTBLRecord{ReservedPebs: volPebs, Alignment: 1, VolType: volType, Name: name}
	if err := c.persistVTBL(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"id": id, "name": name, "reservedPebs": volPebs}).
		Info("ubi: created volume")
	return &Volume{c: c, id: id, name: name, volType: volType, reservedPebs: volPebs,
		lebToPeb: lebToPeb}, nil
}

// CreateVolumeForce is the idempotent variant of CreateVolume: if a
// volume with id already exists, it is deleted first, so the result
// always has exactly one volume with that id and name.
func (c *Container) CreateVolumeForce(id uint32, name string, volType VolType, size uint64) (*Volume, error) {
	if !c.vtbl[id].erasedEntry() {
		if err := c.DeleteVolume(id); err != nil {
			return nil, err
		}
	}
	return c.CreateVolume(id, name, volType, size)
}

// DeleteVolume frees every LEB mapped to id and clears its VTBL record.
func (c *Container) DeleteVolume(id uint32) error {
	if id >= MaxVolumes || c.vtbl[id].erasedEntry() {
		return status.New(status.NotFound, "ubi: volume not found")
	}
	for lp, a := range c.assign {
		if a.VolID != id {
			continue
		}
		if err := c.eraseLogical(lp); err != nil {
			return err
		}
		ec := c.ec[lp]
		ec.BumpEraseCounter()
		if err := c.writeEC(lp, ec); err != nil {
			return err
		}
		c.ec[lp] = ec
		delete(c.assign, lp)
		c.free[lp] = true
	}
	c.vtbl[id] = VTBLRecord{ReservedPebs: reservedPebsErased}
	return c.persistVTBL()
}

// ScanVolume rebuilds a Volume's LEB->PEB map from the container's cached
// assignment, for a volume that already exists (e.g. after re-opening the
// container on resume).
func (c *Container) ScanVolume(id uint32) (*Volume, error) {
	if id >= MaxVolumes || c.vtbl[id].erasedEntry() {
		return nil, status.New(status.FormatError, "ubi: volume not found")
	}
	rec := c.vtbl[id]
	lebToPeb := map[uint32]int{}
	for lp, a := range c.assign {
		if a.VolID == id {
			lebToPeb[a.Lnum] = lp
		}
	}
	return &Volume{c: c, id: id, name: rec.Name, volType: rec.VolType,
		reservedPebs: rec.ReservedPebs, lebToPeb: lebToPeb}, nil
}

// WriteLEB writes data to logical block
// lnum, relocating it to a freshly allocated PEB every time (UBI never
// overwrites a live PEB in place), freeing the old PEB only after the new
// one is durably written. If lnum == ReservedPebs and extend is set, the
// volume is grown by one LEB first.
func (v *Volume) WriteLEB(lnum uint32, data []byte, extend bool) error {
	c := v.c
	if lnum > v.reservedPebs {
		return status.New(status.BadParameter, "ubi: leb beyond reserved range")
	}
	if lnum == v.reservedPebs {
		if !extend {
			return status.New(status.OutOfRange, "ubi: leb exceeds reserved pebs")
		}
		if err := v.growBy1(); err != nil {
			return err
		}
	}

	oldPeb, hadOld := v.lebToPeb[lnum]

	newPeb, err := c.GetNewBlock()
	if err != nil {
		return err
	}
	if _, err := c.stampFresh(newPeb); err != nil {
		return err
	}

	vid := NewVIDHeader(v.volType, v.id, lnum)
	if v.volType == VolStatic {
		vid.DataSize = uint32(len(data))
		vid.DataCrc = crc32Of(data)
		vid.UsedEbs = v.reservedPebs
	}
	if err := c.writeVID(newPeb, vid); err != nil {
		return err
	}
	if err := c.writeAt(newPeb, int(c.dataOff), data); err != nil {
		return err
	}
	delete(c.free, newPeb)
	c.assign[newPeb] = vidAssign{VolID: v.id, Lnum: lnum}
	v.lebToPeb[lnum] = newPeb

	if hadOld {
		delete(c.assign, oldPeb)
		if err := c.eraseLogical(oldPeb); err != nil {
			return err
		}
		ec := c.ec[oldPeb]
		ec.BumpEraseCounter()
		if err := c.writeEC(oldPeb, ec); err != nil {
			return err
		}
		c.ec[oldPeb] = ec
		c.free[oldPeb] = true
	}
	return nil
}

// growBy1 extends a volume's reserved PEB count by one LEB, updating
// every existing LEB's used_ebs if the volume is static.
func (v *Volume) growBy1() error {
	c := v.c
	newReserved := v.reservedPebs + 1
	if v.volType == VolStatic {
		for _, lp := range v.lebToPeb {
			vid, err := c.readVID(lp)
			if err != nil {
				return err
			}
			vid.UsedEbs = newReserved
			if err := c.writeVID(lp, vid); err != nil {
				return err
			}
		}
	}
	v.reservedPebs = newReserved
	c.vtbl[v.id] = VTBLRecord{ReservedPebs: newReserved, Alignment: 1, VolType: v.volType, Name: v.name}
	return c.persistVTBL()
}

// ReadLEB reads the payload area of the PEB mapped to lnum.
func (v *Volume) ReadLEB(lnum uint32, buf []byte) (int, error) {
	lp, ok := v.lebToPeb[lnum]
	if !ok {
		return 0, status.New(status.NotPermitted, "ubi: leb has no mapped peb")
	}
	if err := v.c.readAt(lp, int(v.c.dataOff), buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// ReadAt reads length bytes starting at byte offset within the volume's
// logical data area, splitting the read across LEBs as needed. It
// satisfies patch.SourceReader, letting a delta patch's "copy"/"normal"
// chunks read their origin extent directly from an already-flashed
// volume without patch needing to know anything about LEBs or PEBs.
func (v *Volume) ReadAt(offset, length uint32) ([]byte, error) {
	usable := v.c.usableBytes()
	out := make([]byte, length)
	var read uint32
	for uint64(read) < uint64(length) {
		abs := uint64(offset) + uint64(read)
		lnum := uint32(abs / usable)
		within := int(abs % usable)

		lp, ok := v.lebToPeb[lnum]
		if !ok {
			return nil, status.New(status.NotPermitted, "ubi: leb has no mapped peb")
		}
		n := int(usable) - within
		if remaining := int(length - read); n > remaining {
			n = remaining
		}
		if err := v.c.readAt(lp, int(v.c.dataOff)+within, out[read:int(read)+n]); err != nil {
			return nil, err
		}
		read += uint32(n)
	}
	return out, nil
}

// AdjustSize recomputes the reserved
// PEB count for newSize and, if shrinking, rewrites the new last LEB's
// trailing data_size (static volumes) and frees every trailing LEB.
func (v *Volume) AdjustSize(newSize uint64) error {
	c := v.c
	usable := c.usableBytes()
	newReserved := uint32((newSize + usable - 1) / usable)
	if newReserved == 0 {
		newReserved = 1
	}

	if newReserved < v.reservedPebs {
		if v.volType == VolStatic {
			lastLnum := newReserved - 1
			if lp, ok := v.lebToPeb[lastLnum]; ok {
				trailing := newSize - uint64(lastLnum)*usable
				databuf := make([]byte, trailing)
				if err := c.readAt(lp, int(c.dataOff), databuf); err != nil {
					return err
				}
				vid, err := c.readVID(lp)
				if err != nil {
					return err
				}
				vid.DataSize = uint32(trailing)
				vid.DataCrc = crc32Of(databuf)
				vid.UsedEbs = newReserved
				if err := c.writeVID(lp, vid); err != nil {
					return err
				}
			}
		}
		for lnum := newReserved; lnum < v.reservedPebs; lnum++ {
			lp, ok := v.lebToPeb[lnum]
			if !ok {
				continue
			}
			if err := c.eraseLogical(lp); err != nil {
				return err
			}
			ec := c.ec[lp]
			ec.BumpEraseCounter()
			if err := c.writeEC(lp, ec); err != nil {
				return err
			}
			c.ec[lp] = ec
			delete(c.assign, lp)
			c.free[lp] = true
			delete(v.lebToPeb, lnum)
		}
	}

	v.reservedPebs = newReserved
	c.vtbl[v.id] = VTBLRecord{ReservedPebs: newReserved, Alignment: 1, VolType: v.volType, Name: v.name}
	return c.persistVTBL()
}
