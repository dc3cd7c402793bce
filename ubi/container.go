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

	"github.com/northern-embedded/swifota/flash"
	"github.com/northern-embedded/swifota/status"
)

type vidAssign struct {
	VolID uint32
	Lnum  uint32
}

// Container is a scanned or freshly created UBI image living on a flash
// descriptor that has already been scanned (flash.Scan) so that block
// indices are LEB-addressed and bad blocks are transparently skipped.
//
// Container supports both whole-partition UBI (offsetInPeb == 0, basePeb
// == 0) and the offset-UBI variant, where the image starts at an arbitrary
// byte offset inside a physical partition and logical PEBs straddle
// physical ones (see offset.go).
type Container struct {
	h           flash.Handle
	basePeb     int
	offsetInPeb uint32
	count       int
	eraseSize   uint32
	writeSize   uint32
	vidHdrOff   uint32
	dataOff     uint32
	imageSeq    uint32

	vtblPebs [2]int
	vtbl     [MaxVolumes]VTBLRecord

	ec     map[int]ECHeader
	assign map[int]vidAssign
	free   map[int]bool
}

// basePebFor derives the container's base PEB and intra-PEB offset from an
// absolute byte offset and an erase size.
func basePebFor(absOffset uint64, eraseSize uint32) (basePeb int, offsetInPeb uint32) {
	return int(absOffset / uint64(eraseSize)), uint32(absOffset % uint64(eraseSize))
}

func newContainer(h flash.Handle, d *flash.Descriptor, absOffset uint64) *Container {
	basePeb, offsetInPeb := basePebFor(absOffset, d.Geometry.EraseSize)
	nbLeb := int(d.NbLeb())
	count := nbLeb - basePeb
	if offsetInPeb != 0 {
		count-- // last physical LEB cannot supply a full logical PEB
	}
	return &Container{
		h:           h,
		basePeb:     basePeb,
		offsetInPeb: offsetInPeb,
		count:       count,
		eraseSize:   d.Geometry.EraseSize,
		writeSize:   d.Geometry.WriteSize,
		vidHdrOff:   d.Geometry.WriteSize,
		dataOff:     2 * d.Geometry.WriteSize,
		ec:          map[int]ECHeader{},
		assign:      map[int]vidAssign{},
		free:        map[int]bool{},
	}
}

// FreeCount returns the number of logical PEBs currently unassigned
// (erased or free-candidate).
func (c *Container) FreeCount() int {
	n := 0
	for _, f := range c.free {
		if f {
			n++
		}
	}
	return n
}

// Create formats a fresh UBI container spanning the descriptor (or, for
// offset-UBI, the region starting at absOffset) with an empty volume
// table replicated across the first two logical PEBs.
func Create(h flash.Handle, absOffset uint64) (*Container, error) {
	d, err := flash.DescriptorFor(h)
	if err != nil {
		return nil, err
	}
	if !d.ScanDone() {
		return nil, status.New(status.BadParameter, "ubi: flash descriptor must be scanned first")
	}
	c := newContainer(h, d, absOffset)
	if c.count < 4 {
		return nil, status.New(status.OutOfRange, "ubi: partition too small for a UBI container")
	}
	c.imageSeq = ImageSeqBase

	for lp := 0; lp < c.count; lp++ {
		ecHdr, err := c.readEC(lp)
		if err != nil {
			ecHdr = ECHeader{EraseCount: 0}
			if err := c.eraseLogical(lp); err != nil {
				return nil, err
			}
		} else {
			ecHdr.BumpEraseCounter()
		}
		ecHdr.VidHdrOffset = c.vidHdrOff
		ecHdr.DataOffset = c.dataOff
		ecHdr.ImageSeq = c.imageSeq
		if err := c.writeEC(lp, ecHdr); err != nil {
			return nil, err
		}
		c.ec[lp] = ecHdr
		c.free[lp] = true
	}

	c.vtblPebs = [2]int{0, 1}
	c.vtbl = emptyVTBL()
	for _, lp := range c.vtblPebs {
		vid := NewVIDHeader(VolDynamic, LayoutVolID, uint32(lp))
		if err := c.writeVID(lp, vid); err != nil {
			return nil, err
		}
		if err := c.writeVTBLTable(lp); err != nil {
			return nil, err
		}
		delete(c.free, lp)
		c.assign[lp] = vidAssign{VolID: LayoutVolID, Lnum: uint32(lp)}
	}

	log.WithFields(log.Fields{"basePeb": c.basePeb, "logicalPebs": c.count}).
		Info("ubi: created container")
	return c, nil
}

// Open scans an existing UBI container, locating the volume table and
// building the logical-PEB assignment map used by ScanVolume et al.
func Open(h flash.Handle, absOffset uint64) (*Container, error) {
	d, err := flash.DescriptorFor(h)
	if err != nil {
		return nil, err
	}
	if !d.ScanDone() {
		return nil, status.New(status.BadParameter, "ubi: flash descriptor must be scanned first")
	}
	c := newContainer(h, d, absOffset)

	var vtblPebs []int
	for lp := 0; lp < c.count; lp++ {
		ecHdr, err := c.readEC(lp)
		if err != nil {
			if status.CodeOf(err) == status.FormatError {
				c.free[lp] = true
				continue
			}
			return nil, err
		}
		c.ec[lp] = ecHdr
		c.imageSeq = ecHdr.ImageSeq

		vid, err := c.readVID(lp)
		if err != nil {
			if status.CodeOf(err) == status.FormatError {
				c.free[lp] = true
				continue
			}
			log.WithField("peb", lp).Warn("ubi: corrupt VID header, treating PEB as free")
			c.free[lp] = true
			continue
		}
		if vid.VolID == LayoutVolID {
			vtblPebs = append(vtblPebs, lp)
			continue
		}
		c.assign[lp] = vidAssign{VolID: vid.VolID, Lnum: vid.Lnum}
	}

	if len(vtblPebs) == 0 {
		return nil, status.New(status.FormatError, "ubi: no volume table found")
	}
	c.vtblPebs[0] = vtblPebs[0]
	if len(vtblPebs) > 1 {
		c.vtblPebs[1] = vtblPebs[1]
	} else {
		c.vtblPebs[1] = vtblPebs[0]
	}

	table, err := c.readVTBLTable(c.vtblPebs[0])
	if err != nil {
		if len(vtblPebs) > 1 {
			table, err = c.readVTBLTable(c.vtblPebs[1])
		}
		if err != nil {
			return nil, status.Wrap(status.FormatError, err, "ubi: both VTBL copies unreadable")
		}
	}
	c.vtbl = table

	log.WithFields(log.Fields{"basePeb": c.basePeb, "volumes": c.activeVolumeCount()}).
		Debug("ubi: opened container")
	return c, nil
}

func (c *Container) activeVolumeCount() int {
	n := 0
	for _, r := range c.vtbl {
		if !r.erasedEntry() {
			n++
		}
	}
	return n
}

// VolumeInfo summarizes one active VTBL record, for callers (such as the
// scan command) that want to list a container's volumes without scanning
// each one's full LEB->PEB map.
type VolumeInfo struct {
	ID           uint32
	Name         string
	Type         VolType
	ReservedPebs uint32
}

// Volumes lists every active volume in the table, ordered by ID.
func (c *Container) Volumes() []VolumeInfo {
	var out []VolumeInfo
	for id, r := range c.vtbl {
		if r.erasedEntry() {
			continue
		}
		out = append(out, VolumeInfo{ID: uint32(id), Name: r.Name, Type: r.VolType, ReservedPebs: r.ReservedPebs})
	}
	return out
}

// persistVTBL rewrites both VTBL PEBs with the current in-memory table: a
// mutating operation always rewrites both copies, so a single corrupted
// copy is repaired on the next mutation.
func (c *Container) persistVTBL() error {
	for _, lp := range c.vtblPebs {
		if err := c.writeVTBLTable(lp); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) readEC(lp int) (ECHeader, error) {
	buf := make([]byte, ECHeaderSize)
	if err := c.readAt(lp, 0, buf); err != nil {
		return ECHeader{}, err
	}
	return DecodeECHeader(buf)
}

func (c *Container) writeEC(lp int, h ECHeader) error {
	return c.writeAt(lp, 0, EncodeECHeader(h))
}

func (c *Container) readVID(lp int) (VIDHeader, error) {
	buf := make([]byte, VIDHeaderSize)
	if err := c.readAt(lp, int(c.vidHdrOff), buf); err != nil {
		return VIDHeader{}, err
	}
	return DecodeVIDHeader(buf)
}

func (c *Container) writeVID(lp int, h VIDHeader) error {
	return c.writeAt(lp, int(c.vidHdrOff), EncodeVIDHeader(h))
}

func (c *Container) readVTBLTable(lp int) ([MaxVolumes]VTBLRecord, error) {
	var table [MaxVolumes]VTBLRecord
	buf := make([]byte, VTBLRecordSize*MaxVolumes)
	if err := c.readAt(lp, int(c.dataOff), buf); err != nil {
		return table, err
	}
	for i := 0; i < MaxVolumes; i++ {
		rec, err := decodeVTBLRecord(buf[i*VTBLRecordSize : (i+1)*VTBLRecordSize])
		if err != nil {
			return table, err
		}
		table[i] = rec
	}
	return table, nil
}

func (c *Container) writeVTBLTable(lp int) error {
	buf := make([]byte, 0, VTBLRecordSize*MaxVolumes)
	for _, r := range c.vtbl {
		buf = append(buf, encodeVTBLRecord(r)...)
	}
	return c.writeAt(lp, int(c.dataOff), buf)
}
