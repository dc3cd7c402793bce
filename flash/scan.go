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
	log "github.com/sirupsen/logrus"

	"github.com/northern-embedded/swifota/status"
)

// Scan enumerates PEBs 0..NbBlk-1, skipping bad ones, and builds the
// LEB->PEB table. After Scan succeeds, blockIndex arguments to
// Read/Write/Erase/SeekBlock are interpreted as LEBs. Scan is a
// prerequisite for every UBI operation.
func Scan(h Handle) error {
	d, err := get(h)
	if err != nil {
		return err
	}

	table := make([]int32, 0, d.Geometry.NbBlk)
	var bad uint32
	for peb := 0; peb < int(d.Geometry.NbBlk); peb++ {
		isBad, err := d.backend.IsBadBlock(d.partNum, d.pebBase+peb)
		if err != nil {
			return status.Wrapf(status.IOError, err, "flash: checking PEB %d", peb)
		}
		if isBad {
			bad++
			continue
		}
		table = append(table, int32(peb))
	}

	d.lebToPeb = table
	d.nbLeb = uint32(len(table))
	d.scanDone = true
	d.positioned = false

	log.WithFields(log.Fields{
		"partition": d.partNum,
		"nbLeb":     d.nbLeb,
		"badBlocks": bad,
	}).Debug("flash: scan complete")
	return nil
}

// Unscan restores PEB addressing mode and discards the LEB->PEB table.
func Unscan(h Handle) error {
	d, err := get(h)
	if err != nil {
		return err
	}
	d.lebToPeb = nil
	d.nbLeb = 0
	d.scanDone = false
	d.positioned = false
	return nil
}

// Rescan re-runs Scan after a bad block was discovered mid-session,
// invalidating the previous LEB map. Callers must treat any LEB index held
// from before the rescan as stale.
func Rescan(h Handle) error {
	if err := Unscan(h); err != nil {
		return err
	}
	return Scan(h)
}

// resolvePeb translates blockIndex (LEB if scanned, PEB otherwise) to the
// backend's physical PEB index, validating range and applying the logical
// half's rebase.
func (d *Descriptor) resolvePeb(blockIndex int) (int, error) {
	if !d.scanDone {
		if blockIndex < 0 || blockIndex >= int(d.Geometry.NbBlk) {
			return 0, status.New(status.OutOfRange, "flash: PEB index out of range")
		}
		return d.pebBase + blockIndex, nil
	}
	if blockIndex < 0 || blockIndex >= len(d.lebToPeb) {
		return 0, status.New(status.OutOfRange, "flash: LEB index out of range")
	}
	peb := d.lebToPeb[blockIndex]
	if peb == InvalidPEB {
		return 0, status.New(status.NotPermitted, "flash: LEB has no mapped PEB")
	}
	return d.pebBase + int(peb), nil
}

// GetBlock returns the next good PEB at or after fromPeb, skipping bad
// blocks. Used when writing sequentially in raw (pre-scan) PEB mode, e.g.
// while formatting a fresh UBI container.
func GetBlock(h Handle, fromPeb int) (int, error) {
	d, err := get(h)
	if err != nil {
		return 0, err
	}
	for peb := fromPeb; peb < int(d.Geometry.NbBlk); peb++ {
		bad, err := d.backend.IsBadBlock(d.partNum, d.pebBase+peb)
		if err != nil {
			return 0, status.Wrapf(status.IOError, err, "flash: checking PEB %d", peb)
		}
		if !bad {
			return peb, nil
		}
	}
	return 0, status.New(status.OutOfRange, "flash: no more good blocks")
}
