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

// Seek positions the read/write cursor at an absolute byte offset within
// the current block. SeekBlock must have been called at least once before;
// Seek alone does not select a block.
func Seek(h Handle, offset int) error {
	d, err := get(h)
	if err != nil {
		return err
	}
	if offset < 0 || uint32(offset) > d.Geometry.EraseSize {
		return status.New(status.BadParameter, "flash: seek offset out of range")
	}
	d.curOffset = offset
	d.positioned = true
	return nil
}

// SeekBlock positions the cursor at the start of blockIndex, which is a
// LEB if the descriptor has been scanned, a PEB otherwise.
func SeekBlock(h Handle, blockIndex int) error {
	d, err := get(h)
	if err != nil {
		return err
	}
	if _, err := d.resolvePeb(blockIndex); err != nil {
		return err
	}
	d.curBlock = blockIndex
	d.curOffset = 0
	d.positioned = true
	return nil
}

// Read fills buf from the current cursor position and advances the
// cursor. len(buf) must be <= EraseSize. A seek (SeekBlock, at least)
// must have positioned the cursor first.
func Read(h Handle, buf []byte) (int, error) {
	d, err := get(h)
	if err != nil {
		return 0, err
	}
	if !d.positioned {
		return 0, status.New(status.BadParameter, "flash: read without prior seek")
	}
	if uint32(len(buf)) > d.Geometry.EraseSize {
		return 0, status.New(status.BadParameter, "flash: read larger than one erase block")
	}
	peb, err := d.resolvePeb(d.curBlock)
	if err != nil {
		return 0, err
	}
	n, err := d.backend.ReadAt(d.partNum, peb, d.curOffset, buf)
	if err != nil {
		return n, status.Wrapf(status.IOError, err, "flash: read PEB %d", peb)
	}
	d.curOffset += n
	return n, nil
}

// Write writes buf at the current cursor position and advances the
// cursor. len(buf) must be <= EraseSize; writes must start WriteSize
// aligned. A trailing partial WriteSize chunk is padded with 0xFF before
// being sent to the backend, but only the requested bytes are reported as
// written.
func Write(h Handle, buf []byte) (int, error) {
	d, err := get(h)
	if err != nil {
		return 0, err
	}
	if !d.positioned {
		return 0, status.New(status.BadParameter, "flash: write without prior seek")
	}
	if uint32(len(buf)) > d.Geometry.EraseSize {
		return 0, status.New(status.BadParameter, "flash: write larger than one erase block")
	}
	ws := int(d.Geometry.WriteSize)
	if d.curOffset%ws != 0 {
		return 0, status.New(status.BadParameter, "flash: write not writeSize-aligned")
	}
	peb, err := d.resolvePeb(d.curBlock)
	if err != nil {
		return 0, err
	}

	padded := buf
	if len(buf)%ws != 0 {
		padLen := ws - (len(buf) % ws)
		padded = d.scratch[:len(buf)+padLen]
		copy(padded, buf)
		for i := len(buf); i < len(padded); i++ {
			padded[i] = 0xFF
		}
	}

	n, err := d.backend.WriteAt(d.partNum, peb, d.curOffset, padded)
	if err != nil {
		return 0, status.Wrapf(status.IOError, err, "flash: write PEB %d", peb)
	}
	written := n
	if written > len(buf) {
		written = len(buf)
	}
	d.curOffset += n
	return written, nil
}

// Erase erases blockIndex (LEB or PEB depending on scan state). If the
// underlying erase fails and the descriptor was opened with ModeMarkBad,
// the PEB is marked bad, the descriptor is rescanned (invalidating every
// LEB held by the caller), and Erase still returns status.IOError so the
// caller retries against the new mapping.
func Erase(h Handle, blockIndex int) error {
	d, err := get(h)
	if err != nil {
		return err
	}
	peb, err := d.resolvePeb(blockIndex)
	if err != nil {
		return err
	}
	if eraseErr := d.backend.Erase(d.partNum, peb); eraseErr != nil {
		if d.mode&ModeMarkBad != 0 {
			log.WithFields(log.Fields{"partition": d.partNum, "peb": peb}).
				Warn("flash: erase failed, marking block bad")
			if markErr := d.backend.MarkBadBlock(d.partNum, peb); markErr != nil {
				return status.Wrapf(status.IOError, markErr, "flash: mark PEB %d bad", peb)
			}
			if d.scanDone {
				if rsErr := Rescan(h); rsErr != nil {
					return rsErr
				}
			}
		}
		return status.Wrapf(status.IOError, eraseErr, "flash: erase PEB %d", peb)
	}
	return nil
}

// CheckBadBlock reports whether blockIndex's underlying PEB is marked bad.
func CheckBadBlock(h Handle, blockIndex int) (bool, error) {
	d, err := get(h)
	if err != nil {
		return false, err
	}
	peb, err := d.resolvePeb(blockIndex)
	if err != nil {
		return false, err
	}
	bad, err := d.backend.IsBadBlock(d.partNum, peb)
	if err != nil {
		return false, status.Wrapf(status.IOError, err, "flash: check PEB %d", peb)
	}
	return bad, nil
}

// MarkBadBlock marks blockIndex's underlying PEB bad. Only the erase path
// auto-marks; this entry point is for explicit callers (e.g. UBI VID
// header corruption) that decide to condemn a PEB outside of an erase
// failure.
func MarkBadBlock(h Handle, blockIndex int) error {
	d, err := get(h)
	if err != nil {
		return err
	}
	peb, err := d.resolvePeb(blockIndex)
	if err != nil {
		return err
	}
	if err := d.backend.MarkBadBlock(d.partNum, peb); err != nil {
		return status.Wrapf(status.IOError, err, "flash: mark PEB %d bad", peb)
	}
	return nil
}

// GetEccStats returns the partition's cumulative ECC counters.
func GetEccStats(h Handle) (EccStats, error) {
	d, err := get(h)
	if err != nil {
		return EccStats{}, err
	}
	stats, err := d.backend.EccStats(d.partNum)
	if err != nil {
		return EccStats{}, status.Wrap(status.IOError, err, "flash: ecc stats")
	}
	return stats, nil
}
