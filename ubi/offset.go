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

// This file implements the offset-UBI primitive: translating a logical
// PEB + byte offset into one or two physical flash LEBs, splitting reads,
// writes and erases at the physical boundary when the container starts at
// a non-zero byte offset within its first physical block.
package ubi

import (
	"github.com/northern-embedded/swifota/flash"
)

// rawReadAt reads from physical LEB lp at byte offset off.
func (c *Container) rawReadAt(lp, off int, buf []byte) error {
	if err := flash.SeekBlock(c.h, lp); err != nil {
		return err
	}
	if err := flash.Seek(c.h, off); err != nil {
		return err
	}
	_, err := flash.Read(c.h, buf)
	return err
}

// rawWriteAt writes to physical LEB lp at byte offset off.
func (c *Container) rawWriteAt(lp, off int, buf []byte) error {
	if err := flash.SeekBlock(c.h, lp); err != nil {
		return err
	}
	if err := flash.Seek(c.h, off); err != nil {
		return err
	}
	_, err := flash.Write(c.h, buf)
	return err
}

// physPeb returns the physical LEB a logical PEB begins in.
func (c *Container) physPeb(logicalPeb int) int {
	return c.basePeb + logicalPeb
}

// readAt reads len(buf) bytes from logical PEB lp at byte offset off,
// splitting the read across two physical LEBs when the container is
// offset within its physical blocks.
func (c *Container) readAt(lp, off int, buf []byte) error {
	if c.offsetInPeb == 0 {
		return c.rawReadAt(c.physPeb(lp), off, buf)
	}
	lo := c.physPeb(lp)
	hi := lo + 1
	avail := int(c.eraseSize - c.offsetInPeb)
	switch {
	case off+len(buf) <= avail:
		return c.rawReadAt(lo, int(c.offsetInPeb)+off, buf)
	case off >= avail:
		return c.rawReadAt(hi, off-avail, buf)
	default:
		first := avail - off
		if err := c.rawReadAt(lo, int(c.offsetInPeb)+off, buf[:first]); err != nil {
			return err
		}
		return c.rawReadAt(hi, 0, buf[first:])
	}
}

// writeAt writes buf to logical PEB lp at byte offset off, splitting
// across two physical LEBs as readAt does.
func (c *Container) writeAt(lp, off int, buf []byte) error {
	if c.offsetInPeb == 0 {
		return c.rawWriteAt(c.physPeb(lp), off, buf)
	}
	lo := c.physPeb(lp)
	hi := lo + 1
	avail := int(c.eraseSize - c.offsetInPeb)
	switch {
	case off+len(buf) <= avail:
		return c.rawWriteAt(lo, int(c.offsetInPeb)+off, buf)
	case off >= avail:
		return c.rawWriteAt(hi, off-avail, buf)
	default:
		first := avail - off
		if err := c.rawWriteAt(lo, int(c.offsetInPeb)+off, buf[:first]); err != nil {
			return err
		}
		return c.rawWriteAt(hi, 0, buf[first:])
	}
}

// eraseLogical erases logical PEB lp. When the container is offset within
// its physical blocks, a logical erase can never be a raw physical erase
// (it would destroy the neighboring logical PEB's data too), so it is
// implemented as a read-modify-write on each half: read the full physical
// LEB, blank out only the bytes belonging to this logical PEB, erase the
// physical LEB, and write the result back.
func (c *Container) eraseLogical(lp int) error {
	if c.offsetInPeb == 0 {
		return flash.Erase(c.h, c.physPeb(lp))
	}

	lo := c.physPeb(lp)
	hi := lo + 1

	loBuf := make([]byte, c.eraseSize)
	if err := c.rawReadAt(lo, 0, loBuf); err != nil {
		return err
	}
	for i := int(c.offsetInPeb); i < len(loBuf); i++ {
		loBuf[i] = 0xFF
	}
	if err := flash.Erase(c.h, lo); err != nil {
		return err
	}
	if err := c.rawWriteAt(lo, 0, loBuf); err != nil {
		return err
	}

	hiBuf := make([]byte, c.eraseSize)
	if err := c.rawReadAt(hi, 0, hiBuf); err != nil {
		return err
	}
	for i := 0; i < int(c.offsetInPeb); i++ {
		hiBuf[i] = 0xFF
	}
	if err := flash.Erase(c.h, hi); err != nil {
		return err
	}
	return c.rawWriteAt(hi, 0, hiBuf)
}
