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

// Package flashtest implements flash.Backend entirely in memory, for the
// engine's own test suite: a deterministic backend, driven by a bad-block
// bitmask and per-PEB error injection, exercising the round-trip and
// bad-block-tolerance properties without real hardware.
package flashtest

import (
	"bytes"
	"errors"
	"sync"

	"github.com/northern-embedded/swifota/flash"
)

type partition struct {
	geo          flash.Geometry
	pebs         [][]byte
	bad          []bool
	failErase    map[int]int // PEB -> remaining injected failures
	failRead     map[int]int
	eccCorrected uint32
	eccFailed    uint32
	opened       bool
}

// Backend is a deterministic in-memory NAND simulator, one or more
// partitions wide. Bad blocks are supplied as a bitmask (bit i set == PEB
// i starts out bad).
type Backend struct {
	mu    sync.Mutex
	parts map[int]*partition
}

// New returns an empty Backend with no partitions registered.
func New() *Backend {
	return &Backend{parts: map[int]*partition{}}
}

// AddPartition registers partNum with geo and an initial bad-block mask.
// Every PEB starts erased (all 0xFF).
func (b *Backend) AddPartition(partNum int, geo flash.Geometry, badMask uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nb := int(geo.NbBlk)
	pebs := make([][]byte, nb)
	bad := make([]bool, nb)
	for i := 0; i < nb; i++ {
		pebs[i] = bytes.Repeat([]byte{0xFF}, int(geo.EraseSize))
		if badMask&(uint64(1)<<uint(i)) != 0 {
			bad[i] = true
		}
	}
	b.parts[partNum] = &partition{
		geo:       geo,
		pebs:      pebs,
		bad:       bad,
		failErase: map[int]int{},
		failRead:  map[int]int{},
	}
}

// InjectEraseFailure makes the next n Erase calls against PEB peb of
// partNum fail with an IO error without modifying flash contents,
// simulating a flaky erase that a real NAND might surface.
func (b *Backend) InjectEraseFailure(partNum, peb, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts[partNum].failErase[peb] = n
}

// InjectReadFailure is the read-side counterpart of InjectEraseFailure.
func (b *Backend) InjectReadFailure(partNum, peb, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts[partNum].failRead[peb] = n
}

// PebBytes returns a copy of PEB peb's raw contents, for test assertions.
func (b *Backend) PebBytes(partNum, peb int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.parts[partNum]
	out := make([]byte, len(p.pebs[peb]))
	copy(out, p.pebs[peb])
	return out
}

// CorruptPeb overwrites a byte range of PEB peb, simulating flash bit-rot
// or a torn write, without going through the normal write path.
func (b *Backend) CorruptPeb(partNum, peb, offset int, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.parts[partNum].pebs[peb][offset:], data)
}

func (b *Backend) part(partNum int) (*partition, error) {
	p, ok := b.parts[partNum]
	if !ok {
		return nil, errors.New("flashtest: unknown partition")
	}
	return p, nil
}

func (b *Backend) Info(partNum int) (flash.Geometry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return flash.Geometry{}, err
	}
	return p.geo, nil
}

func (b *Backend) Open(partNum int) (flash.Geometry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return flash.Geometry{}, err
	}
	p.opened = true
	return p.geo, nil
}

func (b *Backend) Close(partNum int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return err
	}
	p.opened = false
	return nil
}

func (b *Backend) ReadAt(partNum, peb, offset int, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return 0, err
	}
	if remaining, ok := p.failRead[peb]; ok && remaining > 0 {
		p.failRead[peb] = remaining - 1
		return 0, errors.New("flashtest: injected read failure")
	}
	if offset+len(buf) > len(p.pebs[peb]) {
		return 0, errors.New("flashtest: read out of bounds")
	}
	n := copy(buf, p.pebs[peb][offset:offset+len(buf)])
	return n, nil
}

func (b *Backend) WriteAt(partNum, peb, offset int, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return 0, err
	}
	if offset+len(buf) > len(p.pebs[peb]) {
		return 0, errors.New("flashtest: write out of bounds")
	}
	n := copy(p.pebs[peb][offset:offset+len(buf)], buf)
	return n, nil
}

func (b *Backend) Erase(partNum, peb int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return err
	}
	if remaining, ok := p.failErase[peb]; ok && remaining > 0 {
		p.failErase[peb] = remaining - 1
		return errors.New("flashtest: injected erase failure")
	}
	for i := range p.pebs[peb] {
		p.pebs[peb][i] = 0xFF
	}
	return nil
}

func (b *Backend) IsBadBlock(partNum, peb int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return false, err
	}
	return p.bad[peb], nil
}

func (b *Backend) MarkBadBlock(partNum, peb int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return err
	}
	p.bad[peb] = true
	p.eccFailed++
	return nil
}

func (b *Backend) EccStats(partNum int) (flash.EccStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.part(partNum)
	if err != nil {
		return flash.EccStats{}, err
	}
	var bad uint32
	for _, v := range p.bad {
		if v {
			bad++
		}
	}
	return flash.EccStats{Corrected: p.eccCorrected, Failed: p.eccFailed, BadBlocks: bad}, nil
}
