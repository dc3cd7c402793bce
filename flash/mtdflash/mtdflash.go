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

// Package mtdflash implements flash.Backend over real Linux MTD character
// devices (/dev/mtdN), using the MEMGETINFO/MEMERASE64/MEMGETBADBLOCK/
// MEMSETBADBLOCK ioctls for geometry, erasing and bad-block handling, and
// sysfs for ECC statistics and UBI device presence.
package mtdflash

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/ungerik/go-sysfs"
	"golang.org/x/sys/unix"

	"github.com/northern-embedded/swifota/flash"
)

// ioctl request codes for the MTD character device, from <mtd/mtd-abi.h>.
// They are not in golang.org/x/sys/unix, so they are encoded here as
// numeric constants, each with a comment recording its _IOx() derivation.
const (
	memGetInfo      = 0x80204d01 // _IOR('M', 1, struct mtd_info_user)
	memErase64      = 0x40104d14 // _IOW('M', 20, struct erase_info_user64)
	memGetBadBlock  = 0x40084d0b // _IOW('M', 11, __u64)
	memSetBadBlock  = 0x40084d0c // _IOW('M', 12, __u64)
)

// mtdInfoUser mirrors struct mtd_info_user from <mtd/mtd-abi.h>.
type mtdInfoUser struct {
	Type      uint8
	Flags     uint32
	Size      uint32
	EraseSize uint32
	WriteSize uint32
	OobSize   uint32
	_         uint64 // padding reserved for future use in the kernel struct
}

// eraseInfoUser64 mirrors struct erase_info_user64.
type eraseInfoUser64 struct {
	Start  uint64
	Length uint64
}

// ioctl issues a pointer-argument ioctl via unix.Syscall with the
// argument passed as a raw pointer value rather than through IoctlSetInt,
// since the MTD ioctls here take struct/uint64 pointers, not plain ints.
func ioctl(fd uintptr, request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

type node struct {
	mu   sync.Mutex
	file *os.File
	geo  flash.Geometry
}

// Backend opens MTD character devices named by a partition-number ->
// device-path table, supplied at construction (the real partition table is
// loaded by the conf package and handed to New).
type Backend struct {
	mu      sync.Mutex
	devices map[int]string // partNum -> /dev/mtdN
	open    map[int]*node
}

// New builds a Backend over the given partition number -> MTD device path
// table.
func New(devices map[int]string) *Backend {
	return &Backend{
		devices: devices,
		open:    map[int]*node{},
	}
}

func (b *Backend) devicePath(partNum int) (string, error) {
	p, ok := b.devices[partNum]
	if !ok {
		return "", errors.Errorf("mtdflash: no device configured for partition %d", partNum)
	}
	return p, nil
}

// Info reads geometry without keeping the device open.
func (b *Backend) Info(partNum int) (flash.Geometry, error) {
	path, err := b.devicePath(partNum)
	if err != nil {
		return flash.Geometry{}, err
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return flash.Geometry{}, errors.Wrapf(err, "mtdflash: open %s", path)
	}
	defer f.Close()
	return readGeometry(f, path)
}

func readGeometry(f *os.File, path string) (flash.Geometry, error) {
	var info mtdInfoUser
	if err := ioctl(f.Fd(), memGetInfo, unsafe.Pointer(&info)); err != nil {
		return flash.Geometry{}, errors.Wrapf(err, "mtdflash: MEMGETINFO %s", path)
	}
	return flash.Geometry{
		Size:      uint64(info.Size),
		WriteSize: info.WriteSize,
		EraseSize: info.EraseSize,
		NbBlk:     info.Size / info.EraseSize,
		Name:      path,
	}, nil
}

// Open opens the MTD character device for read/write and caches its
// geometry for subsequent ReadAt/WriteAt/Erase calls.
func (b *Backend) Open(partNum int) (flash.Geometry, error) {
	path, err := b.devicePath(partNum)
	if err != nil {
		return flash.Geometry{}, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return flash.Geometry{}, errors.Wrapf(err, "mtdflash: open %s", path)
	}
	geo, err := readGeometry(f, path)
	if err != nil {
		f.Close()
		return flash.Geometry{}, err
	}

	b.mu.Lock()
	b.open[partNum] = &node{file: f, geo: geo}
	b.mu.Unlock()
	return geo, nil
}

func (b *Backend) get(partNum int) (*node, error) {
	b.mu.Lock()
	n, ok := b.open[partNum]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("mtdflash: partition %d not open", partNum)
	}
	return n, nil
}

func (b *Backend) Close(partNum int) error {
	b.mu.Lock()
	n, ok := b.open[partNum]
	if ok {
		delete(b.open, partNum)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return n.file.Close()
}

func (b *Backend) ReadAt(partNum, peb, offset int, buf []byte) (int, error) {
	n, err := b.get(partNum)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	pos := int64(peb)*int64(n.geo.EraseSize) + int64(offset)
	return n.file.ReadAt(buf, pos)
}

func (b *Backend) WriteAt(partNum, peb, offset int, buf []byte) (int, error) {
	n, err := b.get(partNum)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	pos := int64(peb)*int64(n.geo.EraseSize) + int64(offset)
	return n.file.WriteAt(buf, pos)
}

func (b *Backend) Erase(partNum, peb int) error {
	n, err := b.get(partNum)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	ei := eraseInfoUser64{
		Start:  uint64(peb) * uint64(n.geo.EraseSize),
		Length: uint64(n.geo.EraseSize),
	}
	if err := ioctl(n.file.Fd(), memErase64, unsafe.Pointer(&ei)); err != nil {
		return errors.Wrapf(err, "mtdflash: MEMERASE64 peb %d", peb)
	}
	return nil
}

func (b *Backend) IsBadBlock(partNum, peb int) (bool, error) {
	n, err := b.get(partNum)
	if err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	offset := uint64(peb) * uint64(n.geo.EraseSize)
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, n.file.Fd(), memGetBadBlock,
		uintptr(unsafe.Pointer(&offset)))
	if errno != 0 {
		return false, errno
	}
	return ret != 0, nil
}

func (b *Backend) MarkBadBlock(partNum, peb int) error {
	n, err := b.get(partNum)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	offset := uint64(peb) * uint64(n.geo.EraseSize)
	if err := ioctl(n.file.Fd(), memSetBadBlock, unsafe.Pointer(&offset)); err != nil {
		return errors.Wrapf(err, "mtdflash: MEMSETBADBLOCK peb %d", peb)
	}
	return nil
}

// EccStats reads the corrected/uncorrectable ECC counters from sysfs.
func (b *Backend) EccStats(partNum int) (flash.EccStats, error) {
	n, err := b.get(partNum)
	if err != nil {
		return flash.EccStats{}, err
	}
	name := fmt.Sprintf("mtd%d", partNum)
	corrected := sysfs.Class.Object("mtd").SubObject(name).Attribute("ecc_stats/corrected")
	failed := sysfs.Class.Object("mtd").SubObject(name).Attribute("ecc_stats/failed")

	var stats flash.EccStats
	if corrected.Exists() {
		if v, err := corrected.ReadUint64(); err == nil {
			stats.Corrected = uint32(v)
		}
	}
	if failed.Exists() {
		if v, err := failed.ReadUint64(); err == nil {
			stats.Failed = uint32(v)
		}
	}
	_ = n
	return stats, nil
}

// DeviceForUbi reports whether a named UBI device is registered with the
// kernel, via the "ubi" sysfs class.
func DeviceForUbi(ubiDeviceName string) bool {
	return sysfs.Class.Object("ubi").SubObject(ubiDeviceName).Exists()
}
