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

package flash_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/northern-embedded/swifota/flash"
	"github.com/northern-embedded/swifota/internal/flashtest"
	"github.com/northern-embedded/swifota/status"
)

func testGeometry() flash.Geometry {
	return flash.Geometry{
		Size:      16 * 4096,
		WriteSize: 512,
		EraseSize: 4096,
		NbBlk:     16,
	}
}

func TestOpenRejectsNilBackend(t *testing.T) {
	_, _, err := flash.Open(nil, 0, flash.ModeReadWrite)
	require.Equal(t, status.BadParameter, status.CodeOf(err))
}

func TestOpenValidatesGeometry(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, flash.Geometry{Size: 1, WriteSize: 512, EraseSize: 4096, NbBlk: 16}, 0)

	_, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.Equal(t, status.FormatError, status.CodeOf(err))
}

func TestScanSkipsBadBlocksAndBuildsLebMap(t *testing.T) {
	backend := flashtest.New()
	// PEBs 2 and 5 start bad.
	backend.AddPartition(0, testGeometry(), (1<<2)|(1<<5))

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	d, err := flash.DescriptorFor(h)
	require.NoError(t, err)
	require.True(t, d.ScanDone())
	require.Equal(t, uint32(14), d.NbLeb())

	// LEB 0 -> PEB 0, LEB 1 -> PEB 1, LEB 2 -> PEB 3 (PEB 2 skipped), etc.
	require.Equal(t, int32(0), d.LebToPeb(0))
	require.Equal(t, int32(1), d.LebToPeb(1))
	require.Equal(t, int32(3), d.LebToPeb(2))
}

func TestUnscanRestoresPebAddressing(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))
	require.NoError(t, flash.Unscan(h))

	d, err := flash.DescriptorFor(h)
	require.NoError(t, err)
	require.False(t, d.ScanDone())

	// Post-unscan, SeekBlock(3) addresses PEB 3 directly.
	require.NoError(t, flash.SeekBlock(h, 3))
}

func TestWriteReadRoundTripWithinBlock(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	payload := bytes.Repeat([]byte{0x42}, 300)
	require.NoError(t, flash.SeekBlock(h, 0))
	require.NoError(t, flash.Seek(h, 0))
	n, err := flash.Write(h, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.NoError(t, flash.SeekBlock(h, 0))
	require.NoError(t, flash.Seek(h, 0))
	out := make([]byte, len(payload))
	n, err = flash.Read(h, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)

	// The backend must see the unaligned tail padded to WriteSize with 0xFF.
	raw := backend.PebBytes(0, 0)
	require.Equal(t, byte(0xFF), raw[511])
}

func TestWriteRejectsUnalignedOffset(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))
	require.NoError(t, flash.SeekBlock(h, 0))
	require.NoError(t, flash.Seek(h, 13))

	_, err = flash.Write(h, []byte{1, 2, 3})
	require.Equal(t, status.BadParameter, status.CodeOf(err))
}

func TestReadWriteWithoutSeekFails(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	_, err = flash.Read(h, make([]byte, 16))
	require.Equal(t, status.BadParameter, status.CodeOf(err))

	_, err = flash.Write(h, make([]byte, 16))
	require.Equal(t, status.BadParameter, status.CodeOf(err))
}

func TestEraseFailureMarksBadAndRescansWhenModeMarkBad(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)
	backend.InjectEraseFailure(0, 4, 1)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeMarkBad)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	err = flash.Erase(h, 4)
	require.Equal(t, status.IOError, status.CodeOf(err))

	bad, err := backend.IsBadBlock(0, 4)
	require.NoError(t, err)
	require.True(t, bad)

	d, err := flash.DescriptorFor(h)
	require.NoError(t, err)
	require.Equal(t, uint32(15), d.NbLeb())
}

func TestReadFailureNeverMarksBad(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)
	backend.InjectReadFailure(0, 3, 1)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeMarkBad)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	require.NoError(t, flash.SeekBlock(h, 3))
	_, err = flash.Read(h, make([]byte, 16))
	require.Equal(t, status.IOError, status.CodeOf(err))

	// Only the erase path condemns blocks, even with ModeMarkBad set.
	bad, err := backend.IsBadBlock(0, 3)
	require.NoError(t, err)
	require.False(t, bad)
}

func TestEraseFailureWithoutMarkBadDoesNotMark(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)
	backend.InjectEraseFailure(0, 4, 1)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	err = flash.Erase(h, 4)
	require.Equal(t, status.IOError, status.CodeOf(err))

	bad, err := backend.IsBadBlock(0, 4)
	require.NoError(t, err)
	require.False(t, bad)
}

func TestGetBlockSkipsBadPebs(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), (1 << 1))

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)

	peb, err := flash.GetBlock(h, 0)
	require.NoError(t, err)
	require.Equal(t, 0, peb)

	peb, err = flash.GetBlock(h, 1)
	require.NoError(t, err)
	require.Equal(t, 2, peb)
}

func TestGetBlockOutOfRange(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)

	_, err = flash.GetBlock(h, 16)
	require.Equal(t, status.OutOfRange, status.CodeOf(err))
}

func TestSeekBlockBeyondLebCountIsOutOfRange(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	err = flash.SeekBlock(h, 100)
	require.Equal(t, status.OutOfRange, status.CodeOf(err))
}

func TestCloseInvalidatesHandle(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, flash.Close(h))

	err = flash.Scan(h)
	require.Equal(t, status.BadParameter, status.CodeOf(err))
}

func TestOpenLogicalHalvesTheGeometry(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, geo, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeLogical)
	require.NoError(t, err)
	require.Equal(t, uint32(8), geo.NbBlk)
	require.Equal(t, uint64(8*4096), geo.Size)
	require.Equal(t, uint64(0), geo.StartOffset)
	require.NoError(t, flash.Close(h))
}

func TestOpenLogicalDualAddressesSecondHalf(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, geo, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeLogicalDual)
	require.NoError(t, err)
	require.Equal(t, uint32(8), geo.NbBlk)
	require.Equal(t, uint64(8*4096), geo.StartOffset)

	// Block 0 of the dual half is PEB 8 of the physical partition.
	payload := bytes.Repeat([]byte{0x5A}, 512)
	require.NoError(t, flash.SeekBlock(h, 0))
	_, err = flash.Write(h, payload)
	require.NoError(t, err)

	raw := backend.PebBytes(0, 8)
	require.Equal(t, payload, raw[:512])
	require.NoError(t, flash.Close(h))
}

func TestGetEccStatsReportsBadBlockCount(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), (1<<0)|(1<<3))

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite)
	require.NoError(t, err)

	stats, err := flash.GetEccStats(h)
	require.NoError(t, err)
	require.Equal(t, uint32(2), stats.BadBlocks)
}
