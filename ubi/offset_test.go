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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/northern-embedded/swifota/flash"
	"github.com/northern-embedded/swifota/internal/flashtest"
)

// offsetGeometry describes a 60-PEB partition used to exercise a UBI
// container that does not start at the beginning of its backing partition.
func offsetGeometry() flash.Geometry {
	return flash.Geometry{
		Size:      60 * 64 * 1024,
		WriteSize: 2 * 1024,
		EraseSize: 64 * 1024,
		NbBlk:     60,
	}
}

// TestOffsetUbiContainerScanUnscanRoundTrip creates a UBI container at byte
// offset eraseSize*2+writeSize on a 60-PEB partition, holding a static 1-PEB
// volume and a dynamic 3-PEB volume, and checks both volumes' data survive a
// scan/unscan/re-scan cycle.
func TestOffsetUbiContainerScanUnscanRoundTrip(t *testing.T) {
	geo := offsetGeometry()
	backend := flashtest.New()
	backend.AddPartition(0, geo, 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeUBI)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	absOffset := uint64(geo.EraseSize)*2 + uint64(geo.WriteSize)
	c, err := Create(h, absOffset)
	require.NoError(t, err)
	require.Equal(t, 2, c.basePeb)
	require.Equal(t, geo.WriteSize, c.offsetInPeb)

	staticVol, err := c.CreateVolume(0, "static0", VolStatic, c.usableBytes())
	require.NoError(t, err)
	dynVol, err := c.CreateVolume(1, "dyn1", VolDynamic, 3*c.usableBytes())
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(1))
	staticData := make([]byte, c.usableBytes())
	rnd.Read(staticData)
	require.NoError(t, staticVol.WriteLEB(0, staticData, false))

	dynData := make([][]byte, 3)
	for lnum := uint32(0); lnum < 3; lnum++ {
		buf := make([]byte, c.usableBytes())
		rnd.Read(buf)
		dynData[lnum] = buf
		require.NoError(t, dynVol.WriteLEB(lnum, buf, false))
	}

	require.NoError(t, flash.Unscan(h))
	require.NoError(t, flash.Scan(h))

	reopened, err := Open(h, absOffset)
	require.NoError(t, err)
	require.Len(t, reopened.Volumes(), 2)

	staticBack, err := reopened.ScanVolume(0)
	require.NoError(t, err)
	gotStatic := make([]byte, c.usableBytes())
	_, err = staticBack.ReadLEB(0, gotStatic)
	require.NoError(t, err)
	require.Equal(t, staticData, gotStatic)

	dynBack, err := reopened.ScanVolume(1)
	require.NoError(t, err)
	for lnum := uint32(0); lnum < 3; lnum++ {
		got := make([]byte, c.usableBytes())
		_, err := dynBack.ReadLEB(lnum, got)
		require.NoError(t, err)
		require.Equal(t, dynData[lnum], got)
	}
}

// TestVtblRedundancySurvivesSingleCorruption corrupts one of the two VTBL
// PEBs after volume creation and checks the container stays readable off the
// other copy, with the corrupted copy repaired by the next mutating op.
func TestVtblRedundancySurvivesSingleCorruption(t *testing.T) {
	backend, h, c := openTestContainer(t)

	_, err := c.CreateVolume(0, "rootfs", VolStatic, c.usableBytes())
	require.NoError(t, err)

	corruptPeb := c.vtblPebs[1]
	backend.CorruptPeb(0, corruptPeb, int(c.dataOff), make([]byte, VTBLRecordSize*MaxVolumes))

	reopened, err := Open(h, 0)
	require.NoError(t, err)
	require.Len(t, reopened.Volumes(), 1)

	_, err = reopened.CreateVolume(1, "data", VolDynamic, reopened.usableBytes())
	require.NoError(t, err)

	repaired, err := reopened.readVTBLTable(corruptPeb)
	require.NoError(t, err)
	require.False(t, repaired[0].erasedEntry())
	require.Equal(t, "rootfs", repaired[0].Name)
}
