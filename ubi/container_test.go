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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/northern-embedded/swifota/flash"
	"github.com/northern-embedded/swifota/internal/flashtest"
	"github.com/northern-embedded/swifota/status"
)

// testGeometry uses enough logical PEBs to clear CreateVolume's
// BEBLimit-based reserve requirement (2*BEBLimit+4 PEBs held back beyond
// whatever a volume itself reserves) with room for more than one volume.
func testGeometry() flash.Geometry {
	return flash.Geometry{
		Size:      128 * 64 * 1024,
		WriteSize: 2 * 1024,
		EraseSize: 64 * 1024,
		NbBlk:     128,
	}
}

func openTestContainer(t *testing.T) (*flashtest.Backend, flash.Handle, *Container) {
	t.Helper()
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeUBI)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	c, err := Create(h, 0)
	require.NoError(t, err)
	return backend, h, c
}

func TestCreateThenOpenFindsVTBL(t *testing.T) {
	backend, h, c := openTestContainer(t)
	require.NotNil(t, c)
	require.NoError(t, flash.Close(h))

	h2, _, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeUBI)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h2))

	reopened, err := Open(h2, 0)
	require.NoError(t, err)
	require.Empty(t, reopened.Volumes())
}

func TestOpenRejectsNonUbiContainer(t *testing.T) {
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), 0)

	h, _, err := flash.Open(backend, 0, flash.ModeReadWrite|flash.ModeUBI)
	require.NoError(t, err)
	require.NoError(t, flash.Scan(h))

	_, err = Open(h, 0)
	require.Equal(t, status.FormatError, status.CodeOf(err))
}

func TestCreateVolumeAndVolumesListing(t *testing.T) {
	_, _, c := openTestContainer(t)

	_, err := c.CreateVolume(0, "rootfs", VolStatic, 5*64*1024)
	require.NoError(t, err)
	_, err = c.CreateVolume(1, "data", VolDynamic, 64*1024)
	require.NoError(t, err)

	vols := c.Volumes()
	require.Len(t, vols, 2)
	require.Equal(t, "rootfs", vols[0].Name)
	require.Equal(t, VolStatic, vols[0].Type)
	require.Equal(t, "data", vols[1].Name)
	require.Equal(t, VolDynamic, vols[1].Type)
}

func TestCreateVolumeRejectsDuplicateIDAndName(t *testing.T) {
	_, _, c := openTestContainer(t)

	_, err := c.CreateVolume(0, "rootfs", VolStatic, 64*1024)
	require.NoError(t, err)

	_, err = c.CreateVolume(0, "other", VolStatic, 64*1024)
	require.Equal(t, status.Duplicate, status.CodeOf(err))

	_, err = c.CreateVolume(1, "rootfs", VolStatic, 64*1024)
	require.Equal(t, status.Duplicate, status.CodeOf(err))
}

func TestDeleteVolumeFreesItsPebs(t *testing.T) {
	_, _, c := openTestContainer(t)

	before := c.FreeCount()
	vol, err := c.CreateVolume(0, "data", VolDynamic, 3*c.usableBytes())
	require.NoError(t, err)
	require.NoError(t, vol.WriteLEB(0, make([]byte, c.usableBytes()), false))

	require.NoError(t, c.DeleteVolume(0))
	require.Equal(t, before, c.FreeCount())

	_, err = c.ScanVolume(0)
	require.Equal(t, status.FormatError, status.CodeOf(err))
}

func TestCreateVolumeForceReplacesExisting(t *testing.T) {
	_, _, c := openTestContainer(t)

	vol, err := c.CreateVolume(0, "data", VolDynamic, c.usableBytes())
	require.NoError(t, err)
	require.NoError(t, vol.WriteLEB(0, make([]byte, c.usableBytes()), false))

	vol2, err := c.CreateVolumeForce(0, "data2", VolDynamic, c.usableBytes())
	require.NoError(t, err)
	require.Equal(t, "data2", vol2.Name())

	_, err = vol2.ReadLEB(0, make([]byte, c.usableBytes()))
	require.Equal(t, status.NotPermitted, status.CodeOf(err))
}

func TestGetNewBlockPrefersLowestEraseCount(t *testing.T) {
	_, _, c := openTestContainer(t)

	// Age every free PEB, then leave one with a visibly lower counter: the
	// allocator must pick that one regardless of index order.
	for lp := range c.free {
		ec := c.ec[lp]
		ec.EraseCount = 500
		c.ec[lp] = ec
	}
	const fresh = 7
	require.True(t, c.free[fresh])
	ec := c.ec[fresh]
	ec.EraseCount = 1
	c.ec[fresh] = ec

	got, err := c.GetNewBlock()
	require.NoError(t, err)
	require.Equal(t, fresh, got)
}

func TestGetNewBlockBreaksTiesByLowestIndex(t *testing.T) {
	_, _, c := openTestContainer(t)

	got, err := c.GetNewBlock()
	require.NoError(t, err)
	// All free PEBs carry the same erase counter after Create; the two
	// VTBL PEBs (0 and 1) are excluded, so the lowest free index wins.
	require.Equal(t, 2, got)
}
