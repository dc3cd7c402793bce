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

// Cross-package end-to-end tests driving the staging writer through
// cwe.WalkContainer the way cmd/swifota's install command does: single and
// multi-image CWE bundles, nested UBI volumes, mid-install resume via
// GetInternals/SetInternals, and installs performed over partitions with
// adversarial bad-block masks. Container creation on an offset UBI volume
// and VTBL-corruption recovery involve no staging writer and live in
// ubi/offset_test.go instead.
package swifota

import (
	"bytes"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/northern-embedded/swifota/cwe"
	"github.com/northern-embedded/swifota/internal/flashtest"
	"github.com/northern-embedded/swifota/ubi"
)

func fillChunk(fill []byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = fill[i%len(fill)]
	}
	return out
}

func scenarioHeader(imageType string, imageSize uint32, payload []byte) cwe.Header {
	var h cwe.Header
	h.HdrRev = cwe.CurrentHdrRev
	copy(h.ImageType[:], imageType)
	h.ProductID = 1
	h.ImageSize = imageSize
	if imageType == "APPL" {
		h.Signature = cwe.ApplSignature
	} else {
		h.Crc32 = crc32.ChecksumIEEE(payload)
	}
	h.PsbCrc = crc32.ChecksumIEEE(cwe.EncodeHeader(h)[0:256])
	return h
}

func encodeLeaf(imageType string, payload []byte) []byte {
	h := scenarioHeader(imageType, uint32(len(payload)), payload)
	var buf bytes.Buffer
	buf.Write(cwe.EncodeHeader(h))
	buf.Write(payload)
	return buf.Bytes()
}

func wrapAppl(leaves ...[]byte) []byte {
	var body bytes.Buffer
	for _, l := range leaves {
		body.Write(l)
	}
	outer := scenarioHeader("APPL", uint32(body.Len()), nil)
	var buf bytes.Buffer
	buf.Write(cwe.EncodeHeader(outer))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// nestedSpec describes a CWE leaf image type that must be routed through
// the staging writer's nested-UBI bookkeeping calls instead of a plain
// Write, mirroring cmd/swifota's NestedUbiImages configuration.
type nestedSpec struct {
	volID   uint32
	name    string
	dynamic bool
}

func volTypeOf(dynamic bool) ubi.VolType {
	if dynamic {
		return ubi.VolDynamic
	}
	return ubi.VolStatic
}

// driveInstall walks src exactly as cmd/swifota's install command does:
// BeginImage at every leaf, nested Open/Write/Close bookkeeping for image
// types present in nested, a running-CRC check against the leaf's
// declared Crc32, and a Checkpoint after every image.
func driveInstall(t *testing.T, w *Writer, src io.Reader, nested map[string]nestedSpec) {
	t.Helper()
	err := cwe.WalkContainer(src, nil, func(h cwe.Header) error {
		w.BeginImage()
		ns, isNested := nested[h.ImageType.String()]
		if isNested {
			require.NoError(t, w.OpenUbi(0, false))
			require.NoError(t, w.OpenUbiVolume(ns.volID, volTypeOf(ns.dynamic), -1, ns.name))
		}

		remaining := h.ImageSize
		buf := make([]byte, 8192)
		for remaining > 0 {
			n := uint32(len(buf))
			if n > remaining {
				n = remaining
			}
			_, err := io.ReadFull(src, buf[:n])
			require.NoError(t, err)
			remaining -= n

			if isNested {
				_, err = w.WriteUbi(buf[:n], remaining == 0)
			} else {
				_, err = w.Write(buf[:n], false)
			}
			require.NoError(t, err)
		}

		if isNested {
			require.NoError(t, w.CloseUbiVolume(false))
			require.NoError(t, w.CloseUbi(false))
		}
		if h.ImageType != cwe.ImageTypeAppl {
			require.Equal(t, h.Crc32, w.CurrentImageCrc())
		}
		return w.Checkpoint()
	})
	require.NoError(t, err)
}

// buildSingleUserImage constructs a CWE bundle holding a single inner USER
// image made of eight 20000-byte chunks of repeating fill, wrapped in an
// outer APPL container.
func buildSingleUserImage(t *testing.T) (wire []byte, payload []byte) {
	t.Helper()
	fill := []byte{0x07, 0x17, 0x27, 0x37, 0x47, 0x57, 0x67, 0x77}
	payload = bytes.Repeat(fillChunk(fill, 20000), 8)
	return wrapAppl(encodeLeaf("USER", payload)), payload
}

func runSingleUserImage(t *testing.T, backend *flashtest.Backend) (globalCrc uint32) {
	t.Helper()
	wire, payload := buildSingleUserImage(t)

	w, err := Open(backend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	driveInstall(t, w, bytes.NewReader(wire), nil)
	globalCrc = w.GlobalCrc()
	require.NoError(t, w.Close(false))

	w2, err := Open(backend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	got, err := w2.ComputeCrc32(0, uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(payload), got)
	require.NoError(t, w2.Close(false))
	return globalCrc
}

func TestSingleUserImageInstall(t *testing.T) {
	backend := newTestBackend()
	runSingleUserImage(t, backend)
}

// buildThreeImageBundle constructs a CWE bundle holding three inner images
// (a plain BOOT leaf, a static SYST UBI volume, a dynamic USER UBI volume)
// wrapped in an outer APPL container.
func buildThreeImageBundle(t *testing.T) (wire []byte, bootPayload, systPayload, userPayload []byte) {
	t.Helper()
	bootPayload = bytes.Repeat(fillChunk([]byte{0x0A, 0x1A, 0x2A, 0x3A, 0x4A, 0x5A, 0x6A, 0x7A}, 20000), 8)
	systPayload = bytes.Repeat(fillChunk([]byte{0x0B, 0x1B, 0x2B, 0x3B}, 20000), 4)
	userPayload = bytes.Repeat(fillChunk([]byte{0x0C, 0x1C, 0x2C, 0x3C, 0x4C}, 20000), 5)
	wire = wrapAppl(
		encodeLeaf("BOOT", bootPayload),
		encodeLeaf("SYST", systPayload),
		encodeLeaf("USER", userPayload),
	)
	return wire, bootPayload, systPayload, userPayload
}

func threeImageNestedSpec() map[string]nestedSpec {
	return map[string]nestedSpec{
		"SYST": {volID: 0, name: "volume0", dynamic: false},
		"USER": {volID: 1, name: "volume1", dynamic: true},
	}
}

func TestThreeImagesWithNestedUbi(t *testing.T) {
	backend := newTestBackend()
	wire, bootPayload, systPayload, userPayload := buildThreeImageBundle(t)

	w, err := Open(backend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	driveInstall(t, w, bytes.NewReader(wire), threeImageNestedSpec())
	require.NoError(t, w.Close(false))

	total := uint64(len(bootPayload) + len(systPayload) + len(userPayload))
	w2, err := Open(backend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	got, err := w2.ComputeCrc32(0, total)
	require.NoError(t, err)

	var want bytes.Buffer
	want.Write(bootPayload)
	want.Write(systPayload)
	want.Write(userPayload)
	require.Equal(t, crc32.ChecksumIEEE(want.Bytes()), got)
	require.NoError(t, w2.Close(false))
}

// TestResumeAfterThreeChunks interrupts a single-USER-image install after
// three of its eight chunks, resumes via GetInternals/SetInternals at the
// partial offset, and writes the remaining five chunks after reopen. The
// resulting CRCs must match an uninterrupted install of the same bundle.
func TestResumeAfterThreeChunks(t *testing.T) {
	wantBackend := newTestBackend()
	wantCrc := runSingleUserImage(t, wantBackend)

	splitBackend := newTestBackend()
	wire, payload := buildSingleUserImage(t)
	headerLen := len(wire) - len(payload)

	w, err := Open(splitBackend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	src := bytes.NewReader(wire)

	// Consume the outer+inner headers, then three of the eight 20000-byte
	// chunks, exactly as driveInstall would up to the interruption point.
	require.NoError(t, discard(src, headerLen))
	three := make([]byte, 3*20000)
	_, err = io.ReadFull(src, three)
	require.NoError(t, err)
	w.BeginImage()
	_, err = w.Write(three, false)
	require.NoError(t, err)

	snapshot := w.GetInternals()
	offset := w.GetOffset()
	require.NoError(t, w.Close(true))

	w2, err := Open(splitBackend, 0, "swifota", offset, nil)
	require.NoError(t, err)
	require.NoError(t, w2.SetInternals(snapshot))
	rest := make([]byte, 5*20000)
	_, err = io.ReadFull(src, rest)
	require.NoError(t, err)
	_, err = w2.Write(rest, false)
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(payload), w2.CurrentImageCrc())
	require.Equal(t, wantCrc, w2.GlobalCrc())
	require.NoError(t, w2.Close(false))

	w3, err := Open(splitBackend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	got, err := w3.ComputeCrc32(0, uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(payload), got)
	require.NoError(t, w3.Close(false))
}

func discard(r io.Reader, n int) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// TestResumeInsideNestedDynamicVolume interrupts a three-image install
// inside the dynamic USER UBI volume at 2x20000 bytes, snapshots, reopens,
// and finishes with the remaining 3x20000 bytes through the same
// OpenUbi/OpenUbiVolume bookkeeping a fresh nested image would use.
func TestResumeInsideNestedDynamicVolume(t *testing.T) {
	wantBackend := newTestBackend()
	wire, bootPayload, systPayload, userPayload := buildThreeImageBundle(t)
	wWant, err := Open(wantBackend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	driveInstall(t, wWant, bytes.NewReader(wire), threeImageNestedSpec())
	wantGlobal := wWant.GlobalCrc()
	require.NoError(t, wWant.Close(false))

	splitBackend := newTestBackend()
	src := bytes.NewReader(wire)

	w, err := Open(splitBackend, 0, "swifota", 0, nil)
	require.NoError(t, err)

	bootHeaderLen := len(encodeLeaf("BOOT", bootPayload)) - len(bootPayload)
	systLeaf := encodeLeaf("SYST", systPayload)
	systHeaderLen := len(systLeaf) - len(systPayload)
	userHeaderLen := len(encodeLeaf("USER", userPayload)) - len(userPayload)
	applHeaderLen := len(wire) - bootHeaderLen - len(bootPayload) - len(systLeaf) -
		userHeaderLen - len(userPayload)

	require.NoError(t, discard(src, applHeaderLen))

	// BOOT: a plain leaf, written whole.
	require.NoError(t, discard(src, bootHeaderLen))
	w.BeginImage()
	bootBuf := make([]byte, len(bootPayload))
	_, err = io.ReadFull(src, bootBuf)
	require.NoError(t, err)
	_, err = w.Write(bootBuf, false)
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(bootPayload), w.CurrentImageCrc())
	require.NoError(t, w.Checkpoint())

	// SYST: a complete nested static volume, written whole.
	require.NoError(t, discard(src, systHeaderLen))
	w.BeginImage()
	require.NoError(t, w.OpenUbi(0, false))
	require.NoError(t, w.OpenUbiVolume(0, ubi.VolStatic, -1, "volume0"))
	systBuf := make([]byte, len(systPayload))
	_, err = io.ReadFull(src, systBuf)
	require.NoError(t, err)
	_, err = w.WriteUbi(systBuf, true)
	require.NoError(t, err)
	require.NoError(t, w.CloseUbiVolume(false))
	require.NoError(t, w.CloseUbi(false))
	require.Equal(t, crc32.ChecksumIEEE(systPayload), w.CurrentImageCrc())
	require.NoError(t, w.Checkpoint())

	// USER: interrupted after 2x20000 of its 5x20000 bytes.
	require.NoError(t, discard(src, userHeaderLen))
	w.BeginImage()
	require.NoError(t, w.OpenUbi(0, false))
	require.NoError(t, w.OpenUbiVolume(1, ubi.VolDynamic, -1, "volume1"))
	first := make([]byte, 2*20000)
	_, err = io.ReadFull(src, first)
	require.NoError(t, err)
	_, err = w.WriteUbi(first, false)
	require.NoError(t, err)

	snapshot := w.GetInternals()
	offset := w.GetOffset()
	require.NoError(t, w.Close(true))

	w2, err := Open(splitBackend, 0, "swifota", offset, nil)
	require.NoError(t, err)
	require.NoError(t, w2.SetInternals(snapshot))
	require.NoError(t, w2.OpenUbi(0, false))
	require.NoError(t, w2.OpenUbiVolume(1, ubi.VolDynamic, -1, "volume1"))
	rest := make([]byte, 3*20000)
	_, err = io.ReadFull(src, rest)
	require.NoError(t, err)
	_, err = w2.WriteUbi(rest, true)
	require.NoError(t, err)
	require.NoError(t, w2.CloseUbiVolume(false))
	require.NoError(t, w2.CloseUbi(false))
	require.Equal(t, crc32.ChecksumIEEE(userPayload), w2.CurrentImageCrc())
	require.Equal(t, wantGlobal, w2.GlobalCrc())
	require.NoError(t, w2.Checkpoint())
	require.NoError(t, w2.Close(false))

	total := uint64(len(bootPayload) + len(systPayload) + len(userPayload))
	var want bytes.Buffer
	want.Write(bootPayload)
	want.Write(systPayload)
	want.Write(userPayload)

	wFinal, err := Open(splitBackend, 0, "swifota", 0, nil)
	require.NoError(t, err)
	got, err := wFinal.ComputeCrc32(0, total)
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(want.Bytes()), got)
	require.NoError(t, wFinal.Close(false))
}

// TestBadBlockMaskDuringInstall applies an adversarial bad-block mask to
// the staging partition before a single-USER-image install; the install
// still completes with matching CRCs and leaves at least one block marked
// bad.
func TestBadBlockMaskDuringInstall(t *testing.T) {
	const mask = uint64(0x11182) | (uint64(1) << 59)
	backend := flashtest.New()
	backend.AddPartition(0, testGeometry(), mask)

	runSingleUserImage(t, backend)

	bad := 0
	geo := testGeometry()
	for peb := 0; peb < int(geo.NbBlk); peb++ {
		ok, err := backend.IsBadBlock(0, peb)
		require.NoError(t, err)
		if ok {
			bad++
		}
	}
	require.GreaterOrEqual(t, bad, 1)
}

// TestBadBlockToleranceAcrossMasks runs a full single-USER-image install
// and verifies matching CRCs under a range of bad-block masks, one run per
// mask.
func TestBadBlockToleranceAcrossMasks(t *testing.T) {
	masks := []uint64{0, 0x11182, 0xFF0, uint64(1) << 59}
	for _, mask := range masks {
		backend := flashtest.New()
		backend.AddPartition(0, testGeometry(), mask)
		runSingleUserImage(t, backend)
	}
}
