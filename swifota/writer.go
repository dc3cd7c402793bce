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

package swifota

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/itchio/headway/counter"
	log "github.com/sirupsen/logrus"

	"github.com/northern-embedded/swifota/flash"
	"github.com/northern-embedded/swifota/status"
	"github.com/northern-embedded/swifota/ubi"
)

// StagingVolumeID is the VTBL index (and, by this implementation's
// convention, volume ID) always used for the single "swifota" volume.
const StagingVolumeID uint32 = 0

// nestedImage and nestedVolume track the bookkeeping calls a CWE-nested
// UBI sub-image makes (openUbi/openUbiVolume/writeUbi/closeUbiVolume/
// closeUbi). The sub-image's bytes are, by
// construction of the source package, already a valid serialized UBI
// image; this writer does not re-encode them through package ubi a
// second time. It forwards them through the same sequential Write path
// as any other CWE payload and only tracks the metadata needed to report
// progress and validate call ordering.
type nestedImage struct {
	imageSeq    uint32
	forceCreate bool
	startOffset uint64
}

type nestedVolume struct {
	id       uint32
	volType  ubi.VolType
	name     string
	declared int64 // -1 if unknown ahead of time
	written  uint64
}

// Writer is the staging-partition writer: it owns
// a single dynamic UBI volume named per the configured staging volume
// name and exposes open/write/close plus nested-UBI bookkeeping calls.
type Writer struct {
	h         flash.Handle
	container *ubi.Container
	vol       *ubi.Volume
	lebSize   uint64

	writeOffset uint64
	pending     []byte

	globalCrc uint32
	imageCrc  uint32

	countingW *counter.Writer
	sink      ProgressSink
	total     int64

	nested    *nestedImage
	nestedVol *nestedVolume
}

// Open scans partNum as a UBI container (formatting it fresh if it is not
// one yet) and opens or creates the staging volume, positioning the write
// cursor at resumeOffset. Idempotent: calling Open twice on an
// already-formatted, already-populated partition yields the same volume.
func Open(backend flash.Backend, partNum int, stagingVolumeName string, resumeOffset uint64, sink ProgressSink) (*Writer, error) {
	h, _, err := flash.Open(backend, partNum, flash.ModeReadWrite|flash.ModeUBI)
	if err != nil {
		return nil, err
	}
	if err := flash.Scan(h); err != nil {
		flash.Close(h)
		return nil, err
	}

	container, err := ubi.Open(h, 0)
	if err != nil {
		if status.CodeOf(err) != status.FormatError {
			flash.Close(h)
			return nil, err
		}
		container, err = ubi.Create(h, 0)
		if err != nil {
			flash.Close(h)
			return nil, err
		}
	}

	vol, err := container.ScanVolume(StagingVolumeID)
	if err != nil {
		vol, err = container.CreateVolume(StagingVolumeID, stagingVolumeName, ubi.VolDynamic, 0)
		if err != nil {
			flash.Close(h)
			return nil, err
		}
	}

	if sink == nil {
		sink = noopSink{}
	}
	w := &Writer{
		h:         h,
		container: container,
		vol:       vol,
		lebSize:   container.UsableBytes(),
		sink:      sink,
	}
	w.countingW = counter.NewWriterCallback(func(count int64) {
		w.total = count
		w.sink.Update(w.total, 0)
	}, nil)

	if err := w.seekTo(resumeOffset); err != nil {
		flash.Close(h)
		return nil, err
	}

	log.WithFields(log.Fields{"partition": partNum, "volume": stagingVolumeName, "resumeOffset": resumeOffset}).
		Info("swifota: opened staging writer")
	return w, nil
}

// seekTo positions the write cursor at offset. A non-aligned offset means
// the last session left a partial LEB behind; Checkpoint guarantees that
// LEB was durably written (padded) before offset was ever reported as
// resumable, so its real prefix bytes are read back from flash rather
// than assumed -- a zero-filled guess would corrupt that LEB the next
// time enough new data arrives to complete and rewrite it.
func (w *Writer) seekTo(offset uint64) error {
	w.writeOffset = offset - offset%w.lebSize
	rem := offset % w.lebSize
	if rem == 0 {
		w.pending = nil
		return nil
	}
	lnum := uint32(w.writeOffset / w.lebSize)
	buf := make([]byte, w.lebSize)
	if _, err := w.vol.ReadLEB(lnum, buf); err != nil {
		if status.CodeOf(err) != status.NotPermitted {
			return err
		}
		// The partial LEB was never committed: its prefix bytes exist
		// only in a snapshot the caller is about to restore via
		// SetInternals. Reserve the space so GetOffset stays truthful
		// until that happens.
		w.pending = make([]byte, rem)
		return nil
	}
	w.pending = append([]byte(nil), buf[:rem]...)
	return nil
}

// Write accepts an arbitrary-length buffer, chunks it into full LEB
// writes as they accumulate, and updates the running CRCs for the
// current inner image and the outer container. isPatch distinguishes
// patch-derived bytes from raw CWE bytes for the caller's own
// bookkeeping; both update the same running CRCs since what lands on
// flash is identical either way.
func (w *Writer) Write(buf []byte, isPatch bool) (int, error) {
	_ = isPatch
	n := len(buf)
	w.globalCrc = crc32.Update(w.globalCrc, crc32.IEEETable, buf)
	w.imageCrc = crc32.Update(w.imageCrc, crc32.IEEETable, buf)
	w.pending = append(w.pending, buf...)

	for uint64(len(w.pending)) >= w.lebSize {
		chunk := w.pending[:w.lebSize]
		lnum := uint32(w.writeOffset / w.lebSize)
		extend := lnum >= w.vol.ReservedPebs()
		if err := w.vol.WriteLEB(lnum, chunk, extend); err != nil {
			return 0, err
		}
		w.writeOffset += w.lebSize
		rest := make([]byte, len(w.pending)-int(w.lebSize))
		copy(rest, w.pending[w.lebSize:])
		w.pending = rest
		if _, err := w.countingW.Write(chunk); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// BeginImage resets the running per-image CRC at a CWE sub-image
// boundary.
func (w *Writer) BeginImage() {
	w.imageCrc = 0
}

// CurrentImageCrc returns the CRC32 of all bytes written since the last
// BeginImage.
func (w *Writer) CurrentImageCrc() uint32 { return w.imageCrc }

// GlobalCrc returns the CRC32 of every byte written through this writer.
func (w *Writer) GlobalCrc() uint32 { return w.globalCrc }

// GetOffset returns the absolute number of logical bytes written so far
// (including any partial LEB still buffered in pending).
func (w *Writer) GetOffset() uint64 {
	return w.writeOffset + uint64(len(w.pending))
}

// ComputeCrc32 re-reads [offset, offset+length) from the staging volume
// and recomputes its CRC32, independent of the writer's running state --
// used to verify any past region independently of the running state.
func (w *Writer) ComputeCrc32(offset, length uint64) (uint32, error) {
	var crc uint32
	remaining := length
	pos := offset
	buf := make([]byte, w.lebSize)
	for remaining > 0 {
		lnum := uint32(pos / w.lebSize)
		within := pos % w.lebSize
		if _, err := w.vol.ReadLEB(lnum, buf); err != nil {
			return 0, err
		}
		n := w.lebSize - within
		if n > remaining {
			n = remaining
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf[within:within+n])
		pos += n
		remaining -= n
	}
	return crc, nil
}

// Checkpoint durably writes the current partial LEB (if any), padded
// with 0xFF, to flash without otherwise disturbing the writer's state:
// pending and writeOffset are left exactly as they were, so further
// Write calls keep appending to the same logical position and, once
// that LEB's byte count is reached, overwrite this checkpoint with the
// real, complete LEB contents. This makes GetOffset safe to persist as a
// resume point mid-image: seekTo reconstructs pending by reading this
// same LEB back, rather than losing its buffered prefix to a crash. A
// no-op if nothing is buffered.
func (w *Writer) Checkpoint() error {
	if len(w.pending) == 0 {
		return nil
	}
	lnum := uint32(w.writeOffset / w.lebSize)
	extend := lnum >= w.vol.ReservedPebs()
	padded := make([]byte, w.lebSize)
	copy(padded, w.pending)
	for i := len(w.pending); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	return w.vol.WriteLEB(lnum, padded, extend)
}

// Flush pads any buffered partial LEB with 0xFF and commits it to flash,
// advancing writeOffset past the padding and clearing pending -- unlike
// Checkpoint, this permanently ends the current LEB, appropriate only
// when no further bytes for it are coming (Close uses this, not mid-
// image resume persistence, which uses Checkpoint instead).
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	lnum := uint32(w.writeOffset / w.lebSize)
	extend := lnum >= w.vol.ReservedPebs()
	padded := make([]byte, w.lebSize)
	copy(padded, w.pending)
	for i := len(w.pending); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	if err := w.vol.WriteLEB(lnum, padded, extend); err != nil {
		return err
	}
	w.writeOffset += w.lebSize
	w.pending = nil
	return nil
}

// Close flushes any buffered partial LEB unless aborted, then releases
// the flash handle.
func (w *Writer) Close(aborted bool) error {
	if !aborted {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return flash.Close(w.h)
}

// OpenUbi begins a nested UBI sub-image at the current write offset.
func (w *Writer) OpenUbi(imageSeq uint32, forceCreate bool) error {
	if w.nested != nil {
		return status.New(status.BadParameter, "swifota: nested ubi image already open")
	}
	w.nested = &nestedImage{imageSeq: imageSeq, forceCreate: forceCreate, startOffset: w.GetOffset()}
	log.WithField("imageSeq", imageSeq).Debug("swifota: opened nested ubi image")
	return nil
}

// OpenUbiVolume records the volume metadata of a nested UBI sub-image's
// volume currently being written; size of -1 means the final size is not
// known until CloseUbiVolume.
func (w *Writer) OpenUbiVolume(volID uint32, volType ubi.VolType, size int64, name string) error {
	if w.nested == nil {
		return status.New(status.BadParameter, "swifota: no nested ubi image open")
	}
	w.nestedVol = &nestedVolume{id: volID, volType: volType, name: name, declared: size}
	return nil
}

// WriteUbi forwards buf through the ordinary Write path and accounts it
// against the currently open nested volume.
func (w *Writer) WriteUbi(buf []byte, isLast bool) (int, error) {
	if w.nestedVol == nil {
		return 0, status.New(status.BadParameter, "swifota: no nested ubi volume open")
	}
	n, err := w.Write(buf, false)
	if err != nil {
		return n, err
	}
	w.nestedVol.written += uint64(n)
	_ = isLast
	return n, nil
}

// CloseUbiVolume finalises the currently open nested volume.
func (w *Writer) CloseUbiVolume(aborted bool) error {
	if w.nestedVol == nil {
		return status.New(status.BadParameter, "swifota: no nested ubi volume open")
	}
	nv := w.nestedVol
	w.nestedVol = nil
	if aborted {
		return nil
	}
	log.WithFields(log.Fields{"id": nv.id, "name": nv.name, "written": nv.written}).
		Debug("swifota: closed nested ubi volume")
	return nil
}

// CloseUbi finalises the nested UBI sub-image.
func (w *Writer) CloseUbi(aborted bool) error {
	if w.nested == nil {
		return status.New(status.BadParameter, "swifota: no nested ubi image open")
	}
	w.nested = nil
	return nil
}

// SeedGlobalCrc primes the running container CRC from a persisted resume
// context when reopening across a process boundary, where seekTo already
// rebuilt pending from flash but the CRC accumulator starts from zero.
// crc32.Update continues exactly from a saved accumulator value, so the
// finished install reports the CRC of the whole stream, not just the part
// written by the resumed process.
func (w *Writer) SeedGlobalCrc(crc uint32) {
	w.globalCrc = crc
}

// GetInternals snapshots the writer's offsets, running CRCs and buffered
// partial LEB -- everything needed to resume byte-accurately after
// setInternals restores it against a freshly Open'd writer at the same
// resumeOffset, so a split write trace lands byte-identical to an
// uninterrupted one.
func (w *Writer) GetInternals() []byte {
	buf := make([]byte, 16+len(w.pending))
	binary.BigEndian.PutUint64(buf[0:8], w.writeOffset)
	binary.BigEndian.PutUint32(buf[8:12], w.globalCrc)
	binary.BigEndian.PutUint32(buf[12:16], w.imageCrc)
	copy(buf[16:], w.pending)
	return buf
}

// SetInternals restores a snapshot taken by GetInternals.
func (w *Writer) SetInternals(buf []byte) error {
	if len(buf) < 16 {
		return status.New(status.FormatError, "swifota: internals snapshot too short")
	}
	w.writeOffset = binary.BigEndian.Uint64(buf[0:8])
	w.globalCrc = binary.BigEndian.Uint32(buf[8:12])
	w.imageCrc = binary.BigEndian.Uint32(buf[12:16])
	w.pending = append([]byte(nil), buf[16:]...)
	return nil
}
