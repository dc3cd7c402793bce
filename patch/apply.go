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

package patch

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	log "github.com/sirupsen/logrus"

	"github.com/northern-embedded/swifota/status"
)

// ApplyPatch drives the imgdiff apply state machine over patchFile:
// READ_HEADER -> READ_TYPE -> READ_META -> READ_PATCH -> APPLY_PATCH,
// looping once per chunk until meta.NumChunks have been applied. runner
// handles "normal" chunks and the transform inside deflate chunks;
// copy/raw chunks are applied directly.
func ApplyPatch(patchFile io.Reader, src SourceReader, dest DestWriter, runner PatchRunner) (uint64, error) {
	metaBuf := make([]byte, MetaSize)
	if _, err := io.ReadFull(patchFile, metaBuf); err != nil {
		return 0, status.Wrap(status.IOError, err, "patch: read meta (READ_HEADER)")
	}
	meta, err := DecodeMeta(metaBuf)
	if err != nil {
		return 0, err
	}

	cd := &crcDest{inner: dest}
	var total uint64
	for i := uint32(0); i < meta.NumChunks; i++ {
		n, err := applyOneChunk(meta, patchFile, src, cd, runner)
		if err != nil {
			return total, status.Wrapf(status.FormatError, err, "patch: chunk %d", i)
		}
		total += n
	}

	if uint32(total) != meta.DstSize {
		return total, status.New(status.FormatError, "patch: destination size mismatch after apply")
	}
	if meta.DstCrc != 0 && cd.crc != meta.DstCrc {
		return total, status.New(status.FormatError, "patch: destination CRC mismatch after apply")
	}
	log.WithFields(log.Fields{"chunks": meta.NumChunks, "written": total}).
		Debug("patch: applied patch")
	return total, nil
}

// crcDest tracks the CRC32 of everything written through it, so ApplyPatch
// can hold the patch meta's declared destination CRC against what the
// chunks actually produced.
type crcDest struct {
	inner DestWriter
	crc   uint32
}

func (d *crcDest) Write(data []byte) (int, error) {
	n, err := d.inner.Write(data)
	d.crc = crc32.Update(d.crc, crc32.IEEETable, data[:n])
	return n, err
}

func applyOneChunk(meta Meta, patchFile io.Reader, src SourceReader, dest DestWriter, runner PatchRunner) (uint64, error) {
	// READ_TYPE
	var tagBuf [1]byte
	if _, err := io.ReadFull(patchFile, tagBuf[:]); err != nil {
		return 0, status.Wrap(status.IOError, err, "READ_TYPE")
	}
	t, bodyLen, err := DecodeChunkHeader(tagBuf[0])
	if err != nil {
		return 0, err
	}

	// READ_META
	bodyBuf := make([]byte, bodyLen)
	if _, err := io.ReadFull(patchFile, bodyBuf); err != nil {
		return 0, status.Wrap(status.IOError, err, "READ_META")
	}
	c, err := DecodeChunkBody(t, bodyBuf)
	if err != nil {
		return 0, err
	}

	// READ_PATCH + APPLY_PATCH
	feed := NextReadLen(StateReadPatch, &c)
	switch t {
	case ChunkCopy:
		return applyCopyChunk(c, src, dest)
	case ChunkRaw:
		return applyRawChunk(c, feed, patchFile, dest)
	case ChunkDeflate:
		if runner == nil {
			return 0, status.New(status.Unsupported, "patch: deflate chunk requires a PatchRunner")
		}
		return applyDeflateChunk(meta, c, io.LimitReader(patchFile, int64(feed)), src, runner, dest)
	case ChunkNormal:
		if runner == nil {
			return 0, status.New(status.Unsupported, "patch: normal chunk requires a PatchRunner")
		}
		patchData := io.LimitReader(patchFile, int64(feed))
		return runner.ApplyChunk(meta, c, src, patchData, dest)
	default:
		return 0, status.New(status.Unsupported, "patch: unknown chunk type")
	}
}

func applyCopyChunk(c Chunk, src SourceReader, dest DestWriter) (uint64, error) {
	if src == nil {
		return 0, status.New(status.BadParameter, "patch: copy chunk with no source")
	}
	data, err := src.ReadAt(c.SrcOffset, c.Length)
	if err != nil {
		return 0, err
	}
	n, err := dest.Write(data)
	return uint64(n), err
}

func applyRawChunk(c Chunk, feed int, patchFile io.Reader, dest DestWriter) (uint64, error) {
	buf := make([]byte, feed)
	if _, err := io.ReadFull(patchFile, buf); err != nil {
		return 0, status.Wrap(status.IOError, err, "patch: read raw chunk payload")
	}
	n, err := dest.Write(buf)
	return uint64(n), err
}

// memSource is a SourceReader over an in-memory byte slice, used to hand
// the inflated source extent of a deflate chunk to the same PatchRunner
// that applies "normal" chunks, without re-reading it through the real
// (compressed) source.
type memSource struct {
	data []byte
}

func (m *memSource) ReadAt(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return nil, status.New(status.OutOfRange, "patch: inflated source read out of range")
	}
	return m.data[offset : offset+length], nil
}

// applyDeflateChunk reads SrcLen compressed bytes at SrcOffset from the
// source image, inflates them to SrcExpandLen bytes, runs the same
// BSDIFF-style transform a "normal" chunk uses (via runner) against those
// bytes to produce DstLen (tgt_expand_len) bytes, then re-deflates that
// result with the chunk's stored gzip parameters and writes the compressed
// bytes to dest.
func applyDeflateChunk(meta Meta, c Chunk, patchFile io.Reader, src SourceReader, runner PatchRunner, dest DestWriter) (uint64, error) {
	if src == nil {
		return 0, status.New(status.BadParameter, "patch: deflate chunk with no source")
	}

	compressedSrc, err := src.ReadAt(c.SrcOffset, c.SrcLen)
	if err != nil {
		return 0, err
	}
	fr := flate.NewReader(bytes.NewReader(compressedSrc))
	defer fr.Close()
	inflatedSrc := make([]byte, c.SrcExpandLen)
	if _, err := io.ReadFull(fr, inflatedSrc); err != nil {
		return 0, status.Wrap(status.FormatError, err, "patch: deflate chunk inflate source")
	}

	var transformed bytes.Buffer
	inner := Chunk{Type: ChunkNormal, SrcOffset: 0, SrcLen: c.SrcExpandLen, PatchLen: c.PatchLen}
	if _, err := runner.ApplyChunk(meta, inner, &memSource{data: inflatedSrc}, patchFile, &transformed); err != nil {
		return 0, err
	}
	if uint32(transformed.Len()) != c.DstLen {
		return 0, status.New(status.FormatError, "patch: deflate chunk transform produced wrong length")
	}
	if crc32.ChecksumIEEE(transformed.Bytes()) != c.GzipCrc32 {
		return 0, status.New(status.FormatError, "patch: deflate chunk transform CRC mismatch")
	}

	compressed, err := reDeflate(transformed.Bytes(), c)
	if err != nil {
		return 0, err
	}
	n, err := dest.Write(compressed)
	return uint64(n), err
}

// reDeflate wraps data in a gzip stream built from the chunk's stored
// parameters (mtime, OS/extra-flags byte, the original CRC32/ISIZE
// footer), per Open Question #2: a re-compressed byte stream that
// differs from whatever originally produced it is accepted as long as it
// decompresses back to bytes the destination CRC (checked by the caller
// against the inner CWE header) recognises.
func reDeflate(data []byte, c Chunk) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0x1f, 0x8b, 8, 0}) // magic, CM=deflate, FLG=none
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], c.GzipMTime)
	buf.Write(tmp[:])
	buf.WriteByte(byte(c.GzipOSFlag >> 8)) // XFL
	buf.WriteByte(byte(c.GzipOSFlag))      // OS

	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, status.Wrap(status.Fault, err, "patch: deflate chunk re-compress")
	}
	if _, err := fw.Write(data); err != nil {
		return nil, status.Wrap(status.Fault, err, "patch: deflate chunk re-compress")
	}
	if err := fw.Close(); err != nil {
		return nil, status.Wrap(status.Fault, err, "patch: deflate chunk re-compress")
	}

	binary.LittleEndian.PutUint32(tmp[:], c.GzipCrc32)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint32(tmp[:], c.GzipISize)
	buf.Write(tmp[:])
	return buf.Bytes(), nil
}
