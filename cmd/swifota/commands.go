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

package main

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"

	"github.com/itchio/headway/state"
	"github.com/mendersoftware/progressbar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/northern-embedded/swifota/conf"
	"github.com/northern-embedded/swifota/cwe"
	"github.com/northern-embedded/swifota/flash"
	"github.com/northern-embedded/swifota/flash/mtdflash"
	"github.com/northern-embedded/swifota/patch"
	"github.com/northern-embedded/swifota/resume"
	"github.com/northern-embedded/swifota/status"
	"github.com/northern-embedded/swifota/swifota"
	"github.com/northern-embedded/swifota/ubi"
)

// runOptions holds the global flag destinations and the loaded config
// shared across every subcommand's Action.
type runOptions struct {
	configPath string
	logLevel   string
	logFile    string
	quiet      bool
}

func (o *runOptions) handleLogFlags(ctx *cli.Context) error {
	level, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return errors.Wrap(err, "swifota: bad log level")
	}
	log.SetLevel(level)

	if ctx.IsSet("log-file") {
		fd, err := os.Create(o.logFile)
		if err != nil {
			return errors.Wrap(err, "swifota: open log file")
		}
		log.SetOutput(fd)
	}
	return nil
}

func (o *runOptions) load() (*conf.Config, *conf.PartitionTable, error) {
	cfg, err := conf.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	table, err := conf.LoadPartitionTable(cfg.PartitionTablePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "swifota: load partition table")
	}
	return cfg, table, nil
}

// backendFor builds an mtdflash.Backend keyed by partition index (table
// line order), the same index swifota.Open takes as partNum.
func backendFor(cfg *conf.Config, table *conf.PartitionTable) *mtdflash.Backend {
	devices := make(map[int]string, len(table.Partitions))
	for i, p := range table.Partitions {
		if dev, ok := cfg.FlashDevices[p.Name]; ok {
			devices[i] = dev
		}
	}
	return mtdflash.New(devices)
}

// progressBarSink adapts github.com/mendersoftware/progressbar.Bar to
// swifota.ProgressSink, ticking by the delta since the last report.
type progressBarSink struct {
	bar  *progressbar.Bar
	last int64
}

func (s *progressBarSink) Update(written, _ int64) {
	if s.bar == nil {
		return
	}
	s.bar.Tick(written - s.last)
	s.last = written
}

// progressSinkFor picks the sink install/resume report byte progress to:
// the TTY progress bar by default, or a headway state.Consumer routing
// progress through the structured log when --quiet suppresses the bar.
func progressSinkFor(quiet bool, size int64) swifota.ProgressSink {
	if quiet {
		consumer := &state.Consumer{
			OnProgress: func(alpha float64) {
				log.WithField("percent", int(alpha*100)).Debug("swifota: install progress")
			},
			OnMessage: func(level, msg string) {
				log.Debug(msg)
			},
		}
		return swifota.ConsumerSink(consumer, size)
	}
	return &progressBarSink{bar: progressbar.New(size)}
}

func installCommand(o *runOptions) *cli.Command {
	return &cli.Command{
		Name:      "install",
		Usage:     "stream a CWE package into the staging partition",
		ArgsUsage: "<package-file|->",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("swifota install: missing <package-file> argument")
			}
			cfg, table, err := o.load()
			if err != nil {
				return err
			}
			partIdx, ok := table.StagingPartition(cfg.StagingVolumeName)
			if !ok {
				return errors.Errorf("swifota install: no partition named %q in partition table", cfg.StagingVolumeName)
			}

			src, size, err := openSource(path)
			if err != nil {
				return err
			}
			defer src.Close()

			store := resume.NewMirrorStore(cfg.StoreDir, "resume")
			// A fresh install never trusts a stale context lingering from
			// a previous, unrelated package.
			_ = store.Abort()

			return runInstall(cfg, backendFor(cfg, table), partIdx, src, resume.Context{},
				patchSourceIndex(cfg, table), progressSinkFor(o.quiet, size), store)
		},
	}
}

// patchSourceIndex resolves cfg.PatchSourcePartition to a partition index,
// or -1 when delta-patch support is not configured.
func patchSourceIndex(cfg *conf.Config, table *conf.PartitionTable) int {
	if cfg.PatchSourcePartition == "" {
		return -1
	}
	idx, ok := table.ByName(cfg.PatchSourcePartition)
	if !ok {
		log.WithField("partition", cfg.PatchSourcePartition).
			Warn("swifota: configured patch source partition not in partition table")
		return -1
	}
	return idx
}

func resumeCommand(o *runOptions) *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "continue an interrupted install",
		ArgsUsage: "<package-file>",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("swifota resume: missing <package-file> argument (the same file passed to install)")
			}
			cfg, table, err := o.load()
			if err != nil {
				return err
			}
			partIdx, ok := table.StagingPartition(cfg.StagingVolumeName)
			if !ok {
				return errors.Errorf("swifota resume: no partition named %q in partition table", cfg.StagingVolumeName)
			}

			store := resume.NewMirrorStore(cfg.StoreDir, "resume")
			saved, err := store.Load()
			if err != nil {
				return errors.Wrap(err, "swifota resume: no resume context found, nothing to resume")
			}

			f, err := os.Open(path)
			if err != nil {
				return errors.Wrap(err, "swifota resume: open package file")
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			// The outer APPL's nested-image accounting only exists on the
			// call stack of the cwe.WalkContainer call that built it, so a
			// resumed process cannot seek into the middle of that
			// recursion: it re-walks the package from byte zero and has
			// installVisitor silently discard every leaf already recorded
			// as durable in saved.TotalRead, writing for real only once it
			// reaches the image that follows the last persisted boundary.
			return runInstall(cfg, backendFor(cfg, table), partIdx, f, saved,
				patchSourceIndex(cfg, table), progressSinkFor(o.quiet, info.Size()), store)
		},
	}
}

func abortCommand(o *runOptions) *cli.Command {
	return &cli.Command{
		Name:  "abort",
		Usage: "abandon an in-progress install and discard its resume context",
		Action: func(ctx *cli.Context) error {
			cfg, _, err := o.load()
			if err != nil {
				return err
			}
			store := resume.NewMirrorStore(cfg.StoreDir, "resume")
			if err := store.Abort(); err != nil {
				return errors.Wrap(err, "swifota abort")
			}
			log.Info("swifota: aborted, resume context discarded")
			return nil
		},
	}
}

func statusCommand(o *runOptions) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the current install status",
		Action: func(ctx *cli.Context) error {
			cfg, _, err := o.load()
			if err != nil {
				return err
			}
			store := resume.NewMirrorStore(cfg.StoreDir, "resume")
			saved, err := store.Load()
			if status.CodeOf(err) == status.NotFound {
				os.Stdout.WriteString(string(status.LabelIdle) + "\n")
				return nil
			}
			if err != nil {
				return err
			}
			os.Stdout.WriteString(string(status.LabelDownloading) + "\n")
			log.WithFields(log.Fields{
				"imageType":     saved.ImageType,
				"currentOffset": saved.CurrentOffset,
				"totalRead":     saved.TotalRead,
			}).Info("swifota: resume context found")
			return nil
		},
	}
}

func scanCommand(o *runOptions) *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "scan a partition and report the UBI volumes found",
		ArgsUsage: "<partition-name>",
		Action: func(ctx *cli.Context) error {
			name := ctx.Args().First()
			if name == "" {
				return errors.New("swifota scan: missing <partition-name> argument")
			}
			cfg, table, err := o.load()
			if err != nil {
				return err
			}
			partIdx, ok := table.ByName(name)
			if !ok {
				return errors.Errorf("swifota scan: no partition named %q", name)
			}

			backend := backendFor(cfg, table)
			h, _, err := flash.Open(backend, partIdx, flash.ModeReadOnly|flash.ModeUBI)
			if err != nil {
				return err
			}
			defer flash.Close(h)
			if err := flash.Scan(h); err != nil {
				return err
			}

			container, err := ubi.Open(h, 0)
			if err != nil {
				if status.CodeOf(err) == status.FormatError {
					log.WithField("partition", name).Info("swifota scan: not a UBI container")
					return nil
				}
				return err
			}
			for _, v := range container.Volumes() {
				log.WithFields(log.Fields{
					"id":           v.ID,
					"name":         v.Name,
					"type":         v.Type,
					"reservedPebs": v.ReservedPebs,
				}).Info("swifota scan: volume")
			}
			return nil
		},
	}
}

// openSource opens path for reading, or wraps stdin if path is "-". size
// is the known length, or -1 if it cannot be determined up front (stdin).
func openSource(path string) (io.ReadCloser, int64, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), -1, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "swifota: open package file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// patchEnv lazily opens the reference partition delta images patch
// against, resolving origin volumes by the patch meta's volume ID. One
// environment serves a whole install; close releases the flash handle if
// a source was ever opened.
type patchEnv struct {
	backend flash.Backend
	partIdx int // -1 when delta support is not configured
	runner  patch.PatchRunner

	h         flash.Handle
	container *ubi.Container
	opened    bool
}

func (p *patchEnv) sourceFor(volID int32) (patch.SourceReader, error) {
	if volID == patch.OriginNone {
		return nil, nil
	}
	if p.partIdx < 0 {
		return nil, status.New(status.Unsupported,
			"swifota: delta image needs a source volume but no patch source partition is configured")
	}
	if !p.opened {
		h, _, err := flash.Open(p.backend, p.partIdx, flash.ModeReadOnly|flash.ModeUBI)
		if err != nil {
			return nil, err
		}
		if err := flash.Scan(h); err != nil {
			flash.Close(h)
			return nil, err
		}
		container, err := ubi.Open(h, 0)
		if err != nil {
			flash.Close(h)
			return nil, err
		}
		p.h, p.container, p.opened = h, container, true
	}
	return p.container.ScanVolume(uint32(volID))
}

func (p *patchEnv) close() {
	if p.opened {
		flash.Close(p.h)
		p.opened = false
	}
}

// patchDest routes a patch chunk's destination bytes into the staging
// writer's ordinary sequential path, flagged as patch-derived.
type patchDest struct {
	w *swifota.Writer
}

func (d *patchDest) Write(data []byte) (int, error) {
	return d.w.Write(data, true)
}

// runInstall drives the shared install/resume core: open the staging
// writer at the saved context's offset (zero-valued for a fresh install),
// walk the CWE container from src from its true beginning, dispatch each
// leaf image to a plain Write, a delta-patch apply, or the nested-UBI
// bookkeeping calls per cfg.NestedUbiImages, and persist a resume context
// after every image boundary. Leaf images already
// accounted for by saved.TotalRead are discarded rather than rewritten,
// since src always starts at byte zero here -- see resumeCommand.
func runInstall(cfg *conf.Config, backend flash.Backend, partIdx int, src io.Reader, saved resume.Context, srcPartIdx int, sink swifota.ProgressSink, store *resume.MirrorStore) error {
	w, err := swifota.Open(backend, partIdx, cfg.StagingVolumeName, saved.CurrentOffset, sink)
	if err != nil {
		return errors.Wrap(err, "swifota: open staging writer")
	}
	if saved.CurrentOffset > 0 {
		w.SeedGlobalCrc(saved.CurrentGlobalCrc)
	}

	pe := &patchEnv{
		backend: backend,
		partIdx: srcPartIdx,
		runner:  patch.NewExecRunner(patch.OSCommander{}, cfg.PatchBinaryPath),
	}
	defer pe.close()

	totalRead := uint64(0)
	ctxCounter := saved.CtxCounter
	allowed := cfg.ProductIDAllowList()

	err = cwe.WalkContainer(src, allowed, installVisitor(src, w, cfg, pe, &totalRead, saved.TotalRead, store, &ctxCounter))
	if err != nil {
		w.Close(true)
		return errors.Wrap(err, "swifota: install failed, resume context left in place")
	}

	if err := w.Close(false); err != nil {
		return errors.Wrap(err, "swifota: close staging writer")
	}
	if err := store.Abort(); err != nil {
		log.WithError(err).Warn("swifota: failed to clear resume context after successful install")
	}
	log.WithField("globalCrc", w.GlobalCrc()).Info("swifota: install complete")
	return nil
}

// installVisitor returns a cwe.Visitor that writes each leaf image's
// payload through w, routing CWE image types listed in
// cfg.NestedUbiImages through the nested-UBI bookkeeping calls, payloads
// opening with a delta-patch magic through the imgdiff apply machinery,
// and everything else through a plain Write; it persists a resume context
// after every image completes. Images entirely accounted for by skipUntil
// are read and discarded without touching w, since their bytes are
// already durable.
func installVisitor(src io.Reader, w *swifota.Writer, cfg *conf.Config, pe *patchEnv, totalRead *uint64, skipUntil uint64, store *resume.MirrorStore, ctxCounter *uint64) cwe.Visitor {
	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)

	return func(h cwe.Header) error {
		if *totalRead+uint64(h.ImageSize) <= skipUntil {
			if _, err := io.CopyN(ioutil.Discard, src, int64(h.ImageSize)); err != nil {
				return status.Wrap(status.IOError, err, "swifota: discard already-installed image")
			}
			*totalRead += uint64(h.ImageSize)
			return nil
		}

		w.BeginImage()
		nestedSpec, nested := cfg.NestedUbiImages[h.ImageType.String()]

		if nested {
			if err := w.OpenUbi(0, false); err != nil {
				return err
			}
			volType := ubi.VolStatic
			if nestedSpec.Dynamic {
				volType = ubi.VolDynamic
			}
			if err := w.OpenUbiVolume(nestedSpec.VolID, volType, -1, nestedSpec.Name); err != nil {
				return err
			}
		}

		remaining := h.ImageSize

		// A leaf payload opening with a delta magic is an imgdiff patch
		// against a reference volume, not literal image bytes. The CWE
		// header has no marker of its own for this, so the leading meta
		// record is the dispatch signal.
		if !nested && remaining >= uint32(patch.MetaSize) {
			metaBuf := make([]byte, patch.MetaSize)
			if _, err := io.ReadFull(src, metaBuf); err != nil {
				return status.Wrap(status.IOError, err, "swifota: read image payload")
			}
			*totalRead += uint64(patch.MetaSize)
			remaining -= uint32(patch.MetaSize)

			if meta, err := patch.DecodeMeta(metaBuf); err == nil {
				if err := applyDeltaImage(src, w, pe, meta, metaBuf, remaining); err != nil {
					return err
				}
				*totalRead += uint64(remaining)
				remaining = 0
			} else if _, err := w.Write(metaBuf, false); err != nil {
				return err
			}
		}

		for remaining > 0 {
			n := uint32(len(buf))
			if n > remaining {
				n = remaining
			}
			if _, err := io.ReadFull(src, buf[:n]); err != nil {
				return status.Wrap(status.IOError, err, "swifota: read image payload")
			}
			*totalRead += uint64(n)
			remaining -= n

			if nested {
				if _, err := w.WriteUbi(buf[:n], remaining == 0); err != nil {
					return err
				}
			} else if _, err := w.Write(buf[:n], false); err != nil {
				return err
			}
		}

		if nested {
			if err := w.CloseUbiVolume(false); err != nil {
				return err
			}
			if err := w.CloseUbi(false); err != nil {
				return err
			}
		}

		if h.ImageType != cwe.ImageTypeAppl && w.CurrentImageCrc() != h.Crc32 {
			return status.New(status.FormatError, "swifota: image CRC mismatch for "+h.ImageType.String())
		}
		// Checkpoint (not Flush) durably commits any partial LEB left at
		// this boundary without advancing past it, so a following image
		// that continues the same LEB overwrites this checkpoint with the
		// real, contiguous bytes instead of leaving a padded gap behind.
		if err := w.Checkpoint(); err != nil {
			return err
		}

		*ctxCounter++
		ctx := resume.Context{
			CtxCounter:       *ctxCounter,
			ImageType:        h.ImageType,
			ImageSize:        uint64(h.ImageSize),
			ImageCrc:         h.Crc32,
			CurrentImageCrc:  0,
			GlobalCrc:        w.GlobalCrc(),
			CurrentGlobalCrc: w.GlobalCrc(),
			TotalRead:        *totalRead,
			CurrentOffset:    w.GetOffset(),
		}
		if _, err := store.Save(ctx); err != nil {
			log.WithError(err).Warn("swifota: failed to persist resume context at image boundary")
		}
		return nil
	}
}

// applyDeltaImage feeds a delta leaf through patch.ApplyPatch: metaBuf is
// the already-consumed meta record (re-presented to the applier, which
// reads it back off the front of the stream), remaining the patch bytes
// still on src. The destination bytes land in the staging writer through
// the same sequential path as a plain image, so the caller's running-CRC
// check against the CWE header covers the patched output -- the
// destination CRC is authoritative for delta images.
func applyDeltaImage(src io.Reader, w *swifota.Writer, pe *patchEnv, meta patch.Meta, metaBuf []byte, remaining uint32) error {
	source, err := pe.sourceFor(meta.OriginVolID)
	if err != nil {
		return err
	}

	limited := io.LimitReader(src, int64(remaining))
	stream := io.MultiReader(bytes.NewReader(metaBuf), limited)
	written, err := patch.ApplyPatch(stream, source, &patchDest{w: w}, pe.runner)
	if err != nil {
		return errors.Wrap(err, "swifota: apply delta image")
	}
	// Trailing padding after the last chunk is legal; it still counts
	// against the image's declared size.
	if _, err := io.Copy(ioutil.Discard, limited); err != nil {
		return status.Wrap(status.IOError, err, "swifota: drain delta image padding")
	}
	log.WithFields(log.Fields{"written": written, "originVol": meta.OriginVolID}).
		Debug("swifota: applied delta image")
	return nil
}
