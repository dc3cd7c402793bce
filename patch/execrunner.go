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
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/northern-embedded/swifota/status"
)

// Commander abstracts exec.Command so the runner can be tested with a
// stub binary and so a host with no shell can supply its own process
// launcher.
type Commander interface {
	Command(name string, arg ...string) *exec.Cmd
}

// OSCommander is the production Commander backed by os/exec.
type OSCommander struct{}

func (OSCommander) Command(name string, arg ...string) *exec.Cmd {
	return exec.Command(name, arg...)
}

// ExecRunner applies "normal" chunks by invoking an external bspatch-style
// binary: the chunk's source extent and patch payload are staged into a
// scratch directory, the binary is run as `<path> <src> <dst> <patch>`,
// and the produced destination file is streamed to dest.
type ExecRunner struct {
	cmd  Commander
	path string
}

// NewExecRunner builds a runner invoking the binary at path (e.g.
// "/usr/bin/bspatch") through cmd.
func NewExecRunner(cmd Commander, path string) *ExecRunner {
	return &ExecRunner{cmd: cmd, path: path}
}

func (r *ExecRunner) ApplyChunk(meta Meta, c Chunk, src SourceReader, patchData io.Reader, dest DestWriter) (uint64, error) {
	dir, err := ioutil.TempDir("", "swifota-patch")
	if err != nil {
		return 0, status.Wrap(status.NoMemory, err, "patch: scratch dir")
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "src")
	dstPath := filepath.Join(dir, "dst")
	patchPath := filepath.Join(dir, "patch")

	var srcBytes []byte
	if c.SrcLen > 0 {
		if src == nil {
			return 0, status.New(status.BadParameter, "patch: chunk names a source extent but no source is available")
		}
		srcBytes, err = src.ReadAt(c.SrcOffset, c.SrcLen)
		if err != nil {
			return 0, err
		}
	}
	if err := ioutil.WriteFile(srcPath, srcBytes, 0600); err != nil {
		return 0, status.Wrap(status.IOError, err, "patch: stage source extent")
	}

	pf, err := os.Create(patchPath)
	if err != nil {
		return 0, status.Wrap(status.IOError, err, "patch: stage patch payload")
	}
	if _, err := io.Copy(pf, patchData); err != nil {
		pf.Close()
		return 0, status.Wrap(status.IOError, err, "patch: stage patch payload")
	}
	if err := pf.Close(); err != nil {
		return 0, status.Wrap(status.IOError, err, "patch: stage patch payload")
	}

	cmd := r.cmd.Command(r.path, srcPath, dstPath, patchPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.WithField("output", string(out)).Error("patch: external patch binary failed")
		return 0, status.Wrapf(status.Fault, err, "patch: run %s", r.path)
	}

	produced, err := ioutil.ReadFile(dstPath)
	if err != nil {
		return 0, status.Wrap(status.IOError, err, "patch: read patched output")
	}
	n, err := dest.Write(produced)
	return uint64(n), err
}
