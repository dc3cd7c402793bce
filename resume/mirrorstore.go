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

package resume

import (
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/northern-embedded/swifota/status"
)

// MirrorStore keeps a Context durable across two named files in dir,
// alternating writes between them the way store.DirStore commits a
// single entry via temp-then-rename, generalized to two entries so one
// mirror is always left untouched by an in-flight write.
type MirrorStore struct {
	dir         string
	names       [2]string
	lastWritten int // index last read/written; -1 if neither mirror has been touched yet
}

// NewMirrorStore returns a store persisting to dir/baseName.a and
// dir/baseName.b.
func NewMirrorStore(dir, baseName string) *MirrorStore {
	return &MirrorStore{
		dir:         dir,
		names:       [2]string{baseName + ".a", baseName + ".b"},
		lastWritten: -1,
	}
}

func (m *MirrorStore) path(i int) string     { return filepath.Join(m.dir, m.names[i]) }
func (m *MirrorStore) tempPath(i int) string { return m.path(i) + "~" }

func (m *MirrorStore) readMirror(i int) (Context, bool) {
	buf, err := ioutil.ReadFile(m.path(i))
	if err != nil {
		return Context{}, false
	}
	ctx, err := Decode(buf)
	if err != nil {
		log.WithError(err).WithField("mirror", i).Warn("resume: corrupt mirror, ignoring")
		return Context{}, false
	}
	return ctx, true
}

// Load returns the mirror with the higher CtxCounter among the two copies
// that decode with a valid CRC. It is an error (status.NotFound) if
// neither mirror is readable -- the caller should then treat this as a
// fresh install with no resume state.
func (m *MirrorStore) Load() (Context, error) {
	c0, ok0 := m.readMirror(0)
	c1, ok1 := m.readMirror(1)
	switch {
	case ok0 && ok1:
		if c1.CtxCounter > c0.CtxCounter {
			m.lastWritten = 1
			return c1, nil
		}
		m.lastWritten = 0
		return c0, nil
	case ok0:
		m.lastWritten = 0
		return c0, nil
	case ok1:
		m.lastWritten = 1
		return c1, nil
	default:
		return Context{}, status.New(status.NotFound, "resume: no valid resume context found")
	}
}

// Save persists ctx to the mirror not most recently read or written,
// assigning it a CtxCounter higher than the other mirror's, and commits
// via write-to-temp-then-rename so a crash mid-write never corrupts the
// mirror being replaced.
func (m *MirrorStore) Save(ctx Context) (Context, error) {
	target := 0
	if m.lastWritten == 0 {
		target = 1
	}
	other := 1 - target
	otherCounter := uint64(0)
	if otherCtx, ok := m.readMirror(other); ok {
		otherCounter = otherCtx.CtxCounter
	}
	if ctx.CtxCounter <= otherCounter {
		ctx.CtxCounter = otherCounter + 1
	}

	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return ctx, status.Wrap(status.IOError, err, "resume: mkdir")
	}
	buf := Encode(ctx)
	if err := ioutil.WriteFile(m.tempPath(target), buf, 0600); err != nil {
		return ctx, status.Wrap(status.IOError, err, "resume: write temp mirror")
	}
	if err := os.Rename(m.tempPath(target), m.path(target)); err != nil {
		return ctx, status.Wrap(status.IOError, err, "resume: commit mirror")
	}

	m.lastWritten = target
	log.WithFields(log.Fields{"mirror": target, "ctxCounter": ctx.CtxCounter}).
		Debug("resume: persisted context")
	return ctx, nil
}

// Abort removes both mirrors; the resume context's lifecycle ends on
// successful completion or explicit abort.
func (m *MirrorStore) Abort() error {
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := os.Remove(m.path(i)); err != nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}
	m.lastWritten = -1
	return firstErr
}
