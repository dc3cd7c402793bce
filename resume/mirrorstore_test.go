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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx := Context{
		CtxCounter:      7,
		ImageSize:       12345,
		ImageCrc:        0xdeadbeef,
		TotalRead:       999,
		CurrentOffset:   500,
		FullImageLength: 20000,
		MiscOpts:        1,
		Flags:           2,
	}
	copy(ctx.ImageType[:], "USER")

	buf := Encode(ctx)
	require.Len(t, buf, RecordSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, ctx.CtxCounter, got.CtxCounter)
	require.Equal(t, ctx.ImageType, got.ImageType)
	require.Equal(t, ctx.CurrentOffset, got.CurrentOffset)
}

func TestDecodeRejectsCorruptCrc(t *testing.T) {
	buf := Encode(Context{CtxCounter: 1})
	buf[0] ^= 0xFF
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestMirrorStoreSaveLoadAlternates(t *testing.T) {
	dir := t.TempDir()
	store := NewMirrorStore(dir, "resume")

	ctx1, err := store.Save(Context{CurrentOffset: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ctx1.CtxCounter)
	require.FileExists(t, filepath.Join(dir, "resume.a"))

	ctx2, err := store.Save(Context{CurrentOffset: 200})
	require.NoError(t, err)
	require.Equal(t, uint64(2), ctx2.CtxCounter)
	require.FileExists(t, filepath.Join(dir, "resume.b"))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(2), loaded.CtxCounter)
	require.Equal(t, uint64(200), loaded.CurrentOffset)
}

func TestMirrorStoreLoadPicksHigherCounterWithValidCrc(t *testing.T) {
	dir := t.TempDir()
	store := NewMirrorStore(dir, "resume")

	_, err := store.Save(Context{CurrentOffset: 1})
	require.NoError(t, err)
	_, err = store.Save(Context{CurrentOffset: 2})
	require.NoError(t, err)

	// Corrupt the mirror with the higher counter (resume.b); Load must
	// fall back to the still-valid lower-counter mirror.
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "resume.b"), []byte("garbage-of-wrong-size"), 0600))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.CurrentOffset)
}

func TestMirrorStoreLoadNoMirrorsIsNotFound(t *testing.T) {
	store := NewMirrorStore(t.TempDir(), "resume")
	_, err := store.Load()
	require.Error(t, err)
}

func TestMirrorStoreAbortRemovesBoth(t *testing.T) {
	dir := t.TempDir()
	store := NewMirrorStore(dir, "resume")
	_, err := store.Save(Context{})
	require.NoError(t, err)
	_, err = store.Save(Context{})
	require.NoError(t, err)

	require.NoError(t, store.Abort())
	_, err0 := os.Stat(filepath.Join(dir, "resume.a"))
	_, err1 := os.Stat(filepath.Join(dir, "resume.b"))
	require.True(t, os.IsNotExist(err0))
	require.True(t, os.IsNotExist(err1))
}
