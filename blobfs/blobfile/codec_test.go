package blobfile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	fac, _ := newFactory(t, 4)
	namer := fac.Namer.(*fakeNamer)
	path := namer.PathForID(7)
	f, err := fac.Create(path, false, 256, nil, 7)
	require.NoError(t, err)
	f.SetSecureDelete(true)

	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())

	got, err := fac.LoadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, path, got.Path())
	assert.Equal(t, int64(256), got.Size())
	assert.Equal(t, int64(7), got.PersistentID())
	assert.False(t, got.ReadOnly())
	assert.True(t, got.SecureDelete())
	// The record carries identity only; the handle reopens on demand.
	assert.Len(t, readAll(t, got), 256)
	require.NoError(t, got.Close())
}

func TestRecordRoundTripReadOnlyUntracked(t *testing.T) {
	fac, dir := newFactory(t, 4)
	path := filepath.Join(dir, "ro.dat")
	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0640))
	f, err := fac.Create(path, true, -1, nil, -1)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())

	got, err := fac.LoadRecord(&buf)
	require.NoError(t, err)
	assert.True(t, got.ReadOnly())
	assert.Equal(t, int64(-1), got.PersistentID())
	require.NoError(t, got.Close())
}

func TestStoreRecordRejectsOverlongPath(t *testing.T) {
	fac, _ := newFactory(t, 4)
	f := fac.newFile(strings.Repeat("p", 70000), false, -1)
	var buf bytes.Buffer
	err := f.StoreRecord(&buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestLoadRecordRejectsBadMagic(t *testing.T) {
	fac, _ := newFactory(t, 4)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, int32(0x12345678)))
	_, err := fac.LoadRecord(&buf)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestLoadRecordRejectsBadVersion(t *testing.T) {
	fac, dir := newFactory(t, 4)
	path := filepath.Join(dir, "v.dat")
	f, err := fac.Create(path, false, 8, nil, -1)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())

	raw := buf.Bytes()
	binary.BigEndian.PutUint32(raw[4:8], 99)
	_, err = fac.LoadRecord(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestLoadRecordAdoptsExpectedPath(t *testing.T) {
	fac, dir := newFactory(t, 4)
	namer := fac.Namer.(*fakeNamer)
	tracker := fac.Tracker.(*fakeTracker)

	// Checkpoint taken under an old storage prefix.
	oldPath := filepath.Join(dir, "old-prefix", "blob-3.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(oldPath), 0750))
	f, err := fac.Create(oldPath, false, 16, nil, 3)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())

	// The file already sits where the namer expects it now.
	require.NoError(t, os.Rename(oldPath, namer.PathForID(3)))

	got, err := fac.LoadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, namer.PathForID(3), got.Path())
	assert.Contains(t, tracker.registered, namer.PathForID(3))
	require.NoError(t, got.Close())
}

func TestLoadRecordRelocates(t *testing.T) {
	fac, dir := newFactory(t, 4)
	namer := fac.Namer.(*fakeNamer)

	f, err := fac.Create(filepath.Join(dir, "stray-5.dat"), false, 16, nil, 5)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())

	// Recorded path still valid but not the canonical one: the namer
	// moves it into place.
	got, err := fac.LoadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, namer.PathForID(5), got.Path())
	assert.FileExists(t, namer.PathForID(5))
	assert.NoFileExists(t, filepath.Join(dir, "stray-5.dat"))
	require.NoError(t, got.Close())
}

func TestLoadRecordUnresolvableIsLost(t *testing.T) {
	fac, dir := newFactory(t, 4)
	f, err := fac.Create(filepath.Join(dir, "gone.dat"), false, 16, nil, 9)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(f.Path()))

	_, err = fac.LoadRecord(&buf)
	assert.ErrorIs(t, err, ErrFileLost)
}

func TestLoadRecordUntrackedMissingIsLost(t *testing.T) {
	fac, dir := newFactory(t, 4)
	f, err := fac.Create(filepath.Join(dir, "temp.dat"), false, 16, nil, -1)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(f.Path()))

	// No id, nothing to resolve against.
	_, err = fac.LoadRecord(&buf)
	assert.ErrorIs(t, err, ErrFileLost)
}

func TestVerifyAfterLoad(t *testing.T) {
	fac, dir := newFactory(t, 4)
	path := filepath.Join(dir, "check.dat")
	f, err := fac.Create(path, false, 128, nil, -1)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.StoreRecord(&buf))
	require.NoError(t, f.Close())

	got, err := fac.LoadRecord(&buf)
	require.NoError(t, err)
	assert.NoError(t, got.Verify())

	// Truncated behind our back.
	require.NoError(t, os.Truncate(path, 64))
	assert.ErrorIs(t, got.Verify(), ErrShortFile)
	require.NoError(t, got.Close())
}
