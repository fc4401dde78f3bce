package journal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, s *Store, key string, values ...string) {
	t.Helper()
	ed, err := s.Edit(key)
	require.NoError(t, err)
	require.NotNil(t, ed)
	for i, v := range values {
		w, err := ed.NewWriter(i)
		require.NoError(t, err)
		_, err = io.WriteString(w, v)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	require.NoError(t, ed.Commit())
}

func read(t *testing.T, s *Store, key string, index int) (string, bool) {
	t.Helper()
	snap, err := s.Get(key)
	require.NoError(t, err)
	if snap == nil {
		return "", false
	}
	defer snap.Close()
	data, err := snap.ReadAll(index)
	require.NoError(t, err)
	return string(data), true
}

func TestStore_EditCommitGet(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 2, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	put(t, s, "k1", "abc", "de")

	v0, ok := read(t, s, "k1", 0)
	require.True(t, ok)
	assert.Equal(t, "abc", v0)
	v1, _ := read(t, s, "k1", 1)
	assert.Equal(t, "de", v1)
	assert.Equal(t, int64(5), s.Size())
	assert.True(t, s.Contains("k1"))

	_, ok = read(t, s, "missing", 0)
	assert.False(t, ok)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	put(t, s, "poster", "jpeg-bytes")
	put(t, s, "gone", "x")
	_, err = s.Remove("gone")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer s2.Close()

	v, ok := read(t, s2, "poster", 0)
	require.True(t, ok)
	assert.Equal(t, "jpeg-bytes", v)
	_, ok = read(t, s2, "gone", 0)
	assert.False(t, ok)
	assert.Equal(t, int64(len("jpeg-bytes")), s2.Size())
}

func TestStore_VersionMismatchStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	put(t, s, "k", "v")
	require.NoError(t, s.Close())

	s2, err := Open(dir, 2, 1, 1<<20)
	require.NoError(t, err)
	defer s2.Close()
	_, ok := read(t, s2, "k", 0)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(dir, "k.0"))
}

func TestStore_IncompleteNewEntry(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 2, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	ed, err := s.Edit("half")
	require.NoError(t, err)
	w, err := ed.NewWriter(0)
	require.NoError(t, err)
	_, _ = io.WriteString(w, "only-one")
	require.NoError(t, w.Close())

	err = ed.Commit()
	assert.ErrorIs(t, err, ErrIncompleteEdit)
	_, ok := read(t, s, "half", 0)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_AbortKeepsPreviousValue(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 1, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	put(t, s, "k", "old")

	ed, err := s.Edit("k")
	require.NoError(t, err)
	w, err := ed.NewWriter(0)
	require.NoError(t, err)
	_, _ = io.WriteString(w, "new")
	require.NoError(t, ed.Abort())

	v, ok := read(t, s, "k", 0)
	require.True(t, ok)
	assert.Equal(t, "old", v)
	assert.NoError(t, ed.Abort(), "abort after abort is a no-op")
}

func TestStore_ConcurrentEditOfSameKey(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 1, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	ed, err := s.Edit("k")
	require.NoError(t, err)
	require.NotNil(t, ed)

	second, err := s.Edit("k")
	require.NoError(t, err)
	assert.Nil(t, second)
	require.NoError(t, ed.Abort())

	third, err := s.Edit("k")
	require.NoError(t, err)
	assert.NotNil(t, third)
	require.NoError(t, third.Abort())
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 1, 10)
	require.NoError(t, err)
	defer s.Close()

	put(t, s, "a", "aaaa")
	put(t, s, "b", "bbbb")
	_, ok := read(t, s, "a", 0)
	require.True(t, ok)

	put(t, s, "c", "cccc")

	assert.LessOrEqual(t, s.Size(), int64(10))
	_, ok = read(t, s, "b", 0)
	assert.False(t, ok, "b was least recently used")
	_, ok = read(t, s, "a", 0)
	assert.True(t, ok)
	_, ok = read(t, s, "c", 0)
	assert.True(t, ok)
}

func TestStore_SetMaxSizeTrims(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 1, 100)
	require.NoError(t, err)
	defer s.Close()

	put(t, s, "a", "aaaa")
	put(t, s, "b", "bbbb")
	require.NoError(t, s.SetMaxSize(4))
	assert.Equal(t, int64(4), s.Size())
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
}

func TestStore_TornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	put(t, s, "k", "value")
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{opClean, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer s2.Close()
	v, ok := read(t, s2, "k", 0)
	require.True(t, ok)
	assert.Equal(t, "value", v)

	put(t, s2, "after", "ok")
	require.NoError(t, s2.Close())

	s3, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer s3.Close()
	v, ok = read(t, s3, "after", 0)
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestStore_UnfinishedEditDiscardedOnReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)

	ed, err := s.Edit("crashy")
	require.NoError(t, err)
	w, err := ed.NewWriter(0)
	require.NoError(t, err)
	_, _ = io.WriteString(w, "partial")
	require.NoError(t, w.Close())
	// No commit and no close: simulate a crash.

	s2, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer s2.Close()

	_, ok := read(t, s2, "crashy", 0)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(dir, "crashy.0.tmp"))
	assert.Equal(t, int64(0), s2.Size())
}

func TestStore_CorruptHeaderStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, journalFile), []byte("not a journal"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.0"), []byte("x"), 0644))

	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 0, s.Len())
	assert.NoFileExists(t, filepath.Join(dir, "junk.0"))
	put(t, s, "k", "v")
	assert.True(t, s.Contains("k"))
}

func TestStore_CompactsRedundantRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	put(t, s, "k", "v")
	for i := 0; i < compactThreshold+10; i++ {
		_, ok := read(t, s, "k", 0)
		require.True(t, ok)
	}
	require.NoError(t, s.Flush())

	s.mu.Lock()
	redundant := s.redundant
	s.mu.Unlock()
	assert.Less(t, redundant, compactThreshold)

	info, err := os.Stat(filepath.Join(dir, journalFile))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(1024))
}

func TestStore_InvalidKey(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 1, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Edit("Has Spaces")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.Get("UPPER")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStore_ClosedAndDeleted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	put(t, s, "k", "v")

	require.NoError(t, s.Delete())
	assert.True(t, s.IsClosed())
	assert.NoDirExists(t, dir)

	_, err = s.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Edit("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestOpen_RejectsBadArguments(t *testing.T) {
	_, err := Open(t.TempDir(), 1, 0, 10)
	assert.Error(t, err)
	_, err = Open(t.TempDir(), 1, 1, 0)
	assert.Error(t, err)
}

func TestOpen_LocksDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)

	_, err = Open(dir, 1, 1, 1<<20)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Close())
	s2, err := Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	assert.NoError(t, s2.Close())
}
