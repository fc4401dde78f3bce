package cache

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marquee/pkg/journal"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringCodec struct{}

func (stringCodec) Encode(w io.Writer, v string) error {
	if v == "unencodable" {
		return errors.New("cannot encode")
	}
	_, err := io.WriteString(w, v)
	return err
}

func (stringCodec) Decode(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(string(b), "corrupt") {
		return "", errors.New("corrupt payload")
	}
	return string(b), nil
}

func (stringCodec) SizeOf(v string) int64 { return int64(len(v)) }

// gatedCodec blocks decoding of the value "slow" until release is closed.
type gatedCodec struct {
	stringCodec
	entered chan struct{}
	release chan struct{}
}

func (g gatedCodec) Decode(r io.Reader) (string, error) {
	v, err := g.stringCodec.Decode(r)
	if v == "slow" {
		close(g.entered)
		<-g.release
	}
	return v, err
}

func newTestCache(t *testing.T, dir string, mutate func(p *Params)) *ObjectCache[string] {
	t.Helper()
	p := Params{
		Name:             t.Name(),
		MemoryEnabled:    true,
		MemorySizeKB:     64,
		DiskEnabled:      true,
		DiskDir:          dir,
		DiskSize:         1 << 20,
		InitDiskOnCreate: true,
	}
	if mutate != nil {
		mutate(&p)
	}
	c, err := New[string](p, stringCodec{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestParams_SetMemoryPercent(t *testing.T) {
	p := &Params{}
	assert.ErrorIs(t, p.setMemoryPercent(0.04, 1<<30), ErrInvalidMemoryPercent)
	assert.ErrorIs(t, p.setMemoryPercent(0.81, 1<<30), ErrInvalidMemoryPercent)

	require.NoError(t, p.setMemoryPercent(0.15, 1<<30))
	assert.Equal(t, int64(157286), p.MemorySizeKB)

	require.NoError(t, p.setMemoryPercent(MinMemoryPercent, 1<<30))
	require.NoError(t, p.setMemoryPercent(MaxMemoryPercent, 1<<30))
}

func TestNewParams_Defaults(t *testing.T) {
	p := NewParams("image", "/tmp/x")
	assert.True(t, p.MemoryEnabled)
	assert.True(t, p.DiskEnabled)
	assert.False(t, p.InitDiskOnCreate)
	assert.Equal(t, int64(DefaultDiskCacheSize), p.DiskSize)
	assert.Greater(t, p.MemorySizeKB, int64(0))
}

func TestNew_RequiresCodec(t *testing.T) {
	_, err := New[string](Params{}, nil, nil)
	assert.Error(t, err)
}

func TestObjectCache_PutThenGetFromMemory(t *testing.T) {
	c := newTestCache(t, t.TempDir(), nil)
	c.Put("https://img/a.jpg", "pixels")

	v, ok := c.GetFromMemory("https://img/a.jpg")
	require.True(t, ok)
	assert.Equal(t, "pixels", v)
	assert.Equal(t, float64(1), testutil.ToFloat64(cacheLookups.WithLabelValues(t.Name(), "memory", "hit")))
}

func TestObjectCache_DiskRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir, nil)
	c.Put("k", "persisted")
	require.NoError(t, c.Flush())
	require.NoError(t, c.Close())

	c2 := newTestCache(t, dir, nil)
	_, ok := c2.GetFromMemory("k")
	assert.False(t, ok)

	v, ok := c2.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "persisted", v)
	assert.Equal(t, 0, c2.MemoryLen(), "disk hits are not promoted")
}

func TestObjectCache_DiskIsWriteOnce(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir, func(p *Params) { p.MemoryEnabled = false })
	c.Put("k", "first")
	c.Put("k", "second")

	v, ok := c.GetFromDisk(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "first", v)
	assert.Equal(t, float64(1), testutil.ToFloat64(cacheDiskWrites.WithLabelValues(t.Name(), "exists")))
}

func TestObjectCache_MemoryIsNotOverwrittenByPut(t *testing.T) {
	c := newTestCache(t, t.TempDir(), func(p *Params) { p.DiskEnabled = false })
	c.Put("k", "first")
	c.Put("k", "second")

	v, _ := c.GetFromMemory("k")
	assert.Equal(t, "first", v)
}

func TestObjectCache_CorruptEntryIsKeptByDefault(t *testing.T) {
	c := newTestCache(t, t.TempDir(), func(p *Params) { p.MemoryEnabled = false })
	c.Put("k", "corrupt-bytes")

	_, ok := c.GetFromDisk(context.Background(), "k")
	assert.False(t, ok)

	c.Put("k", "good")
	_, ok = c.GetFromDisk(context.Background(), "k")
	assert.False(t, ok, "write-once entries never self-heal")
}

func TestObjectCache_OverwriteOnCorrupt(t *testing.T) {
	c := newTestCache(t, t.TempDir(), func(p *Params) {
		p.MemoryEnabled = false
		p.OverwriteOnCorrupt = true
	})
	c.Put("k", "corrupt-bytes")
	c.Put("k", "good")

	v, ok := c.GetFromDisk(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "good", v)

	c.Put("k", "newer")
	v, _ = c.GetFromDisk(context.Background(), "k")
	assert.Equal(t, "good", v, "healthy entries stay write-once")
}

func TestObjectCache_EncodeFailureSkipsDiskOnly(t *testing.T) {
	c := newTestCache(t, t.TempDir(), nil)
	c.Put("k", "unencodable")

	_, ok := c.GetFromMemory("k")
	assert.True(t, ok)
	_, ok = c.GetFromDisk(context.Background(), "k")
	assert.False(t, ok)
}

func TestObjectCache_MemoryCostInKilobytes(t *testing.T) {
	c := newTestCache(t, t.TempDir(), func(p *Params) {
		p.MemorySizeKB = 3
		p.DiskEnabled = false
	})
	c.Put("empty", "")
	c.Put("two-kb", strings.Repeat("x", 2048))
	assert.Equal(t, int64(3), c.MemorySize())

	c.Put("one-and-a-half-kb", strings.Repeat("y", 1536))
	assert.LessOrEqual(t, c.MemorySize(), int64(3))
	_, ok := c.GetFromMemory("empty")
	assert.False(t, ok, "least recently used entry is evicted")
}

func TestObjectCache_ClearKeepsCacheUsable(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir, nil)
	c.Put("k", "v")

	c.Clear()
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.True(t, c.DiskOpen())

	c.Put("k2", "v2")
	require.NoError(t, c.Close())
	c2 := newTestCache(t, dir, nil)
	v, ok := c2.Get(context.Background(), "k2")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestObjectCache_CloseThenReinitialise(t *testing.T) {
	c := newTestCache(t, t.TempDir(), func(p *Params) { p.MemoryEnabled = false })
	c.Put("k", "v")
	require.NoError(t, c.Close())
	assert.False(t, c.DiskOpen())

	_, ok := c.GetFromDisk(context.Background(), "k")
	assert.False(t, ok)

	c.InitDiskStore()
	c.InitDiskStore()
	v, ok := c.GetFromDisk(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestObjectCache_DiskGetWaitsForInit(t *testing.T) {
	c := newTestCache(t, t.TempDir(), func(p *Params) { p.InitDiskOnCreate = false })

	done := make(chan bool, 1)
	go func() {
		_, ok := c.GetFromDisk(context.Background(), "k")
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("disk lookup returned before initialisation")
	case <-time.After(30 * time.Millisecond):
	}

	c.InitDiskStore()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("disk lookup was not released by initialisation")
	}
}

func TestObjectCache_DiskGetWaitIsCancellable(t *testing.T) {
	c := newTestCache(t, t.TempDir(), func(p *Params) { p.InitDiskOnCreate = false })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := c.GetFromDisk(ctx, "k")
	assert.False(t, ok)
}

func TestObjectCache_InsufficientSpaceDisablesDisk(t *testing.T) {
	c := newTestCache(t, filepath.Join(t.TempDir(), "img"), func(p *Params) { p.DiskSize = 1 << 62 })
	assert.False(t, c.DiskOpen())

	c.Put("k", "v")
	v, ok := c.Get(context.Background(), "k")
	require.True(t, ok, "memory tier keeps working")
	assert.Equal(t, "v", v)
}

func TestObjectCache_ClearDiskOnStart(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir, nil)
	c.Put("k", "v")
	require.NoError(t, c.Close())

	c2 := newTestCache(t, dir, func(p *Params) { p.ClearDiskOnStart = true })
	_, ok := c2.GetFromDisk(context.Background(), "k")
	assert.False(t, ok)
}

func TestObjectCache_LockedDirRunsMemoryOnly(t *testing.T) {
	dir := t.TempDir()
	held, err := journal.Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer held.Close()

	c := newTestCache(t, dir, nil)
	assert.False(t, c.DiskOpen())

	c.Put("k", "v")
	v, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestObjectCache_DecodeDoesNotBlockOtherDiskReads(t *testing.T) {
	codec := gatedCodec{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New[string](Params{
		Name:             t.Name(),
		DiskEnabled:      true,
		DiskDir:          t.TempDir(),
		DiskSize:         1 << 20,
		InitDiskOnCreate: true,
	}, codec, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Put("a", "slow")
	c.Put("b", "fast")

	slow := make(chan string, 1)
	go func() {
		v, _ := c.GetFromDisk(context.Background(), "a")
		slow <- v
	}()
	select {
	case <-codec.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow decode never started")
	}

	fast := make(chan string, 1)
	go func() {
		v, _ := c.GetFromDisk(context.Background(), "b")
		c.Put("c", "other")
		fast <- v
	}()
	select {
	case v := <-fast:
		assert.Equal(t, "fast", v)
	case <-time.After(5 * time.Second):
		t.Fatal("disk access blocked behind a decode")
	}

	close(codec.release)
	assert.Equal(t, "slow", <-slow)
}

func TestNew_RejectsNonPositiveMemory(t *testing.T) {
	_, err := New[string](Params{MemoryEnabled: true}, stringCodec{}, nil)
	assert.Error(t, err)
}
