// Package cache composes a cost-bounded memory LRU and a journaled disk store
// into one two-tier cache over any value type. How values are serialised and
// weighed is supplied by a Codec.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"marquee/pkg/journal"
	"marquee/pkg/utils/fs"
	"marquee/pkg/utils/gate"
	"marquee/pkg/utils/hash"
	"marquee/pkg/utils/logger"
	"marquee/pkg/utils/system"
)

const (
	DefaultDiskCacheSize = 10 << 20
	DefaultMemoryPercent = 0.15
	MinMemoryPercent     = 0.05
	MaxMemoryPercent     = 0.8
	DefaultDiskCacheDir  = "ObjectCache"

	// DiskCacheIndex is the single value slot each disk entry uses.
	DiskCacheIndex = 0

	diskAppVersion = 1
	diskValueCount = 1
)

var ErrInvalidMemoryPercent = errors.New("cache: memory percent must be between 0.05 and 0.8 (inclusive)")

// Codec is the type-specific half of an ObjectCache.
type Codec[T any] interface {
	Encode(w io.Writer, v T) error
	Decode(r io.Reader) (T, error)
	// SizeOf is the resident size of v in bytes.
	SizeOf(v T) int64
}

// Params configures an ObjectCache.
type Params struct {
	// Name labels the cache in metrics and logs.
	Name string

	MemoryEnabled bool
	// MemorySizeKB is the memory tier capacity in kilobytes.
	MemorySizeKB int64

	DiskEnabled bool
	DiskDir     string
	DiskSize    int64

	// InitDiskOnCreate opens the disk store inside New. Leave false on
	// latency-sensitive callers and call InitDiskStore from a background task.
	InitDiskOnCreate bool
	// ClearDiskOnStart wipes the disk store the first time it is opened.
	ClearDiskOnStart bool
	// OverwriteOnCorrupt lets Put replace a disk entry that no longer decodes.
	// Off by default: entries are write-once and only Clear removes them.
	OverwriteOnCorrupt bool
}

// NewParams returns defaults for a cache named name rooted at diskDir.
func NewParams(name, diskDir string) *Params {
	p := &Params{
		Name:          name,
		MemoryEnabled: true,
		DiskEnabled:   true,
		DiskDir:       diskDir,
		DiskSize:      DefaultDiskCacheSize,
	}
	_ = p.SetMemoryPercent(DefaultMemoryPercent)
	return p
}

// SetMemoryPercent sizes the memory tier as a fraction of available memory.
func (p *Params) SetMemoryPercent(percent float64) error {
	return p.setMemoryPercent(percent, system.AvailableMemory())
}

func (p *Params) setMemoryPercent(percent float64, available uint64) error {
	if percent < MinMemoryPercent || percent > MaxMemoryPercent {
		return fmt.Errorf("%w: got %v", ErrInvalidMemoryPercent, percent)
	}
	p.MemorySizeKB = int64(math.Round(percent * float64(available) / 1024))
	return nil
}

// ObjectCache is safe for concurrent use. Memory lookups never block; disk
// lookups wait until a pending disk initialisation has finished.
type ObjectCache[T any] struct {
	params Params
	codec  Codec[T]
	logger *logger.Logger

	memory *MemoryCache[T]

	// starting is closed while the disk store is being (re)opened.
	starting *gate.Gate

	diskMu  sync.Mutex
	disk    *journal.Store
	cleared bool
}

func New[T any](params Params, codec Codec[T], log *logger.Logger) (*ObjectCache[T], error) {
	if codec == nil {
		return nil, errors.New("cache: codec is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if params.Name == "" {
		params.Name = "object"
	}

	c := &ObjectCache[T]{
		params:   params,
		codec:    codec,
		logger:   log,
		starting: gate.New(params.DiskEnabled),
	}

	if params.MemoryEnabled {
		if params.MemorySizeKB <= 0 {
			return nil, fmt.Errorf("cache %s: memory size must be positive, got %d KB", params.Name, params.MemorySizeKB)
		}
		c.memory = NewMemoryCache[T](params.MemorySizeKB, c.cost)
		evictions := cacheEvictions.WithLabelValues(params.Name)
		c.memory.OnEvict(func(string, T) { evictions.Inc() })
		c.logger.Debug(fmt.Sprintf("Memory cache %s created (size = %d KB)", params.Name, params.MemorySizeKB))
	}

	if params.InitDiskOnCreate {
		c.InitDiskStore()
	}
	return c, nil
}

// cost weighs an object in whole kilobytes with a floor of one.
func (c *ObjectCache[T]) cost(v T) int64 {
	kb := c.codec.SizeOf(v) / 1024
	if kb < 1 {
		return 1
	}
	return kb
}

// InitDiskStore opens the disk tier. It performs blocking I/O and is a no-op
// when the store is already open. The tier stays disabled for the session if
// the directory has less usable space than the configured budget.
func (c *ObjectCache[T]) InitDiskStore() {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	c.initDiskLocked()
}

func (c *ObjectCache[T]) initDiskLocked() {
	defer c.starting.Open()

	if c.disk != nil && !c.disk.IsClosed() {
		return
	}
	c.disk = nil
	if !c.params.DiskEnabled || c.params.DiskDir == "" {
		return
	}

	if err := fs.EnsureDir(c.params.DiskDir); err != nil {
		c.logger.Error(fmt.Sprintf("initDiskStore %s: %v", c.params.Name, err))
		return
	}
	free, err := fs.UsableSpace(c.params.DiskDir)
	if err != nil {
		c.logger.Error(fmt.Sprintf("initDiskStore %s: unable to read free space: %v", c.params.Name, err))
		return
	}
	if free <= c.params.DiskSize {
		c.logger.Warn(fmt.Sprintf("Disk cache %s disabled: %d bytes free at %s, budget is %d",
			c.params.Name, free, c.params.DiskDir, c.params.DiskSize))
		return
	}

	store, err := journal.Open(c.params.DiskDir, diskAppVersion, diskValueCount, c.params.DiskSize)
	if err != nil {
		c.logger.Error(fmt.Sprintf("initDiskStore %s: %v", c.params.Name, err))
		return
	}
	if c.params.ClearDiskOnStart && !c.cleared {
		c.cleared = true
		if err := store.Delete(); err != nil {
			c.logger.Error(fmt.Sprintf("initDiskStore %s: clear on start: %v", c.params.Name, err))
			return
		}
		if store, err = journal.Open(c.params.DiskDir, diskAppVersion, diskValueCount, c.params.DiskSize); err != nil {
			c.logger.Error(fmt.Sprintf("initDiskStore %s: %v", c.params.Name, err))
			return
		}
	}
	c.disk = store
	c.logger.Debug(fmt.Sprintf("Disk cache %s initialized at %s", c.params.Name, c.params.DiskDir))
}

// Get checks the memory tier, then the disk tier. A disk hit is not promoted
// into memory; callers decide whether to Put it.
func (c *ObjectCache[T]) Get(ctx context.Context, key string) (T, bool) {
	if v, ok := c.GetFromMemory(key); ok {
		return v, true
	}
	return c.GetFromDisk(ctx, key)
}

func (c *ObjectCache[T]) GetFromMemory(key string) (T, bool) {
	var zero T
	if c.memory == nil {
		return zero, false
	}
	v, ok := c.memory.Get(key)
	if ok {
		cacheLookups.WithLabelValues(c.params.Name, "memory", "hit").Inc()
		return v, true
	}
	cacheLookups.WithLabelValues(c.params.Name, "memory", "miss").Inc()
	return zero, false
}

// GetFromDisk blocks until any pending disk initialisation completes or ctx ends.
// The stored bytes are read under the disk lock and decoded after releasing it.
func (c *ObjectCache[T]) GetFromDisk(ctx context.Context, key string) (T, bool) {
	var zero T
	if err := c.starting.Wait(ctx); err != nil {
		return zero, false
	}

	diskKey := hash.DiskKey(key)
	data, ok, err := c.readBytes(diskKey)
	if err == nil && ok {
		var v T
		if v, err = c.decode(diskKey, data); err == nil {
			cacheLookups.WithLabelValues(c.params.Name, "disk", "hit").Inc()
			c.logger.Debug(fmt.Sprintf("Disk cache %s hit", c.params.Name))
			return v, true
		}
	}
	if err != nil {
		cacheLookups.WithLabelValues(c.params.Name, "disk", "error").Inc()
		c.logger.Error(fmt.Sprintf("getFromDisk %s: %v", c.params.Name, err))
		return zero, false
	}
	cacheLookups.WithLabelValues(c.params.Name, "disk", "miss").Inc()
	return zero, false
}

// readBytes copies the stored value for diskKey out of the store.
func (c *ObjectCache[T]) readBytes(diskKey string) ([]byte, bool, error) {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	if c.disk == nil {
		return nil, false, nil
	}
	snap, err := c.disk.Get(diskKey)
	if err != nil || snap == nil {
		return nil, false, err
	}
	defer snap.Close()

	data, err := snap.ReadAll(DiskCacheIndex)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", diskKey, err)
	}
	return data, true, nil
}

func (c *ObjectCache[T]) decode(diskKey string, data []byte) (T, error) {
	v, err := c.codec.Decode(bytes.NewReader(data))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", diskKey, err)
	}
	return v, nil
}

// Put stores v in memory unless already resident, and on disk unless an
// entry for key already exists there. Encoding failures only skip the disk write.
// Encoding and decoding run outside the disk lock.
func (c *ObjectCache[T]) Put(key string, v T) {
	if c.memory != nil && !c.memory.Contains(key) {
		c.memory.Set(key, v)
	}

	diskKey := hash.DiskKey(key)
	open, exists := c.diskState(diskKey)
	if !open {
		return
	}
	if exists {
		if !c.params.OverwriteOnCorrupt || !c.replaceCorrupt(diskKey) {
			cacheDiskWrites.WithLabelValues(c.params.Name, "exists").Inc()
			return
		}
	}

	var buf bytes.Buffer
	if err := c.codec.Encode(&buf, v); err != nil {
		cacheDiskWrites.WithLabelValues(c.params.Name, "error").Inc()
		c.logger.Error(fmt.Sprintf("put %s: encode %s: %v", c.params.Name, diskKey, err))
		return
	}
	if err := c.write(diskKey, buf.Bytes()); err != nil {
		cacheDiskWrites.WithLabelValues(c.params.Name, "error").Inc()
		c.logger.Error(fmt.Sprintf("put %s: %v", c.params.Name, err))
	}
}

func (c *ObjectCache[T]) diskState(diskKey string) (open, exists bool) {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	if c.disk == nil {
		return false, false
	}
	return true, c.disk.Contains(diskKey)
}

// replaceCorrupt removes the entry for diskKey when it no longer decodes and
// reports whether it did.
func (c *ObjectCache[T]) replaceCorrupt(diskKey string) bool {
	data, ok, err := c.readBytes(diskKey)
	if err == nil && ok {
		if _, err = c.decode(diskKey, data); err == nil {
			return false
		}
	}
	c.logger.Warn(fmt.Sprintf("Replacing undecodable disk entry %s in %s", diskKey, c.params.Name))

	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	if c.disk == nil {
		return false
	}
	if _, err := c.disk.Remove(diskKey); err != nil {
		c.logger.Error(fmt.Sprintf("put %s: %v", c.params.Name, err))
		return false
	}
	return true
}

// write commits data under diskKey unless another writer got there first.
func (c *ObjectCache[T]) write(diskKey string, data []byte) error {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	if c.disk == nil {
		return nil
	}
	if c.disk.Contains(diskKey) {
		cacheDiskWrites.WithLabelValues(c.params.Name, "exists").Inc()
		return nil
	}

	ed, err := c.disk.Edit(diskKey)
	if err != nil {
		return err
	}
	if ed == nil {
		cacheDiskWrites.WithLabelValues(c.params.Name, "busy").Inc()
		return nil
	}

	w, err := ed.NewWriter(DiskCacheIndex)
	if err != nil {
		_ = ed.Abort()
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		_ = ed.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		_ = ed.Abort()
		return err
	}
	if err := ed.Commit(); err != nil {
		return err
	}
	cacheDiskWrites.WithLabelValues(c.params.Name, "written").Inc()
	return nil
}

// Clear empties both tiers. The disk store is deleted and immediately
// reopened, so the cache stays usable.
func (c *ObjectCache[T]) Clear() error {
	if c.memory != nil {
		c.memory.Clear()
		c.logger.Debug(fmt.Sprintf("Memory cache %s cleared", c.params.Name))
	}

	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	c.starting.Close()
	var err error
	if c.disk != nil && !c.disk.IsClosed() {
		if err = c.disk.Delete(); err != nil {
			c.logger.Error(fmt.Sprintf("clear %s: %v", c.params.Name, err))
		} else {
			c.logger.Debug(fmt.Sprintf("Disk cache %s cleared", c.params.Name))
		}
		c.disk = nil
	}
	c.initDiskLocked()
	return err
}

// Flush forces the disk store's journal to stable storage.
func (c *ObjectCache[T]) Flush() error {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	if c.disk == nil {
		return nil
	}
	if err := c.disk.Flush(); err != nil {
		c.logger.Error(fmt.Sprintf("flush %s: %v", c.params.Name, err))
		return err
	}
	c.logger.Debug(fmt.Sprintf("Disk cache %s flushed", c.params.Name))
	return nil
}

// Close releases the disk store. InitDiskStore may reopen it later.
func (c *ObjectCache[T]) Close() error {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	if c.disk == nil || c.disk.IsClosed() {
		return nil
	}
	if err := c.disk.Close(); err != nil {
		c.logger.Error(fmt.Sprintf("close %s: %v", c.params.Name, err))
		return err
	}
	c.disk = nil
	c.logger.Debug(fmt.Sprintf("Disk cache %s closed", c.params.Name))
	return nil
}

// DiskOpen reports whether the disk tier is currently usable.
func (c *ObjectCache[T]) DiskOpen() bool {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	return c.disk != nil && !c.disk.IsClosed()
}

// MemoryLen is the number of resident memory entries.
func (c *ObjectCache[T]) MemoryLen() int {
	if c.memory == nil {
		return 0
	}
	return c.memory.Len()
}

// MemorySize is the memory tier's occupied cost in kilobytes.
func (c *ObjectCache[T]) MemorySize() int64 {
	if c.memory == nil {
		return 0
	}
	return c.memory.Size()
}

func (c *ObjectCache[T]) Params() Params {
	return c.params
}
