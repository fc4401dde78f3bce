package httpcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"marquee/pkg/journal"
	"marquee/pkg/utils/fs"
	"marquee/pkg/utils/gate"
	"marquee/pkg/utils/logger"
)

const (
	diskAppVersion = 1
	diskValueCount = 1
	bodyIndex      = 0
)

// DiskStore is a BodyStore on a journal in its own directory. Its lock and
// starting gate are independent of any object cache.
type DiskStore struct {
	dir    string
	size   int64
	logger *logger.Logger

	starting *gate.Gate

	mu    sync.Mutex
	store *journal.Store
}

func NewDiskStore(dir string, size int64, log *logger.Logger) *DiskStore {
	if size <= 0 {
		size = DefaultSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &DiskStore{
		dir:      dir,
		size:     size,
		logger:   log,
		starting: gate.New(true),
	}
}

func (d *DiskStore) Init() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initLocked()
}

func (d *DiskStore) initLocked() {
	defer d.starting.Open()

	if d.store != nil && !d.store.IsClosed() {
		return
	}
	d.store = nil

	if err := fs.EnsureDir(d.dir); err != nil {
		d.logger.Error(fmt.Sprintf("HTTP cache init: %v", err))
		return
	}
	free, err := fs.UsableSpace(d.dir)
	if err != nil || free <= d.size {
		d.logger.Warn(fmt.Sprintf("HTTP cache disabled at %s: free=%d budget=%d err=%v", d.dir, free, d.size, err))
		return
	}

	store, err := journal.Open(d.dir, diskAppVersion, diskValueCount, d.size)
	if err != nil {
		d.logger.Error(fmt.Sprintf("HTTP cache init: %v", err))
		return
	}
	d.store = store
	d.logger.Debug("HTTP cache initialized at " + d.dir)
}

// current waits for initialisation and returns the open journal, if any.
func (d *DiskStore) current(ctx context.Context) (*journal.Store, error) {
	if err := d.starting.Wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return nil, ErrUnavailable
	}
	return d.store, nil
}

func (d *DiskStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	store, err := d.current(ctx)
	if errors.Is(err, ErrUnavailable) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	snap, err := store.Get(key)
	if err != nil || snap == nil {
		return nil, false, err
	}
	defer snap.Close()

	data, err := snap.ReadAll(bodyIndex)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Put streams fill into a journal edit without holding the store lock, so
// downloads of different keys proceed in parallel. A concurrent edit of the
// same key makes Put a no-op.
func (d *DiskStore) Put(ctx context.Context, key string, fill func(w io.Writer) error) error {
	store, err := d.current(ctx)
	if err != nil {
		return err
	}

	ed, err := store.Edit(key)
	if err != nil || ed == nil {
		return err
	}
	w, err := ed.NewWriter(bodyIndex)
	if err != nil {
		_ = ed.Abort()
		return err
	}
	if err := fill(w); err != nil {
		w.Close()
		_ = ed.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		_ = ed.Abort()
		return err
	}
	return ed.Commit()
}

// Clear deletes every stored body and reopens an empty store.
func (d *DiskStore) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.starting.Close()
	var err error
	if d.store != nil && !d.store.IsClosed() {
		err = d.store.Delete()
		if err == nil {
			d.logger.Debug("HTTP cache cleared")
		}
		d.store = nil
	}
	d.initLocked()
	return err
}

func (d *DiskStore) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return nil
	}
	return d.store.Flush()
}

func (d *DiskStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil || d.store.IsClosed() {
		return nil
	}
	err := d.store.Close()
	d.store = nil
	return err
}

// Size is the byte total of stored bodies.
func (d *DiskStore) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return 0
	}
	return d.store.Size()
}
