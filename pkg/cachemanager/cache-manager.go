// Package cachemanager runs cache lifecycle operations off the caller's
// goroutine, one at a time and in submission order.
package cachemanager

import (
	"errors"
	"fmt"
	"sync"

	"marquee/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
)

var ErrStopped = errors.New("cachemanager: stopped")

var managerOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marquee_cache_manager_ops_total",
	Help: "Total number of background cache operations.",
}, []string{"op", "status" /* ok | error */})

// ICache is a cache whose storage lifecycle the manager drives.
type ICache interface {
	Init()
	Clear() error
	Flush() error
	Close() error
}

type Op int

const (
	OpInit Op = iota
	OpClear
	OpFlush
	OpClose
)

func (o Op) String() string {
	switch o {
	case OpInit:
		return "init"
	case OpClear:
		return "clear"
	case OpFlush:
		return "flush"
	case OpClose:
		return "close"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

type namedCache struct {
	name  string
	cache ICache
}

type task struct {
	op   Op
	done chan error
}

type CacheManager struct {
	logger *logger.Logger

	cachesMu sync.Mutex
	caches   []namedCache

	mu      sync.Mutex
	stopped bool

	tasks chan task
	wg    sync.WaitGroup
}

func NewCacheManager(log *logger.Logger) *CacheManager {
	if log == nil {
		log = logger.NewNop()
	}
	cm := &CacheManager{
		logger: log,
		tasks:  make(chan task, 16),
	}
	cm.wg.Add(1)
	go cm.loop()
	return cm
}

// Register adds a cache. Registering a nil cache is a no-op.
func (cm *CacheManager) Register(name string, cache ICache) {
	if cache == nil {
		return
	}
	cm.cachesMu.Lock()
	defer cm.cachesMu.Unlock()
	cm.caches = append(cm.caches, namedCache{name: name, cache: cache})
}

// Submit queues op against every registered cache. The returned channel
// yields the combined error once the op has run and is then closed.
func (cm *CacheManager) Submit(op Op) <-chan error {
	done := make(chan error, 1)

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.stopped {
		done <- ErrStopped
		close(done)
		return done
	}
	cm.tasks <- task{op: op, done: done}
	return done
}

func (cm *CacheManager) Init() <-chan error  { return cm.Submit(OpInit) }
func (cm *CacheManager) Clear() <-chan error { return cm.Submit(OpClear) }
func (cm *CacheManager) Flush() <-chan error { return cm.Submit(OpFlush) }
func (cm *CacheManager) Close() <-chan error { return cm.Submit(OpClose) }

// Stop runs every queued op and then ends the background goroutine.
func (cm *CacheManager) Stop() {
	cm.mu.Lock()
	if cm.stopped {
		cm.mu.Unlock()
		return
	}
	cm.stopped = true
	close(cm.tasks)
	cm.mu.Unlock()
	cm.wg.Wait()
}

func (cm *CacheManager) loop() {
	defer cm.wg.Done()
	for t := range cm.tasks {
		err := cm.run(t.op)
		t.done <- err
		close(t.done)
	}
}

func (cm *CacheManager) run(op Op) error {
	cm.cachesMu.Lock()
	caches := append([]namedCache(nil), cm.caches...)
	cm.cachesMu.Unlock()

	var errs error
	for _, nc := range caches {
		var err error
		switch op {
		case OpInit:
			nc.cache.Init()
		case OpClear:
			err = nc.cache.Clear()
		case OpFlush:
			err = nc.cache.Flush()
		case OpClose:
			err = nc.cache.Close()
		default:
			err = fmt.Errorf("unknown op %v", op)
		}
		if err != nil {
			cm.logger.Error(fmt.Sprintf("Cache %s %s failed: %v", nc.name, op, err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", nc.name, err))
		}
	}

	if errs != nil {
		managerOps.WithLabelValues(op.String(), "error").Inc()
	} else {
		managerOps.WithLabelValues(op.String(), "ok").Inc()
		cm.logger.Debug(fmt.Sprintf("Cache %s done for %d caches", op, len(caches)))
	}
	return errs
}
