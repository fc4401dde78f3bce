// Package loader binds images to targets asynchronously. A request is
// answered from memory when possible, otherwise by a background task that
// consults the disk tier, then the network, and populates the cache.
//
// At most one task is in flight per target. Requesting the same image again
// keeps the running task; requesting a different one cancels it. Only the
// last task dispatched for a target may ever bind its result.
package loader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"marquee/pkg/cachemanager"
	"marquee/pkg/fetch"
	"marquee/pkg/httpcache"
	"marquee/pkg/imagecache"
	"marquee/pkg/utils/gate"
	"marquee/pkg/utils/logger"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWidth             = 1024
	DefaultHeight            = 1024
	DefaultThumbnailMaxBytes = 70 * 1024
	DefaultFadeInDuration    = 200 * time.Millisecond
	MinWorkers               = 2

	placeholderCacheSize = 16
)

var (
	ErrExitEarly = errors.New("loader: exiting early")
	ErrNoImage   = errors.New("loader: no image produced")
)

type Options struct {
	Width, Height     int
	Workers           int
	ThumbnailMaxBytes int64
	FadeIn            bool
	FadeInDuration    time.Duration

	Fetcher fetch.Fetcher
	// Bodies caches full-size downloads. Without one, normal requests fetch
	// straight into memory.
	Bodies *httpcache.BodyCache
	Logger *logger.Logger
}

type Loader struct {
	fetcher           fetch.Fetcher
	bodies            *httpcache.BodyCache
	thumbnailMaxBytes int64
	logger            *logger.Logger

	looper  *Looper
	manager *cachemanager.CacheManager
	workers *semaphore.Weighted
	paused  *gate.Gate

	cache     atomic.Pointer[imagecache.ImageCache]
	exitEarly atomic.Bool

	placeholders *lru.Cache[string, image.Image]

	// Owned by the looper.
	width, height int
	fadeIn        bool
	fadeDuration  time.Duration
	pending       map[Target]*task
	nextID        uint64

	baseCtx context.Context
	stop    context.CancelFunc
	tasks   sync.WaitGroup
	closed  atomic.Bool
}

func New(opts Options) (*Loader, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("loader: fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Workers < MinWorkers {
		opts.Workers = MinWorkers
	}
	if opts.ThumbnailMaxBytes <= 0 {
		opts.ThumbnailMaxBytes = DefaultThumbnailMaxBytes
	}
	if opts.FadeInDuration <= 0 {
		opts.FadeInDuration = DefaultFadeInDuration
	}
	if opts.Bodies == nil {
		opts.Bodies = httpcache.New(nil, opts.Fetcher, 0, opts.Logger)
	}

	placeholders, err := lru.New[string, image.Image](placeholderCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	l := &Loader{
		fetcher:           opts.Fetcher,
		bodies:            opts.Bodies,
		thumbnailMaxBytes: opts.ThumbnailMaxBytes,
		logger:            opts.Logger,
		looper:            NewLooper(),
		manager:           cachemanager.NewCacheManager(opts.Logger),
		workers:           semaphore.NewWeighted(int64(opts.Workers)),
		paused:            gate.New(false),
		placeholders:      placeholders,
		width:             opts.Width,
		height:            opts.Height,
		fadeIn:            opts.FadeIn,
		fadeDuration:      opts.FadeInDuration,
		pending:           make(map[Target]*task),
		baseCtx:           ctx,
		stop:              stop,
	}

	l.manager.Register("image", imageSlot{l})
	l.manager.Register("http", l.bodies)
	l.manager.Init()
	return l, nil
}

// AddImageCache attaches the cache consulted before any task is dispatched and
// opens its disk tier in the background.
func (l *Loader) AddImageCache(c *imagecache.ImageCache) <-chan error {
	l.cache.Store(c)
	return l.manager.Init()
}

// ImageCache returns the attached cache or nil.
func (l *Loader) ImageCache() *imagecache.ImageCache {
	return l.cache.Load()
}

// Load binds the normal rendition of key to target.
func (l *Loader) Load(target Target, key string, placeholder image.Image) {
	l.LoadRequest(target, Request{Key: key, Variant: Normal}, placeholder)
}

// LoadThumbnail binds the thumbnail rendition of key to target.
func (l *Loader) LoadThumbnail(target Target, key string, placeholder image.Image) {
	l.LoadRequest(target, Request{Key: key, Variant: Thumbnail}, placeholder)
}

// LoadWithPlaceholderFile is Load with a placeholder read from path. Each
// path is decoded once and kept in a small LRU.
func (l *Loader) LoadWithPlaceholderFile(target Target, req Request, path string) {
	l.LoadRequest(target, req, l.placeholder(path))
}

func (l *Loader) placeholder(path string) image.Image {
	if path == "" {
		return nil
	}
	if img, ok := l.placeholders.Get(path); ok {
		return img
	}
	img, err := imagecache.DecodeSampledFile(path, DefaultWidth, DefaultHeight)
	if err != nil {
		l.logger.Warn(fmt.Sprintf("Placeholder %s unusable: %v", path, err))
		return nil
	}
	l.placeholders.Add(path, img)
	return img
}

// LoadRequest binds req to target. A memory hit is shown before LoadRequest
// returns; otherwise placeholder is shown and a task is dispatched.
func (l *Loader) LoadRequest(target Target, req Request, placeholder image.Image) {
	if target == nil || req.Key == "" {
		return
	}
	if !comparableTarget(target) {
		l.logger.Warn(fmt.Sprintf("Ignoring load of %s: target %T is not comparable", req.Key, target))
		return
	}
	l.looper.Do(func() {
		if c := l.cache.Load(); c != nil {
			if img, ok := c.GetFromMemory(req.String()); ok {
				l.cancelLocked(target)
				loaderRequests.WithLabelValues("immediate").Inc()
				target.Show(img)
				return
			}
		}

		if !l.cancelPotentialWork(target, req) {
			loaderRequests.WithLabelValues("deduped").Inc()
			return
		}
		if l.closed.Load() {
			return
		}

		t := l.newTask(target, req)
		l.pending[target] = t
		loaderRequests.WithLabelValues("dispatched").Inc()
		target.ShowPlaceholder(placeholder)
		l.dispatch(t)
	})
}

// cancelPotentialWork reports whether a new task is needed. A running task
// for the same request is kept; one for a different request is cancelled.
func (l *Loader) cancelPotentialWork(target Target, req Request) bool {
	t, ok := l.pending[target]
	if !ok {
		return true
	}
	if t.req == req {
		return false
	}
	l.logger.Debug(fmt.Sprintf("Cancelling work for %s in favour of %s", t.req.Key, req.Key))
	l.cancelLocked(target)
	return true
}

func (l *Loader) cancelLocked(target Target) {
	if t, ok := l.pending[target]; ok {
		t.cancel()
		delete(l.pending, target)
	}
}

// CancelWork cancels the task bound to target, if any.
func (l *Loader) CancelWork(target Target) {
	if !comparableTarget(target) {
		return
	}
	l.looper.Do(func() {
		l.cancelLocked(target)
	})
}

// SetPaused holds tasks before they touch disk or network. Unpausing
// releases every waiting task at once.
func (l *Loader) SetPaused(paused bool) {
	l.paused.Set(paused)
}

func (l *Loader) Paused() bool {
	return l.paused.IsClosed()
}

// ExitTasksEarly makes running tasks skip their work and drop their results.
// It also unpauses so that waiting tasks can observe the flag.
func (l *Loader) ExitTasksEarly(exit bool) {
	l.exitEarly.Store(exit)
	l.SetPaused(false)
}

func (l *Loader) SetFadeIn(enabled bool) {
	l.looper.Do(func() {
		l.fadeIn = enabled
	})
}

// SetImageSize changes the decode bounds for tasks dispatched afterwards.
func (l *Loader) SetImageSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	l.looper.Do(func() {
		l.width, l.height = width, height
	})
}

func (l *Loader) ClearCache() <-chan error { return l.manager.Clear() }
func (l *Loader) FlushCache() <-chan error { return l.manager.Flush() }
func (l *Loader) CloseCache() <-chan error { return l.manager.Close() }

// Close stops accepting work, waits for running tasks, then flushes and
// closes both caches.
func (l *Loader) Close() error {
	// Flipped on the looper so that no LoadRequest can dispatch once the
	// task group is being waited on.
	var first bool
	l.looper.Do(func() {
		first = l.closed.CompareAndSwap(false, true)
	})
	if !first {
		return nil
	}
	l.ExitTasksEarly(true)
	l.stop()
	l.tasks.Wait()
	l.looper.Stop()

	flushErr := <-l.manager.Flush()
	closeErr := <-l.manager.Close()
	l.manager.Stop()
	return multierr.Combine(flushErr, closeErr)
}

// imageSlot lets the cache manager drive whichever image cache is attached.
type imageSlot struct{ l *Loader }

func (s imageSlot) Init() {
	if c := s.l.cache.Load(); c != nil {
		c.Init()
	}
}

func (s imageSlot) Clear() error {
	if c := s.l.cache.Load(); c != nil {
		return c.Clear()
	}
	return nil
}

func (s imageSlot) Flush() error {
	if c := s.l.cache.Load(); c != nil {
		return c.Flush()
	}
	return nil
}

func (s imageSlot) Close() error {
	if c := s.l.cache.Load(); c != nil {
		return c.Close()
	}
	return nil
}
