package loader

import (
	"context"
	"errors"
	"fmt"
	"image"

	"marquee/pkg/fetch"
	"marquee/pkg/imagecache"
)

// task produces one image for one target. Its identity is what the looper
// compares before binding, so a superseded task can never bind.
type task struct {
	id            uint64
	req           Request
	target        Target
	width, height int

	ctx    context.Context
	cancel context.CancelFunc
}

func (l *Loader) newTask(target Target, req Request) *task {
	l.nextID++
	ctx, cancel := context.WithCancel(l.baseCtx)
	return &task{
		id:     l.nextID,
		req:    req,
		target: target,
		width:  l.width,
		height: l.height,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *Loader) dispatch(t *task) {
	l.tasks.Add(1)
	loaderInflight.Inc()
	go func() {
		defer l.tasks.Done()
		defer loaderInflight.Dec()

		var img image.Image
		err := l.workers.Acquire(t.ctx, 1)
		if err == nil {
			img, err = l.run(t)
			l.workers.Release(1)
		}
		if !l.looper.Post(func() { l.finish(t, img, err) }) {
			t.cancel()
		}
	}()
}

// checkpoint reports why a task should stop, if it should.
func (l *Loader) checkpoint(t *task) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if l.exitEarly.Load() {
		return ErrExitEarly
	}
	return nil
}

// run is the background half of a task.
func (l *Loader) run(t *task) (image.Image, error) {
	if err := l.paused.Wait(t.ctx); err != nil {
		return nil, err
	}
	if err := l.checkpoint(t); err != nil {
		return nil, err
	}

	key := t.req.String()
	c := l.cache.Load()
	var (
		img image.Image
		ok  bool
	)
	if c != nil {
		img, ok = c.GetFromDisk(t.ctx, key)
	}
	if !ok {
		if err := l.checkpoint(t); err != nil {
			return nil, err
		}

		var err error
		switch t.req.Variant {
		case Thumbnail:
			img, err = l.processThumbnail(t)
		default:
			img, err = l.processNormal(t)
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.logger.Error(fmt.Sprintf("Loading %s (%s): %v", t.req.Key, t.req.Variant, err))
			}
			return nil, err
		}
	}

	// A disk hit lands in memory here too; the disk tier is write-once.
	if c != nil {
		c.Put(key, img)
	}
	return img, nil
}

// processNormal resolves the full-size body through the body cache and
// decodes it sampled to the task's bounds.
func (l *Loader) processNormal(t *task) (image.Image, error) {
	data, err := l.bodies.Get(t.ctx, t.req.Key)
	if err != nil {
		return nil, err
	}
	if err := l.checkpoint(t); err != nil {
		return nil, err
	}
	return imagecache.DecodeSampledBytes(data, t.width, t.height)
}

// processThumbnail fetches into a capped buffer with nothing persisted.
func (l *Loader) processThumbnail(t *task) (image.Image, error) {
	data, err := fetch.FetchBytes(t.ctx, l.fetcher, t.req.Key, l.thumbnailMaxBytes)
	if err != nil {
		return nil, err
	}
	if err := l.checkpoint(t); err != nil {
		return nil, err
	}
	return imagecache.DecodeSampledBytes(data, t.width, t.height)
}

// finish is the looper half of a task.
func (l *Loader) finish(t *task, img image.Image, err error) {
	defer t.cancel()

	if l.pending[t.target] != t {
		loaderTasks.WithLabelValues("superseded").Inc()
		return
	}
	delete(l.pending, t.target)

	if t.ctx.Err() != nil || l.exitEarly.Load() {
		loaderTasks.WithLabelValues("cancelled").Inc()
		return
	}
	if img == nil {
		loaderTasks.WithLabelValues("failed").Inc()
		if et, ok := t.target.(ErrorTarget); ok {
			if err == nil {
				err = ErrNoImage
			}
			et.ShowError(err)
		}
		return
	}

	loaderTasks.WithLabelValues("bound").Inc()
	if f, ok := t.target.(Fader); ok && l.fadeIn {
		f.FadeIn(img, l.fadeDuration)
		return
	}
	t.target.Show(img)
}
