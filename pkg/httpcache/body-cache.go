package httpcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"marquee/pkg/fetch"
	"marquee/pkg/utils/hash"
	"marquee/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var bodyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marquee_http_cache_requests_total",
	Help: "Total number of body cache requests.",
}, []string{"status" /* hit | downloaded | direct | error */})

// BodyCache resolves a URL to its body, downloading into the store on a
// miss. Concurrent requests for one URL share a single download.
type BodyCache struct {
	store   BodyStore
	fetcher fetch.Fetcher
	// maxDirect caps in-memory fetches used when the store is unavailable.
	maxDirect int64
	logger    *logger.Logger

	group singleflight.Group
}

func New(store BodyStore, fetcher fetch.Fetcher, maxDirect int64, log *logger.Logger) *BodyCache {
	if log == nil {
		log = logger.NewNop()
	}
	return &BodyCache{
		store:     store,
		fetcher:   fetcher,
		maxDirect: maxDirect,
		logger:    log,
	}
}

// Get returns the body at rawURL.
func (c *BodyCache) Get(ctx context.Context, rawURL string) ([]byte, error) {
	key := hash.DiskKey(rawURL)

	if c.store != nil {
		data, ok, err := c.store.Get(ctx, key)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
		if err != nil {
			c.logger.Warn(fmt.Sprintf("HTTP cache read %s: %v", key, err))
		}
		if ok {
			bodyRequests.WithLabelValues("hit").Inc()
			return data, nil
		}
	}

	// The shared download outlives a cancelled first caller; each caller
	// checks its own context once the result is in.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.download(shared, key, rawURL)
	})
	if err != nil {
		bodyRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *BodyCache) download(ctx context.Context, key, rawURL string) ([]byte, error) {
	if c.store != nil {
		// A download that finished between the caller's lookup and this call.
		if data, ok, err := c.store.Get(ctx, key); err == nil && ok {
			bodyRequests.WithLabelValues("hit").Inc()
			return data, nil
		}

		// The body is kept in memory as it is written, because the store may
		// trim it right after commit when it exceeds the budget.
		var (
			body    bytes.Buffer
			filled  bool
			fillErr error
		)
		err := c.store.Put(ctx, key, func(w io.Writer) error {
			filled = true
			body.Reset()
			_, fillErr = c.fetcher.Fetch(ctx, rawURL, io.MultiWriter(w, &body), c.maxDirect)
			return fillErr
		})
		switch {
		case filled && fillErr == nil:
			if err != nil {
				c.logger.Warn(fmt.Sprintf("HTTP cache write %s: %v", key, err))
			}
			bodyRequests.WithLabelValues("downloaded").Inc()
			return body.Bytes(), nil
		case filled:
			return nil, fillErr
		case err == nil:
			// Another writer holds the entry; it may have committed by now.
			if data, ok, err := c.store.Get(ctx, key); err == nil && ok {
				bodyRequests.WithLabelValues("hit").Inc()
				return data, nil
			}
		case !errors.Is(err, ErrUnavailable):
			return nil, err
		}
	}

	// No store, or the entry was being written elsewhere.
	data, err := fetch.FetchBytes(ctx, c.fetcher, rawURL, c.maxDirect)
	if err != nil {
		return nil, err
	}
	bodyRequests.WithLabelValues("direct").Inc()
	return data, nil
}

func (c *BodyCache) Init() {
	if c.store != nil {
		c.store.Init()
	}
}

func (c *BodyCache) Clear() error {
	if c.store == nil {
		return nil
	}
	return c.store.Clear()
}

func (c *BodyCache) Flush() error {
	if c.store == nil {
		return nil
	}
	return c.store.Flush()
}

func (c *BodyCache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
