package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"marquee/pkg/loader"

	"golang.org/x/sync/errgroup"
)

const DefaultPrefetchParallelism = 4

// PrefetchResult counts the outcome of a prefetch run.
type PrefetchResult struct {
	Loaded int64
	Failed int64
}

// Prefetch warms the caches with reqs, at most parallelism at a time.
// Individual failures are counted, not returned; only ctx ending aborts the run.
func (engine *MarqueeEngine) Prefetch(ctx context.Context, reqs []loader.Request, parallelism int) (PrefetchResult, error) {
	if parallelism <= 0 {
		parallelism = DefaultPrefetchParallelism
	}

	var loaded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		req := req
		g.Go(func() error {
			if _, err := engine.loadImageContext(gctx, req); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				engine.logger.Warn(fmt.Sprintf("Prefetch of %s (%s) failed: %v", req.Key, req.Variant, err))
				return nil
			}
			loaded.Add(1)
			return nil
		})
	}

	err := g.Wait()
	result := PrefetchResult{Loaded: loaded.Load(), Failed: failed.Load()}
	engine.logger.Info(fmt.Sprintf("Prefetch finished: %d loaded, %d failed", result.Loaded, result.Failed))
	return result, err
}

// CatalogRequests lists the poster and thumbnail of every movie on the first
// pages of each named catalog list.
func (engine *MarqueeEngine) CatalogRequests(ctx context.Context, lists []string, pages int) ([]loader.Request, error) {
	if pages <= 0 {
		pages = 1
	}

	var reqs []loader.Request
	seen := make(map[loader.Request]bool)
	add := func(req loader.Request) {
		if req.Key != "" && !seen[req] {
			seen[req] = true
			reqs = append(reqs, req)
		}
	}

	for _, list := range lists {
		for page := 1; page <= pages; page++ {
			p, err := engine.catalog.List(ctx, list, page)
			if err != nil {
				return nil, fmt.Errorf("listing %s page %d: %w", list, page, err)
			}
			for _, m := range p.Results {
				add(loader.Request{Key: engine.catalog.PosterURL(m), Variant: loader.Normal})
				add(loader.Request{Key: engine.catalog.ThumbnailURL(m), Variant: loader.Thumbnail})
			}
			if page >= p.TotalPages {
				break
			}
		}
	}
	return reqs, nil
}
