// Package fetch downloads remote bodies for the image pipeline.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"marquee/pkg/ratelimit"
	"marquee/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/valyala/fasthttp"
)

const (
	// IOBufferSize is the copy buffer used while streaming bodies.
	IOBufferSize = 4 * 1024

	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "marquee/1.0"
)

var (
	ErrTooLarge = errors.New("fetch: response exceeds size limit")
	ErrStatus   = errors.New("fetch: unexpected status")
)

var fetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marquee_fetch_requests_total",
	Help: "Total number of upstream fetches.",
}, []string{"status" /* ok | too_large | status | error | cancelled */})

// Fetcher streams the body at a URL into w. maxBytes <= 0 means no cap.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, w io.Writer, maxBytes int64) (int64, error)
}

// Options configures an HTTPFetcher.
type Options struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int
	Limiter      ratelimit.Limiter
	Logger       *logger.Logger
}

// HTTPFetcher fetches over fasthttp with optional per-host throttling.
type HTTPFetcher struct {
	client    *fasthttp.Client
	timeout   time.Duration
	userAgent string
	limiter   ratelimit.Limiter
	logger    *logger.Logger
}

func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &HTTPFetcher{
		client: &fasthttp.Client{
			Name:                     opts.UserAgent,
			StreamResponseBody:       true,
			MaxResponseBodySize:      opts.MaxBodyBytes,
			ReadBufferSize:           IOBufferSize,
			NoDefaultUserAgentHeader: true,
		},
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		limiter:   opts.Limiter,
		logger:    opts.Logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer, maxBytes int64) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		fetchRequests.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("fetch: invalid url %q", rawURL)
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, u.Host); err != nil {
			fetchRequests.WithLabelValues("cancelled").Inc()
			return 0, fmt.Errorf("fetch: throttled %s: %w", u.Host, err)
		}
	}
	if err := ctx.Err(); err != nil {
		fetchRequests.WithLabelValues("cancelled").Inc()
		return 0, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rawURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetUserAgent(f.userAgent)

	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := f.client.DoDeadline(req, resp, deadline); err != nil {
		fetchRequests.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.CloseBodyStream()

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		fetchRequests.WithLabelValues("status").Inc()
		return 0, fmt.Errorf("%w: %d for %s", ErrStatus, code, rawURL)
	}

	var body io.Reader
	if stream := resp.BodyStream(); stream != nil {
		body = stream
	} else {
		body = bytes.NewReader(resp.Body())
	}

	n, err := copyLimited(w, body, maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			fetchRequests.WithLabelValues("too_large").Inc()
		} else {
			fetchRequests.WithLabelValues("error").Inc()
		}
		return n, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if err := ctx.Err(); err != nil {
		fetchRequests.WithLabelValues("cancelled").Inc()
		return n, err
	}

	fetchRequests.WithLabelValues("ok").Inc()
	f.logger.Debug(fmt.Sprintf("Fetched %d bytes from %s", n, rawURL))
	return n, nil
}

func copyLimited(w io.Writer, r io.Reader, maxBytes int64) (int64, error) {
	buf := make([]byte, IOBufferSize)
	if maxBytes <= 0 {
		return io.CopyBuffer(w, r, buf)
	}
	n, err := io.CopyBuffer(w, io.LimitReader(r, maxBytes+1), buf)
	if err != nil {
		return n, err
	}
	if n > maxBytes {
		return n, ErrTooLarge
	}
	return n, nil
}

// FetchBytes fetches into memory, failing with ErrTooLarge past maxBytes.
func FetchBytes(ctx context.Context, f Fetcher, rawURL string, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.Fetch(ctx, rawURL, &buf, maxBytes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close releases idle upstream connections.
func (f *HTTPFetcher) Close() {
	f.client.CloseIdleConnections()
}
