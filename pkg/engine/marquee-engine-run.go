package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"marquee/pkg/catalog"
	"marquee/pkg/loader"
	"marquee/pkg/models"
	"marquee/pkg/utils/fs"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var errImageTimeout = errors.New("image load timed out")

func (engine *MarqueeEngine) Run() {
	addr := fmt.Sprintf(":%d", engine.config.Server.Port)
	engine.logger.Info(fmt.Sprintf("Marquee engine starting on %s...", addr))

	engine.server = &fasthttp.Server{
		Handler:      engine.Handler(),
		Name:         "marquee",
		ReadTimeout:  engine.config.Server.ReadTimeout,
		WriteTimeout: engine.config.Server.WriteTimeout,
	}

	if err := engine.storePid(); err != nil {
		engine.logger.Warn("Continuing without a PID file; 'marquee down' will not find this process")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := engine.server.ListenAndServe(addr); err != nil {
			engine.logger.Error(fmt.Sprintf("Fatal server error: %v", err))
			os.Exit(1)
		}
	}()

	<-stop
	engine.logger.Info("Shutting down server...")
	if err := engine.server.Shutdown(); err != nil {
		engine.logger.Error(fmt.Sprintf("Server shutdown error: %v", err))
	}
	if cerr := engine.cleanup(); cerr != nil {
		engine.logger.Error(fmt.Sprintf("Cleanup error: %v", cerr))
	}
}

// Handler routes every endpoint the server exposes.
func (engine *MarqueeEngine) Handler() fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())

	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := strings.ToLower(string(ctx.Method()))
		engine.logger.Debug(fmt.Sprintf("Incoming request - Method: %s, Path: %s", method, path))

		switch {
		case path == "/image" && method == "get":
			engine.handleImage(ctx)
		case strings.HasPrefix(path, "/movies/") && method == "get":
			engine.handleMovies(ctx, strings.TrimPrefix(path, "/movies/"))
		case path == "/search" && method == "get":
			engine.handleSearch(ctx)
		case strings.HasPrefix(path, "/admin/") && method == "post":
			engine.handleAdmin(ctx, strings.TrimPrefix(path, "/admin/"))
		case path == "/metrics":
			metrics(ctx)
		case path == "/healthz":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
		default:
			ctx.Error("Not Found", fasthttp.StatusNotFound)
		}
	}
}

func (engine *MarqueeEngine) handleImage(ctx *fasthttp.RequestCtx) {
	rawURL := string(ctx.QueryArgs().Peek("url"))
	if rawURL == "" {
		ctx.Error("missing url parameter", fasthttp.StatusBadRequest)
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		ctx.Error("invalid url parameter", fasthttp.StatusBadRequest)
		return
	}
	if !engine.hostAllowed(u.Host) {
		engine.logger.Warn(fmt.Sprintf("Rejected image from host %s", u.Host))
		ctx.Error("host not allowed", fasthttp.StatusForbidden)
		return
	}
	variant, err := loader.ParseVariant(string(ctx.QueryArgs().Peek("variant")))
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}

	img, err := engine.loadImage(loader.Request{Key: rawURL, Variant: variant})
	if err != nil {
		status := fasthttp.StatusBadGateway
		if errors.Is(err, errImageTimeout) {
			status = fasthttp.StatusGatewayTimeout
		}
		ctx.Error(err.Error(), status)
		return
	}

	var buf bytes.Buffer
	codec := engine.images.Codec()
	if err := codec.Encode(&buf, img); err != nil {
		engine.logger.Error(fmt.Sprintf("Encoding %s: %v", rawURL, err))
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	contentType := "image/jpeg"
	if codec.Format == models.COMPRESS_FORMAT_PNG {
		contentType = "image/png"
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(contentType)
	ctx.Response.Header.Set("X-Marquee-Variant", variant.String())
	ctx.SetBody(buf.Bytes())
}

func (engine *MarqueeEngine) handleMovies(ctx *fasthttp.RequestCtx, list string) {
	page, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("page")))
	reqCtx, cancel := engine.withTimeout()
	defer cancel()

	var (
		result any
		err    error
	)
	if id, convErr := strconv.Atoi(list); convErr == nil {
		result, err = engine.catalog.MovieInfo(reqCtx, id)
	} else {
		result, err = engine.catalog.List(reqCtx, list, page)
	}
	engine.writeJSON(ctx, result, err)
}

func (engine *MarqueeEngine) handleSearch(ctx *fasthttp.RequestCtx) {
	query := string(ctx.QueryArgs().Peek("q"))
	if query == "" {
		ctx.Error("missing q parameter", fasthttp.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("page")))
	reqCtx, cancel := engine.withTimeout()
	defer cancel()

	result, err := engine.catalog.Search(reqCtx, query, page)
	engine.writeJSON(ctx, result, err)
}

func (engine *MarqueeEngine) writeJSON(ctx *fasthttp.RequestCtx, v any, err error) {
	switch {
	case errors.Is(err, catalog.ErrUnknownList), errors.Is(err, catalog.ErrNotFound):
		ctx.Error(err.Error(), fasthttp.StatusNotFound)
		return
	case err != nil:
		engine.logger.Error(fmt.Sprintf("Catalog error: %v", err))
		ctx.Error(err.Error(), fasthttp.StatusBadGateway)
		return
	}

	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (engine *MarqueeEngine) handleAdmin(ctx *fasthttp.RequestCtx, action string) {
	var err error
	switch action {
	case "pause":
		engine.loader.SetPaused(true)
	case "resume":
		engine.loader.SetPaused(false)
	case "clear":
		err = <-engine.loader.ClearCache()
	case "flush":
		err = <-engine.loader.FlushCache()
	default:
		ctx.Error("Not Found", fasthttp.StatusNotFound)
		return
	}
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Admin %s failed: %v", action, err))
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	engine.logger.Info(fmt.Sprintf("Admin %s done", action))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// loadImage runs req through the pipeline and waits for its outcome.
func (engine *MarqueeEngine) loadImage(req loader.Request) (image.Image, error) {
	target := newResultTarget()
	engine.loader.LoadWithPlaceholderFile(target, req, engine.config.Loader.PlaceholderPath)

	timer := time.NewTimer(engine.imageTimeout)
	defer timer.Stop()
	select {
	case r := <-target.done:
		return r.img, r.err
	case <-timer.C:
		engine.loader.CancelWork(target)
		return nil, errImageTimeout
	}
}

// loadImageContext is loadImage bounded by ctx instead of the image timeout.
func (engine *MarqueeEngine) loadImageContext(ctx context.Context, req loader.Request) (image.Image, error) {
	target := newResultTarget()
	engine.loader.LoadRequest(target, req, nil)
	select {
	case r := <-target.done:
		return r.img, r.err
	case <-ctx.Done():
		engine.loader.CancelWork(target)
		return nil, ctx.Err()
	}
}

type loadResult struct {
	img image.Image
	err error
}

// resultTarget delivers the first outcome of a load to a channel.
type resultTarget struct {
	done chan loadResult
}

func newResultTarget() *resultTarget {
	return &resultTarget{done: make(chan loadResult, 1)}
}

func (r *resultTarget) ShowPlaceholder(image.Image) {}

func (r *resultTarget) Show(img image.Image) {
	r.deliver(loadResult{img: img})
}

func (r *resultTarget) ShowError(err error) {
	r.deliver(loadResult{err: err})
}

func (r *resultTarget) deliver(res loadResult) {
	select {
	case r.done <- res:
	default:
	}
}

func (engine *MarqueeEngine) storePid() error {
	engine.logger.Info("Storing program id information...")

	storageDir := engine.config.Storage.Path
	path := filepath.Join(storageDir, pidFile)

	err := fs.EnsureDir(storageDir)
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to create program storage path due to %v", err))
		return err
	}

	err = os.WriteFile(path, []byte(fmt.Sprintf("%d", engine.pid)), 0o644)
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to store program id due to %v", err))
		return err
	}

	engine.logger.Info(fmt.Sprintf("Stored program id information at %s", path))
	return nil
}

func (engine *MarqueeEngine) cleanup() error {
	pidPath := filepath.Join(engine.config.Storage.Path, pidFile)
	err := os.Remove(pidPath)
	if err != nil && !os.IsNotExist(err) {
		engine.logger.Error(fmt.Sprintf("Failed to remove PID file: %v", err))
	} else {
		engine.logger.Info("PID file removed.")
		err = nil
	}

	if closeErr := engine.Close(); closeErr != nil {
		return closeErr
	}
	return err
}
