package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"marquee/pkg/cache"
	"marquee/pkg/catalog"
	"marquee/pkg/httpcache"
	"marquee/pkg/imagecache"
	"marquee/pkg/loader"
	"marquee/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newUpstream serves both the catalog API and its image host.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	poster := pngBytes(t, 400, 300)
	thumb := pngBytes(t, 46, 69)

	mux := http.NewServeMux()
	mux.HandleFunc("/t/p/w500/poster.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(poster)
	})
	mux.HandleFunc("/t/p/w92/poster.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(thumb)
	})
	mux.HandleFunc("/api/movie/now_playing", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"page":1,"total_pages":1,"results":[{"id":1,"title":"Blue","poster_path":"/poster.png"}]}`))
	})
	mux.HandleFunc("/api/movie/603", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":603,"original_title":"The Matrix"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, upstream string) *models.MarqueeConfig {
	t.Helper()
	dir := t.TempDir()
	config := &models.MarqueeConfig{
		Log:     &models.LogConfig{},
		Storage: &models.StorageConfig{Path: dir},
		ImageCache: &models.ImageCacheConfig{
			Dir:      filepath.Join(dir, imagecache.DefaultDiskCacheDir),
			DiskSize: 1 << 20,
		},
		HttpCache: &models.HttpCacheConfig{
			Dir:  filepath.Join(dir, httpcache.DefaultDir),
			Size: 1 << 20,
		},
		Catalog: &models.CatalogConfig{
			BaseURL:      upstream + "/api",
			ImageBaseURL: upstream + "/t/p",
		},
		AllowedHosts: []string{`^127\.0\.0\.1:\d+$`},
	}
	require.NoError(t, ApplyDefaults(config, filepath.Join(dir, "marquee.yaml")))
	return config
}

func newTestEngine(t *testing.T) (*MarqueeEngine, *httptest.Server) {
	t.Helper()
	upstream := newUpstream(t)
	engine, err := NewEngine(testConfig(t, upstream.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, upstream
}

func serve(engine *MarqueeEngine, method, uri string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}, nil)
	engine.Handler()(ctx)
	return ctx
}

func TestImageEndpointNormal(t *testing.T) {
	engine, upstream := newTestEngine(t)

	ctx := serve(engine, "GET", "/image?url="+upstream.URL+"/t/p/w500/poster.png")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	assert.Equal(t, "image/jpeg", string(ctx.Response.Header.ContentType()))
	assert.Equal(t, "normal", string(ctx.Response.Header.Peek("X-Marquee-Variant")))

	img, err := jpeg.Decode(bytes.NewReader(ctx.Response.Body()))
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 300, img.Bounds().Dy())

	_, ok := engine.images.GetFromMemory(upstream.URL + "/t/p/w500/poster.png")
	assert.True(t, ok)
}

func TestImageEndpointThumbnail(t *testing.T) {
	engine, upstream := newTestEngine(t)

	ctx := serve(engine, "GET", "/image?variant=thumbnail&url="+upstream.URL+"/t/p/w92/poster.png")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	assert.Equal(t, "thumbnail", string(ctx.Response.Header.Peek("X-Marquee-Variant")))
}

func TestImageEndpointRejectsBadRequests(t *testing.T) {
	engine, upstream := newTestEngine(t)

	cases := map[string]int{
		"/image":                                      fasthttp.StatusBadRequest,
		"/image?url=ftp://127.0.0.1/x.png":            fasthttp.StatusBadRequest,
		"/image?url=http://evil.example/x.png":        fasthttp.StatusForbidden,
		"/image?variant=huge&url=" + upstream.URL:     fasthttp.StatusBadRequest,
		"/image?url=" + upstream.URL + "/missing.png": fasthttp.StatusBadGateway,
	}
	for uri, want := range cases {
		ctx := serve(engine, "GET", uri)
		assert.Equal(t, want, ctx.Response.StatusCode(), uri)
	}
}

func TestAdminEndpoints(t *testing.T) {
	engine, _ := newTestEngine(t)

	ctx := serve(engine, "POST", "/admin/pause")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.True(t, engine.Loader().Paused())

	ctx = serve(engine, "POST", "/admin/resume")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.False(t, engine.Loader().Paused())

	for _, action := range []string{"clear", "flush"} {
		ctx = serve(engine, "POST", "/admin/"+action)
		assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode(), action)
	}

	ctx = serve(engine, "POST", "/admin/explode")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	ctx = serve(engine, "GET", "/admin/pause")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestMoviesEndpoints(t *testing.T) {
	engine, _ := newTestEngine(t)

	ctx := serve(engine, "GET", "/movies/now_playing")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var page catalog.Page
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &page))
	require.Len(t, page.Results, 1)
	assert.Equal(t, "Blue", page.Results[0].Title)

	ctx = serve(engine, "GET", "/movies/603")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "The Matrix")

	ctx = serve(engine, "GET", "/movies/bogus")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = serve(engine, "GET", "/search")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestMetricsAndHealth(t *testing.T) {
	engine, upstream := newTestEngine(t)
	serve(engine, "GET", "/image?url="+upstream.URL+"/t/p/w500/poster.png")

	ctx := serve(engine, "GET", "/metrics")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "marquee_loader_requests_total")

	ctx = serve(engine, "GET", "/healthz")
	assert.Equal(t, "ok", string(ctx.Response.Body()))

	ctx = serve(engine, "GET", "/nowhere")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestPrefetchCatalog(t *testing.T) {
	engine, _ := newTestEngine(t)

	reqs, err := engine.CatalogRequests(context.Background(), []string{catalog.ListNowPlaying}, 3)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, loader.Normal, reqs[0].Variant)
	assert.Equal(t, loader.Thumbnail, reqs[1].Variant)

	result, err := engine.Prefetch(context.Background(), reqs, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Loaded)
	assert.EqualValues(t, 0, result.Failed)

	result, err = engine.Prefetch(context.Background(), []loader.Request{{Key: reqs[0].Key + ".gone"}}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Failed)

	_, err = engine.CatalogRequests(context.Background(), []string{"bogus"}, 1)
	assert.ErrorIs(t, err, catalog.ErrUnknownList)
}

func TestApplyDefaults(t *testing.T) {
	dir := t.TempDir()
	config := &models.MarqueeConfig{Storage: &models.StorageConfig{Path: dir}}
	require.NoError(t, ApplyDefaults(config, filepath.Join(dir, "marquee.yaml")))

	assert.EqualValues(t, defaultPort, config.Server.Port)
	assert.Equal(t, cache.DefaultMemoryPercent, config.ImageCache.MemoryPercent)
	assert.EqualValues(t, cache.DefaultDiskCacheSize, config.ImageCache.DiskSize)
	assert.Equal(t, models.COMPRESS_FORMAT_JPEG, config.ImageCache.CompressFormat)
	assert.Equal(t, imagecache.DefaultDiskCacheDir, filepath.Base(config.ImageCache.Dir))
	assert.Equal(t, httpcache.DefaultDir, filepath.Base(config.HttpCache.Dir))
	assert.EqualValues(t, httpcache.DefaultSize, config.HttpCache.Size)
	assert.Equal(t, models.HTTP_CACHE_BACKEND_DISK, config.HttpCache.Backend)
	assert.Equal(t, loader.DefaultWidth, config.Loader.Width)
	assert.EqualValues(t, loader.DefaultThumbnailMaxBytes, config.Loader.ThumbnailMaxBytes)
	assert.Equal(t, loader.DefaultFadeInDuration, config.Loader.FadeInDuration)
	assert.NotNil(t, config.Catalog)
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	upstream := newUpstream(t)

	config := testConfig(t, upstream.URL)
	config.ImageCache.MemoryPercent = 0.9
	_, err := NewEngine(config)
	assert.ErrorIs(t, err, cache.ErrInvalidMemoryPercent)

	config = testConfig(t, upstream.URL)
	config.HttpCache.Backend = "tape"
	_, err = NewEngine(config)
	assert.Error(t, err)

	config = testConfig(t, upstream.URL)
	config.HttpCache.Backend = models.HTTP_CACHE_BACKEND_REDIS
	_, err = NewEngine(config)
	assert.Error(t, err)

	config = testConfig(t, upstream.URL)
	config.AllowedHosts = []string{"("}
	_, err = NewEngine(config)
	assert.Error(t, err)
}

func TestInitConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	path := filepath.Join(home, "conf", "marquee.yaml")

	require.NoError(t, InitConfig(path))
	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.NotZero(t, config.Server.Port)
	assert.True(t, config.Log.ToFile)
	assert.Equal(t, models.COMPRESS_FORMAT_JPEG, config.ImageCache.CompressFormat)
	assert.Equal(t, loader.DefaultFadeInDuration, config.Loader.FadeInDuration)
	require.NotNil(t, config.Fetch.RateLimit)
	assert.True(t, config.Fetch.RateLimit.Enabled)
	assert.Equal(t, []string{`^image\.tmdb\.org$`}, config.AllowedHosts)
}

func TestKillMarqueeWithoutPidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marquee.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  path: "+dir+"\n"), 0o644))

	err := KillMarquee(path)
	assert.ErrorContains(t, err, "PID file")

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestStorePidAndCleanup(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.storePid())

	pidPath := filepath.Join(engine.config.Storage.Path, pidFile)
	data, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	require.NoError(t, engine.cleanup())
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}
