package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"marquee/pkg/cache"
	"marquee/pkg/catalog"
	"marquee/pkg/fetch"
	"marquee/pkg/httpcache"
	"marquee/pkg/imagecache"
	"marquee/pkg/loader"
	"marquee/pkg/models"
	"marquee/pkg/ratelimit"
	"marquee/pkg/utils/fs"
	"marquee/pkg/utils/hash"
	"marquee/pkg/utils/logger"
	"marquee/pkg/utils/regex"

	"github.com/valyala/fasthttp"
	"gopkg.in/yaml.v3"
)

const (
	appName = "marquee"
	pidFile = "marquee.pid"

	defaultPort         = 8080
	defaultIOTimeout    = 30 * time.Second
	defaultMaxBodyBytes = 16 << 20
)

type MarqueeEngine struct {
	config *models.MarqueeConfig
	logger *logger.Logger

	limiter ratelimit.Limiter
	fetcher *fetch.HTTPFetcher
	bodies  *httpcache.BodyCache
	images  *imagecache.ImageCache
	loader  *loader.Loader
	catalog *catalog.Client

	allowedHosts *regexp.Regexp
	imageTimeout time.Duration

	server *fasthttp.Server
	pid    int
}

// InstantiateEngine reads the YAML config at configPath and wires every component.
func InstantiateEngine(configPath string) (*MarqueeEngine, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewEngine(config)
}

func LoadConfig(configPath string) (*models.MarqueeConfig, error) {
	var config models.MarqueeConfig

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read the config-path %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse the config at %s: %w", configPath, err)
	}
	if err := ApplyDefaults(&config, configPath); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills every unset field. Storage and cache directories are
// keyed by the config path so that two configs never share a store.
func ApplyDefaults(config *models.MarqueeConfig, configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute config path: %w", err)
	}
	configHash := hash.HashString(absPath)

	if config.Log == nil {
		config.Log = &models.LogConfig{
			ToStdout: true,
			Prefix:   "[Marquee]",
		}
	}

	if config.Server == nil {
		config.Server = &models.ServerConfig{}
	}
	if config.Server.Port == 0 {
		config.Server.Port = defaultPort
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = defaultIOTimeout
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = defaultIOTimeout
	}

	if config.Storage == nil || config.Storage.Path == "" {
		storageRoot, err := fs.GetUserAppDataDir(appName)
		if err != nil {
			return fmt.Errorf("failed to determine app data dir: %w", err)
		}
		config.Storage = &models.StorageConfig{Path: filepath.Join(storageRoot, configHash)}
	}

	cacheRoot := filepath.Join(appName, configHash)

	if config.ImageCache == nil {
		config.ImageCache = &models.ImageCacheConfig{}
	}
	ic := config.ImageCache
	if ic.MemoryPercent == 0 {
		ic.MemoryPercent = cache.DefaultMemoryPercent
	}
	if ic.Dir == "" {
		ic.Dir, _ = fs.GetCacheDir(cacheRoot, imagecache.DefaultDiskCacheDir)
	}
	if ic.DiskSize == 0 {
		ic.DiskSize = cache.DefaultDiskCacheSize
	}
	if ic.CompressFormat == "" {
		ic.CompressFormat = models.COMPRESS_FORMAT_JPEG
	}
	if ic.CompressQuality == 0 {
		ic.CompressQuality = imagecache.DefaultCompressQuality
	}

	if config.HttpCache == nil {
		config.HttpCache = &models.HttpCacheConfig{}
	}
	hc := config.HttpCache
	if hc.Backend == "" {
		hc.Backend = models.HTTP_CACHE_BACKEND_DISK
	}
	if hc.Dir == "" {
		hc.Dir, _ = fs.GetCacheDir(cacheRoot, httpcache.DefaultDir)
	}
	if hc.Size == 0 {
		hc.Size = httpcache.DefaultSize
	}

	if config.Loader == nil {
		config.Loader = &models.LoaderConfig{}
	}
	lc := config.Loader
	if lc.Width == 0 {
		lc.Width = loader.DefaultWidth
	}
	if lc.Height == 0 {
		lc.Height = loader.DefaultHeight
	}
	if lc.Workers == 0 {
		lc.Workers = loader.MinWorkers
	}
	if lc.ThumbnailMaxBytes == 0 {
		lc.ThumbnailMaxBytes = loader.DefaultThumbnailMaxBytes
	}
	if lc.FadeInDuration == 0 {
		lc.FadeInDuration = loader.DefaultFadeInDuration
	}

	if config.Fetch == nil {
		config.Fetch = &models.FetchConfig{}
	}
	if config.Fetch.Timeout == 0 {
		config.Fetch.Timeout = fetch.DefaultTimeout
	}
	if config.Fetch.UserAgent == "" {
		config.Fetch.UserAgent = fetch.DefaultUserAgent
	}
	if config.Fetch.MaxBodyBytes == 0 {
		config.Fetch.MaxBodyBytes = defaultMaxBodyBytes
	}
	ratelimit.SetDefaults(config.Fetch.RateLimit)

	if config.Catalog == nil {
		config.Catalog = &models.CatalogConfig{}
	}
	return nil
}

// NewEngine builds an engine from a config that already has defaults applied.
func NewEngine(config *models.MarqueeConfig) (*MarqueeEngine, error) {
	logger_, err := logger.NewLogger(config.Log)
	if err != nil {
		return nil, fmt.Errorf("unable to instantiate the logger: %w", err)
	}

	engine := &MarqueeEngine{
		config:       config,
		logger:       logger_,
		catalog:      catalog.NewClient(config.Catalog, logger_),
		imageTimeout: 2 * config.Fetch.Timeout,
		pid:          os.Getpid(),
	}
	if err := engine.build(); err != nil {
		engine.Close()
		return nil, err
	}
	return engine, nil
}

func (engine *MarqueeEngine) build() error {
	config := engine.config

	allowed, err := regex.CombinePatterns(config.AllowedHosts)
	if err != nil {
		return fmt.Errorf("invalid allowedHosts: %w", err)
	}
	engine.allowedHosts = allowed

	engine.limiter, err = ratelimit.NewLimiter(config.Fetch.RateLimit, engine.logger)
	if err != nil {
		return err
	}

	engine.fetcher = fetch.NewHTTPFetcher(fetch.Options{
		Timeout:      config.Fetch.Timeout,
		UserAgent:    config.Fetch.UserAgent,
		MaxBodyBytes: config.Fetch.MaxBodyBytes,
		Limiter:      engine.limiter,
		Logger:       engine.logger,
	})

	store, err := engine.bodyStore()
	if err != nil {
		return err
	}
	engine.bodies = httpcache.New(store, engine.fetcher, int64(config.Fetch.MaxBodyBytes), engine.logger)

	engine.images, err = engine.imageCache()
	if err != nil {
		return err
	}

	engine.loader, err = loader.New(loader.Options{
		Width:             config.Loader.Width,
		Height:            config.Loader.Height,
		Workers:           config.Loader.Workers,
		ThumbnailMaxBytes: config.Loader.ThumbnailMaxBytes,
		FadeIn:            models.Enabled(config.Loader.FadeIn, false),
		FadeInDuration:    config.Loader.FadeInDuration,
		Fetcher:           engine.fetcher,
		Bodies:            engine.bodies,
		Logger:            engine.logger,
	})
	if err != nil {
		return err
	}

	ready := engine.loader.AddImageCache(engine.images)
	go func() {
		if err := <-ready; err != nil {
			engine.logger.Error(fmt.Sprintf("Cache initialisation failed: %v", err))
			return
		}
		engine.logger.Info("Caches initialised")
	}()
	return nil
}

func (engine *MarqueeEngine) bodyStore() (httpcache.BodyStore, error) {
	hc := engine.config.HttpCache
	if !models.Enabled(hc.Enabled, true) {
		engine.logger.Info("HTTP body cache disabled")
		return nil, nil
	}

	switch strings.ToLower(hc.Backend) {
	case models.HTTP_CACHE_BACKEND_DISK:
		return httpcache.NewDiskStore(hc.Dir, hc.Size, engine.logger), nil
	case models.HTTP_CACHE_BACKEND_REDIS:
		if hc.Redis == nil {
			return nil, fmt.Errorf("redis configuration required for the redis http cache backend")
		}
		return httpcache.NewRedisStore(hc.Redis, 0, engine.logger), nil
	default:
		return nil, fmt.Errorf("unsupported http cache backend: %s", hc.Backend)
	}
}

func (engine *MarqueeEngine) imageCache() (*imagecache.ImageCache, error) {
	ic := engine.config.ImageCache

	p := imagecache.NewParams(ic.Dir)
	p.MemoryEnabled = models.Enabled(ic.MemoryEnabled, true)
	if p.MemoryEnabled {
		if err := p.SetMemoryPercent(ic.MemoryPercent); err != nil {
			return nil, err
		}
	}
	p.DiskEnabled = models.Enabled(ic.DiskEnabled, true)
	p.DiskSize = ic.DiskSize
	p.InitDiskOnCreate = ic.InitDiskOnCreate
	p.OverwriteOnCorrupt = ic.OverwriteOnCorrupt
	p.CompressFormat = ic.CompressFormat
	p.CompressQuality = ic.CompressQuality

	return imagecache.New(*p, engine.logger)
}

// Loader exposes the image pipeline.
func (engine *MarqueeEngine) Loader() *loader.Loader {
	return engine.loader
}

func (engine *MarqueeEngine) Catalog() *catalog.Client {
	return engine.catalog
}

// Close stops the pipeline and releases every resource. It flushes and
// closes both caches.
func (engine *MarqueeEngine) Close() error {
	var err error
	if engine.loader != nil {
		if err = engine.loader.Close(); err != nil {
			engine.logger.Error(fmt.Sprintf("Failed to close the caches: %v", err))
		}
		engine.logger.Info("Caches flushed and closed")
	}
	if engine.limiter != nil {
		if closeErr := engine.limiter.Close(); closeErr != nil {
			engine.logger.Error(fmt.Sprintf("Failed to close rate limiter: %v", closeErr))
		}
	}
	if engine.fetcher != nil {
		engine.fetcher.Close()
	}
	_ = engine.logger.Close()
	return err
}

func (engine *MarqueeEngine) hostAllowed(host string) bool {
	return engine.allowedHosts == nil || engine.allowedHosts.MatchString(host)
}

func (engine *MarqueeEngine) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), engine.imageTimeout)
}
