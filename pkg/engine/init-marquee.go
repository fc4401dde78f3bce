package engine

import (
	"os"
	"path/filepath"
	"time"

	"marquee/pkg/cache"
	"marquee/pkg/catalog"
	"marquee/pkg/fetch"
	"marquee/pkg/httpcache"
	"marquee/pkg/imagecache"
	"marquee/pkg/loader"
	"marquee/pkg/models"
	"marquee/pkg/utils/fs"
	"marquee/pkg/utils/hash"
	"marquee/pkg/utils/system"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a starter config to configPath.
func InitConfig(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	appData, err := fs.GetUserAppDataDir(appName)
	if err != nil {
		return err
	}
	configHash := hash.HashString(absPath)
	storageDir := filepath.Join(appData, configHash)
	cacheRoot := filepath.Join(appName, configHash)
	imageDir, _ := fs.GetCacheDir(cacheRoot, imagecache.DefaultDiskCacheDir)
	httpDir, _ := fs.GetCacheDir(cacheRoot, httpcache.DefaultDir)

	freePort, err := system.GetFreePort()
	if err != nil {
		return err
	}

	requests := int64(20)
	window := time.Second

	defaultConfig := &models.MarqueeConfig{
		Log: &models.LogConfig{
			ToFile:   true,
			FilePath: filepath.Join(storageDir, "marquee.log"),
			ToStdout: true,
			Prefix:   "[Marquee]",
		},
		Server: &models.ServerConfig{
			Port:         uint16(freePort),
			ReadTimeout:  defaultIOTimeout,
			WriteTimeout: defaultIOTimeout,
		},
		Storage: &models.StorageConfig{
			Path: storageDir,
		},
		ImageCache: &models.ImageCacheConfig{
			MemoryEnabled:   models.BoolPtr(true),
			MemoryPercent:   cache.DefaultMemoryPercent,
			DiskEnabled:     models.BoolPtr(true),
			Dir:             imageDir,
			DiskSize:        cache.DefaultDiskCacheSize,
			CompressFormat:  models.COMPRESS_FORMAT_JPEG,
			CompressQuality: imagecache.DefaultCompressQuality,
		},
		HttpCache: &models.HttpCacheConfig{
			Enabled: models.BoolPtr(true),
			Backend: models.HTTP_CACHE_BACKEND_DISK,
			Dir:     httpDir,
			Size:    httpcache.DefaultSize,
		},
		Loader: &models.LoaderConfig{
			Width:             loader.DefaultWidth,
			Height:            loader.DefaultHeight,
			Workers:           loader.MinWorkers,
			ThumbnailMaxBytes: loader.DefaultThumbnailMaxBytes,
			FadeIn:            models.BoolPtr(true),
			FadeInDuration:    loader.DefaultFadeInDuration,
		},
		Fetch: &models.FetchConfig{
			Timeout:      fetch.DefaultTimeout,
			UserAgent:    fetch.DefaultUserAgent,
			MaxBodyBytes: defaultMaxBodyBytes,
			RateLimit: &models.RateLimitConfig{
				Enabled:  true,
				Requests: &requests,
				Window:   &window,
				Storage:  models.RATE_LIMIT_STORAGE_MEMORY,
			},
		},
		Catalog: &models.CatalogConfig{
			BaseURL:       catalog.DefaultBaseURL,
			ImageBaseURL:  catalog.DefaultImageBaseURL,
			Language:      catalog.DefaultLanguage,
			PosterSize:    catalog.DefaultPosterSize,
			ThumbnailSize: catalog.DefaultThumbnailSize,
		},
		AllowedHosts: []string{`^image\.tmdb\.org$`},
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return err
	}

	f, err := os.Create(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	return enc.Encode(defaultConfig)
}
