package models

import "time"

const (
	HTTP_CACHE_BACKEND_DISK  = "disk"
	HTTP_CACHE_BACKEND_REDIS = "redis"

	COMPRESS_FORMAT_JPEG = "jpeg"
	COMPRESS_FORMAT_PNG  = "png"

	RATE_LIMIT_STORAGE_MEMORY = "memory"
	RATE_LIMIT_STORAGE_REDIS  = "redis"
)

type LogConfig struct {
	ToFile       bool   `yaml:"toFile"`
	FilePath     string `yaml:"filePath"`
	ToStdout     bool   `yaml:"toStdout"`
	Prefix       string `yaml:"prefix"`
	DebugEnabled bool   `yaml:"debugEnabled"`
	Json         bool   `yaml:"json"`
}

type ServerConfig struct {
	Port         uint16        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address      string `yaml:"address"`
	Password     string `yaml:"password"`
	DB           *int   `yaml:"db"`
	KeyNamespace string `yaml:"keyNamespace"`
	FailOpen     *bool  `yaml:"failOpen"`
}

// ImageCacheConfig configures the two-tier decoded-image cache.
type ImageCacheConfig struct {
	MemoryEnabled    *bool   `yaml:"memoryEnabled"`
	MemoryPercent    float64 `yaml:"memoryPercent"`
	DiskEnabled      *bool   `yaml:"diskEnabled"`
	Dir              string  `yaml:"dir"`
	DiskSize         int64   `yaml:"diskSize"`
	CompressFormat   string  `yaml:"compressFormat"`
	CompressQuality  int     `yaml:"compressQuality"`
	InitDiskOnCreate bool    `yaml:"initDiskOnCreate"`
	// OverwriteOnCorrupt lets a put replace a disk entry that no longer decodes.
	OverwriteOnCorrupt bool `yaml:"overwriteOnCorrupt"`
}

// HttpCacheConfig configures the raw response body cache used for full-size images.
type HttpCacheConfig struct {
	Enabled *bool        `yaml:"enabled"`
	Backend string       `yaml:"backend"`
	Dir     string       `yaml:"dir"`
	Size    int64        `yaml:"size"`
	Redis   *RedisConfig `yaml:"redis"`
}

type LoaderConfig struct {
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	Workers           int           `yaml:"workers"`
	ThumbnailMaxBytes int64         `yaml:"thumbnailMaxBytes"`
	FadeIn            *bool         `yaml:"fadeIn"`
	FadeInDuration    time.Duration `yaml:"fadeInDuration"`
	PlaceholderPath   string        `yaml:"placeholderPath"`
}

type RateLimitConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Requests *int64         `yaml:"requests"`
	Window   *time.Duration `yaml:"window"`
	Storage  string         `yaml:"storage"`
	Redis    *RedisConfig   `yaml:"redis"`
}

type FetchConfig struct {
	Timeout      time.Duration    `yaml:"timeout"`
	UserAgent    string           `yaml:"userAgent"`
	MaxBodyBytes int              `yaml:"maxBodyBytes"`
	RateLimit    *RateLimitConfig `yaml:"rateLimit"`
}

type CatalogConfig struct {
	BaseURL       string `yaml:"baseUrl"`
	ImageBaseURL  string `yaml:"imageBaseUrl"`
	APIKey        string `yaml:"apiKey"`
	Language      string `yaml:"language"`
	PosterSize    string `yaml:"posterSize"`
	ThumbnailSize string `yaml:"thumbnailSize"`
}

type MarqueeConfig struct {
	Log          *LogConfig        `yaml:"log"`
	Server       *ServerConfig     `yaml:"server"`
	Storage      *StorageConfig    `yaml:"storage"`
	ImageCache   *ImageCacheConfig `yaml:"imageCache"`
	HttpCache    *HttpCacheConfig  `yaml:"httpCache"`
	Loader       *LoaderConfig     `yaml:"loader"`
	Fetch        *FetchConfig      `yaml:"fetch"`
	Catalog      *CatalogConfig    `yaml:"catalog"`
	AllowedHosts []string          `yaml:"allowedHosts"`
}

func BoolPtr(v bool) *bool {
	return &v
}

// Enabled reads an optional flag, treating nil as def.
func Enabled(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
