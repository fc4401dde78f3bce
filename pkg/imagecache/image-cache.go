// Package imagecache specialises the two-tier object cache for decoded images.
package imagecache

import (
	"image"

	"marquee/pkg/cache"
	"marquee/pkg/models"
	"marquee/pkg/utils/logger"
)

const DefaultDiskCacheDir = "ImageCache"

type Params struct {
	cache.Params
	CompressFormat  string
	CompressQuality int
}

func NewParams(diskDir string) *Params {
	return &Params{
		Params:          *cache.NewParams("image", diskDir),
		CompressFormat:  models.COMPRESS_FORMAT_JPEG,
		CompressQuality: DefaultCompressQuality,
	}
}

// ImageCache holds decoded images in memory and their compressed form on disk.
type ImageCache struct {
	*cache.ObjectCache[image.Image]
	codec Codec
}

func New(p Params, log *logger.Logger) (*ImageCache, error) {
	codec, err := NewCodec(p.CompressFormat, p.CompressQuality)
	if err != nil {
		return nil, err
	}
	oc, err := cache.New[image.Image](p.Params, codec, log)
	if err != nil {
		return nil, err
	}
	return &ImageCache{ObjectCache: oc, codec: codec}, nil
}

func (c *ImageCache) Codec() Codec {
	return c.codec
}

// Init opens the disk tier; see cache.ObjectCache.InitDiskStore.
func (c *ImageCache) Init() {
	c.InitDiskStore()
}
