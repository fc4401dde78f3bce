package loader

import (
	"fmt"
	"image"
	"reflect"
	"time"
)

// Variant selects which rendition of an image a request produces.
type Variant int

const (
	Normal Variant = iota
	Thumbnail
)

func (v Variant) String() string {
	switch v {
	case Normal:
		return "normal"
	case Thumbnail:
		return "thumbnail"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "normal":
		return Normal, nil
	case "thumbnail":
		return Thumbnail, nil
	}
	return Normal, fmt.Errorf("loader: unknown variant %q", s)
}

// Request is a key qualified by variant. Two requests are the same work only
// if both fields match.
type Request struct {
	Key     string
	Variant Variant
}

// String is the cache lookup key, which is the key itself.
func (r Request) String() string {
	return r.Key
}

// Target is where loaded images are shown. Targets are map keys: two equal
// values are the same target, so implementations should be pointers. A target
// that is not comparable is logged and ignored. All
// methods run on the loader's looper and must not call back into the Loader
// synchronously.
type Target interface {
	// ShowPlaceholder binds the loading image; img may be nil.
	ShowPlaceholder(img image.Image)
	Show(img image.Image)
}

// Fader is implemented by targets that can cross-fade from the placeholder.
type Fader interface {
	FadeIn(img image.Image, d time.Duration)
}

// ErrorTarget is implemented by targets that want to know when their active
// request produced nothing.
type ErrorTarget interface {
	ShowError(err error)
}

// comparableTarget reports whether target can key the pending map without
// panicking.
func comparableTarget(target Target) bool {
	return target != nil && reflect.ValueOf(target).Comparable()
}
