// Package httpcache keeps raw response bodies of full-size images so they are
// downloaded once and decoded from local storage afterwards.
package httpcache

import (
	"context"
	"errors"
	"io"
)

const (
	DefaultDir  = "http"
	DefaultSize = 5 << 20
)

// ErrUnavailable reports that the store is not open for this session.
var ErrUnavailable = errors.New("httpcache: store unavailable")

// BodyStore persists bodies keyed by an already hashed key.
type BodyStore interface {
	// Init opens the store. It may block on I/O and is a no-op when already open.
	Init()
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores whatever fill writes. Nothing is stored if fill fails.
	Put(ctx context.Context, key string, fill func(w io.Writer) error) error
	Clear() error
	Flush() error
	Close() error
}
