// Package storage provides the key-value backends underneath the session
// state store and the durable memory tier.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a minimal key-value store. Implementations must be safe for
// concurrent use; consistency beyond single-key last-write-wins is not
// required and callers must not assume it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
