// Package remote provides the Remote Store backends and the Manager that owns a
// backend for the duration of one operation.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Remote store errors.
var (
	ErrNotFound         = errors.New("remote file not found")
	ErrQuotaUnsupported = errors.New("backend does not report quota")
	ErrManagerClosed    = errors.New("remote manager closed")
)

// FileEntry is one object in a remote listing.
type FileEntry struct {
	Name         string
	Size         int64
	LastModified time.Time
}

// Backend is an object store holding volumes. Implementations may be eventually
// consistent; callers never rely on a listing reflecting a write immediately.
type Backend interface {
	List(ctx context.Context) ([]FileEntry, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}

// Quota describes backend capacity. Zero values mean unknown.
type Quota struct {
	Total int64
	Free  int64
}

// QuotaReporter is implemented by backends that can report capacity.
type QuotaReporter interface {
	Quota(ctx context.Context) (Quota, error)
}

// TransferError wraps a backend failure at the Manager boundary.
type TransferError struct {
	Op   string
	Name string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
