package interfaces

import (
	"context"
	"io"
	"time"
)

// ObjectMetadata describes an object's lifecycle state and content identity
// within the Bronze/Silver lake, independent of storage backend.
type ObjectMetadata struct {
	Key         string            `json:"key"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	ContentHash string            `json:"content_hash"` // sha256 of the object body
	Tags        map[string]string `json:"tags"`          // e.g. status=claimed, attempt=2
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ObjectStore is the storage abstraction (C1) every tier of the lake
// (Bronze archives/documents, Silver partitions) is written through.
// Implementations must make Put atomic (readers never observe a partial
// object) and SetMetadata conditional on the caller-supplied expected ETag.
type ObjectStore interface {
	// Put writes body to key atomically, returning the resulting metadata.
	// An existing object at key is replaced in its entirety.
	Put(ctx context.Context, key string, body io.Reader, tags map[string]string) (ObjectMetadata, error)

	// Get returns the object body and its metadata. Returns ErrNotFound if
	// key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectMetadata, error)

	// Head returns an object's metadata without fetching its body. Returns
	// ErrNotFound if key does not exist.
	Head(ctx context.Context, key string) (ObjectMetadata, error)

	// SetMetadata updates an object's tags conditionally: the write only
	// applies if the object's current ETag equals expectedETag. Returns
	// ErrConcurrentUpdate on mismatch, ErrNotFound if key does not exist.
	SetMetadata(ctx context.Context, key string, expectedETag string, tags map[string]string) (ObjectMetadata, error)

	// List returns metadata for every object whose key has the given
	// prefix, ordered lexicographically by key.
	List(ctx context.Context, prefix string) ([]ObjectMetadata, error)

	// Delete removes an object. Returns ErrNotFound if key does not exist.
	Delete(ctx context.Context, key string) error
}
