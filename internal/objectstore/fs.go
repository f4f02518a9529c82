// Package objectstore provides Bronze/Silver object storage backends for
// the ingestion pipeline's ObjectStore abstraction (C1).
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// FSStore is a filesystem-backed ObjectStore, used for local development
// and tests where no S3-compatible endpoint is available. Each object is
// written atomically via a temp-file-then-rename, and its metadata sidecar
// (<key>.meta.json) carries the ETag/tags SetMetadata conditions on.
type FSStore struct {
	root   string
	logger arbor.ILogger
	mu     sync.Mutex // guards the read-compare-write in SetMetadata
}

// NewFSStore creates an FSStore rooted at root, creating the directory if
// it does not exist.
func NewFSStore(root string, logger arbor.ILogger) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create object store root %s: %w", root, err)
	}
	return &FSStore{root: root, logger: logger}, nil
}

func (s *FSStore) objectPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) metaPath(key string) string {
	return s.objectPath(key) + ".meta.json"
}

func (s *FSStore) Put(ctx context.Context, key string, body io.Reader, tags map[string]string) (interfaces.ObjectMetadata, error) {
	path := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: mkdir for %s: %v", interfaces.ErrPermanentIO, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: create temp file: %v", interfaces.ErrTransientIO, err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		tmp.Close()
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: write object body: %v", interfaces.ErrTransientIO, err)
	}
	if err := tmp.Close(); err != nil {
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: close temp file: %v", interfaces.ErrTransientIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: rename into place: %v", interfaces.ErrTransientIO, err)
	}

	now := time.Now()
	meta := interfaces.ObjectMetadata{
		Key:         key,
		ETag:        hex.EncodeToString(hasher.Sum(nil)),
		Size:        size,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, err := s.readMeta(key); err == nil {
		meta.CreatedAt = existing.CreatedAt
	}
	if err := s.writeMeta(key, meta); err != nil {
		return interfaces.ObjectMetadata{}, err
	}
	return meta, nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, interfaces.ObjectMetadata, error) {
	meta, err := s.readMeta(key)
	if err != nil {
		return nil, interfaces.ObjectMetadata{}, err
	}
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ObjectMetadata{}, interfaces.ErrNotFound
		}
		return nil, interfaces.ObjectMetadata{}, fmt.Errorf("%w: open %s: %v", interfaces.ErrTransientIO, key, err)
	}
	return f, meta, nil
}

func (s *FSStore) Head(ctx context.Context, key string) (interfaces.ObjectMetadata, error) {
	return s.readMeta(key)
}

func (s *FSStore) SetMetadata(ctx context.Context, key string, expectedETag string, tags map[string]string) (interfaces.ObjectMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(key)
	if err != nil {
		return interfaces.ObjectMetadata{}, err
	}
	if meta.ETag != expectedETag {
		return interfaces.ObjectMetadata{}, interfaces.ErrConcurrentUpdate
	}
	meta.Tags = tags
	meta.UpdatedAt = time.Now()
	if err := s.writeMeta(key, meta); err != nil {
		return interfaces.ObjectMetadata{}, err
	}
	return meta, nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]interfaces.ObjectMetadata, error) {
	var out []interfaces.ObjectMetadata
	root := s.root
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".json" || filepath.Ext(path[:len(path)-5]) != ".meta" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel[:len(rel)-len(".meta.json")])
		if prefix != "" && !hasPrefix(key, prefix) {
			return nil
		}
		meta, err := s.readMeta(key)
		if err != nil {
			return nil
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", interfaces.ErrTransientIO, prefix, err)
	}
	return out, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if _, err := s.readMeta(key); err != nil {
		return err
	}
	_ = os.Remove(s.metaPath(key))
	if err := os.Remove(s.objectPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", interfaces.ErrTransientIO, key, err)
	}
	return nil
}

func (s *FSStore) readMeta(key string) (interfaces.ObjectMetadata, error) {
	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return interfaces.ObjectMetadata{}, interfaces.ErrNotFound
		}
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: read metadata %s: %v", interfaces.ErrTransientIO, key, err)
	}
	var meta interfaces.ObjectMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: decode metadata %s: %v", interfaces.ErrPermanentIO, key, err)
	}
	return meta, nil
}

func (s *FSStore) writeMeta(key string, meta interfaces.ObjectMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encode metadata %s: %v", interfaces.ErrPermanentIO, key, err)
	}
	path := s.metaPath(key)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-meta-*")
	if err != nil {
		return fmt.Errorf("%w: create temp metadata file %s: %v", interfaces.ErrTransientIO, key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write metadata %s: %v", interfaces.ErrTransientIO, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close metadata temp file %s: %v", interfaces.ErrTransientIO, key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename metadata %s into place: %v", interfaces.ErrTransientIO, key, err)
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

var _ interfaces.ObjectStore = (*FSStore)(nil)
