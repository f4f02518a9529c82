// Package watermarkstore implements the CAS-guarded Watermark Store (C3) on
// top of Badger/badgerhold, the teacher's embedded key/value stack.
package watermarkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badgerv4 "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/interfaces"
)

const (
	watermarkPrefix = "wm:"
	claimPrefix     = "claim:"
)

// Store is a Badger-backed interfaces.WatermarkStore. CompareAndSet and
// ClaimCoordination are implemented with Badger's own transactional Update,
// which gives the read-compare-write sequence true atomicity within this
// process without needing a second coordination backend.
type Store struct {
	hold   *badgerhold.Store
	db     *badgerv4.DB
	logger arbor.ILogger
}

// New opens (creating if necessary) a Badger watermark store at cfg.Path.
func New(cfg common.WatermarkConfig, logger arbor.ILogger) (*Store, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.Path); err == nil {
			logger.Debug().Str("path", cfg.Path).Msg("deleting existing watermark store (reset_on_startup=true)")
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn().Err(err).Str("path", cfg.Path).Msg("failed to delete watermark store directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create watermark store directory: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = cfg.Path
	opts.ValueDir = cfg.Path
	opts.Logger = nil

	hold, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open watermark store at %s: %w", cfg.Path, err)
	}

	return &Store{hold: hold, db: hold.Badger(), logger: logger}, nil
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	return s.hold.Close()
}

func (s *Store) Get(ctx context.Context, key string) (interfaces.Watermark, error) {
	var wm interfaces.Watermark
	err := s.db.View(func(txn *badgerv4.Txn) error {
		item, err := txn.Get([]byte(watermarkPrefix + key))
		if err != nil {
			if err == badgerv4.ErrKeyNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &wm)
		})
	})
	if err != nil {
		if err == interfaces.ErrNotFound {
			return interfaces.Watermark{}, interfaces.ErrNotFound
		}
		return interfaces.Watermark{}, fmt.Errorf("get watermark %s: %w", key, err)
	}
	return wm, nil
}

func (s *Store) Put(ctx context.Context, key string, value interfaces.Watermark) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode watermark %s: %w", key, err)
	}
	return s.db.Update(func(txn *badgerv4.Txn) error {
		return txn.Set([]byte(watermarkPrefix+key), data)
	})
}

// CompareAndSet writes desired only if the stored watermark's ContentHash
// equals expectedHash (expectedHash == "" matches an absent key, or one
// whose stored ContentHash is empty).
// The read and write happen inside a single Badger transaction, so a
// concurrent writer either commits first (and this call conflicts/fails
// the hash check on retry) or observes this write atomically.
func (s *Store) CompareAndSet(ctx context.Context, key string, expectedHash string, desired interfaces.Watermark) error {
	data, err := json.Marshal(desired)
	if err != nil {
		return fmt.Errorf("encode watermark %s: %w", key, err)
	}

	err = s.db.Update(func(txn *badgerv4.Txn) error {
		item, err := txn.Get([]byte(watermarkPrefix + key))
		switch {
		case err == badgerv4.ErrKeyNotFound:
			if expectedHash != "" {
				return interfaces.ErrConcurrentUpdate
			}
		case err != nil:
			return err
		default:
			var current interfaces.Watermark
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); verr != nil {
				return verr
			}
			if current.ContentHash != expectedHash {
				return interfaces.ErrConcurrentUpdate
			}
		}
		return txn.Set([]byte(watermarkPrefix+key), data)
	})
	if err == badgerv4.ErrConflict {
		return interfaces.ErrConcurrentUpdate
	}
	return err
}

// ClaimCoordination atomically creates a claim record if none exists or the
// existing one has expired, used for the Bronze new->claimed transition
// when the object store backend can't do a conditional metadata write
// itself.
func (s *Store) ClaimCoordination(ctx context.Context, key string, ttl time.Duration) error {
	now := time.Now()
	err := s.db.Update(func(txn *badgerv4.Txn) error {
		item, err := txn.Get([]byte(claimPrefix + key))
		if err == nil {
			var expiresAt time.Time
			if verr := item.Value(func(val []byte) error {
				return expiresAt.UnmarshalBinary(val)
			}); verr == nil && now.Before(expiresAt) {
				return interfaces.ErrConcurrentUpdate
			}
		} else if err != badgerv4.ErrKeyNotFound {
			return err
		}

		expiresAt := now.Add(ttl)
		data, merr := expiresAt.MarshalBinary()
		if merr != nil {
			return merr
		}
		e := badgerv4.NewEntry([]byte(claimPrefix+key), data).WithTTL(ttl)
		return txn.SetEntry(e)
	})
	if err == badgerv4.ErrConflict {
		return interfaces.ErrConcurrentUpdate
	}
	return err
}

// ReleaseCoordination removes a claim record.
func (s *Store) ReleaseCoordination(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badgerv4.Txn) error {
		err := txn.Delete([]byte(claimPrefix + key))
		if err == badgerv4.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

var _ interfaces.WatermarkStore = (*Store)(nil)
