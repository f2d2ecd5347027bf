package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// SyncStateBucket holds every key written by the sync core.
const SyncStateBucket = "sync_state"

// BoltStore implements Store on top of a single bbolt bucket.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt database at path.
func OpenBolt(path string, logger *zap.Logger) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: bolt path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(SyncStateBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create bucket: %w", err)
	}

	if logger != nil {
		logger.Info("bolt store initialized", zap.String("path", path))
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string, target any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	normalized, err := normalizeKey(key)
	if err != nil {
		return false, err
	}

	var payload []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(SyncStateBucket))
		if bucket == nil {
			return nil
		}
		if data := bucket.Get([]byte(normalized)); data != nil {
			payload = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: get %s: %w", normalized, err)
	}
	if payload == nil {
		return false, nil
	}
	if err := decodeValue(normalized, payload, target); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BoltStore) Set(ctx context.Context, key string, value any) error {
	return s.Apply(ctx, Put(key, value))
}

func (s *BoltStore) Remove(ctx context.Context, key string) error {
	return s.Apply(ctx, Delete(key))
}

func (s *BoltStore) Apply(ctx context.Context, writes ...Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeWrites(writes)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(SyncStateBucket))
		if bucket == nil {
			return fmt.Errorf("storage: bucket %s does not exist", SyncStateBucket)
		}
		for _, write := range encoded {
			if write.delete {
				if err := bucket.Delete([]byte(write.key)); err != nil {
					return fmt.Errorf("storage: delete %s: %w", write.key, err)
				}
				continue
			}
			if err := bucket.Put([]byte(write.key), write.payload); err != nil {
				return fmt.Errorf("storage: put %s: %w", write.key, err)
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
