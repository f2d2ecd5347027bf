// Package storage implements the durable key-value store shared by the sync core. Values are
// JSON documents addressed by string keys and survive process restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyKey indicates that a key was blank.
	ErrEmptyKey = errors.New("storage: empty key")
	// ErrClosed indicates that the store has been closed.
	ErrClosed = errors.New("storage: store closed")
)

// Store persists JSON-serializable values by key.
type Store interface {
	// Get decodes the value stored under key into target and reports whether it existed.
	Get(ctx context.Context, key string, target any) (bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value any) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Apply performs every write atomically.
	Apply(ctx context.Context, writes ...Write) error
}

// Write is one element of an atomic batch.
type Write struct {
	Key    string
	Value  any
	Delete bool
}

// Put returns a write storing value under key.
func Put(key string, value any) Write {
	return Write{Key: key, Value: value}
}

// Delete returns a write removing key.
func Delete(key string) Write {
	return Write{Key: key, Delete: true}
}

// Load reads key into a fresh T.
func Load[T any](ctx context.Context, store Store, key string) (T, bool, error) {
	var value T
	found, err := store.Get(ctx, key, &value)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return value, found, nil
}

type encodedWrite struct {
	key     string
	payload []byte
	delete  bool
}

func encodeWrites(writes []Write) ([]encodedWrite, error) {
	encoded := make([]encodedWrite, 0, len(writes))
	for _, write := range writes {
		key, err := normalizeKey(write.Key)
		if err != nil {
			return nil, err
		}
		if write.Delete {
			encoded = append(encoded, encodedWrite{key: key, delete: true})
			continue
		}
		payload, err := encodeValue(key, write.Value)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, encodedWrite{key: key, payload: payload})
	}
	return encoded, nil
}

func encodeValue(key string, value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return payload, nil
}

func decodeValue(key string, payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return nil
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrEmptyKey
	}
	return trimmed, nil
}

type scopedStore struct {
	inner  Store
	prefix string
}

// Scoped returns a view of store whose keys are prefixed with prefix and a slash.
func Scoped(store Store, prefix string) Store {
	return &scopedStore{inner: store, prefix: strings.TrimSuffix(prefix, "/") + "/"}
}

func (s *scopedStore) Get(ctx context.Context, key string, target any) (bool, error) {
	return s.inner.Get(ctx, s.prefix+key, target)
}

func (s *scopedStore) Set(ctx context.Context, key string, value any) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *scopedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.prefix+key)
}

func (s *scopedStore) Apply(ctx context.Context, writes ...Write) error {
	scoped := make([]Write, len(writes))
	for i, write := range writes {
		write.Key = s.prefix + write.Key
		scoped[i] = write
	}
	return s.inner.Apply(ctx, scoped...)
}
