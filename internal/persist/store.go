// Package persist stores the client's durable snapshots under string keys.
//
// Each store of the client engine owns one key and decides what subset of
// its state is durable; this package only moves bytes. Three backends
// exist: Memory (tests and ephemeral runs), SQLite (the default for the
// terminal client) and Redis (shared hosts).
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Keys owned by the client engine.
const (
	SessionKey = "auth-storage"
	RoomsKey   = "room-storage"
)

// ErrNotFound is returned by Load when nothing is stored under the key.
var ErrNotFound = errors.New("persist: key not found")

// Store is a durable key/value store.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// SaveJSON encodes value and stores it under key.
func SaveJSON(ctx context.Context, store Store, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", key, err)
	}
	return store.Save(ctx, key, encoded)
}

// LoadJSON decodes the value stored under key into target. It returns
// ErrNotFound when the key is absent.
func LoadJSON(ctx context.Context, store Store, key string, target any) error {
	encoded, err := store.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(encoded, target); err != nil {
		return fmt.Errorf("persist: decode %s: %w", key, err)
	}
	return nil
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Close() error { return nil }
