// Package store persists findings and insights by id in a key/value
// backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/netpanic/netpanic/internal/bus"
	"github.com/netpanic/netpanic/internal/core"
)

// Collection names used by the pipeline.
const (
	CollectionFindings = "findings"
	CollectionInsights = "insights"
)

// Open returns the backend cfg selects. The "nats" backend needs the
// pipeline to run on a JetStream bus.
func Open(cfg core.StoreConfig, b core.Bus) (core.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "nats":
		js, ok := b.(*bus.JetStream)
		if !ok {
			return nil, errors.New(`store backend "nats" requires the nats bus backend`)
		}
		kv, err := js.KeyValue(cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return NewJetStreamKV(kv), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// ─── Memory ─────────────────────────────────────────────────────────────────

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Put upserts value under collection/key.
func (m *Memory) Put(_ context.Context, collection, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[collection]
	if !ok {
		c = make(map[string][]byte)
		m.data[collection] = c
	}
	c[key] = slices.Clone(value)
	return nil
}

// Get returns the value under collection/key.
func (m *Memory) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[collection][key]
	return slices.Clone(v), ok, nil
}

// List returns every value in collection ordered by key.
func (m *Memory) List(_ context.Context, collection string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.data[collection]
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = slices.Clone(c[k])
	}
	return out, nil
}

// ─── JetStream KV ───────────────────────────────────────────────────────────

// JetStreamKV stores values in a NATS JetStream key/value bucket under
// "<collection>.<key>".
type JetStreamKV struct {
	kv nats.KeyValue
}

// NewJetStreamKV wraps an open bucket.
func NewJetStreamKV(kv nats.KeyValue) *JetStreamKV {
	return &JetStreamKV{kv: kv}
}

func kvKey(collection, key string) string {
	return collection + "." + key
}

// Put upserts value under collection/key.
func (s *JetStreamKV) Put(_ context.Context, collection, key string, value []byte) error {
	if _, err := s.kv.Put(kvKey(collection, key), value); err != nil {
		return fmt.Errorf("kv put %s: %w", kvKey(collection, key), err)
	}
	return nil
}

// Get returns the value under collection/key.
func (s *JetStreamKV) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(kvKey(collection, key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", kvKey(collection, key), err)
	}
	return entry.Value(), true, nil
}

// List returns every value in collection ordered by key.
func (s *JetStreamKV) List(ctx context.Context, collection string) ([][]byte, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return [][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}

	prefix := collection + "."
	var matched []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)

	out := make([][]byte, 0, len(matched))
	for _, k := range matched {
		v, ok, err := s.Get(ctx, collection, strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}
