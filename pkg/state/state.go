// Package state persists the documents that live beside the block ledger:
// providers, items and offers of the catalog, and the transactions of the
// trading flow. Each document is stored as JSON under a kind and an id, on
// the same backend as the ledger, so a restarted node finds its catalog
// next to the blocks it created.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Document kinds.
const (
	KindProvider    = "provider"
	KindItem        = "item"
	KindOffer       = "offer"
	KindTransaction = "transaction"
)

var ErrCorrupt = errors.New("state: corrupt document")

// Store persists JSON documents. Put replaces an existing document.
type Store interface {
	Put(ctx context.Context, kind, id string, doc []byte) error
	Delete(ctx context.Context, kind, id string) error
	// List returns every document of kind keyed by id.
	List(ctx context.Context, kind string) (map[string][]byte, error)
}

// Save encodes v and stores it. A nil store is a no-op.
func Save(ctx context.Context, s Store, kind, id string, v any) error {
	if s == nil {
		return nil
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	if err := s.Put(ctx, kind, id, doc); err != nil {
		return fmt.Errorf("save %s %s: %w", kind, id, err)
	}
	return nil
}

// Remove deletes a document. A nil store is a no-op.
func Remove(ctx context.Context, s Store, kind, id string) error {
	if s == nil {
		return nil
	}
	if err := s.Delete(ctx, kind, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

// LoadAll decodes every document of kind, ordered by id. A nil store
// yields nothing.
func LoadAll[T any](ctx context.Context, s Store, kind string) ([]T, error) {
	if s == nil {
		return nil, nil
	}
	docs, err := s.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		var v T
		if err := json.Unmarshal(docs[id], &v); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrCorrupt, kind, id, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// MemoryStore keeps documents in process memory. It survives a rebuild of
// the components that use it, not a process restart.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, kind, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[kind] == nil {
		m.docs[kind] = make(map[string][]byte)
	}
	m.docs[kind][id] = append([]byte(nil), doc...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[kind], id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, kind string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.docs[kind]))
	for id, doc := range m.docs[kind] {
		out[id] = append([]byte(nil), doc...)
	}
	return out, nil
}
