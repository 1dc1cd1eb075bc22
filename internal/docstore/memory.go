package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Every primitive runs under one mutex, so renames are
// atomic with respect to readers exactly as the document store guarantees.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]Document)}
}

func (s *MemoryStore) Create(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = []Document{}
	}
	return nil
}

func (s *MemoryStore) InsertMany(_ context.Context, collection string, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.collections[collection] = append(s.collections[collection], cloneDoc(d))
	}
	return nil
}

func (s *MemoryStore) UpsertMany(_ context.Context, collection, keyField string, docs []Document) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	existing := s.collections[collection]
	index := make(map[string]int, len(existing))
	for i, d := range existing {
		if k, ok := d[keyField]; ok {
			index[fmt.Sprint(k)] = i
		}
	}
	for _, d := range docs {
		k, ok := d[keyField]
		if !ok {
			return res, fmt.Errorf("document missing key field %q", keyField)
		}
		key := fmt.Sprint(k)
		if i, found := index[key]; found {
			merged := existing[i]
			for f, v := range d {
				merged[f] = v
			}
			res.Updated++
			continue
		}
		existing = append(existing, cloneDoc(d))
		index[key] = len(existing) - 1
		res.Created++
	}
	s.collections[collection] = existing
	return res, nil
}

func (s *MemoryStore) Rename(_ context.Context, from, to string, dropTarget bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[from]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, ErrNamespaceNotFound)
	}
	if _, exists := s.collections[to]; exists && !dropTarget {
		return fmt.Errorf("rename %s to %s: %w", from, to, ErrNamespaceExists)
	}
	s.collections[to] = docs
	delete(s.collections, from)
	return nil
}

func (s *MemoryStore) DropIfExists(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *MemoryStore) Count(_ context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.collections[collection])), nil
}

func (s *MemoryStore) ListCollections(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether collection is present.
func (s *MemoryStore) Exists(collection string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[collection]
	return ok
}

// Documents returns a copy of the collection's contents in insertion order.
func (s *MemoryStore) Documents(collection string) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.collections[collection]))
	for _, d := range s.collections[collection] {
		out = append(out, cloneDoc(d))
	}
	return out
}

func cloneDoc(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
