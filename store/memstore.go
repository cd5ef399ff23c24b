package store

import (
	"context"
	"sort"
	"sync"

	"github.com/specmem/specmem/schema"
)

// MemStore is the process-local Store implementation. It keeps deep
// copies of every record so callers can never mutate persisted state
// through a returned pointer.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*schema.MemoryRecord
	aliases map[string]map[string]struct{} // normalized alias -> record ids
	closed  bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]*schema.MemoryRecord),
		aliases: make(map[string]map[string]struct{}),
	}
}

func (s *MemStore) Put(ctx context.Context, rec *schema.MemoryRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if _, ok := s.records[rec.ID]; ok {
		return "", ErrDuplicateID
	}
	stored := rec.Clone()
	stored.Version = 1
	s.records[stored.ID] = stored
	s.indexAliases(stored)
	rec.Version = stored.Version
	return stored.ID, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*schema.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemStore) FindByAlias(ctx context.Context, term string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0)
	for id := range s.aliases[schema.NormalizeTerm(term)] {
		if rec, ok := s.records[id]; ok && !rec.Tombstone {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) Update(ctx context.Context, id string, mutate Mutator) (*schema.MemoryRecord, error) {
	return s.update(ctx, id, 0, false, mutate)
}

func (s *MemStore) CompareAndUpdate(ctx context.Context, id string, expect uint64, mutate Mutator) (*schema.MemoryRecord, error) {
	return s.update(ctx, id, expect, true, mutate)
}

func (s *MemStore) update(ctx context.Context, id string, expect uint64, checkVersion bool, mutate Mutator) (*schema.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	current, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if checkVersion && current.Version != expect {
		return nil, ErrVersionConflict
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id // the mutator cannot re-key a record
	next.Version = current.Version + 1
	s.unindexAliases(current)
	s.records[id] = next
	s.indexAliases(next)
	return next.Clone(), nil
}

func (s *MemStore) Scan(ctx context.Context, fn func(*schema.MemoryRecord) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	// Snapshot ids so fn may call back into the store.
	ids := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if !rec.Tombstone {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		rec, ok := s.records[id]
		var clone *schema.MemoryRecord
		if ok && !rec.Tombstone {
			clone = rec.Clone()
		}
		s.mu.RUnlock()
		if clone == nil {
			continue
		}
		if err := fn(clone); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *MemStore) SearchLexical(ctx context.Context, terms []string, limit int) ([]LexicalHit, error) {
	if limit <= 0 {
		limit = 10
	}
	var hits []LexicalHit
	err := s.Scan(ctx, func(rec *schema.MemoryRecord) error {
		if score := LexicalScore(rec, terms); score > 0 {
			hits = append(hits, LexicalHit{ID: rec.ID, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	s.aliases = nil
	return nil
}

func (s *MemStore) indexAliases(rec *schema.MemoryRecord) {
	for _, a := range rec.Spec.Aliases {
		key := schema.NormalizeTerm(a)
		set, ok := s.aliases[key]
		if !ok {
			set = make(map[string]struct{})
			s.aliases[key] = set
		}
		set[rec.ID] = struct{}{}
	}
}

func (s *MemStore) unindexAliases(rec *schema.MemoryRecord) {
	for _, a := range rec.Spec.Aliases {
		key := schema.NormalizeTerm(a)
		if set, ok := s.aliases[key]; ok {
			delete(set, rec.ID)
			if len(set) == 0 {
				delete(s.aliases, key)
			}
		}
	}
}
