// Package storetest provides a conformance suite run against every
// Store implementation, so the in-memory, sqlite and redis backends
// keep identical semantics.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// Factory creates a fresh, empty store for one subtest. Cleanup is
// registered by the factory itself (t.Cleanup or t.TempDir).
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against the given factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, factory(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, factory(t)) })
	t.Run("FindByAlias", func(t *testing.T) { testFindByAlias(t, factory(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, factory(t)) })
	t.Run("CompareAndUpdate", func(t *testing.T) { testCompareAndUpdate(t, factory(t)) })
	t.Run("Scan", func(t *testing.T) { testScan(t, factory(t)) })
	t.Run("Tombstone", func(t *testing.T) { testTombstone(t, factory(t)) })
	t.Run("SearchLexical", func(t *testing.T) { testSearchLexical(t, factory(t)) })
	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) { testIsolation(t, factory(t)) })
}

// NewRecord builds a valid record suitable for backend tests.
func NewRecord(t *testing.T) *schema.MemoryRecord {
	t.Helper()
	return newRecord(t, "automotive-os", "vehicle property api")
}

func newRecord(t *testing.T, domain string, aliases ...string) *schema.MemoryRecord {
	t.Helper()
	spec := schema.CanonicalSpec{
		ID:     schema.NewID(),
		Domain: domain,
		Rules: []schema.Rule{
			{Tag: "interface", Statement: "use the vehicle-property accessor interface"},
		},
		Constraints:   map[string]schema.Constraint{"max_latency_ms": {Value: "50"}},
		Aliases:       aliases,
		SchemaVersion: schema.CurrentSchemaVersion,
	}
	rec, err := schema.NewRecord(spec, &schema.Embedding{
		Vector:       []float32{0.6, 0.8},
		ModelVersion: "test-v1",
	}, time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, err)
	return rec
}

func testPutGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord(t, "automotive-os", "vehicle property api")

	id, err := s.Put(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, rec.ID, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Spec.Domain, got.Spec.Domain)
	assert.Equal(t, rec.Spec.Aliases, got.Spec.Aliases)
	assert.Equal(t, uint64(1), got.Version)
	assert.Len(t, got.Embeddings, 1)
	assert.Equal(t, "test-v1", got.ModelVersion)
	assert.InDelta(t, 0.6, float64(got.Centroid[0]), 0.0001)

	_, err = s.Get(ctx, "mem_missing00000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateID(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord(t, "automotive-os")

	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	dup := newRecord(t, "automotive-os")
	dup.ID = rec.ID
	dup.Spec.ID = rec.ID
	_, err = s.Put(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicateID)
}

func testFindByAlias(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := newRecord(t, "automotive-os", "vehicle property api", "차량 속성 API")
	b := newRecord(t, "automotive-os", "vehicle property api")
	c := newRecord(t, "home-audio", "speaker toggle")

	for _, rec := range []*schema.MemoryRecord{a, b, c} {
		_, err := s.Put(ctx, rec)
		require.NoError(t, err)
	}

	ids, err := s.FindByAlias(ctx, "Vehicle  Property API")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	ids, err = s.FindByAlias(ctx, "차량 속성 api")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	ids, err = s.FindByAlias(ctx, "unknown term")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord(t, "automotive-os", "vehicle property api")
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	updated, err := s.Update(ctx, rec.ID, func(r *schema.MemoryRecord) error {
		r.Spec.Aliases = append(r.Spec.Aliases, "car props")
		r.Corroborate()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
	assert.Contains(t, updated.Spec.Aliases, "car props")

	// The new alias is queryable, the update was atomic.
	ids, err := s.FindByAlias(ctx, "car props")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids)

	// A failing mutator leaves the prior version visible.
	_, err = s.Update(ctx, rec.ID, func(r *schema.MemoryRecord) error {
		r.Spec.Aliases = nil
		return assert.AnError
	})
	require.Error(t, err)
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.Contains(t, got.Spec.Aliases, "car props")

	_, err = s.Update(ctx, "mem_missing00000", func(*schema.MemoryRecord) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCompareAndUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord(t, "automotive-os")
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	// Matching version applies.
	updated, err := s.CompareAndUpdate(ctx, rec.ID, 1, func(r *schema.MemoryRecord) error {
		r.Corroborate()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)

	// Stale version is rejected.
	_, err = s.CompareAndUpdate(ctx, rec.ID, 1, func(r *schema.MemoryRecord) error {
		r.Corroborate()
		return nil
	})
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func testScan(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		rec := newRecord(t, "automotive-os")
		_, err := s.Put(ctx, rec)
		require.NoError(t, err)
		want[rec.ID] = true
	}

	seen := map[string]bool{}
	err := s.Scan(ctx, func(rec *schema.MemoryRecord) error {
		seen[rec.ID] = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, seen)

	// Restartable: a second scan sees everything again.
	count := 0
	err = s.Scan(ctx, func(*schema.MemoryRecord) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(want), count)

	// Early stop is not an error.
	count = 0
	err = s.Scan(ctx, func(*schema.MemoryRecord) error {
		count++
		return store.ErrStopScan
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testTombstone(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord(t, "automotive-os", "vehicle property api")
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	_, err = s.Update(ctx, rec.ID, func(r *schema.MemoryRecord) error {
		r.Tombstone = true
		return nil
	})
	require.NoError(t, err)

	// Tombstoned records stay readable by id...
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)

	// ...but disappear from alias lookup, scans and lexical search.
	ids, err := s.FindByAlias(ctx, "vehicle property api")
	require.NoError(t, err)
	assert.Empty(t, ids)

	err = s.Scan(ctx, func(r *schema.MemoryRecord) error {
		t.Errorf("scan yielded tombstoned record %s", r.ID)
		return nil
	})
	require.NoError(t, err)

	hits, err := s.SearchLexical(ctx, []string{"vehicle"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func testSearchLexical(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := newRecord(t, "automotive-os", "vehicle property api")
	b := newRecord(t, "home-audio", "speaker toggle")
	for _, rec := range []*schema.MemoryRecord{a, b} {
		_, err := s.Put(ctx, rec)
		require.NoError(t, err)
	}

	hits, err := s.SearchLexical(ctx, []string{"vehicle", "property"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, a.ID, hits[0].ID)
	assert.Equal(t, 1.0, hits[0].Score)

	// Partial overlap scores proportionally.
	hits, err = s.SearchLexical(ctx, []string{"vehicle", "nonsense"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, a.ID, hits[0].ID)
	assert.InDelta(t, 0.5, hits[0].Score, 0.0001)

	hits, err = s.SearchLexical(ctx, []string{"nothing", "matches"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func testIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord(t, "automotive-os", "vehicle property api")
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	got.Spec.Aliases[0] = "mutated"
	got.Spec.Domain = "mutated"

	fresh, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "vehicle property api", fresh.Spec.Aliases[0])
	assert.Equal(t, "automotive-os", fresh.Spec.Domain)
}
