package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/store"
	"github.com/specmem/specmem/store/storetest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return setupTestStore(t)
	})
}

func TestRedisNamespaceIsolation(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Options{URL: "redis://" + mr.Addr(), Namespace: "tenant-a"})
	require.NoError(t, err)
	defer a.Close()

	b, err := New(Options{URL: "redis://" + mr.Addr(), Namespace: "tenant-b"})
	require.NoError(t, err)
	defer b.Close()

	rec := storetest.NewRecord(t)
	_, err = a.Put(t.Context(), rec)
	require.NoError(t, err)

	_, err = b.Get(t.Context(), rec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisPutDuplicateLeavesNoAliasResidue(t *testing.T) {
	s := setupTestStore(t)

	rec := storetest.NewRecord(t)
	_, err := s.Put(t.Context(), rec)
	require.NoError(t, err)

	// A rejected re-insert under the same id must not register the
	// rejected record's aliases against the existing record.
	dup := rec.Clone()
	dup.Spec.Aliases = []string{"head unit maintenance"}
	_, err = s.Put(t.Context(), dup)
	require.ErrorIs(t, err, store.ErrDuplicateID)

	ids, err := s.FindByAlias(t.Context(), "head unit maintenance")
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = s.FindByAlias(t.Context(), "vehicle property api")
	require.NoError(t, err)
	require.Equal(t, []string{rec.ID}, ids)
}

func TestRedisBadURL(t *testing.T) {
	_, err := New(Options{URL: "not-a-url"})
	require.Error(t, err)
}
