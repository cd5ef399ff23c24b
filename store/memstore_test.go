package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/store"
	"github.com/specmem/specmem/store/storetest"
)

func TestMemStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := store.NewMemStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "mem_000000000000")
	assert.ErrorIs(t, err, store.ErrClosed)
	err = s.Scan(ctx, nil)
	assert.ErrorIs(t, err, store.ErrClosed)
}
