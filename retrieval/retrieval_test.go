package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

const testModel = "test-v1"

type fixture struct {
	st  *store.MemStore
	idx *index.Index
	eng *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemStore()
	t.Cleanup(func() { _ = st.Close() })
	idx := index.New(index.Config{Dimensions: 2, ModelVersion: testModel})
	return &fixture{st: st, idx: idx, eng: New(Config{}, st, idx)}
}

func testSpec(domain string, aliases ...string) schema.CanonicalSpec {
	return schema.CanonicalSpec{
		ID:     schema.NewID(),
		Domain: domain,
		Rules: []schema.Rule{
			{Tag: "interface", Statement: "use the vehicle property accessor"},
		},
		Aliases:       aliases,
		SchemaVersion: schema.CurrentSchemaVersion,
	}
}

func (f *fixture) seed(t *testing.T, spec schema.CanonicalSpec, vec []float32) *schema.MemoryRecord {
	t.Helper()
	rec, err := schema.NewRecord(spec, &schema.Embedding{Vector: vec, ModelVersion: testModel}, time.Now().UTC())
	require.NoError(t, err)
	_, err = f.st.Put(t.Context(), rec)
	require.NoError(t, err)
	require.NoError(t, f.idx.Insert(rec.ID, rec.Centroid, testModel))
	return rec
}

func TestQueryDirect(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})

	res, err := f.eng.Query(t.Context(), []float32{1, 0}, []string{"vehicle property api"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDirect, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, rec.ID, res.Record.ID)
	assert.GreaterOrEqual(t, res.Confidence, 0.75)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.UnmatchedTerms)
	require.NotEmpty(t, res.Explanation)
	assert.Equal(t, rec.ID, res.Explanation[0].ID)
	assert.InDelta(t, 1.0, res.Explanation[0].Similarity, 1e-6)
	assert.InDelta(t, 1.0, res.Explanation[0].LiteralOverlap, 1e-9)
}

func TestQueryCorrectiveReportsUnmatchedTerms(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})

	// Mid similarity and half the terms matching lands between the
	// thresholds: suggest, and say which term found nothing.
	res, err := f.eng.Query(t.Context(), []float32{0.6, 0.8}, []string{"vehicle", "hyperdrive"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCorrective, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, []string{"hyperdrive"}, res.UnmatchedTerms)
	assert.Less(t, res.Confidence, 0.75)
	assert.GreaterOrEqual(t, res.Confidence, 0.45)
}

func TestQueryAmbiguousOnNearTie(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})
	f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{0.9999, 0.0001})

	res, err := f.eng.Query(t.Context(), []float32{1, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmbiguous, res.Outcome)
	assert.NotNil(t, res.Record, "the leading candidate is still reported for disambiguation")
	assert.Len(t, res.Explanation, 2)
}

func TestQueryNoneBelowFloor(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})

	res, err := f.eng.Query(t.Context(), []float32{0, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, res.Outcome)
	assert.Nil(t, res.Record)
	assert.Zero(t, res.Confidence)
}

func TestQueryFallsBackToLexicalWhenIndexUnavailable(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})
	f.idx.SetAvailable(false)

	res, err := f.eng.Query(t.Context(), []float32{1, 0}, []string{"vehicle property api"})
	require.NoError(t, err, "index loss degrades, never errors")

	assert.True(t, res.Degraded)
	require.NotNil(t, res.Record)
	assert.Equal(t, rec.ID, res.Record.ID)
	assert.Less(t, res.Confidence, 0.75, "degraded answers never reach the direct threshold")
	assert.Equal(t, OutcomeCorrective, res.Outcome)
}

func TestQueryFallbackWithoutTerms(t *testing.T) {
	f := newFixture(t)
	f.idx.SetAvailable(false)

	res, err := f.eng.Query(t.Context(), []float32{1, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, res.Outcome)
	assert.True(t, res.Degraded)
}

func TestQueryUsageBonusBreaksTies(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})
	favored := f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})

	_, err := f.st.Update(t.Context(), favored.ID, func(rec *schema.MemoryRecord) error {
		rec.UseCount = 50
		return nil
	})
	require.NoError(t, err)

	res, err := f.eng.Query(t.Context(), []float32{0.6, 0.8}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDirect, res.Outcome, "the capped usage bonus exceeds epsilon")
	require.NotNil(t, res.Record)
	assert.Equal(t, favored.ID, res.Record.ID)
}

func TestQueryPendingCanonicalizationRanksDown(t *testing.T) {
	f := newFixture(t)

	pending, err := schema.NewRecord(schema.CanonicalSpec{
		ID:            schema.NewID(),
		Domain:        "automotive-os",
		SchemaVersion: schema.CurrentSchemaVersion,
	}, &schema.Embedding{Vector: []float32{1, 0}, ModelVersion: testModel}, time.Now().UTC())
	require.NoError(t, err)
	pending.PendingCanonicalization = true
	pending.RawUtterance = "something about vehicle properties"
	_, err = f.st.Put(t.Context(), pending)
	require.NoError(t, err)
	require.NoError(t, f.idx.Insert(pending.ID, pending.Centroid, testModel))

	canonical := f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})

	res, err := f.eng.Query(t.Context(), []float32{1, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDirect, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, canonical.ID, res.Record.ID)
}

func TestQueryRequireVisual(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testSpec("automotive-os", "vehicle property api"), []float32{1, 0})

	visual := f.seed(t, testSpec("automotive-os", "dashboard connector"), []float32{0.95, 0.05})
	_, err := f.st.Update(t.Context(), visual.ID, func(rec *schema.MemoryRecord) error {
		rec.AddVisualAnchor(schema.VisualAnchor{
			ImageRef:   "img://dashboard/1",
			Bounding:   [4]float64{0.1, 0.1, 0.3, 0.2},
			Label:      "connector",
			Confidence: 0.9,
		})
		return nil
	})
	require.NoError(t, err)

	res, err := f.eng.Query(t.Context(), []float32{1, 0}, nil, WithRequireVisual())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, visual.ID, res.Record.ID)
	assert.True(t, res.Record.HasVisual())
}

func TestFallbackCeilingClampedBelowTauHigh(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	idx := index.New(index.Config{Dimensions: 2, ModelVersion: testModel})

	eng := New(Config{TauHigh: 0.75, FallbackCeiling: 0.9}, st, idx)
	assert.Less(t, eng.cfg.FallbackCeiling, eng.cfg.TauHigh)
}
