package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() CanonicalSpec {
	return CanonicalSpec{
		ID:     NewID(),
		Domain: "automotive-os",
		Rules: []Rule{
			{Tag: "interface", Statement: "use the vehicle-property accessor interface"},
		},
		Constraints: map[string]Constraint{
			"max_latency_ms": {Value: "50"},
		},
		Aliases:       []string{"vehicle property api", "차량 속성 API"},
		SchemaVersion: CurrentSchemaVersion,
	}
}

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()

	assert.True(t, strings.HasPrefix(a, "mem_"))
	assert.Len(t, a, len("mem_")+12)
	assert.NotEqual(t, a, b)
}

func TestCanonicalSpecValidate(t *testing.T) {
	t.Run("valid spec passes", func(t *testing.T) {
		spec := validSpec()
		require.NoError(t, spec.Validate())
	})

	t.Run("missing domain fails", func(t *testing.T) {
		spec := validSpec()
		spec.Domain = ""
		err := spec.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidSpec)
	})

	t.Run("missing id fails", func(t *testing.T) {
		spec := validSpec()
		spec.ID = ""
		assert.ErrorIs(t, spec.Validate(), ErrInvalidSpec)
	})

	t.Run("rule without statement fails", func(t *testing.T) {
		spec := validSpec()
		spec.Rules = append(spec.Rules, Rule{Tag: "limit"})
		assert.ErrorIs(t, spec.Validate(), ErrInvalidSpec)
	})

	t.Run("future schema version fails", func(t *testing.T) {
		spec := validSpec()
		spec.SchemaVersion = CurrentSchemaVersion + 1
		assert.ErrorIs(t, spec.Validate(), ErrSchemaVersion)
	})
}

func TestCanonicalSpecClone(t *testing.T) {
	spec := validSpec()
	clone := spec.Clone()

	clone.Rules[0].Statement = "changed"
	clone.Aliases[0] = "changed"
	clone.Constraints["max_latency_ms"] = Constraint{Value: "100"}

	assert.Equal(t, "use the vehicle-property accessor interface", spec.Rules[0].Statement)
	assert.Equal(t, "vehicle property api", spec.Aliases[0])
	assert.Equal(t, "50", spec.Constraints["max_latency_ms"].Value)
}

func TestHasAlias(t *testing.T) {
	spec := validSpec()

	assert.True(t, spec.HasAlias("Vehicle  Property API"))
	assert.True(t, spec.HasAlias("차량 속성 api"))
	assert.False(t, spec.HasAlias("car battery"))
}

func TestAppendEmbedding(t *testing.T) {
	now := time.Now().UTC()

	t.Run("first embedding establishes dimension and model", func(t *testing.T) {
		rec, err := NewRecord(validSpec(), &Embedding{Vector: []float32{1, 0, 0}, ModelVersion: "test-v1"}, now)
		require.NoError(t, err)
		assert.Equal(t, "test-v1", rec.ModelVersion)
		assert.Len(t, rec.Centroid, 3)
	})

	t.Run("dimension mismatch rejected", func(t *testing.T) {
		rec, err := NewRecord(validSpec(), &Embedding{Vector: []float32{1, 0, 0}, ModelVersion: "test-v1"}, now)
		require.NoError(t, err)
		err = rec.AppendEmbedding(Embedding{Vector: []float32{1, 0}, ModelVersion: "test-v1"})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("model version mismatch rejected", func(t *testing.T) {
		rec, err := NewRecord(validSpec(), &Embedding{Vector: []float32{1, 0, 0}, ModelVersion: "test-v1"}, now)
		require.NoError(t, err)
		err = rec.AppendEmbedding(Embedding{Vector: []float32{0, 1, 0}, ModelVersion: "test-v2"})
		assert.ErrorIs(t, err, ErrModelVersionMismatch)
	})

	t.Run("centroid is normalized mean", func(t *testing.T) {
		rec, err := NewRecord(validSpec(), &Embedding{Vector: []float32{1, 0}, ModelVersion: "test-v1"}, now)
		require.NoError(t, err)
		require.NoError(t, rec.AppendEmbedding(Embedding{Vector: []float32{0, 1}, ModelVersion: "test-v1"}))

		// Mean is (0.5, 0.5); normalized it is (1/sqrt2, 1/sqrt2).
		assert.InDelta(t, 0.7071, float64(rec.Centroid[0]), 0.001)
		assert.InDelta(t, 0.7071, float64(rec.Centroid[1]), 0.001)
	})

	t.Run("embedding set is bounded", func(t *testing.T) {
		rec, err := NewRecord(validSpec(), &Embedding{Vector: []float32{1, 0}, ModelVersion: "test-v1"}, now)
		require.NoError(t, err)
		for i := 0; i < maxRecordVectors+5; i++ {
			require.NoError(t, rec.AppendEmbedding(Embedding{Vector: []float32{0, 1}, ModelVersion: "test-v1"}))
		}
		assert.Len(t, rec.Embeddings, maxRecordVectors)
	})
}

func TestCorroborate(t *testing.T) {
	rec := &MemoryRecord{Confidence: initialConfidence}

	prev := rec.Confidence
	for i := 0; i < 100; i++ {
		rec.Corroborate()
		assert.GreaterOrEqual(t, rec.Confidence, prev)
		prev = rec.Confidence
	}
	assert.LessOrEqual(t, rec.Confidence, 1.0)
	assert.Greater(t, rec.Confidence, 0.99)
}

func TestVisualAnchors(t *testing.T) {
	rec := &MemoryRecord{}
	anchor := VisualAnchor{
		ImageRef:   "img-042",
		Bounding:   [4]float64{0.1, 0.2, 0.3, 0.4},
		Label:      "speaker toggle",
		Confidence: 0.9,
	}

	assert.True(t, rec.AddVisualAnchor(anchor))
	assert.True(t, rec.HasVisual())

	t.Run("same region deduplicated", func(t *testing.T) {
		assert.False(t, rec.AddVisualAnchor(anchor))
		assert.Len(t, rec.VisualAnchors, 1)
	})

	t.Run("different region accepted", func(t *testing.T) {
		other := anchor
		other.Bounding = [4]float64{0.5, 0.5, 0.1, 0.1}
		assert.True(t, rec.AddVisualAnchor(other))
	})

	t.Run("confidence clamped", func(t *testing.T) {
		assert.True(t, rec.SetAnchorConfidence("img-042", 3.0))
		for _, a := range rec.VisualAnchors {
			assert.Equal(t, 1.0, a.Confidence)
		}
		assert.False(t, rec.SetAnchorConfidence("img-missing", 0.5))
	})
}

func TestWellDefined(t *testing.T) {
	now := time.Now().UTC()

	rec, err := NewRecord(validSpec(), nil, now)
	require.NoError(t, err)
	assert.True(t, rec.WellDefined())

	rec.PendingCanonicalization = true
	assert.False(t, rec.WellDefined())

	rec.PendingCanonicalization = false
	rec.Spec.Rules = nil
	assert.False(t, rec.WellDefined())
}

func TestRuleOverlap(t *testing.T) {
	a := validSpec()
	b := validSpec()

	assert.Equal(t, 1.0, RuleOverlap(&a, &b))

	b.Rules = append(b.Rules, Rule{Tag: "limit", Statement: "poll at most once per second"})
	assert.InDelta(t, 0.5, RuleOverlap(&a, &b), 0.001)

	b.Rules = []Rule{{Tag: "limit", Statement: "poll at most once per second"}}
	assert.Equal(t, 0.0, RuleOverlap(&a, &b))
}

func TestConstraintCompatibility(t *testing.T) {
	t.Run("no shared keys is fully compatible", func(t *testing.T) {
		a := validSpec()
		b := validSpec()
		b.Constraints = map[string]Constraint{"other_key": {Value: "1"}}
		score, conflicts := ConstraintCompatibility(&a, &b)
		assert.Equal(t, 1.0, score)
		assert.Empty(t, conflicts)
	})

	t.Run("agreeing values are compatible", func(t *testing.T) {
		a := validSpec()
		b := validSpec()
		score, conflicts := ConstraintCompatibility(&a, &b)
		assert.Equal(t, 1.0, score)
		assert.Empty(t, conflicts)
	})

	t.Run("contradicting values conflict", func(t *testing.T) {
		a := validSpec()
		b := validSpec()
		b.Constraints = map[string]Constraint{"max_latency_ms": {Value: "200"}}
		score, conflicts := ConstraintCompatibility(&a, &b)
		assert.Equal(t, 0.0, score)
		assert.Equal(t, []string{"max_latency_ms"}, conflicts)
	})
}
