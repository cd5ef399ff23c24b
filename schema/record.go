package schema

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrDimensionMismatch is returned when an embedding does not match
	// the dimension already established for a record.
	ErrDimensionMismatch = errors.New("schema: embedding dimension mismatch")

	// ErrModelVersionMismatch is returned when an embedding was produced
	// by a different model version than the record's existing vectors.
	// Vectors from different model versions are never comparable; the
	// record must be re-embedded instead.
	ErrModelVersionMismatch = errors.New("schema: embedding model version mismatch")
)

// Embedding is a fixed-dimension vector tagged with the version of the
// model that produced it.
type Embedding struct {
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// VisualAnchor associates a region of an external image with a concept
// label. The engine owns only this metadata, never pixels.
type VisualAnchor struct {
	// ImageRef is an opaque reference resolved by the visual collaborator.
	ImageRef string `json:"image_ref"`

	// Bounding is the [x, y, w, h] region, normalized to [0,1].
	Bounding [4]float64 `json:"bounding"`

	// Label is the concept the region depicts.
	Label string `json:"label"`

	// ViewAngle is an optional hint such as "front" or "top".
	ViewAngle string `json:"view_angle,omitempty"`

	// Confidence in [0,1] of the region/label association.
	Confidence float64 `json:"confidence"`
}

// MemoryRecord is the mutable storage container for one remembered
// specification. Exactly one Spec is present at any instant; merges
// replace it atomically. The Version counter backs optimistic
// concurrency in the structured store.
type MemoryRecord struct {
	ID string `json:"id"`

	Spec CanonicalSpec `json:"spec"`

	// Embeddings holds one vector per source utterance the record was
	// composed from, all from the same model version. Centroid caches
	// their normalized mean for search.
	Embeddings   []Embedding `json:"embeddings,omitempty"`
	Centroid     []float32   `json:"centroid,omitempty"`
	ModelVersion string      `json:"model_version,omitempty"`

	// Confidence reflects corroboration count and recency. It is
	// non-decreasing under corroborating merges; decay happens only
	// through an explicit forgetting policy outside this engine.
	Confidence float64 `json:"confidence"`

	VisualAnchors []VisualAnchor `json:"visual_anchors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// UseCount and LastAccessedAt track retrieval usage; frequently
	// recalled records earn a small, capped ranking bonus.
	UseCount       int       `json:"use_count"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitempty"`

	// PendingCanonicalization marks a record stored from a raw
	// utterance before extraction succeeded. RawUtterance and Locale
	// are kept for the background retry.
	PendingCanonicalization bool   `json:"pending_canonicalization,omitempty"`
	RawUtterance            string `json:"raw_utterance,omitempty"`
	Locale                  string `json:"locale,omitempty"`

	// PendingIndexing marks a durable record whose embedding has not
	// reached the semantic index yet; a background retry reconciles it.
	PendingIndexing bool `json:"pending_indexing,omitempty"`

	// Tombstone is the logical-deletion flag. Records are never
	// physically removed outside an administrative purge.
	Tombstone bool `json:"tombstone,omitempty"`

	// Version is the monotonically increasing counter the structured
	// store bumps on every successful update.
	Version uint64 `json:"version"`
}

// NewRecord creates a record around a validated spec and its first
// embedding. The embedding may be nil when the caller stores a raw
// utterance ahead of extraction.
func NewRecord(spec CanonicalSpec, emb *Embedding, now time.Time) (*MemoryRecord, error) {
	rec := &MemoryRecord{
		ID:         spec.ID,
		Spec:       spec,
		Confidence: initialConfidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if emb != nil {
		if err := rec.AppendEmbedding(*emb); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// initialConfidence is the confidence assigned to a record on first
// observation; each corroborating merge closes a fixed fraction of the
// remaining gap to 1, keeping the value monotone and bounded.
const (
	initialConfidence = 0.5
	corroborationLift = 0.15
	maxRecordVectors  = 16
	anchorEpsilon     = 1e-9
)

// AppendEmbedding adds a vector to the record's ordered embedding set
// and recomputes the cached centroid. Vectors must agree with the
// record's established dimension and model version. The set is bounded:
// once full, the oldest vector is dropped before appending (the
// centroid still reflects only retained vectors).
func (r *MemoryRecord) AppendEmbedding(e Embedding) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if r.ModelVersion == "" {
		r.ModelVersion = e.ModelVersion
	} else if r.ModelVersion != e.ModelVersion {
		return fmt.Errorf("%w: record has %q, embedding has %q", ErrModelVersionMismatch, r.ModelVersion, e.ModelVersion)
	}
	if len(r.Embeddings) > 0 && len(r.Embeddings[0].Vector) != len(e.Vector) {
		return fmt.Errorf("%w: record has %d, embedding has %d", ErrDimensionMismatch, len(r.Embeddings[0].Vector), len(e.Vector))
	}
	if len(r.Embeddings) >= maxRecordVectors {
		r.Embeddings = r.Embeddings[1:]
	}
	r.Embeddings = append(r.Embeddings, e)
	r.recomputeCentroid()
	return nil
}

// recomputeCentroid caches the L2-normalized mean of the embedding set.
func (r *MemoryRecord) recomputeCentroid() {
	if len(r.Embeddings) == 0 {
		r.Centroid = nil
		return
	}
	dim := len(r.Embeddings[0].Vector)
	sum := make([]float64, dim)
	for _, e := range r.Embeddings {
		for i, v := range e.Vector {
			sum[i] += float64(v)
		}
	}
	n := float64(len(r.Embeddings))
	var norm float64
	for i := range sum {
		sum[i] /= n
		norm += sum[i] * sum[i]
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	if norm > 0 {
		for i := range sum {
			out[i] = float32(sum[i] / norm)
		}
	}
	r.Centroid = out
}

// Corroborate lifts confidence toward 1 after a corroborating merge.
func (r *MemoryRecord) Corroborate() {
	r.Confidence += (1 - r.Confidence) * corroborationLift
	if r.Confidence > 1 {
		r.Confidence = 1
	}
}

// Touch records a retrieval of this record.
func (r *MemoryRecord) Touch(now time.Time) {
	r.UseCount++
	r.LastAccessedAt = now
}

// WellDefined reports whether the record carries enough structure to be
// used as a direct answer: a domain plus at least one rule. Skeletal
// records (e.g. pending canonicalization) rank below well-defined ones.
func (r *MemoryRecord) WellDefined() bool {
	return r.Spec.Domain != "" && len(r.Spec.Rules) > 0 && !r.PendingCanonicalization
}

// HasVisual reports whether at least one visual anchor is attached.
func (r *MemoryRecord) HasVisual() bool { return len(r.VisualAnchors) > 0 }

// AddVisualAnchor attaches an anchor unless the same image region is
// already present. It reports whether the record changed.
func (r *MemoryRecord) AddVisualAnchor(a VisualAnchor) bool {
	for _, existing := range r.VisualAnchors {
		if existing.ImageRef == a.ImageRef && sameRegion(existing.Bounding, a.Bounding) {
			return false
		}
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	r.VisualAnchors = append(r.VisualAnchors, a)
	return true
}

// SetAnchorConfidence updates the confidence of every anchor referring
// to imageRef, clamped to [0,1]. It reports whether anything changed.
func (r *MemoryRecord) SetAnchorConfidence(imageRef string, confidence float64) bool {
	confidence = math.Max(0, math.Min(1, confidence))
	changed := false
	for i := range r.VisualAnchors {
		if r.VisualAnchors[i].ImageRef == imageRef {
			r.VisualAnchors[i].Confidence = confidence
			changed = true
		}
	}
	return changed
}

// Clone returns a deep copy of the record. Store implementations hand
// out clones so callers can never mutate persisted state in place.
func (r *MemoryRecord) Clone() *MemoryRecord {
	out := *r
	out.Spec = r.Spec.Clone()
	out.Embeddings = make([]Embedding, len(r.Embeddings))
	for i, e := range r.Embeddings {
		out.Embeddings[i] = Embedding{
			Vector:       append([]float32(nil), e.Vector...),
			ModelVersion: e.ModelVersion,
		}
	}
	out.Centroid = append([]float32(nil), r.Centroid...)
	out.VisualAnchors = append([]VisualAnchor(nil), r.VisualAnchors...)
	return &out
}

func sameRegion(a, b [4]float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > anchorEpsilon {
			return false
		}
	}
	return true
}
