package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// Config tunes the merge decision.
type Config struct {
	// TauMerge is the vector-similarity floor for a record to be
	// considered a merge candidate at all. Defaults to 0.80.
	TauMerge float64 `yaml:"tau_merge"`

	// TauAccept is the combined-score threshold above which the merge
	// actually happens. Defaults to 0.70.
	TauAccept float64 `yaml:"tau_accept"`

	// Alpha weights vector similarity against structural compatibility
	// in the combined score. Defaults to 0.6.
	Alpha float64 `yaml:"alpha"`

	// TopK is how many index neighbors are examined per decision.
	// Defaults to 5.
	TopK int `yaml:"top_k"`

	// Policy, when non-empty, is a CEL expression that must evaluate
	// true for a merge to apply. See CompilePolicy for the available
	// variables.
	Policy string `yaml:"policy"`
}

func (c *Config) applyDefaults() {
	if c.TauMerge == 0 {
		c.TauMerge = 0.80
	}
	if c.TauAccept == 0 {
		c.TauAccept = 0.70
	}
	if c.Alpha == 0 {
		c.Alpha = 0.6
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
}

// Locker serializes writes that touch a record neighborhood.
type Locker interface {
	Lock(keys ...string) (unlock func())
}

// Decision is the outcome of Consider.
type Decision struct {
	// Merge is true when the new knowledge should fold into TargetID.
	Merge bool

	// TargetID is the single best qualifying candidate.
	TargetID string

	// Similarity, Structural and Combined record the winning scores.
	Similarity float64
	Structural float64
	Combined   float64

	// Degraded is set when the index was unavailable and no candidates
	// could be examined; the caller stores a new record regardless.
	Degraded bool
}

// Conflict reports constraints that contradicted during a merge. The
// prior values stay current; the new values are retained as disputed.
type Conflict struct {
	TargetID string
	SourceID string
	Keys     []string
}

// Engine implements the merge decision and its application.
type Engine struct {
	cfg    Config
	st     store.Store
	idx    *index.Index
	locker Locker
	policy *Policy
}

// New creates a merge engine over the given store and index. The
// locker is shared with other writers so same-neighborhood merges
// serialize; pass nil to run unlocked (tests only).
func New(cfg Config, st store.Store, idx *index.Index, locker Locker) (*Engine, error) {
	cfg.applyDefaults()
	e := &Engine{cfg: cfg, st: st, idx: idx, locker: locker}
	if cfg.Policy != "" {
		p, err := CompilePolicy(cfg.Policy)
		if err != nil {
			return nil, err
		}
		e.policy = p
	}
	return e, nil
}

// candidate is one scored merge target.
type candidate struct {
	rec        *schema.MemoryRecord
	similarity float64
	structural float64
	combined   float64
}

// Consider scores the index neighborhood of vec and picks the single
// best record the new spec should merge into, if any. An unavailable
// index degrades to "no merge" rather than failing.
func (e *Engine) Consider(ctx context.Context, spec *schema.CanonicalSpec, vec []float32) (Decision, error) {
	hits, err := e.idx.Search(vec, e.cfg.TopK)
	if errors.Is(err, index.ErrIndexUnavailable) {
		return Decision{Degraded: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	var cands []candidate
	for _, hit := range hits {
		if hit.Similarity < e.cfg.TauMerge {
			continue
		}
		rec, err := e.st.Get(ctx, hit.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Decision{}, fmt.Errorf("merge: load candidate %s: %w", hit.ID, err)
		}
		if rec.Tombstone || rec.PendingCanonicalization {
			continue
		}
		// Records in different domains never merge, regardless of how
		// close their embeddings sit.
		if rec.Spec.Domain != spec.Domain {
			continue
		}

		structural := structuralScore(spec, &rec.Spec)
		combined := e.cfg.Alpha*hit.Similarity + (1-e.cfg.Alpha)*structural
		if combined <= e.cfg.TauAccept {
			continue
		}
		if e.policy != nil {
			ok, err := e.policy.Allow(PolicyInput{
				Domain:     spec.Domain,
				Similarity: hit.Similarity,
				Structural: structural,
				Combined:   combined,
			})
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				continue
			}
		}
		cands = append(cands, candidate{rec: rec, similarity: hit.Similarity, structural: structural, combined: combined})
	}

	if len(cands) == 0 {
		return Decision{}, nil
	}

	// Merge into the single best candidate only. Folding one insert
	// into several records would fragment knowledge the other way.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].combined != cands[j].combined {
			return cands[i].combined > cands[j].combined
		}
		return cands[i].rec.ID < cands[j].rec.ID
	})
	best := cands[0]
	return Decision{
		Merge:      true,
		TargetID:   best.rec.ID,
		Similarity: best.similarity,
		Structural: best.structural,
		Combined:   best.combined,
	}, nil
}

// structuralScore averages rule overlap, alias overlap and constraint
// compatibility between two same-domain specs.
func structuralScore(a, b *schema.CanonicalSpec) float64 {
	rules := schema.RuleOverlap(a, b)
	aliases := schema.AliasOverlap(a, b)
	constraints, _ := schema.ConstraintCompatibility(a, b)
	return (rules + aliases + constraints) / 3
}

// Apply folds spec and its embedding into the target record: rules
// union preserving the target's order, aliases union, constraints
// reconciled with contradictions kept as disputed values, embedding
// appended and the centroid recomputed, confidence corroborated.
//
// The returned Conflict is nil when no constraint contradicted.
func (e *Engine) Apply(ctx context.Context, targetID string, spec *schema.CanonicalSpec, emb *schema.Embedding, now time.Time) (*schema.MemoryRecord, *Conflict, error) {
	if e.locker != nil {
		unlock := e.locker.Lock(targetID)
		defer unlock()
	}

	var disputed []string
	rec, err := e.st.Update(ctx, targetID, func(rec *schema.MemoryRecord) error {
		disputed = mergeSpec(&rec.Spec, spec)
		if emb != nil {
			if err := rec.AppendEmbedding(*emb); err != nil {
				return err
			}
		}
		rec.Corroborate()
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("merge: apply into %s: %w", targetID, err)
	}

	var conflict *Conflict
	if len(disputed) > 0 {
		conflict = &Conflict{TargetID: targetID, SourceID: spec.ID, Keys: disputed}
	}
	return rec, conflict, nil
}

// mergeSpec unions src into dst in place and returns the constraint
// keys that contradicted.
func mergeSpec(dst *schema.CanonicalSpec, src *schema.CanonicalSpec) []string {
	have := make(map[string]struct{}, len(dst.Rules))
	for _, r := range dst.Rules {
		have[r.Key()] = struct{}{}
	}
	for _, r := range src.Rules {
		if _, ok := have[r.Key()]; ok {
			continue
		}
		have[r.Key()] = struct{}{}
		dst.Rules = append(dst.Rules, r)
	}

	seen := make(map[string]struct{}, len(dst.Aliases))
	for _, a := range dst.Aliases {
		seen[schema.NormalizeTerm(a)] = struct{}{}
	}
	for _, a := range src.Aliases {
		key := schema.NormalizeTerm(a)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		dst.Aliases = append(dst.Aliases, a)
	}

	hints := make(map[string]struct{}, len(dst.LanguageHints))
	for _, h := range dst.LanguageHints {
		hints[h] = struct{}{}
	}
	for _, h := range src.LanguageHints {
		if _, ok := hints[h]; ok {
			continue
		}
		hints[h] = struct{}{}
		dst.LanguageHints = append(dst.LanguageHints, h)
	}

	var disputed []string
	for k, sc := range src.Constraints {
		if dst.Constraints == nil {
			dst.Constraints = make(map[string]schema.Constraint)
		}
		dc, ok := dst.Constraints[k]
		if !ok {
			dst.Constraints[k] = schema.Constraint{Value: sc.Value}
			continue
		}
		// Values are compared normalized, matching how constraint
		// compatibility is scored when the merge is considered.
		if schema.NormalizeTerm(dc.Value) == schema.NormalizeTerm(sc.Value) {
			continue
		}
		// Contradiction: the established value stays current, the new
		// value is retained as disputed.
		if !containsTerm(dc.Disputed, sc.Value) {
			dc.Disputed = append(dc.Disputed, sc.Value)
			dst.Constraints[k] = dc
		}
		disputed = append(disputed, k)
	}
	sort.Strings(disputed)
	return disputed
}

func containsTerm(ss []string, s string) bool {
	for _, v := range ss {
		if schema.NormalizeTerm(v) == schema.NormalizeTerm(s) {
			return true
		}
	}
	return false
}
