// Package retrieval turns a query embedding plus optional literal
// terms into a graded response: a confident direct answer, a
// corrective suggestion, an ambiguity that needs disambiguation, or an
// honest "no confident memory".
//
// Confidence blends vector similarity with literal term overlap, then
// applies small ranking adjustments: well-defined records rank up,
// half-canonicalized ones rank down, and frequently recalled or
// visually anchored records earn a capped bonus. Every candidate's
// breakdown is returned in the Explanation so a caller can audit why a
// record won.
//
// When the semantic index is unavailable the engine falls back to
// lexical search over aliases and rules. Fallback results are flagged
// Degraded and their confidence is capped below the direct-answer
// threshold, so a degraded engine can still help but never
// overclaims.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// Outcome classifies a retrieval result.
type Outcome string

const (
	// OutcomeDirect means confidence cleared τ_high: answer directly.
	OutcomeDirect Outcome = "direct"

	// OutcomeCorrective means confidence landed between τ_low and
	// τ_high: offer the record as a suggestion, noting unmatched terms.
	OutcomeCorrective Outcome = "corrective"

	// OutcomeAmbiguous means the top candidates scored within epsilon
	// of each other: ask for disambiguation before answering.
	OutcomeAmbiguous Outcome = "ambiguous"

	// OutcomeNone means nothing reached τ_low: say so rather than guess.
	OutcomeNone Outcome = "none"
)

// Config tunes classification.
type Config struct {
	// TauLow is the floor below which no record is returned. Defaults
	// to 0.45.
	TauLow float64 `yaml:"tau_low"`

	// TauHigh is the direct-answer threshold. Defaults to 0.75.
	TauHigh float64 `yaml:"tau_high"`

	// Epsilon is the tie window: top candidates within it are
	// ambiguous regardless of absolute confidence. Defaults to 0.05.
	Epsilon float64 `yaml:"epsilon"`

	// Alpha weights vector similarity against literal overlap.
	// Defaults to 0.6.
	Alpha float64 `yaml:"alpha"`

	// TopK is how many index candidates are scored. Defaults to 5.
	TopK int `yaml:"top_k"`

	// FallbackCeiling caps confidence for lexical-only results while
	// the index is unavailable. Must stay below TauHigh so degraded
	// answers are never classified direct. Defaults to 0.70.
	FallbackCeiling float64 `yaml:"fallback_ceiling"`

	// WellDefinedBonus lifts records with a domain and at least one
	// rule. Defaults to 0.2.
	WellDefinedBonus float64 `yaml:"well_defined_bonus"`

	// IncompletePenalty pushes down records still awaiting
	// canonicalization. Defaults to 0.3.
	IncompletePenalty float64 `yaml:"incomplete_penalty"`

	// VisualBonus lifts records carrying visual anchors. Defaults to 0.05.
	VisualBonus float64 `yaml:"visual_bonus"`

	// UsageBonusMax caps the recall-frequency bonus (0.01 per recall).
	// Defaults to 0.1.
	UsageBonusMax float64 `yaml:"usage_bonus_max"`
}

func (c *Config) applyDefaults() {
	if c.TauLow == 0 {
		c.TauLow = 0.45
	}
	if c.TauHigh == 0 {
		c.TauHigh = 0.75
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.05
	}
	if c.Alpha == 0 {
		c.Alpha = 0.6
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.FallbackCeiling == 0 {
		c.FallbackCeiling = 0.70
	}
	if c.WellDefinedBonus == 0 {
		c.WellDefinedBonus = 0.2
	}
	if c.IncompletePenalty == 0 {
		c.IncompletePenalty = 0.3
	}
	if c.VisualBonus == 0 {
		c.VisualBonus = 0.05
	}
	if c.UsageBonusMax == 0 {
		c.UsageBonusMax = 0.1
	}
}

// usageBonusStep is the per-recall increment toward UsageBonusMax.
const usageBonusStep = 0.01

// CandidateScore is one candidate's breakdown, kept for transparency.
type CandidateScore struct {
	ID             string  `json:"id"`
	Similarity     float64 `json:"similarity"`
	LiteralOverlap float64 `json:"literal_overlap"`
	Adjustment     float64 `json:"adjustment"`
	Confidence     float64 `json:"confidence"`
}

// Result is a graded retrieval response.
type Result struct {
	Outcome    Outcome
	Record     *schema.MemoryRecord
	Confidence float64

	// Degraded is set when the answer came from the lexical fallback.
	Degraded bool

	// UnmatchedTerms lists query terms absent from the returned
	// record's surface; corrective answers name what did not match.
	UnmatchedTerms []string

	// Explanation holds the per-candidate score breakdown, best first.
	Explanation []CandidateScore
}

// Option adjusts a single query.
type Option func(*queryOpts)

type queryOpts struct {
	requireVisual bool
}

// WithRequireVisual restricts results to records carrying at least one
// visual anchor.
func WithRequireVisual() Option {
	return func(o *queryOpts) { o.requireVisual = true }
}

// Engine grades retrieval over a store and index.
type Engine struct {
	cfg Config
	st  store.Store
	idx *index.Index
}

// New creates a retrieval engine. FallbackCeiling is clamped below
// TauHigh if misconfigured above it.
func New(cfg Config, st store.Store, idx *index.Index) *Engine {
	cfg.applyDefaults()
	if cfg.FallbackCeiling >= cfg.TauHigh {
		cfg.FallbackCeiling = cfg.TauHigh - 0.01
	}
	return &Engine{cfg: cfg, st: st, idx: idx}
}

// Query grades the candidates for a query embedding and optional
// literal terms. A nil vec forces the lexical path.
func (e *Engine) Query(ctx context.Context, vec []float32, terms []string, opts ...Option) (*Result, error) {
	var qo queryOpts
	for _, opt := range opts {
		opt(&qo)
	}

	if vec == nil {
		return e.lexical(ctx, terms, qo)
	}

	hits, err := e.idx.Search(vec, e.cfg.TopK)
	if errors.Is(err, index.ErrIndexUnavailable) {
		return e.lexical(ctx, terms, qo)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	var scored []CandidateScore
	records := make(map[string]*schema.MemoryRecord, len(hits))
	for _, hit := range hits {
		rec, err := e.st.Get(ctx, hit.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("retrieval: load %s: %w", hit.ID, err)
		}
		if rec.Tombstone || (qo.requireVisual && !rec.HasVisual()) {
			continue
		}
		cs := e.score(rec, hit.Similarity, terms)
		scored = append(scored, cs)
		records[rec.ID] = rec
	}

	return e.classify(scored, records, terms, false), nil
}

// score computes one candidate's confidence breakdown.
func (e *Engine) score(rec *schema.MemoryRecord, similarity float64, terms []string) CandidateScore {
	literal := store.LexicalScore(rec, terms)

	base := e.cfg.Alpha*similarity + (1-e.cfg.Alpha)*literal
	if len(terms) == 0 {
		// No literal signal to blend; similarity stands alone.
		base = similarity
	}

	var adj float64
	if rec.WellDefined() {
		adj += e.cfg.WellDefinedBonus * base
	}
	if rec.PendingCanonicalization {
		adj -= e.cfg.IncompletePenalty * base
	}
	if rec.HasVisual() {
		adj += e.cfg.VisualBonus
	}
	usage := float64(rec.UseCount) * usageBonusStep
	if usage > e.cfg.UsageBonusMax {
		usage = e.cfg.UsageBonusMax
	}
	adj += usage

	return CandidateScore{
		ID:             rec.ID,
		Similarity:     similarity,
		LiteralOverlap: literal,
		Adjustment:     adj,
		Confidence:     clamp01(base + adj),
	}
}

// lexical is the degraded path: literal overlap over aliases and
// rules, with confidence capped below the direct-answer threshold.
func (e *Engine) lexical(ctx context.Context, terms []string, qo queryOpts) (*Result, error) {
	if len(terms) == 0 {
		return &Result{Outcome: OutcomeNone, Degraded: true}, nil
	}

	hits, err := e.st.SearchLexical(ctx, terms, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: lexical fallback: %w", err)
	}

	var scored []CandidateScore
	records := make(map[string]*schema.MemoryRecord, len(hits))
	for _, hit := range hits {
		rec, err := e.st.Get(ctx, hit.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("retrieval: load %s: %w", hit.ID, err)
		}
		if rec.Tombstone || (qo.requireVisual && !rec.HasVisual()) {
			continue
		}
		scored = append(scored, CandidateScore{
			ID:             rec.ID,
			LiteralOverlap: hit.Score,
			Confidence:     clamp01(hit.Score * e.cfg.FallbackCeiling),
		})
		records[rec.ID] = rec
	}

	return e.classify(scored, records, terms, true), nil
}

// classify ranks the scored candidates and applies the threshold and
// tie rules.
func (e *Engine) classify(scored []CandidateScore, records map[string]*schema.MemoryRecord, terms []string, degraded bool) *Result {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		return scored[i].ID < scored[j].ID
	})

	res := &Result{Outcome: OutcomeNone, Degraded: degraded, Explanation: scored}
	if len(scored) == 0 {
		return res
	}

	top := scored[0]
	if top.Confidence < e.cfg.TauLow {
		return res
	}

	rec := records[top.ID]
	res.Record = rec
	res.Confidence = top.Confidence
	res.UnmatchedTerms = unmatched(rec, terms)

	// Near-tied top candidates mean the query is underspecified, no
	// matter how confident each candidate looks on its own.
	if len(scored) > 1 && top.Confidence-scored[1].Confidence < e.cfg.Epsilon {
		res.Outcome = OutcomeAmbiguous
		return res
	}
	if top.Confidence >= e.cfg.TauHigh {
		res.Outcome = OutcomeDirect
		return res
	}
	res.Outcome = OutcomeCorrective
	return res
}

// unmatched returns the query terms absent from the record's surface.
func unmatched(rec *schema.MemoryRecord, terms []string) []string {
	surface := strings.ToLower(rec.Spec.SearchText() + "\n" + rec.RawUtterance)
	var missing []string
	for _, t := range terms {
		norm := schema.NormalizeTerm(t)
		if norm == "" || strings.Contains(surface, norm) {
			continue
		}
		missing = append(missing, t)
	}
	return missing
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
