// Package mock provides a deterministic embedder for tests. Vectors
// are bag-of-tokens projections: each token hashes into a fixed number
// of buckets, so texts sharing vocabulary land near each other and
// identical texts embed identically. A synonym table folds paraphrases
// and cross-language aliases onto the same buckets, which makes
// similarity behave believably without a real model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/specmem/specmem/embed"
)

var _ embed.Embedder = (*Embedder)(nil)

const defaultDimensions = 64

// DefaultSynonyms folds common paraphrases used across the test suites
// onto shared canonical tokens.
var DefaultSynonyms = map[string]string{
	"car":        "vehicle",
	"automobile": "vehicle",
	"차량":         "vehicle",
	"자동차":        "vehicle",
	"속성":         "property",
	"attribute":  "property",
	"speaker":    "audio",
	"latency":    "delay",
}

// Embedder is a deterministic test double for embed.Embedder.
type Embedder struct {
	dim      int
	model    string
	synonyms map[string]string

	// FailWith, when set, makes every Embed call return that error.
	// Used to exercise degraded paths.
	FailWith error
}

// Option configures the mock embedder.
type Option func(*Embedder)

// WithDimensions overrides the vector dimensionality.
func WithDimensions(n int) Option {
	return func(e *Embedder) { e.dim = n }
}

// WithModelVersion overrides the reported model version.
func WithModelVersion(v string) Option {
	return func(e *Embedder) { e.model = v }
}

// WithSynonyms merges extra synonym entries over the defaults.
func WithSynonyms(m map[string]string) Option {
	return func(e *Embedder) {
		for k, v := range m {
			e.synonyms[strings.ToLower(k)] = v
		}
	}
}

// New creates a mock embedder.
func New(opts ...Option) *Embedder {
	e := &Embedder{
		dim:      defaultDimensions,
		model:    "mock-v1",
		synonyms: make(map[string]string, len(DefaultSynonyms)),
	}
	for k, v := range DefaultSynonyms {
		e.synonyms[k] = v
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Embedder) Dimensions() int      { return e.dim }
func (e *Embedder) ModelVersion() string { return e.model }

// Embed projects text into a normalized bag-of-tokens vector. Whole
// tokens carry full weight; character trigrams carry a smaller weight
// so near-miss spellings still land close.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.FailWith != nil {
		return nil, e.FailWith
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dim)
	for _, tok := range tokenize(text) {
		if canon, ok := e.synonyms[tok]; ok {
			tok = canon
		}
		vec[bucket(tok, e.dim)] += 1.0
		for _, tri := range trigrams(tok) {
			vec[bucket(tri, e.dim)] += 0.25
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func trigrams(tok string) []string {
	runes := []rune(tok)
	if len(runes) < 3 {
		return nil
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

func bucket(s string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dim))
}
