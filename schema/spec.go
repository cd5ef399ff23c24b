package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// CurrentSchemaVersion is the schema version stamped on specs created
// by this build of the engine. Older versions remain readable; newer
// ones are rejected by Validate.
const CurrentSchemaVersion = 1

var (
	// ErrInvalidSpec is returned when a CanonicalSpec fails validation.
	ErrInvalidSpec = errors.New("schema: invalid canonical spec")

	// ErrSchemaVersion is returned when a spec carries a schema version
	// this build does not understand.
	ErrSchemaVersion = errors.New("schema: unsupported schema version")
)

// validate is the shared validator instance. validator.Validate caches
// struct metadata and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Rule is a single normalized rule statement with a structural tag.
// The tag classifies the statement ("interface", "limit", "procedure",
// ...) so merge logic can compare rules without parsing free text.
type Rule struct {
	Tag       string `json:"tag" yaml:"tag" validate:"required"`
	Statement string `json:"statement" yaml:"statement" validate:"required"`
}

// Key returns the normalized comparison key for the rule. Two rules
// with the same key are considered the same statement during merges.
func (r Rule) Key() string {
	return r.Tag + "\x00" + NormalizeTerm(r.Statement)
}

// Constraint is a key's constraint value. When corroborating
// observations disagree, the prior value stays in place and every
// disputed value is retained alongside it; nothing is silently
// overwritten.
type Constraint struct {
	Value    string   `json:"value" yaml:"value"`
	Disputed []string `json:"disputed,omitempty" yaml:"disputed,omitempty"`
}

// IsDisputed reports whether the constraint carries conflicting values.
func (c Constraint) IsDisputed() bool { return len(c.Disputed) > 0 }

// CanonicalSpec is the structured canonical form of a specification.
// It is a versioned, immutable payload; use Clone before modifying.
type CanonicalSpec struct {
	// ID is assigned at creation and never reused.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Domain is a short classification tag, e.g. "automotive-os".
	// Records in different domains are never merged.
	Domain string `json:"domain" yaml:"domain" validate:"required"`

	// Rules is the ordered sequence of normalized rule statements.
	Rules []Rule `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`

	// Constraints maps constraint keys to their (possibly disputed) values.
	Constraints map[string]Constraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`

	// Aliases are alternate names the spec is known by, across languages.
	Aliases []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`

	// LanguageHints records the locales the spec has been observed in.
	LanguageHints []string `json:"language_hints,omitempty" yaml:"language_hints,omitempty"`

	// SchemaVersion allows forward-compatible evolution of this format.
	SchemaVersion int `json:"schema_version" yaml:"schema_version" validate:"gte=1"`
}

// NewID returns a fresh record identifier. The format follows the
// engine's log-friendly convention: a short prefix plus twelve hex
// characters of a v4 UUID.
func NewID() string {
	return "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Validate checks required fields and the schema version. The engine
// calls this on every spec entering through Remember or extraction, so
// merge and retrieval logic never see untyped content.
func (s *CanonicalSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("%w: %d (engine supports <= %d)", ErrSchemaVersion, s.SchemaVersion, CurrentSchemaVersion)
	}
	return nil
}

// Clone returns a deep copy of the spec.
func (s *CanonicalSpec) Clone() CanonicalSpec {
	out := *s
	out.Rules = append([]Rule(nil), s.Rules...)
	out.Aliases = append([]string(nil), s.Aliases...)
	out.LanguageHints = append([]string(nil), s.LanguageHints...)
	if s.Constraints != nil {
		out.Constraints = make(map[string]Constraint, len(s.Constraints))
		for k, c := range s.Constraints {
			c.Disputed = append([]string(nil), c.Disputed...)
			out.Constraints[k] = c
		}
	}
	return out
}

// HasAlias reports whether term matches one of the spec's aliases
// after normalization.
func (s *CanonicalSpec) HasAlias(term string) bool {
	t := NormalizeTerm(term)
	for _, a := range s.Aliases {
		if NormalizeTerm(a) == t {
			return true
		}
	}
	return false
}

// SearchText returns the text surface of the spec used for lexical
// matching and for embedding the canonical form: domain, aliases and
// rule statements joined in a stable order.
func (s *CanonicalSpec) SearchText() string {
	parts := make([]string, 0, 1+len(s.Aliases)+len(s.Rules))
	parts = append(parts, s.Domain)
	parts = append(parts, s.Aliases...)
	for _, r := range s.Rules {
		parts = append(parts, r.Statement)
	}
	keys := make([]string, 0, len(s.Constraints))
	for k := range s.Constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+" "+s.Constraints[k].Value)
	}
	return strings.Join(parts, "\n")
}

// NormalizeTerm lowercases and collapses whitespace so aliases and rule
// statements compare consistently regardless of how the collaborator
// spelled them.
func NormalizeTerm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
