// Package extract defines the canonicalization collaborator contract:
// turning a raw natural-language utterance into a structured
// specification. Extraction is best-effort; when it fails the engine
// stores the raw text with a pending flag and retries later rather
// than losing the fact.
package extract

import (
	"context"
	"errors"

	"github.com/specmem/specmem/schema"
)

// ErrExtractionFailed is returned when the collaborator cannot produce
// a canonical specification from the raw text. It is transient: the
// caller defers canonicalization instead of aborting.
var ErrExtractionFailed = errors.New("extract: extraction failed")

// Extractor converts raw utterances into canonical specifications.
type Extractor interface {
	// Extract canonicalizes raw text. locale is a BCP 47 hint for the
	// utterance language ("en-US", "ko-KR"); implementations may ignore
	// it. A context cancellation or deadline is treated by callers the
	// same as ErrExtractionFailed.
	Extract(ctx context.Context, raw, locale string) (*schema.CanonicalSpec, error)
}
