package store

import (
	"context"
	"errors"
	"strings"

	"github.com/specmem/specmem/schema"
)

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("store: record not found")

	// ErrVersionConflict is returned when a concurrent update won the
	// race; the caller must re-read and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicateID is returned when Put is called with an id that is
	// already present. Record ids are never reused.
	ErrDuplicateID = errors.New("store: duplicate record id")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrStopScan can be returned from a Scan callback to stop the
	// iteration early without surfacing an error.
	ErrStopScan = errors.New("store: stop scan")
)

// Mutator is applied to a fresh copy of a record inside Update. The
// store persists the mutated copy atomically; returning an error
// aborts the update and leaves the prior version visible.
type Mutator func(*schema.MemoryRecord) error

// LexicalHit is a record matched by literal term overlap, used by the
// retrieval engine when the semantic index is unavailable.
type LexicalHit struct {
	ID string

	// Score is the fraction of query terms found in the record's
	// aliases, rule statements or domain, in [0,1].
	Score float64
}

// Store is the StructuredStore contract. Implementations must be safe
// for concurrent use.
type Store interface {
	// Put persists a new record and returns its id. The record's
	// Version is set to 1. Fails with ErrDuplicateID if the id exists.
	Put(ctx context.Context, rec *schema.MemoryRecord) (string, error)

	// Get returns the record for id, or ErrNotFound. Tombstoned records
	// are still returned; callers decide whether to surface them.
	Get(ctx context.Context, id string) (*schema.MemoryRecord, error)

	// FindByAlias returns the ids of live records carrying the
	// normalized alias term.
	FindByAlias(ctx context.Context, term string) ([]string, error)

	// Update applies the mutator to the current record atomically and
	// bumps its Version. Returns the updated record.
	Update(ctx context.Context, id string, mutate Mutator) (*schema.MemoryRecord, error)

	// CompareAndUpdate is the optimistic variant used by the batch
	// sweep: the mutation applies only while the stored Version still
	// equals expect, otherwise ErrVersionConflict is returned.
	CompareAndUpdate(ctx context.Context, id string, expect uint64, mutate Mutator) (*schema.MemoryRecord, error)

	// Scan calls fn for every live (non-tombstoned) record. The order
	// is unspecified but stable for an unchanged store. Iteration is
	// restartable: each call starts over. fn may return ErrStopScan.
	Scan(ctx context.Context, fn func(*schema.MemoryRecord) error) error

	// SearchLexical returns up to limit records ranked by literal term
	// overlap against aliases, rule statements and domain.
	SearchLexical(ctx context.Context, terms []string, limit int) ([]LexicalHit, error)

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// LexicalScore computes the fraction of query terms present in the
// record's lexical surface. Shared by all backends so fallback ranking
// is identical regardless of where records live.
func LexicalScore(rec *schema.MemoryRecord, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	surface := schema.NormalizeTerm(rec.Spec.SearchText())
	if rec.PendingCanonicalization && rec.RawUtterance != "" {
		surface += " " + schema.NormalizeTerm(rec.RawUtterance)
	}
	matched := 0
	for _, term := range terms {
		t := schema.NormalizeTerm(term)
		if t == "" {
			continue
		}
		if strings.Contains(surface, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
