package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// SweepReport summarizes one retroactive merge pass.
type SweepReport struct {
	// Examined is the number of live records whose neighborhood was scored.
	Examined int

	// Merged counts records folded into a neighbor and tombstoned.
	Merged int

	// Deferred counts merges skipped because an online write changed
	// the record after the snapshot; the next sweep retries them.
	Deferred int

	// Conflicts lists qualifying pairs whose constraints contradict.
	// The sweep never forces these; they are surfaced for review.
	Conflicts []Conflict
}

// Sweep re-applies the merge decision across the whole store. Each
// record's index neighborhood bounds the comparison set, so the pass
// stays near-linear instead of quadratic in record count.
//
// The sweep works from a snapshot of record versions and re-validates
// every version before applying, deferring to any online write that
// happened in between. Online traffic always wins.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	type entry struct {
		id      string
		version uint64
	}
	var snapshot []entry
	err := e.st.Scan(ctx, func(rec *schema.MemoryRecord) error {
		if !rec.PendingCanonicalization && len(rec.Centroid) > 0 {
			snapshot = append(snapshot, entry{id: rec.ID, version: rec.Version})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge: sweep snapshot: %w", err)
	}

	report := &SweepReport{}
	absorbed := make(map[string]bool)

	for _, src := range snapshot {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if absorbed[src.id] {
			continue
		}
		rec, err := e.st.Get(ctx, src.id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("merge: sweep load %s: %w", src.id, err)
		}
		if rec.Tombstone || rec.Version != src.version {
			continue
		}
		report.Examined++

		hits, err := e.idx.Search(rec.Centroid, e.cfg.TopK+1)
		if errors.Is(err, index.ErrIndexUnavailable) {
			return report, err
		}
		if err != nil {
			return report, fmt.Errorf("merge: sweep search %s: %w", src.id, err)
		}

		for _, hit := range hits {
			if hit.ID == rec.ID || absorbed[hit.ID] || hit.Similarity < e.cfg.TauMerge {
				continue
			}
			target, err := e.st.Get(ctx, hit.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return report, fmt.Errorf("merge: sweep load %s: %w", hit.ID, err)
			}
			if target.Tombstone || target.PendingCanonicalization ||
				target.Spec.Domain != rec.Spec.Domain {
				continue
			}

			structural := structuralScore(&rec.Spec, &target.Spec)
			combined := e.cfg.Alpha*hit.Similarity + (1-e.cfg.Alpha)*structural
			if combined <= e.cfg.TauAccept {
				continue
			}
			if e.policy != nil {
				ok, err := e.policy.Allow(PolicyInput{
					Domain:     rec.Spec.Domain,
					Similarity: hit.Similarity,
					Structural: structural,
					Combined:   combined,
				})
				if err != nil {
					return report, err
				}
				if !ok {
					continue
				}
			}

			// Unlike the online path, the sweep never merges through a
			// constraint contradiction. It reports the pair instead.
			if _, conflicts := schema.ConstraintCompatibility(&rec.Spec, &target.Spec); len(conflicts) > 0 {
				report.Conflicts = append(report.Conflicts, Conflict{
					TargetID: target.ID,
					SourceID: rec.ID,
					Keys:     conflicts,
				})
				continue
			}

			switch e.sweepMerge(ctx, target, rec) {
			case sweepApplied:
				absorbed[rec.ID] = true
				report.Merged++
			case sweepDeferred:
				report.Deferred++
			}
			break
		}
	}
	return report, nil
}

type sweepOutcome int

const (
	sweepApplied sweepOutcome = iota
	sweepDeferred
	sweepFailed
)

// sweepMerge folds src into target under the shared write section,
// re-validating both versions. Any interleaved online write defers the
// merge to the next sweep.
func (e *Engine) sweepMerge(ctx context.Context, target, src *schema.MemoryRecord) sweepOutcome {
	if e.locker != nil {
		unlock := e.locker.Lock(target.ID, src.ID)
		defer unlock()
	}
	now := time.Now().UTC()

	_, err := e.st.CompareAndUpdate(ctx, target.ID, target.Version, func(rec *schema.MemoryRecord) error {
		mergeSpec(&rec.Spec, &src.Spec)
		for _, emb := range src.Embeddings {
			if err := rec.AppendEmbedding(emb); err != nil {
				// Vectors from another model never fold in.
				continue
			}
		}
		rec.Corroborate()
		rec.UpdatedAt = now
		return nil
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return sweepDeferred
	}
	if err != nil {
		return sweepFailed
	}

	_, err = e.st.CompareAndUpdate(ctx, src.ID, src.Version, func(rec *schema.MemoryRecord) error {
		rec.Tombstone = true
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		// The target already absorbed the source; leaving the source
		// live would double knowledge. Tombstone unconditionally.
		_, _ = e.st.Update(ctx, src.ID, func(rec *schema.MemoryRecord) error {
			rec.Tombstone = true
			rec.UpdatedAt = now
			return nil
		})
	}
	_ = e.idx.Remove(src.ID)
	return sweepApplied
}
