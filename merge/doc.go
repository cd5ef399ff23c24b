// Package merge decides whether incoming knowledge corroborates an
// existing record or deserves a record of its own, and applies the
// merge when it does.
//
// The decision combines two signals: vector similarity between the new
// embedding and a candidate's centroid, and structural compatibility
// between the two specs (same domain, overlapping rules and aliases,
// no contradictory constraints). Similarity alone is never enough: two
// specs can read alike and still legislate different things.
//
//	eng, err := merge.New(merge.Config{}, st, idx, locker)
//	if err != nil {
//		return err
//	}
//
//	dec, err := eng.Consider(ctx, spec, vec)
//	if err != nil {
//		return err
//	}
//	if dec.Merge {
//		rec, conflict, err := eng.Apply(ctx, dec.TargetID, spec, emb, time.Now())
//		...
//	}
//
// A merge never overwrites a contradicting constraint: the prior value
// stays current, the new value is retained as disputed, and the
// conflict is reported for review.
//
// Sweep applies the same decision retroactively across the whole
// store, using the index to bucket each record with its neighbors
// instead of comparing all pairs. Sweep is conservative where the
// online path is not: a qualifying pair with contradictory constraints
// is only reported, never merged.
package merge
