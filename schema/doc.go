// Package schema defines the canonical data model of the dual memory
// engine: the CanonicalSpec record format, the MemoryRecord storage
// container, and the pure structural-overlap logic used by the merge
// and retrieval engines.
//
// # CanonicalSpec
//
// A CanonicalSpec is the normalized, schema-validated representation of
// a technical specification, as opposed to raw utterance text. It is an
// immutable payload: merges build a new spec and swap it into the
// owning record atomically, never mutate one in place.
//
//	spec := schema.CanonicalSpec{
//		ID:     schema.NewID(),
//		Domain: "automotive-os",
//		Rules: []schema.Rule{
//			{Tag: "interface", Statement: "use the vehicle-property accessor interface"},
//		},
//		Aliases:       []string{"vehicle property api", "차량 속성 API"},
//		SchemaVersion: schema.CurrentSchemaVersion,
//	}
//	if err := spec.Validate(); err != nil {
//		return err
//	}
//
// # MemoryRecord
//
// A MemoryRecord is the unit of storage: the current spec, the
// embeddings observed for it (with a cached centroid used for search),
// a corroboration confidence, optional visual anchors, and the
// bookkeeping flags the engine needs (pending canonicalization,
// pending indexing, tombstone, optimistic version counter).
//
// Downstream packages never branch on untyped content: whatever the
// extraction collaborator produces must pass Validate before it enters
// the engine.
package schema
