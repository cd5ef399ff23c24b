// Package index provides the approximate nearest-neighbor index that
// backs semantic retrieval. Vectors are organized as a navigable
// small-world graph: each node keeps a bounded list of nearby
// neighbors, inserts descend greedily from an entry point with
// backtracking, and searches expand a bounded candidate frontier,
// returning the top-k visited nodes by true cosine similarity.
//
// The graph is a cache, not a source of truth. Embeddings live on the
// stored records, and the whole index can always be regenerated with
// Rebuild. Snapshot and Restore persist the graph as a gob artifact
// for fast cold starts.
//
// Basic usage:
//
//	idx := index.New(index.Config{
//		Dimensions:   1536,
//		ModelVersion: "text-embedding-3-small",
//	})
//
//	if err := idx.Insert("mem_4f3a9c21d07b", vec, "text-embedding-3-small"); err != nil {
//		return err
//	}
//
//	hits, err := idx.Search(queryVec, 5)
//	if errors.Is(err, index.ErrIndexUnavailable) {
//		// caller falls back to lexical search
//	}
//
// A node removed with Remove stays in the graph as a tombstone so that
// paths through it remain navigable; tombstones are excluded from
// results and compacted away on the next Rebuild.
//
// When the graph is flagged corrupted with MarkCorrupted, Search keeps
// answering by scanning every live node linearly. That path is O(n)
// but exact; it trades latency for availability until a Rebuild
// restores the graph.
package index
