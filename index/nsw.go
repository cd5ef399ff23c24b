package index

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

var (
	// ErrIndexUnavailable is returned when the index is not yet built or
	// is mid-rebuild. Callers are expected to fall back to lexical search.
	ErrIndexUnavailable = errors.New("index: unavailable")

	// ErrDuplicateID is returned when inserting an id that is already indexed.
	ErrDuplicateID = errors.New("index: duplicate id")

	// ErrNotFound is returned when removing an id that is not indexed.
	ErrNotFound = errors.New("index: id not found")
)

// Config tunes the small-world graph.
type Config struct {
	// Dimensions is the expected vector dimensionality. Zero means the
	// first inserted vector establishes it.
	Dimensions int

	// ModelVersion is the embedding model the index is built for.
	// Vectors from a different model are rejected, never compared.
	ModelVersion string

	// MaxNeighbors bounds each node's neighbor list. Defaults to 12.
	MaxNeighbors int

	// EFSearch bounds the candidate frontier during search. Defaults to 48.
	EFSearch int

	// EFConstruction bounds the frontier during insert. Defaults to 64.
	EFConstruction int
}

func (c *Config) applyDefaults() {
	if c.MaxNeighbors <= 0 {
		c.MaxNeighbors = 12
	}
	if c.EFSearch <= 0 {
		c.EFSearch = 48
	}
	if c.EFConstruction <= 0 {
		c.EFConstruction = 64
	}
}

// Hit is one search result.
type Hit struct {
	ID         string
	Similarity float64
}

type node struct {
	ID        string
	Vector    []float32
	Neighbors []string
	Removed   bool
}

// Index is a navigable small-world graph over record embeddings.
// All methods are safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	cfg       Config
	nodes     map[string]*node
	entry     string
	live      int
	available bool
	corrupted bool
}

// New creates an empty, available index.
func New(cfg Config) *Index {
	cfg.applyDefaults()
	return &Index{
		cfg:       cfg,
		nodes:     make(map[string]*node),
		available: true,
	}
}

// Len reports the number of live (non-tombstoned) vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.live
}

// SetAvailable flips the availability flag. While unavailable every
// Search and Insert returns ErrIndexUnavailable.
func (x *Index) SetAvailable(v bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.available = v
}

// MarkCorrupted flags the graph structure as untrustworthy. Search
// keeps working via exact linear scan until a Rebuild clears the flag.
func (x *Index) MarkCorrupted() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.corrupted = true
}

// Tune overrides the graph parameters. Zero or negative values leave
// the current setting in place. Existing edges are not relinked; a
// lowered MaxNeighbors takes effect as neighbor lists are next pruned.
func (x *Index) Tune(maxNeighbors, efSearch, efConstruction int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if maxNeighbors > 0 {
		x.cfg.MaxNeighbors = maxNeighbors
	}
	if efSearch > 0 {
		x.cfg.EFSearch = efSearch
	}
	if efConstruction > 0 {
		x.cfg.EFConstruction = efConstruction
	}
}

// Tuning reports the effective graph parameters.
func (x *Index) Tuning() (maxNeighbors, efSearch, efConstruction int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cfg.MaxNeighbors, x.cfg.EFSearch, x.cfg.EFConstruction
}

// Available reports whether the index accepts searches and inserts.
func (x *Index) Available() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.available
}

// Corrupted reports whether searches run as exact scans.
func (x *Index) Corrupted() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.corrupted
}

func (x *Index) gate(vec []float32, modelVersion string) error {
	if x.cfg.ModelVersion != "" && modelVersion != x.cfg.ModelVersion {
		return fmt.Errorf("index: model version %q does not match %q: %w",
			modelVersion, x.cfg.ModelVersion, schema.ErrModelVersionMismatch)
	}
	if x.cfg.Dimensions > 0 && len(vec) != x.cfg.Dimensions {
		return fmt.Errorf("index: vector has %d dimensions, want %d: %w",
			len(vec), x.cfg.Dimensions, schema.ErrDimensionMismatch)
	}
	return nil
}

// Insert adds a vector under the given id. The vector's dimensionality
// and model version must match the index configuration.
func (x *Index) Insert(id string, vec []float32, modelVersion string) error {
	if err := x.gate(vec, modelVersion); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.available {
		return ErrIndexUnavailable
	}
	if x.cfg.Dimensions == 0 {
		x.cfg.Dimensions = len(vec)
	}
	if n, ok := x.nodes[id]; ok {
		if !n.Removed {
			return ErrDuplicateID
		}
		// Re-insert over a tombstone: refresh the vector in place.
		n.Vector = append([]float32(nil), vec...)
		n.Removed = false
		x.live++
		return nil
	}

	n := &node{ID: id, Vector: append([]float32(nil), vec...)}
	x.nodes[id] = n
	x.live++

	if x.entry == "" {
		x.entry = id
		return nil
	}

	// Greedy descent finds the closest existing nodes; the nearest
	// MaxNeighbors become this node's edges, linked both ways.
	near := x.searchLocked(vec, x.cfg.EFConstruction)
	limit := x.cfg.MaxNeighbors
	if len(near) < limit {
		limit = len(near)
	}
	for _, hit := range near[:limit] {
		n.Neighbors = append(n.Neighbors, hit.ID)
		x.link(x.nodes[hit.ID], id)
	}
	return nil
}

// link adds id to m's neighbor list, pruning to the closest
// MaxNeighbors when the list overflows.
func (x *Index) link(m *node, id string) {
	for _, existing := range m.Neighbors {
		if existing == id {
			return
		}
	}
	m.Neighbors = append(m.Neighbors, id)
	if len(m.Neighbors) <= x.cfg.MaxNeighbors {
		return
	}
	sort.Slice(m.Neighbors, func(i, j int) bool {
		si := Cosine(m.Vector, x.nodes[m.Neighbors[i]].Vector)
		sj := Cosine(m.Vector, x.nodes[m.Neighbors[j]].Vector)
		if si != sj {
			return si > sj
		}
		return m.Neighbors[i] < m.Neighbors[j]
	})
	m.Neighbors = m.Neighbors[:x.cfg.MaxNeighbors]
}

// Remove tombstones the node for id. The node stays in the graph so
// that search paths through it remain navigable; it is excluded from
// results and dropped entirely on the next Rebuild.
func (x *Index) Remove(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	n, ok := x.nodes[id]
	if !ok || n.Removed {
		return ErrNotFound
	}
	n.Removed = true
	x.live--

	if x.entry == id {
		x.entry = ""
		for _, m := range x.nodes {
			if !m.Removed {
				x.entry = m.ID
				break
			}
		}
	}
	return nil
}

// Search returns the k live nodes most similar to the query, ordered
// by descending cosine similarity. Ties break on id.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if !x.available {
		return nil, ErrIndexUnavailable
	}
	if x.cfg.Dimensions > 0 && len(query) != x.cfg.Dimensions {
		return nil, fmt.Errorf("index: query has %d dimensions, want %d: %w",
			len(query), x.cfg.Dimensions, schema.ErrDimensionMismatch)
	}
	if k <= 0 || x.live == 0 {
		return nil, nil
	}

	ef := x.cfg.EFSearch
	if ef < k {
		ef = k
	}
	hits := x.searchLocked(query, ef)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// searchLocked runs the frontier search and returns live nodes by
// descending similarity. Callers hold at least a read lock.
func (x *Index) searchLocked(query []float32, ef int) []Hit {
	if x.corrupted || x.entry == "" {
		return x.linearLocked(query)
	}

	visited := map[string]bool{x.entry: true}
	entrySim := Cosine(query, x.nodes[x.entry].Vector)

	// frontier is a max-heap of candidates to expand; results is a
	// min-heap bounded to ef holding the best live nodes seen so far.
	// Expansion stops once the best unexpanded candidate cannot beat
	// the worst retained result.
	frontier := &maxHeap{{ID: x.entry, Similarity: entrySim}}
	results := &minHeap{}
	if !x.nodes[x.entry].Removed {
		heap.Push(results, Hit{ID: x.entry, Similarity: entrySim})
	}

	for frontier.Len() > 0 {
		cand := heap.Pop(frontier).(Hit)
		if results.Len() >= ef && cand.Similarity < (*results)[0].Similarity {
			break
		}
		for _, nid := range x.nodes[cand.ID].Neighbors {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			m, ok := x.nodes[nid]
			if !ok {
				continue
			}
			sim := Cosine(query, m.Vector)
			heap.Push(frontier, Hit{ID: nid, Similarity: sim})
			if !m.Removed {
				heap.Push(results, Hit{ID: nid, Similarity: sim})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	hits := append([]Hit(nil), (*results)...)
	sortHits(hits)
	return hits
}

// linearLocked is the exact O(n) fallback used when the graph is
// flagged corrupted or has no entry point.
func (x *Index) linearLocked(query []float32) []Hit {
	hits := make([]Hit, 0, x.live)
	for _, n := range x.nodes {
		if n.Removed {
			continue
		}
		hits = append(hits, Hit{ID: n.ID, Similarity: Cosine(query, n.Vector)})
	}
	sortHits(hits)
	return hits
}

// Rebuild reconstructs the graph from the store's record centroids,
// dropping tombstones accumulated since the last rebuild. The index is
// unavailable while the rebuild runs and the new graph swaps in
// atomically at the end. Records whose centroid model version does not
// match the index configuration are skipped.
func (x *Index) Rebuild(ctx context.Context, st store.Store) error {
	x.mu.Lock()
	x.available = false
	cfg := x.cfg
	x.mu.Unlock()

	fresh := New(cfg)
	err := st.Scan(ctx, func(rec *schema.MemoryRecord) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(rec.Centroid) == 0 || rec.PendingIndexing {
			return nil
		}
		if err := fresh.Insert(rec.ID, rec.Centroid, rec.ModelVersion); err != nil {
			if errors.Is(err, schema.ErrModelVersionMismatch) ||
				errors.Is(err, schema.ErrDimensionMismatch) {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		x.mu.Lock()
		x.available = true
		x.mu.Unlock()
		return fmt.Errorf("index: rebuild: %w", err)
	}

	x.mu.Lock()
	x.nodes = fresh.nodes
	x.entry = fresh.entry
	x.live = fresh.live
	x.cfg = fresh.cfg
	x.corrupted = false
	x.available = true
	x.mu.Unlock()
	return nil
}

// Cosine returns the cosine similarity of two vectors, 0 when either
// has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
}

// maxHeap orders hits by descending similarity (best on top).
type maxHeap []Hit

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].Similarity > h[j].Similarity }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(v any)        { *h = append(*h, v.(Hit)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// minHeap orders hits by ascending similarity (worst on top).
type minHeap []Hit

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(v any)        { *h = append(*h, v.(Hit)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
