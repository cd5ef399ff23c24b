package index

import (
	"encoding/gob"
	"fmt"
	"io"
)

// snapshot is the gob wire form of the graph. Tombstones are not
// persisted; a restored index starts compacted.
type snapshot struct {
	Config Config
	Entry  string
	Nodes  []node
}

// Snapshot writes the current graph to w as a gob artifact. The store
// remains the authoritative copy of every embedding; a snapshot only
// buys a faster cold start than a full Rebuild.
func (x *Index) Snapshot(w io.Writer) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	snap := snapshot{Config: x.cfg, Entry: x.entry}
	removed := make(map[string]bool)
	for id, n := range x.nodes {
		if n.Removed {
			removed[id] = true
		}
	}
	for _, n := range x.nodes {
		if n.Removed {
			continue
		}
		keep := n.Neighbors[:0:0]
		for _, nid := range n.Neighbors {
			if !removed[nid] {
				keep = append(keep, nid)
			}
		}
		snap.Nodes = append(snap.Nodes, node{ID: n.ID, Vector: n.Vector, Neighbors: keep})
	}
	if removed[snap.Entry] {
		snap.Entry = ""
		if len(snap.Nodes) > 0 {
			snap.Entry = snap.Nodes[0].ID
		}
	}

	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("index: snapshot: %w", err)
	}
	return nil
}

// Restore replaces the graph with a previously written snapshot.
func (x *Index) Restore(r io.Reader) error {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("index: restore: %w", err)
	}

	nodes := make(map[string]*node, len(snap.Nodes))
	for i := range snap.Nodes {
		n := snap.Nodes[i]
		nodes[n.ID] = &n
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.cfg = snap.Config
	x.cfg.applyDefaults()
	x.nodes = nodes
	x.entry = snap.Entry
	x.live = len(nodes)
	x.corrupted = false
	x.available = true
	return nil
}
