// Package health provides health check functions for the memory engine's
// collaborators. It offers standardized ways to verify that the durable
// store, the semantic index and the embedding service are usable before
// or while serving traffic.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/specmem/specmem/embed"
	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// State classifies a check result.
type State string

const (
	// StateHealthy means the collaborator answered and behaved normally.
	StateHealthy State = "healthy"

	// StateDegraded means the collaborator works but on a reduced path,
	// e.g. an index serving exact scans instead of graph search.
	StateDegraded State = "degraded"

	// StateUnhealthy means the collaborator did not answer or answered
	// incorrectly.
	StateUnhealthy State = "unhealthy"
)

// Status is the outcome of a single check.
type Status struct {
	State     State          `json:"state"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy reports whether the check passed cleanly.
func (s Status) IsHealthy() bool { return s.State == StateHealthy }

// IsDegraded reports whether the collaborator works on a reduced path.
func (s Status) IsDegraded() bool { return s.State == StateDegraded }

// IsUnhealthy reports whether the collaborator is unusable.
func (s Status) IsUnhealthy() bool { return s.State == StateUnhealthy }

// Healthy builds a passing status.
func Healthy(message string) Status {
	return Status{State: StateHealthy, Message: message, CheckedAt: time.Now().UTC()}
}

// Degraded builds a reduced-path status with optional details.
func Degraded(message string, details map[string]any) Status {
	return Status{State: StateDegraded, Message: message, Details: details, CheckedAt: time.Now().UTC()}
}

// Unhealthy builds a failing status with optional details.
func Unhealthy(message string, details map[string]any) Status {
	return Status{State: StateUnhealthy, Message: message, Details: details, CheckedAt: time.Now().UTC()}
}

// StoreCheck verifies the durable store answers a cheap read. It scans
// at most one record, so the check stays O(1) regardless of corpus size.
//
// Example:
//
//	status := health.StoreCheck(ctx, st)
//	if status.IsUnhealthy() {
//	    log.Fatal("memory store unreachable")
//	}
func StoreCheck(ctx context.Context, st store.Store) Status {
	if st == nil {
		return Unhealthy("store is nil", nil)
	}

	n := 0
	err := st.Scan(ctx, func(*schema.MemoryRecord) error {
		n++
		return store.ErrStopScan
	})
	if err != nil {
		return Unhealthy("store scan failed", map[string]any{
			"error": err.Error(),
		})
	}
	if n == 0 {
		return Healthy("store reachable, empty")
	}
	return Healthy("store reachable")
}

// IndexCheck inspects the semantic index. An unavailable index is
// unhealthy; a corrupted graph still serves exact scans and reports
// degraded.
func IndexCheck(idx *index.Index) Status {
	if idx == nil {
		return Unhealthy("index is nil", nil)
	}

	details := map[string]any{"vectors": idx.Len()}
	switch {
	case !idx.Available():
		return Unhealthy("index unavailable", details)
	case idx.Corrupted():
		return Degraded("index corrupted, serving exact scans", details)
	default:
		return Healthy(fmt.Sprintf("index serving %d vectors", idx.Len()))
	}
}

// EmbedderCheck embeds a short probe text and verifies the vector has
// the advertised dimensionality.
func EmbedderCheck(ctx context.Context, e embed.Embedder) Status {
	if e == nil {
		return Unhealthy("embedder is nil", nil)
	}

	vec, err := e.Embed(ctx, "health probe")
	if err != nil {
		if errors.Is(err, embed.ErrEmbeddingFailed) {
			return Unhealthy("embedding service failing", map[string]any{
				"model": e.ModelVersion(),
				"error": err.Error(),
			})
		}
		return Unhealthy("embed probe failed", map[string]any{"error": err.Error()})
	}
	if len(vec) != e.Dimensions() {
		return Unhealthy("embedder dimension mismatch", map[string]any{
			"want": e.Dimensions(),
			"got":  len(vec),
		})
	}
	return Healthy(fmt.Sprintf("embedder %s serving %d dimensions", e.ModelVersion(), e.Dimensions()))
}

// SnapshotCheck verifies the configured snapshot path is usable. An
// empty path means snapshots are disabled, which is healthy; a missing
// file is degraded because the next cold start falls back to a full
// rebuild from the store.
func SnapshotCheck(path string) Status {
	if path == "" {
		return Healthy("snapshots disabled")
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Degraded("no snapshot yet, cold start will rebuild", map[string]any{
			"path": path,
		})
	}
	if err != nil {
		return Unhealthy("snapshot path unreadable", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
	}
	if info.IsDir() {
		return Unhealthy("snapshot path is a directory", map[string]any{"path": path})
	}
	return Healthy(fmt.Sprintf("snapshot present (%d bytes)", info.Size()))
}

// Combine aggregates multiple check results into a single status. Any
// unhealthy check makes the combination unhealthy; otherwise any
// degraded check makes it degraded.
func Combine(statuses ...Status) Status {
	if len(statuses) == 0 {
		return Unhealthy("no checks provided", nil)
	}

	var unhealthy, degraded []string
	details := make(map[string]any)
	for i, s := range statuses {
		details[fmt.Sprintf("check_%d", i)] = map[string]any{
			"state":   string(s.State),
			"message": s.Message,
		}
		switch s.State {
		case StateUnhealthy:
			unhealthy = append(unhealthy, s.Message)
		case StateDegraded:
			degraded = append(degraded, s.Message)
		}
	}

	switch {
	case len(unhealthy) > 0:
		return Unhealthy(fmt.Sprintf("%d of %d checks unhealthy: %s",
			len(unhealthy), len(statuses), unhealthy[0]), details)
	case len(degraded) > 0:
		return Degraded(fmt.Sprintf("%d of %d checks degraded: %s",
			len(degraded), len(statuses), degraded[0]), details)
	default:
		return Healthy(fmt.Sprintf("all %d checks healthy", len(statuses)))
	}
}
