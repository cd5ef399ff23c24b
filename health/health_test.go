package health

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/specmem/specmem/embed"
	"github.com/specmem/specmem/embed/mock"
	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

func TestStoreCheck(t *testing.T) {
	st := store.NewMemStore()

	status := StoreCheck(t.Context(), st)
	if !status.IsHealthy() {
		t.Errorf("expected healthy status for empty store, got %s: %s", status.State, status.Message)
	}

	spec := schema.CanonicalSpec{
		ID:            schema.NewID(),
		Domain:        "automotive-os",
		Rules:         []schema.Rule{{Tag: "interface", Statement: "use the vehicle property accessor"}},
		SchemaVersion: schema.CurrentSchemaVersion,
	}
	rec, err := schema.NewRecord(spec, nil, status.CheckedAt)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if _, err := st.Put(t.Context(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	status = StoreCheck(t.Context(), st)
	if !status.IsHealthy() {
		t.Errorf("expected healthy status, got %s: %s", status.State, status.Message)
	}

	if status := StoreCheck(t.Context(), nil); !status.IsUnhealthy() {
		t.Errorf("expected unhealthy status for nil store, got %s", status.State)
	}
}

func TestIndexCheck(t *testing.T) {
	idx := index.New(index.Config{Dimensions: 4, ModelVersion: "mock-v1"})
	if err := idx.Insert("mem_a", []float32{1, 0, 0, 0}, "mock-v1"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	status := IndexCheck(idx)
	if !status.IsHealthy() {
		t.Errorf("expected healthy status, got %s: %s", status.State, status.Message)
	}
	if status.Details != nil {
		t.Error("healthy index check should carry no details")
	}

	idx.MarkCorrupted()
	status = IndexCheck(idx)
	if !status.IsDegraded() {
		t.Errorf("expected degraded status for corrupted index, got %s", status.State)
	}

	idx.SetAvailable(false)
	status = IndexCheck(idx)
	if !status.IsUnhealthy() {
		t.Errorf("expected unhealthy status for unavailable index, got %s", status.State)
	}
	if status.Details["vectors"] != 1 {
		t.Errorf("Details[vectors] = %v, want 1", status.Details["vectors"])
	}

	if status := IndexCheck(nil); !status.IsUnhealthy() {
		t.Errorf("expected unhealthy status for nil index, got %s", status.State)
	}
}

func TestEmbedderCheck(t *testing.T) {
	embedder := mock.New()

	status := EmbedderCheck(t.Context(), embedder)
	if !status.IsHealthy() {
		t.Errorf("expected healthy status, got %s: %s", status.State, status.Message)
	}
	if !strings.Contains(status.Message, embedder.ModelVersion()) {
		t.Errorf("message %q should name the model version", status.Message)
	}

	embedder.FailWith = embed.ErrEmbeddingFailed
	status = EmbedderCheck(t.Context(), embedder)
	if !status.IsUnhealthy() {
		t.Errorf("expected unhealthy status for failing embedder, got %s", status.State)
	}

	if status := EmbedderCheck(t.Context(), nil); !status.IsUnhealthy() {
		t.Errorf("expected unhealthy status for nil embedder, got %s", status.State)
	}
}

func TestSnapshotCheck(t *testing.T) {
	if status := SnapshotCheck(""); !status.IsHealthy() {
		t.Errorf("expected healthy status when snapshots are disabled, got %s", status.State)
	}

	dir := t.TempDir()
	missing := filepath.Join(dir, "index.snapshot")
	if status := SnapshotCheck(missing); !status.IsDegraded() {
		t.Errorf("expected degraded status for missing snapshot, got %s", status.State)
	}

	if status := SnapshotCheck(dir); !status.IsUnhealthy() {
		t.Errorf("expected unhealthy status for directory path, got %s", status.State)
	}
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     State
	}{
		{
			name:     "all healthy",
			statuses: []Status{Healthy("a"), Healthy("b")},
			want:     StateHealthy,
		},
		{
			name:     "one degraded",
			statuses: []Status{Healthy("a"), Degraded("b", nil)},
			want:     StateDegraded,
		},
		{
			name:     "unhealthy wins over degraded",
			statuses: []Status{Degraded("a", nil), Unhealthy("b", nil)},
			want:     StateUnhealthy,
		},
		{
			name:     "no checks",
			statuses: nil,
			want:     StateUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Combine(tt.statuses...)
			if got.State != tt.want {
				t.Errorf("Combine() state = %s, want %s", got.State, tt.want)
			}
			if got.Message == "" {
				t.Error("expected non-empty message")
			}
		})
	}
}
