package specmem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/specmem/specmem/embed"
	"github.com/specmem/specmem/extract"
	"github.com/specmem/specmem/health"
	"github.com/specmem/specmem/index"
	"github.com/specmem/specmem/internal/keylock"
	"github.com/specmem/specmem/merge"
	"github.com/specmem/specmem/retrieval"
	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// pendingDomain classifies records stored from a raw utterance before
// extraction succeeded.
const pendingDomain = "uncanonicalized"

const defaultCacheMaxCost = 32 << 20

// Manager composes the store, index, merge and retrieval engines into
// the engine facade. It owns the background sweep and reconciliation
// loops and, on Close, the index snapshot and the store handle.
type Manager struct {
	cfg       Config
	st        store.Store
	idx       *index.Index
	embedder  embed.Embedder
	extractor extract.Extractor

	merger *merge.Engine
	retr   *retrieval.Engine
	locks  *keylock.KeyLock
	cache  *ristretto.Cache

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *managerMetrics
	clock   func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// RememberResult reports what happened to remembered knowledge.
type RememberResult struct {
	// Record is the stored or updated record.
	Record *schema.MemoryRecord

	// Merged is true when the knowledge folded into an existing record.
	Merged bool

	// Conflict is non-nil when the merge hit contradicting constraints;
	// the disputed values were retained, never overwritten.
	Conflict *merge.Conflict

	// Pending is true when the record awaits canonicalization.
	Pending bool

	// Degraded is true when a fallback path was taken: the record is
	// stored but unindexed, or the merge check could not run.
	Degraded bool
}

// New creates a Manager over explicit collaborator handles. The store,
// index and embedder are required; the extractor may be nil when
// RememberUtterance is not used.
//
// When a snapshot path is configured and readable the index restores
// from it; otherwise the index is rebuilt from the store, so a cold
// start never begins unindexed.
func New(cfg Config, st store.Store, idx *index.Index, embedder embed.Embedder, extractor extract.Extractor, opts ...Option) (*Manager, error) {
	if st == nil || idx == nil || embedder == nil {
		return nil, NewConfigurationError("New", fmt.Errorf("store, index and embedder are required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mc := managerConfig{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&mc)
	}
	if mc.logger == nil {
		mc.logger = slog.Default()
	}

	m := &Manager{
		cfg:       cfg,
		st:        st,
		idx:       idx,
		embedder:  embedder,
		extractor: extractor,
		locks:     keylock.New(mc.lockStripes),
		logger:    mc.logger,
		tracer:    mc.tracer,
		clock:     mc.clock,
		stop:      make(chan struct{}),
	}

	var err error
	m.merger, err = merge.New(cfg.Merge, st, idx, m.locks)
	if err != nil {
		return nil, err
	}
	m.retr = retrieval.New(cfg.Retrieval, st, idx)

	if mc.meter != nil {
		m.metrics, err = initMetrics(mc.meter)
		if err != nil {
			return nil, NewConfigurationError("New", err)
		}
	}

	if cfg.CacheMaxCost >= 0 {
		maxCost := cfg.CacheMaxCost
		if maxCost == 0 {
			maxCost = defaultCacheMaxCost
		}
		m.cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, NewConfigurationError("New", fmt.Errorf("create read cache: %w", err))
		}
	}

	m.applyIndexTuning()
	if err := m.warmIndex(); err != nil {
		return nil, err
	}

	if d := cfg.sweepInterval(); d > 0 {
		m.wg.Add(1)
		go m.sweepLoop(d)
	}
	if cfg.SnapshotPath != "" {
		if d := cfg.snapshotInterval(); d > 0 {
			m.wg.Add(1)
			go m.snapshotLoop(d)
		}
	}
	m.wg.Add(1)
	go m.reconcileLoop(cfg.reconcileInterval())

	return m, nil
}

// applyIndexTuning pushes the configured graph parameters onto the
// index handle. Zero config values keep the handle's own settings.
func (m *Manager) applyIndexTuning() {
	m.idx.Tune(m.cfg.Index.MaxNeighbors, m.cfg.Index.EFSearch, m.cfg.Index.EFConstruction)
}

// warmIndex restores the index snapshot when one is configured and
// readable, and rebuilds from the store otherwise.
func (m *Manager) warmIndex() error {
	if m.cfg.SnapshotPath != "" {
		f, err := os.Open(m.cfg.SnapshotPath)
		if err == nil {
			defer CloseWithLog(f, m.logger, "index snapshot")
			if err := m.idx.Restore(f); err == nil {
				// Restore takes the graph parameters the snapshot was
				// written with; the configured values win over them.
				m.applyIndexTuning()
				return nil
			}
			m.logger.Warn("index snapshot unreadable, rebuilding from store",
				"path", m.cfg.SnapshotPath)
		}
	}
	if err := m.idx.Rebuild(context.Background(), m.st); err != nil {
		return NewInternalError("New", err)
	}
	return nil
}

// Remember persists a canonical specification: either merged into a
// near-duplicate record or stored as a new one.
//
// The structured write is durable before the index is touched. When
// index insertion fails the record stays stored and flagged for
// background reindexing; the structured fact is never rolled back.
func (m *Manager) Remember(ctx context.Context, spec schema.CanonicalSpec) (*RememberResult, error) {
	const op = "Manager.Remember"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}
	ctx, span := m.startSpan(ctx, "memory.remember")
	defer span.End()

	if err := spec.Validate(); err != nil {
		return nil, NewValidationError(op, err)
	}
	return m.remember(ctx, op, spec, "", "")
}

// remember runs the embed/merge/store/index pipeline shared by
// Remember and RememberUtterance. raw and locale are retained on new
// records when non-empty.
func (m *Manager) remember(ctx context.Context, op string, spec schema.CanonicalSpec, raw, locale string) (*RememberResult, error) {
	now := m.clock()
	degraded := false

	var emb *schema.Embedding
	vec, err := m.embedder.Embed(ctx, spec.SearchText())
	switch {
	case err == nil:
		emb = &schema.Embedding{Vector: vec, ModelVersion: m.embedder.ModelVersion()}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return nil, NewTimeoutError(op, err)
	default:
		// The fact is worth more than its vector. Store unindexed and
		// let the reconciler embed it later.
		m.logger.Warn("embedding failed, storing unindexed",
			"id", spec.ID, "error", err)
		degraded = true
	}

	var dec merge.Decision
	if emb != nil {
		dec, err = m.merger.Consider(ctx, &spec, emb.Vector)
		if err != nil {
			return nil, NewInternalError(op, err)
		}
		degraded = degraded || dec.Degraded
	}

	if dec.Merge {
		rec, conflict, err := m.merger.Apply(ctx, dec.TargetID, &spec, emb, now)
		if err != nil {
			return nil, NewInternalError(op, err)
		}
		m.reindex(rec)
		m.cacheDel(rec.ID)
		m.count(m.counterRemembers(), ctx, attribute.String("outcome", "merged"))
		if conflict != nil {
			m.logger.Warn("merge retained disputed constraint values",
				"target", conflict.TargetID, "keys", conflict.Keys)
		}
		return &RememberResult{Record: rec, Merged: true, Conflict: conflict, Degraded: degraded}, nil
	}

	rec, err := schema.NewRecord(spec, emb, now)
	if err != nil {
		return nil, NewValidationError(op, err)
	}
	rec.RawUtterance = raw
	rec.Locale = locale
	if emb == nil {
		rec.PendingIndexing = true
	}

	unlock := m.locks.Lock(rec.ID)
	defer unlock()

	if _, err := m.st.Put(ctx, rec); err != nil {
		return nil, NewInternalError(op, err)
	}
	if emb != nil {
		if err := m.idx.Insert(rec.ID, rec.Centroid, rec.ModelVersion); err != nil {
			// Durable but unindexed; the reconciler retries. Never roll
			// back the structured write.
			m.logger.Warn("index insert failed, deferring",
				"id", rec.ID, "error", err)
			degraded = true
			if updated, uerr := m.st.Update(ctx, rec.ID, func(r *schema.MemoryRecord) error {
				r.PendingIndexing = true
				return nil
			}); uerr == nil {
				rec = updated
			}
		}
	}
	m.count(m.counterRemembers(), ctx, attribute.String("outcome", "new"))
	return &RememberResult{Record: rec, Degraded: degraded}, nil
}

// RememberUtterance canonicalizes a raw utterance and remembers the
// result. Extraction runs under the configured timeout; failure or
// cancellation stores the raw text as a pending record instead of
// losing it, and the background reconciler retries extraction later.
func (m *Manager) RememberUtterance(ctx context.Context, raw, locale string) (*RememberResult, error) {
	const op = "Manager.RememberUtterance"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}
	if m.extractor == nil {
		return nil, NewConfigurationError(op, fmt.Errorf("no extractor configured"))
	}
	if strings.TrimSpace(raw) == "" {
		return nil, NewValidationError(op, fmt.Errorf("empty utterance"))
	}
	ctx, span := m.startSpan(ctx, "memory.remember_utterance")
	defer span.End()

	exCtx, cancel := context.WithTimeout(ctx, m.cfg.extractionTimeout())
	spec, err := m.extractor.Extract(exCtx, raw, locale)
	cancel()
	if err == nil {
		if verr := spec.Validate(); verr == nil {
			if locale != "" && !containsString(spec.LanguageHints, locale) {
				spec.LanguageHints = append(spec.LanguageHints, locale)
			}
			return m.remember(ctx, op, *spec, raw, locale)
		}
		err = fmt.Errorf("%w: extractor produced invalid spec", extract.ErrExtractionFailed)
	}

	// An aborted collaborator call is handled like a failed one: the
	// raw text is stored pending, nothing partial, nothing lost. The
	// write uses a detached context so the caller's expired deadline
	// cannot half-persist the record.
	m.logger.Warn("extraction failed, storing raw utterance pending",
		"locale", locale, "error", err)
	return m.rememberPending(context.WithoutCancel(ctx), op, raw, locale)
}

// rememberPending stores a raw utterance awaiting canonicalization.
func (m *Manager) rememberPending(ctx context.Context, op, raw, locale string) (*RememberResult, error) {
	now := m.clock()
	spec := schema.CanonicalSpec{
		ID:            schema.NewID(),
		Domain:        pendingDomain,
		SchemaVersion: schema.CurrentSchemaVersion,
	}

	var emb *schema.Embedding
	if vec, err := m.embedder.Embed(ctx, raw); err == nil {
		emb = &schema.Embedding{Vector: vec, ModelVersion: m.embedder.ModelVersion()}
	}

	rec, err := schema.NewRecord(spec, emb, now)
	if err != nil {
		return nil, NewInternalError(op, err)
	}
	rec.PendingCanonicalization = true
	rec.RawUtterance = raw
	rec.Locale = locale
	if emb == nil {
		rec.PendingIndexing = true
	}

	unlock := m.locks.Lock(rec.ID)
	defer unlock()

	if _, err := m.st.Put(ctx, rec); err != nil {
		return nil, NewInternalError(op, err)
	}
	if emb != nil {
		if err := m.idx.Insert(rec.ID, rec.Centroid, rec.ModelVersion); err != nil {
			m.logger.Warn("index insert failed for pending record",
				"id", rec.ID, "error", err)
		}
	}
	m.count(m.counterRemembers(), ctx, attribute.String("outcome", "pending"))
	return &RememberResult{Record: rec, Pending: true, Degraded: true}, nil
}

// Query embeds the text and grades the best matching record. A failed
// embedding degrades to lexical-only search rather than erroring.
func (m *Manager) Query(ctx context.Context, text string, opts ...retrieval.Option) (*retrieval.Result, error) {
	const op = "Manager.Query"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}
	ctx, span := m.startSpan(ctx, "memory.query")
	defer span.End()

	var vec []float32
	if v, err := m.embedder.Embed(ctx, text); err == nil {
		vec = v
	} else {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, NewTimeoutError(op, err)
		}
		m.logger.Warn("embedding failed, querying lexically", "error", err)
	}
	return m.query(ctx, op, vec, strings.Fields(text), opts...)
}

// QueryEmbedding grades the best matching record for a caller-supplied
// embedding plus optional literal terms.
func (m *Manager) QueryEmbedding(ctx context.Context, vec []float32, terms []string, opts ...retrieval.Option) (*retrieval.Result, error) {
	const op = "Manager.QueryEmbedding"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}
	return m.query(ctx, op, vec, terms, opts...)
}

func (m *Manager) query(ctx context.Context, op string, vec []float32, terms []string, opts ...retrieval.Option) (*retrieval.Result, error) {
	res, err := m.retr.Query(ctx, vec, terms, opts...)
	if err != nil {
		return nil, NewInternalError(op, err)
	}
	if res.Record != nil {
		m.touch(ctx, res)
	}
	m.count(m.counterQueries(), ctx,
		attribute.String("outcome", string(res.Outcome)),
		attribute.Bool("degraded", res.Degraded))
	return res, nil
}

// touch bumps the returned record's usage counters, best effort.
func (m *Manager) touch(ctx context.Context, res *retrieval.Result) {
	now := m.clock()
	updated, err := m.st.Update(ctx, res.Record.ID, func(rec *schema.MemoryRecord) error {
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return
	}
	m.cacheDel(updated.ID)
	res.Record = updated
}

// Get returns a record by id through the read cache, bumping its usage
// counters on a cache miss. Usage tracking is approximate while a
// record sits in the cache.
func (m *Manager) Get(ctx context.Context, id string) (*schema.MemoryRecord, error) {
	const op = "Manager.Get"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}

	if m.cache != nil {
		if v, ok := m.cache.Get(id); ok {
			if rec, ok := v.(*schema.MemoryRecord); ok {
				return rec.Clone(), nil
			}
		}
	}

	rec, err := m.st.Update(ctx, id, func(rec *schema.MemoryRecord) error {
		rec.Touch(m.clock())
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewNotFoundError(op, err).WithContext(map[string]any{"id": id})
	}
	if err != nil {
		return nil, NewInternalError(op, err)
	}
	if m.cache != nil {
		m.cache.Set(id, rec.Clone(), int64(len(rec.RawUtterance))+256)
	}
	return rec, nil
}

// AttachVisual associates an image region with a record. Anchors for
// the same image and region deduplicate; re-attaching refreshes the
// confidence instead of duplicating.
func (m *Manager) AttachVisual(ctx context.Context, id string, anchor schema.VisualAnchor) (*schema.MemoryRecord, error) {
	const op = "Manager.AttachVisual"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}

	rec, err := m.st.Update(ctx, id, func(rec *schema.MemoryRecord) error {
		rec.AddVisualAnchor(anchor)
		rec.UpdatedAt = m.clock()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewNotFoundError(op, err).WithContext(map[string]any{"id": id})
	}
	if err != nil {
		return nil, NewInternalError(op, err)
	}
	m.cacheDel(id)
	return rec, nil
}

// Sweep runs one retroactive merge pass and returns its report.
// Constraint contradictions in otherwise-qualifying pairs are reported,
// never forced.
func (m *Manager) Sweep(ctx context.Context) (*merge.SweepReport, error) {
	const op = "Manager.Sweep"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}
	ctx, span := m.startSpan(ctx, "memory.sweep")
	defer span.End()

	report, err := m.merger.Sweep(ctx)
	if err != nil {
		return report, NewInternalError(op, err)
	}
	if report.Merged > 0 {
		m.cacheClear()
		m.count(m.counterSweepMerges(), ctx)
	}
	for _, c := range report.Conflicts {
		m.logger.Warn("sweep found contradicting records, not merging",
			"target", c.TargetID, "source", c.SourceID, "keys", c.Keys)
	}
	return report, nil
}

// Reconcile retries pending work: records stored without an embedding
// get embedded and indexed, and raw utterances awaiting
// canonicalization are re-extracted. The background loop calls this on
// its interval; calling it directly is safe.
func (m *Manager) Reconcile(ctx context.Context) error {
	const op = "Manager.Reconcile"
	if m.isClosed() {
		return &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}

	var pending []string
	err := m.st.Scan(ctx, func(rec *schema.MemoryRecord) error {
		if rec.PendingIndexing || rec.PendingCanonicalization {
			pending = append(pending, rec.ID)
		}
		return nil
	})
	if err != nil {
		return NewInternalError(op, err)
	}

	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.reconcileRecord(ctx, id); err != nil {
			m.logger.Warn("reconciliation attempt failed, will retry",
				"id", id, "error", err)
			continue
		}
		m.count(m.counterReconciles(), ctx)
	}
	return nil
}

// reconcileRecord retries one record's pending work.
func (m *Manager) reconcileRecord(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.st.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Tombstone {
		return nil
	}

	if rec.PendingCanonicalization && m.extractor != nil {
		exCtx, cancel := context.WithTimeout(ctx, m.cfg.extractionTimeout())
		spec, err := m.extractor.Extract(exCtx, rec.RawUtterance, rec.Locale)
		cancel()
		if err != nil {
			return err
		}
		if err := spec.Validate(); err != nil {
			return err
		}
		spec.ID = rec.ID
		if rec.Locale != "" && !containsString(spec.LanguageHints, rec.Locale) {
			spec.LanguageHints = append(spec.LanguageHints, rec.Locale)
		}

		vec, err := m.embedder.Embed(ctx, spec.SearchText())
		if err != nil {
			return err
		}
		updated, err := m.st.Update(ctx, id, func(r *schema.MemoryRecord) error {
			r.Spec = *spec
			r.PendingCanonicalization = false
			r.PendingIndexing = false
			r.UpdatedAt = m.clock()
			return r.AppendEmbedding(schema.Embedding{Vector: vec, ModelVersion: m.embedder.ModelVersion()})
		})
		if err != nil {
			return err
		}
		m.reindex(updated)
		m.cacheDel(id)
		return nil
	}

	if rec.PendingIndexing {
		if len(rec.Centroid) == 0 {
			vec, err := m.embedder.Embed(ctx, rec.Spec.SearchText())
			if err != nil {
				return err
			}
			rec, err = m.st.Update(ctx, id, func(r *schema.MemoryRecord) error {
				return r.AppendEmbedding(schema.Embedding{Vector: vec, ModelVersion: m.embedder.ModelVersion()})
			})
			if err != nil {
				return err
			}
		}
		if err := m.idx.Insert(rec.ID, rec.Centroid, rec.ModelVersion); err != nil &&
			!errors.Is(err, index.ErrDuplicateID) {
			return err
		}
		if _, err := m.st.Update(ctx, id, func(r *schema.MemoryRecord) error {
			r.PendingIndexing = false
			return nil
		}); err != nil {
			return err
		}
		m.cacheDel(id)
	}
	return nil
}

// GetByAlias returns the live records registered under an exact alias
// term. Alias matching is normalized (case and whitespace folded) but
// literal; Query handles paraphrases.
func (m *Manager) GetByAlias(ctx context.Context, alias string) ([]*schema.MemoryRecord, error) {
	const op = "Manager.GetByAlias"
	if m.isClosed() {
		return nil, &EngineError{Op: op, Kind: KindInternal, Err: ErrClosed}
	}

	ids, err := m.st.FindByAlias(ctx, alias)
	if err != nil {
		return nil, NewInternalError(op, err)
	}

	recs := make([]*schema.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := m.st.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, NewInternalError(op, err)
		}
		if rec.Tombstone {
			continue
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, NewNotFoundError(op, store.ErrNotFound).WithContext(map[string]any{"alias": alias})
	}
	return recs, nil
}

// Health checks every collaborator and aggregates the results. A failed
// embedder or a corrupted index report degraded service rather than an
// outage: reads keep working on fallback paths.
func (m *Manager) Health(ctx context.Context) health.Status {
	if m.isClosed() {
		return health.Unhealthy("manager closed", nil)
	}
	return health.Combine(
		health.StoreCheck(ctx, m.st),
		health.IndexCheck(m.idx),
		health.EmbedderCheck(ctx, m.embedder),
		health.SnapshotCheck(m.cfg.SnapshotPath),
	)
}

// Close stops the background loops, snapshots the index when a path is
// configured, and closes the cache and store. Safe to call once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	var firstErr error
	if m.cfg.SnapshotPath != "" {
		if err := m.writeSnapshot(); err != nil {
			m.logger.Warn("index snapshot failed", "error", err)
			firstErr = err
		}
	}
	if m.cache != nil {
		m.cache.Close()
	}
	if err := m.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// writeSnapshot persists the index through a temp file and a rename,
// so an interrupted write never truncates the previous snapshot.
func (m *Manager) writeSnapshot() error {
	tmp := m.cfg.SnapshotPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := m.idx.Snapshot(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.cfg.SnapshotPath)
}

func (m *Manager) snapshotLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.writeSnapshot(); err != nil {
				m.logger.Warn("periodic index snapshot failed", "error", err)
			}
		}
	}
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if report, err := m.merger.Sweep(context.Background()); err != nil {
				m.logger.Warn("background sweep failed", "error", err)
			} else if report.Merged > 0 {
				m.cacheClear()
				m.logger.Info("background sweep merged records",
					"merged", report.Merged, "deferred", report.Deferred,
					"conflicts", len(report.Conflicts))
			}
		}
	}
}

func (m *Manager) reconcileLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.reconcileOnce(); err != nil {
				m.logger.Warn("background reconciliation failed", "error", err)
			}
		}
	}
}

// reconcileOnce mirrors Reconcile without the closed gate, for the
// background loop which races Close.
func (m *Manager) reconcileOnce() error {
	ctx := context.Background()
	var pending []string
	err := m.st.Scan(ctx, func(rec *schema.MemoryRecord) error {
		if rec.PendingIndexing || rec.PendingCanonicalization {
			pending = append(pending, rec.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range pending {
		select {
		case <-m.stop:
			return nil
		default:
		}
		if err := m.reconcileRecord(ctx, id); err != nil {
			m.logger.Warn("reconciliation attempt failed, will retry",
				"id", id, "error", err)
		}
	}
	return nil
}

// reindex refreshes the record's vector in the index after a merge
// changed its centroid.
func (m *Manager) reindex(rec *schema.MemoryRecord) {
	if len(rec.Centroid) == 0 {
		return
	}
	_ = m.idx.Remove(rec.ID)
	if err := m.idx.Insert(rec.ID, rec.Centroid, rec.ModelVersion); err != nil {
		m.logger.Warn("reindex failed", "id", rec.ID, "error", err)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) cacheDel(id string) {
	if m.cache != nil {
		m.cache.Del(id)
	}
}

func (m *Manager) cacheClear() {
	if m.cache != nil {
		m.cache.Clear()
	}
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name)
}

func (m *Manager) count(counter metric.Int64Counter, ctx context.Context, attrs ...attribute.KeyValue) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *Manager) counterRemembers() metric.Int64Counter {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.remembers
}

func (m *Manager) counterQueries() metric.Int64Counter {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.queries
}

func (m *Manager) counterSweepMerges() metric.Int64Counter {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.sweepMerges
}

func (m *Manager) counterReconciles() metric.Int64Counter {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.reconciles
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
