// Package sqlite implements the structured store on a single SQLite
// file using the pure-Go modernc.org/sqlite driver. It is the default
// durable backend: one row per record with a version counter for
// optimistic concurrency, plus an alias table and a normalized search
// surface for lexical fallback queries.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		id          TEXT PRIMARY KEY,
		domain      TEXT NOT NULL,
		version     INTEGER NOT NULL,
		tombstone   INTEGER NOT NULL DEFAULT 0,
		payload     TEXT NOT NULL,
		search_text TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_domain ON records(domain);
	CREATE INDEX IF NOT EXISTS idx_records_tombstone ON records(tombstone);

	CREATE TABLE IF NOT EXISTS aliases (
		alias     TEXT NOT NULL,
		record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
		PRIMARY KEY (alias, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_aliases_record ON aliases(record_id);
	`
	_, err := s.db.Exec(ddl)
	return err
}

func (s *Store) Put(ctx context.Context, rec *schema.MemoryRecord) (string, error) {
	stored := rec.Clone()
	stored.Version = 1

	payload, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM records WHERE id = ?`, stored.ID).Scan(&exists); err != nil {
		return "", fmt.Errorf("check id: %w", err)
	}
	if exists > 0 {
		return "", store.ErrDuplicateID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, domain, version, tombstone, payload, search_text, updated_at) VALUES (?,?,?,?,?,?,?)`,
		stored.ID, stored.Spec.Domain, stored.Version, boolInt(stored.Tombstone),
		string(payload), searchSurface(stored), now())
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	if err := insertAliases(ctx, tx, stored); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	rec.Version = stored.Version
	return stored.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*schema.MemoryRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM records WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return decode(payload)
}

func (s *Store) FindByAlias(ctx context.Context, term string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.record_id FROM aliases a
		JOIN records r ON r.id = a.record_id
		WHERE a.alias = ? AND r.tombstone = 0
		ORDER BY a.record_id`,
		schema.NormalizeTerm(term))
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Update(ctx context.Context, id string, mutate store.Mutator) (*schema.MemoryRecord, error) {
	return s.update(ctx, id, 0, false, mutate)
}

func (s *Store) CompareAndUpdate(ctx context.Context, id string, expect uint64, mutate store.Mutator) (*schema.MemoryRecord, error) {
	return s.update(ctx, id, expect, true, mutate)
}

func (s *Store) update(ctx context.Context, id string, expect uint64, checkVersion bool, mutate store.Mutator) (*schema.MemoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM records WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	current, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if checkVersion && current.Version != expect {
		return nil, store.ErrVersionConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = current.Version + 1

	nextPayload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET domain = ?, version = ?, tombstone = ?, payload = ?, search_text = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		next.Spec.Domain, next.Version, boolInt(next.Tombstone), string(nextPayload),
		searchSurface(next), now(), id, current.Version)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE record_id = ?`, id); err != nil {
		return nil, fmt.Errorf("clear aliases: %w", err)
	}
	if err := insertAliases(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next.Clone(), nil
}

func (s *Store) Scan(ctx context.Context, fn func(*schema.MemoryRecord) error) error {
	// Snapshot ids first so fn may call back into the store without
	// holding a result set open.
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records WHERE tombstone = 0 ORDER BY id`)
	if err != nil {
		return fmt.Errorf("scan ids: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.Tombstone {
			continue
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, store.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Store) SearchLexical(ctx context.Context, terms []string, limit int) ([]store.LexicalHit, error) {
	if limit <= 0 {
		limit = 10
	}
	normalized := make([]string, 0, len(terms))
	where := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms))
	for _, term := range terms {
		t := schema.NormalizeTerm(term)
		if t == "" {
			continue
		}
		normalized = append(normalized, t)
		where = append(where, "search_text LIKE ?")
		args = append(args, "%"+escapeLike(t)+"%")
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT payload FROM records WHERE tombstone = 0 AND (%s)`,
		strings.Join(where, " OR "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical query: %w", err)
	}
	defer rows.Close()

	var hits []store.LexicalHit
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := decode(payload)
		if err != nil {
			return nil, err
		}
		if score := store.LexicalScore(rec, normalized); score > 0 {
			hits = append(hits, store.LexicalHit{ID: rec.ID, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func insertAliases(ctx context.Context, tx *sql.Tx, rec *schema.MemoryRecord) error {
	seen := map[string]struct{}{}
	for _, a := range rec.Spec.Aliases {
		key := schema.NormalizeTerm(a)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO aliases (alias, record_id) VALUES (?, ?)`, key, rec.ID); err != nil {
			return fmt.Errorf("insert alias: %w", err)
		}
	}
	return nil
}

func searchSurface(rec *schema.MemoryRecord) string {
	surface := schema.NormalizeTerm(rec.Spec.SearchText())
	if rec.PendingCanonicalization && rec.RawUtterance != "" {
		surface += " " + schema.NormalizeTerm(rec.RawUtterance)
	}
	return surface
}

func decode(payload string) (*schema.MemoryRecord, error) {
	var rec schema.MemoryRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "%", "")
	return strings.ReplaceAll(s, "_", " ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
