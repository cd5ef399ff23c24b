// Package redis implements the structured store on a Redis server via
// go-redis/v9, for single-service deployments that already operate
// Redis. Records are stored one key per id as JSON and aliases as
// sets; inserts run as a single Lua script and optimistic concurrency
// rides on Redis WATCH/MULTI transactions.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/specmem/specmem/schema"
	"github.com/specmem/specmem/store"
)

// Options configures the Redis connection.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// TLS configuration for secure connections.
	TLS *tls.Config

	// Namespace prefixes every key; defaults to "specmem".
	Namespace string

	// ConnectTimeout is the maximum time to wait for connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations.
	WriteTimeout time.Duration
}

// Store implements store.Store on Redis.
type Store struct {
	client *redis.Client
	ns     string
}

// updateRetries bounds the internal WATCH retry loop of Update. The
// optimistic CompareAndUpdate never retries.
const updateRetries = 8

// putScript creates the record key and registers it in the id and
// alias sets in one atomic step, so a record can never be readable by
// Get while invisible to Scan or FindByAlias. KEYS[1] is the record
// key, KEYS[2] the id set, the rest alias sets; ARGV[1] is the JSON
// payload, ARGV[2] the record id.
var putScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
	return 0
end
for i = 2, #KEYS do
	redis.call("SADD", KEYS[i], ARGV[2])
end
return 1
`)

// New creates a Redis-backed store with the given options.
func New(opts Options) (*Store, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Namespace == "" {
		opts.Namespace = "specmem"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, ns: opts.Namespace}, nil
}

func (s *Store) recKey(id string) string      { return s.ns + ":rec:" + id }
func (s *Store) aliasKey(alias string) string { return s.ns + ":alias:" + alias }
func (s *Store) idsKey() string               { return s.ns + ":ids" }

func (s *Store) Put(ctx context.Context, rec *schema.MemoryRecord) (string, error) {
	stored := rec.Clone()
	stored.Version = 1

	payload, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	keys := []string{s.recKey(stored.ID), s.idsKey()}
	for _, a := range stored.Spec.Aliases {
		keys = append(keys, s.aliasKey(schema.NormalizeTerm(a)))
	}
	created, err := putScript.Run(ctx, s.client, keys, payload, stored.ID).Int()
	if err != nil {
		return "", fmt.Errorf("put record: %w", err)
	}
	if created == 0 {
		return "", store.ErrDuplicateID
	}
	rec.Version = stored.Version
	return stored.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*schema.MemoryRecord, error) {
	payload, err := s.client.Get(ctx, s.recKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return decode(payload)
}

func (s *Store) FindByAlias(ctx context.Context, term string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.aliasKey(schema.NormalizeTerm(term))).Result()
	if err != nil {
		return nil, fmt.Errorf("alias members: %w", err)
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.Tombstone {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live, nil
}

func (s *Store) Update(ctx context.Context, id string, mutate store.Mutator) (*schema.MemoryRecord, error) {
	var updated *schema.MemoryRecord
	for attempt := 0; attempt < updateRetries; attempt++ {
		rec, err := s.tryUpdate(ctx, id, 0, false, mutate)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		updated = rec
		break
	}
	if updated == nil {
		return nil, store.ErrVersionConflict
	}
	return updated, nil
}

func (s *Store) CompareAndUpdate(ctx context.Context, id string, expect uint64, mutate store.Mutator) (*schema.MemoryRecord, error) {
	rec, err := s.tryUpdate(ctx, id, expect, true, mutate)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, store.ErrVersionConflict
	}
	return rec, err
}

func (s *Store) tryUpdate(ctx context.Context, id string, expect uint64, checkVersion bool, mutate store.Mutator) (*schema.MemoryRecord, error) {
	var updated *schema.MemoryRecord
	key := s.recKey(id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		current, err := decode(payload)
		if err != nil {
			return err
		}
		if checkVersion && current.Version != expect {
			return store.ErrVersionConflict
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.ID = id
		next.Version = current.Version + 1

		nextPayload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nextPayload, 0)
			for _, a := range current.Spec.Aliases {
				pipe.SRem(ctx, s.aliasKey(schema.NormalizeTerm(a)), id)
			}
			for _, a := range next.Spec.Aliases {
				pipe.SAdd(ctx, s.aliasKey(schema.NormalizeTerm(a)), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}, key)

	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

func (s *Store) Scan(ctx context.Context, fn func(*schema.MemoryRecord) error) error {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return fmt.Errorf("scan ids: %w", err)
	}
	sort.Strings(ids)

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
	var hits []store.LexicalHit
	err := s.Scan(ctx, func(rec *schema.MemoryRecord) error {
		if score := store.LexicalScore(rec, terms); score > 0 {
			hits = append(hits, store.LexicalHit{ID: rec.ID, Score: score})
		}
		return nil
	})
	if err != nil {
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

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(payload string) (*schema.MemoryRecord, error) {
	var rec schema.MemoryRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}
