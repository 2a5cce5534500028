// Package idempotency stores responses to keyed POST requests so retries
// replay the first outcome instead of repeating the mutation.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const HeaderKey = "Idempotency-Key"

type ActorContext struct {
	ActorID        string
	IdempotencyKey string
}

type Record struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type Store interface {
	Get(ctx context.Context, key string) (*Record, bool, error)
	Save(ctx context.Context, key string, rec Record) error
}

// RecordKey scopes a client key to the actor and endpoint.
func RecordKey(actor ActorContext, endpoint string) string {
	return fmt.Sprintf("idem:%s:%s:%s", actor.ActorID, endpoint, actor.IdempotencyKey)
}

func Replay(ctx context.Context, st Store, actor ActorContext, endpoint string) (*Record, bool, error) {
	if actor.IdempotencyKey == "" {
		return nil, false, nil
	}
	return st.Get(ctx, RecordKey(actor, endpoint))
}

func Save(ctx context.Context, st Store, actor ActorContext, endpoint string, rec Record) error {
	if actor.IdempotencyKey == "" {
		return nil
	}
	return st.Save(ctx, RecordKey(actor, endpoint), rec)
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, true, nil
}

// Save keeps the first record written for key.
func (s *RedisStore) Save(ctx context.Context, key string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("write idempotency record: %w", err)
	}
	return nil
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	ttl     time.Duration
	now     func() time.Time
}

type memoryRecord struct {
	rec     Record
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if s.ttl > 0 && s.now().After(r.expires) {
		delete(s.records, key)
		return nil, false, nil
	}
	rec := r.rec
	return &rec, true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok && (s.ttl <= 0 || !s.now().After(r.expires)) {
		return nil
	}
	s.records[key] = memoryRecord{rec: rec, expires: s.now().Add(s.ttl)}
	return nil
}
