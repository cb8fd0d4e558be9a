package aicache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

var (
	ErrMiss             = errors.New("cache miss")
	ErrCacheUnavailable = errors.New("cache unavailable")
)

type Entry struct {
	Key       string
	Endpoint  string
	Model     string
	Payload   []byte
	CreatedAt time.Time
}

// Backend stores entries. Get returns ErrMiss for an absent key and wraps
// ErrCacheUnavailable for any storage failure.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, entry Entry) error
}

type redisRecord struct {
	Endpoint  string    `json:"endpoint"`
	Model     string    `json:"model"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisBackend keeps entries in Redis with a fixed TTL.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisBackend(redisURL string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client, ttl), nil
}

func NewRedisBackendWithClient(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "aicache:",
		ttl:    ttl,
	}
}

func (b *RedisBackend) key(key string) string {
	return b.prefix + key
}

func (b *RedisBackend) Get(ctx context.Context, key string) (Entry, error) {
	raw, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: redis get: %v", ErrCacheUnavailable, err)
	}

	var record redisRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return Entry{}, fmt.Errorf("%w: decode entry: %v", ErrCacheUnavailable, err)
	}
	return Entry{
		Key:       key,
		Endpoint:  record.Endpoint,
		Model:     record.Model,
		Payload:   record.Payload,
		CreatedAt: record.CreatedAt,
	}, nil
}

func (b *RedisBackend) Set(ctx context.Context, entry Entry) error {
	encoded, err := json.Marshal(redisRecord{
		Endpoint:  entry.Endpoint,
		Model:     entry.Model,
		Payload:   entry.Payload,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := b.client.Set(ctx, b.key(entry.Key), encoded, b.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// StoreBackend keeps entries in the relational store's cache table.
type StoreBackend struct {
	store store.Store
}

func NewStoreBackend(s store.Store) *StoreBackend {
	return &StoreBackend{store: s}
}

func (b *StoreBackend) Get(ctx context.Context, key string) (Entry, error) {
	row, err := b.store.GetCacheEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return Entry(row), nil
}

func (b *StoreBackend) Set(ctx context.Context, entry Entry) error {
	if err := b.store.UpsertCacheEntry(ctx, store.CacheEntry(entry)); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
