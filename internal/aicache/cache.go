package aicache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Request identifies one logical model call.
type Request struct {
	Endpoint string
	Prompt   string
	Inputs   any
	Model    string
}

// Cache is best effort: backend failures never reach the caller. A failed
// read is a miss and a failed write is logged and dropped.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a cache over backend. A nil backend disables caching.
func New(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.backend == nil {
		return nil, false
	}
	entry, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("ai cache read failed", "cache_key", key, "error", err)
		return nil, false
	}
	return entry.Payload, true
}

func (c *Cache) Set(ctx context.Context, key string, payload []byte, endpoint, model string) {
	if c == nil || c.backend == nil {
		return
	}
	err := c.backend.Set(ctx, Entry{
		Key:       key,
		Endpoint:  endpoint,
		Model:     model,
		Payload:   payload,
		CreatedAt: c.now(),
	})
	if err != nil {
		c.logger.Warn("ai cache write failed", "cache_key", key, "endpoint", endpoint, "error", err)
	}
}

// GetOrCompute returns the cached payload for req, or runs compute and
// stores its result. hit reports whether compute was skipped. Concurrent
// identical requests may both compute.
func (c *Cache) GetOrCompute(ctx context.Context, req Request, compute func(context.Context) ([]byte, error)) (payload []byte, hit bool, err error) {
	key, keyErr := HashKey(req.Prompt, req.Inputs, req.Model)
	if keyErr != nil {
		c.logger.Warn("ai cache key derivation failed", "endpoint", req.Endpoint, "error", keyErr)
		payload, err = compute(ctx)
		return payload, false, err
	}

	if cached, ok := c.Get(ctx, key); ok {
		return cached, true, nil
	}

	payload, err = compute(ctx)
	if err != nil {
		return nil, false, err
	}
	c.Set(ctx, key, payload, req.Endpoint, req.Model)
	return payload, false, nil
}
