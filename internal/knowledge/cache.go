package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
)

const keyPrefix = "knowledge:"

// Backend is the byte cache behind CachedStore.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Purger is implemented by backends that can drop keys by glob pattern.
type Purger interface {
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)
}

// CachedStore memoizes search results and collapses concurrent identical
// lookups into one upstream call. Cache errors never fail a search.
type CachedStore struct {
	next          Store
	backend       Backend
	ttl           time.Duration
	searchTimeout time.Duration
	group         singleflight.Group
	logger        *slog.Logger
	hits          atomic.Int64
	misses        atomic.Int64
}

const defaultSearchTimeout = 10 * time.Second

// CacheOption configures a CachedStore.
type CacheOption func(*CachedStore)

// WithSearchTimeout bounds the shared upstream call.
func WithSearchTimeout(d time.Duration) CacheOption {
	return func(c *CachedStore) {
		if d > 0 {
			c.searchTimeout = d
		}
	}
}

func NewCachedStore(next Store, backend Backend, ttl time.Duration, opts ...CacheOption) *CachedStore {
	c := &CachedStore{
		next:          next,
		backend:       backend,
		ttl:           ttl,
		searchTimeout: defaultSearchTimeout,
		logger:        logger.WithComponent("knowledge-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search returns cached snippets or joins the upstream call in flight for
// the same key. The shared call is detached from any single caller's
// cancellation; each caller still stops waiting when its own ctx ends.
func (c *CachedStore) Search(ctx context.Context, characterName, query string) ([]string, error) {
	key := buildKey(characterName, query)
	if snippets, ok := c.get(ctx, key); ok {
		return snippets, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.searchTimeout)
		defer cancel()
		if snippets, ok := c.get(callCtx, key); ok {
			return snippets, nil
		}
		snippets, err := c.next.Search(callCtx, characterName, query)
		if err != nil {
			return nil, err
		}
		c.set(callCtx, key, snippets)
		return snippets, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops every cached result of the character. It is a no-op when
// the backend cannot delete by pattern.
func (c *CachedStore) Invalidate(ctx context.Context, characterName string) (int64, error) {
	purger, ok := c.backend.(Purger)
	if !ok {
		return 0, nil
	}
	n, err := purger.DeleteByPattern(ctx, characterPrefix(characterName)+"*")
	if err != nil {
		return 0, fmt.Errorf("invalidate knowledge cache for %q: %w", characterName, err)
	}
	return n, nil
}

func (c *CachedStore) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedStore) get(ctx context.Context, key string) ([]string, bool) {
	data, err := c.backend.Get(ctx, key)
	if err != nil || data == nil {
		c.misses.Add(1)
		return nil, false
	}
	var snippets []string
	if err := json.Unmarshal(data, &snippets); err != nil {
		c.logger.Warn("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return snippets, true
}

func (c *CachedStore) set(ctx context.Context, key string, snippets []string) {
	data, err := json.Marshal(snippets)
	if err != nil {
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// Keys look like knowledge:<character hash>:<query hash> so one character's
// entries share a prefix.
func buildKey(characterName, query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s%x", characterPrefix(characterName), hash[:16])
}

func characterPrefix(characterName string) string {
	hash := sha256.Sum256([]byte(characterName))
	return fmt.Sprintf("%s%x:", keyPrefix, hash[:8])
}
