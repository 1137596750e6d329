// Package cache is a Redis-backed [learning.Cache].
//
// Entries are JSON encoded and namespaced by a generation counter: Invalidate
// bumps the counter, which orphans every older key until its TTL expires.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/pkg/types"
)

var _ learning.Cache = (*Cache)(nil)

// DefaultTTL bounds how long an entry can outlive the data it was read from
// when another process writes to the same store.
const DefaultTTL = 5 * time.Minute

const defaultPrefix = "verbatim:"

// Option configures a [Cache].
type Option func(*Cache)

// WithTTL overrides [DefaultTTL].
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPrefix namespaces every key. Useful when several deployments share one
// Redis database.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// Cache is safe for concurrent use.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{client: client, ttl: DefaultTTL, prefix: defaultPrefix}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial connects to addr, selects db and verifies the connection.
func Dial(ctx context.Context, addr string, db int, opts ...Option) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// exactEntry distinguishes a cached "no match" from a miss.
type exactEntry struct {
	Found bool              `json:"found"`
	Match *types.ExactMatch `json:"match,omitempty"`
}

// ExactMatch implements [learning.Cache].
func (c *Cache) ExactMatch(ctx context.Context, original string, tone types.ToneMode) (*types.ExactMatch, bool, error) {
	key, err := c.key(ctx, "exact", string(tone), url.QueryEscape(original))
	if err != nil {
		return nil, false, err
	}
	var e exactEntry
	ok, err := c.get(ctx, key, &e)
	if err != nil || !ok {
		return nil, false, err
	}
	if !e.Found {
		return nil, true, nil
	}
	return e.Match, true, nil
}

// PutExactMatch implements [learning.Cache].
func (c *Cache) PutExactMatch(ctx context.Context, original string, tone types.ToneMode, m *types.ExactMatch) error {
	key, err := c.key(ctx, "exact", string(tone), url.QueryEscape(original))
	if err != nil {
		return err
	}
	return c.set(ctx, key, exactEntry{Found: m != nil, Match: m})
}

// Rules implements [learning.Cache].
func (c *Cache) Rules(ctx context.Context, tone types.ToneMode, minUsage int) ([]types.LearnedRule, bool, error) {
	key, err := c.key(ctx, "rules", string(tone), strconv.Itoa(minUsage))
	if err != nil {
		return nil, false, err
	}
	var rules []types.LearnedRule
	ok, err := c.get(ctx, key, &rules)
	if err != nil || !ok {
		return nil, false, err
	}
	if rules == nil {
		rules = []types.LearnedRule{}
	}
	return rules, true, nil
}

// PutRules implements [learning.Cache].
func (c *Cache) PutRules(ctx context.Context, tone types.ToneMode, minUsage int, rules []types.LearnedRule) error {
	key, err := c.key(ctx, "rules", string(tone), strconv.Itoa(minUsage))
	if err != nil {
		return err
	}
	return c.set(ctx, key, rules)
}

// Invalidate implements [learning.Cache].
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.prefix+"gen").Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// key builds prefix + generation + parts.
func (c *Cache) key(ctx context.Context, parts ...string) (string, error) {
	gen, err := c.client.Get(ctx, c.prefix+"gen").Result()
	switch {
	case errors.Is(err, redis.Nil):
		gen = "0"
	case err != nil:
		return "", fmt.Errorf("cache: read generation: %w", err)
	}
	k := c.prefix + gen
	for _, p := range parts {
		k += ":" + p
	}
	return k, nil
}

func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}
