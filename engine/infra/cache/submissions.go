package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/logger"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Keyspace:
//
//	sub:{submissionId}                      serialised submission body
//	idx:{routeId}:{status}:{submissionId}   reference to the body
//	refresh:{submissionId}                  lease holder token
//
// The idx entries hold only the body key: the body is written once and
// indexed many times.
const (
	subKeyPrefix     = "sub:"
	idxKeyPrefix     = "idx:"
	refreshKeyPrefix = "refresh:"
)

const scanBatchSize = 256

// SubmissionCache holds weak copies of submissions. The store stays the
// source of truth: every entry may be evicted without correctness loss.
// Terminal submissions are additionally kept in a small in-process LRU tier;
// they are frozen, so local copies can never go stale.
type SubmissionCache struct {
	client         redis.UniversalClient
	prefix         string
	terminalTTL    time.Duration
	nonTerminalTTL time.Duration
	local          *lru.Cache[string, []byte]
}

func NewSubmissionCache(r *Redis, cfg *config.CacheConfig) (*SubmissionCache, error) {
	if r == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("cache config is required")
	}
	c := &SubmissionCache{
		client:         r.Client(),
		prefix:         cfg.KeyPrefix,
		terminalTTL:    cfg.TerminalTTL,
		nonTerminalTTL: cfg.NonTerminalTTL,
	}
	if cfg.LocalSize > 0 {
		local, err := lru.New[string, []byte](cfg.LocalSize)
		if err != nil {
			return nil, fmt.Errorf("failed to build local cache tier: %w", err)
		}
		c.local = local
	}
	return c, nil
}

// RefreshKey is the lease key guarding at-most-one concurrent refresh of the
// given submission.
func (c *SubmissionCache) RefreshKey(id core.ID) string {
	return c.prefix + refreshKeyPrefix + id.String()
}

func (c *SubmissionCache) subKey(id core.ID) string {
	return c.prefix + subKeyPrefix + id.String()
}

func (c *SubmissionCache) idxKey(routeID string, status core.StatusType, id core.ID) string {
	return c.prefix + idxKeyPrefix + routeID + ":" + status.String() + ":" + id.String()
}

// Put replaces the cached entry. The TTL is long for terminal submissions
// and min(route threshold, configured non-terminal TTL) otherwise, so a
// non-terminal entry can never outlive its freshness window.
func (c *SubmissionCache) Put(ctx context.Context, sub *submission.Submission, threshold time.Duration) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to serialise submission %s: %w", sub.ID, err)
	}
	ttl := c.ttlFor(sub, threshold)
	prev, _ := c.peek(ctx, sub.ID)
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != nil && prev.Status != sub.Status {
			pipe.Del(ctx, c.idxKey(prev.RouteID, prev.Status, prev.ID))
		}
		pipe.Set(ctx, c.subKey(sub.ID), body, ttl)
		pipe.Set(ctx, c.idxKey(sub.RouteID, sub.Status, sub.ID), c.subKey(sub.ID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache submission %s: %w", sub.ID, err)
	}
	if c.local != nil && sub.IsTerminal() {
		c.local.Add(c.subKey(sub.ID), body)
	}
	return nil
}

// Get returns the cached submission or ErrNotFound on a miss. An
// undecodable entry is evicted and reported as a miss.
func (c *SubmissionCache) Get(ctx context.Context, id core.ID) (*submission.Submission, error) {
	key := c.subKey(id)
	if c.local != nil {
		if body, ok := c.local.Get(key); ok {
			return decodeSubmission(body)
		}
	}
	body, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached submission %s: %w", id, err)
	}
	sub, err := decodeSubmission(body)
	if err != nil {
		logger.FromContext(ctx).Warn("evicting undecodable cache entry", "submission_id", id, "error", err)
		_ = c.Evict(ctx, id)
		return nil, ErrNotFound
	}
	if c.local != nil && sub.IsTerminal() {
		c.local.Add(key, body)
	}
	return sub, nil
}

// Evict removes the body and every index entry referencing it.
func (c *SubmissionCache) Evict(ctx context.Context, id core.ID) error {
	if c.local != nil {
		c.local.Remove(c.subKey(id))
	}
	keys := []string{c.subKey(id)}
	idxKeys, err := c.scanKeys(ctx, c.prefix+idxKeyPrefix+"*:"+id.String())
	if err != nil {
		return err
	}
	keys = append(keys, idxKeys...)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to evict submission %s: %w", id, err)
	}
	return nil
}

// ListIDsByRouteStatus supports cheap listing through the secondary index.
func (c *SubmissionCache) ListIDsByRouteStatus(
	ctx context.Context,
	routeID string,
	status core.StatusType,
) ([]core.ID, error) {
	pattern := c.prefix + idxKeyPrefix + routeID + ":" + status.String() + ":*"
	keys, err := c.scanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	ids := make([]core.ID, 0, len(keys))
	for _, key := range keys {
		if i := strings.LastIndex(key, ":"); i >= 0 {
			ids = append(ids, core.ID(key[i+1:]))
		}
	}
	return ids, nil
}

// peek reads the current cached body without the local tier; used to locate
// the previous index entry before replacing it.
func (c *SubmissionCache) peek(ctx context.Context, id core.ID) (*submission.Submission, error) {
	body, err := c.client.Get(ctx, c.subKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	return decodeSubmission(body)
}

func (c *SubmissionCache) ttlFor(sub *submission.Submission, threshold time.Duration) time.Duration {
	if sub.IsTerminal() {
		return c.terminalTTL
	}
	ttl := c.nonTerminalTTL
	if threshold > 0 && threshold < ttl {
		ttl = threshold
	}
	return ttl
}

func (c *SubmissionCache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache keys %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func decodeSubmission(body []byte) (*submission.Submission, error) {
	var sub submission.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode cached submission: %w", err)
	}
	return &sub, nil
}
