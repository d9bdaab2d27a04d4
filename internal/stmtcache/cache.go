// Package stmtcache maps query text to prepared statement handles.
package stmtcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/metrics"
)

const defaultSize = 1000

// Preparer sends a PREPARE request for query to some node
type Preparer interface {
	Prepare(ctx context.Context, query string) (*cql.PreparedStatement, error)
}

// PreparerFunc adapts a function to Preparer
type PreparerFunc func(ctx context.Context, query string) (*cql.PreparedStatement, error)

func (f PreparerFunc) Prepare(ctx context.Context, query string) (*cql.PreparedStatement, error) {
	return f(ctx, query)
}

// Cache is a bounded LRU of prepared statements keyed by exact query text.
// Concurrent misses on the same text share one PREPARE request.
type Cache struct {
	entries  *lru.Cache[string, *cql.PreparedStatement]
	group    singleflight.Group
	preparer Preparer
	capacity int
	logger   *zap.Logger
	metrics  *metrics.DriverMetrics

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding at most size statements
func New(size int, preparer Preparer, logger *zap.Logger, m *metrics.DriverMetrics) (*Cache, error) {
	if preparer == nil {
		return nil, errors.New("stmtcache: nil preparer")
	}
	if size <= 0 {
		size = defaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.GetMetrics()
	}

	entries, err := lru.New[string, *cql.PreparedStatement](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create statement cache: %w", err)
	}
	return &Cache{
		entries:  entries,
		preparer: preparer,
		capacity: size,
		logger:   logger.Named("stmtcache"),
		metrics:  m,
	}, nil
}

// add stores ps and counts the entry pushed out to make room, if any.
// Invalidate and Purge are not evictions.
func (c *Cache) add(query string, ps *cql.PreparedStatement) {
	if c.entries.Add(query, ps) {
		c.evictions.Add(1)
		c.logger.Debug("Evicted least recently used statement", zap.Int("capacity", c.capacity))
	}
}

// GetOrPrepare returns the cached handle for query, preparing it on a miss
func (c *Cache) GetOrPrepare(ctx context.Context, query string) (*cql.PreparedStatement, error) {
	if ps, ok := c.entries.Get(query); ok {
		c.hits.Add(1)
		c.metrics.RecordCacheHit()
		return ps, nil
	}
	c.misses.Add(1)
	c.metrics.RecordCacheMiss()

	// The shared prepare must not fail because the first caller gave up
	prepCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(query, func() (interface{}, error) {
		if ps, ok := c.entries.Peek(query); ok {
			return ps, nil
		}
		ps, err := c.preparer.Prepare(prepCtx, query)
		if err != nil {
			return nil, err
		}
		c.add(query, ps)
		return ps, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var prepErr *cql.PrepareError
			if errors.As(res.Err, &prepErr) {
				return nil, res.Err
			}
			return nil, &cql.PrepareError{Query: query, Err: res.Err}
		}
		return res.Val.(*cql.PreparedStatement), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached handle without preparing
func (c *Cache) Get(query string) (*cql.PreparedStatement, bool) {
	return c.entries.Peek(query)
}

// Put stores or replaces the handle of ps.Query
func (c *Cache) Put(ps *cql.PreparedStatement) {
	c.add(ps.Query, ps)
}

// Invalidate drops the handle of query. It reports whether one was cached.
func (c *Cache) Invalidate(query string) bool {
	return c.entries.Remove(query)
}

// Purge drops every handle
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached statements
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Queries returns the cached query texts from least to most recently used
func (c *Cache) Queries() []string {
	return c.entries.Keys()
}

// Stats summarizes cache usage
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats returns the current usage counters
func (c *Cache) Stats() Stats {
	return Stats{
		Size:      c.entries.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
