package stmtcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/metrics"
)

type countingPreparer struct {
	calls   atomic.Int32
	delay   time.Duration
	failFor string
}

func (p *countingPreparer) Prepare(ctx context.Context, query string) (*cql.PreparedStatement, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if query == p.failFor {
		return nil, &cql.QueryError{Host: "10.0.0.1:9042", Code: cql.CodeSyntaxError, Message: "line 1:0 no viable alternative"}
	}
	return &cql.PreparedStatement{Query: query, ID: []byte(query)}, nil
}

func newTestCache(t *testing.T, size int, p Preparer) (*Cache, *metrics.DriverMetrics) {
	t.Helper()
	m := metrics.NewDriverMetrics(nil)
	c, err := New(size, p, zaptest.NewLogger(t), m)
	require.NoError(t, err)
	return c, m
}

func TestCache_GetOrPrepareReusesHandle(t *testing.T) {
	p := &countingPreparer{}
	c, m := newTestCache(t, 10, p)
	ctx := context.Background()
	query := "INSERT INTO performer (name, country, style) VALUES (?, ?, ?)"

	first, err := c.GetOrPrepare(ctx, query)
	require.NoError(t, err)
	second, err := c.GetOrPrepare(ctx, query)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), p.calls.Load(), "identical text is prepared once")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StatementCacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StatementCacheMisses))
}

func TestCache_ConcurrentMissesShareOnePrepare(t *testing.T) {
	p := &countingPreparer{delay: 50 * time.Millisecond}
	c, _ := newTestCache(t, 10, p)

	var wg sync.WaitGroup
	results := make([]*cql.PreparedStatement, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ps, err := c.GetOrPrepare(context.Background(), "SELECT * FROM performer")
			assert.NoError(t, err)
			results[i] = ps
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	for _, ps := range results {
		assert.Same(t, results[0], ps)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	p := &countingPreparer{}
	c, _ := newTestCache(t, 2, p)
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "q1")
	require.NoError(t, err)
	_, err = c.GetOrPrepare(ctx, "q2")
	require.NoError(t, err)
	// touch q1 so q2 becomes the eviction candidate
	_, err = c.GetOrPrepare(ctx, "q1")
	require.NoError(t, err)
	_, err = c.GetOrPrepare(ctx, "q3")
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"q1", "q3"}, c.Queries())
	_, ok := c.Get("q2")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	_, err = c.GetOrPrepare(ctx, "q2")
	require.NoError(t, err)
	assert.Equal(t, int32(4), p.calls.Load(), "an evicted statement is prepared again")
}

func TestCache_PrepareErrorIsNotCached(t *testing.T) {
	p := &countingPreparer{failFor: "SELEC * FROM performer"}
	c, _ := newTestCache(t, 10, p)

	_, err := c.GetOrPrepare(context.Background(), "SELEC * FROM performer")
	require.Error(t, err)
	var prepErr *cql.PrepareError
	require.ErrorAs(t, err, &prepErr)
	assert.Equal(t, "SELEC * FROM performer", prepErr.Query)
	assert.True(t, cql.IsSyntaxError(err))

	_, err = c.GetOrPrepare(context.Background(), "SELEC * FROM performer")
	require.Error(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCache_CallerCancellation(t *testing.T) {
	p := &countingPreparer{delay: 100 * time.Millisecond}
	c, _ := newTestCache(t, 10, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.GetOrPrepare(ctx, "SELECT * FROM performer")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the shared prepare still completes and fills the cache
	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCache_InvalidateAndPut(t *testing.T) {
	p := &countingPreparer{}
	c, _ := newTestCache(t, 10, p)
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "SELECT * FROM performer")
	require.NoError(t, err)
	assert.True(t, c.Invalidate("SELECT * FROM performer"))
	assert.False(t, c.Invalidate("SELECT * FROM performer"))
	assert.Equal(t, 0, c.Len())

	c.Put(&cql.PreparedStatement{Query: "SELECT * FROM album", ID: []byte{1}})
	ps, err := c.GetOrPrepare(ctx, "SELECT * FROM album")
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, ps.ID)
	assert.Equal(t, int32(1), p.calls.Load())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCache_OnlyCapacityPressureCountsAsEviction(t *testing.T) {
	c, _ := newTestCache(t, 2, &countingPreparer{})
	ctx := context.Background()

	for _, q := range []string{"q1", "q2"} {
		_, err := c.GetOrPrepare(ctx, q)
		require.NoError(t, err)
	}
	c.Invalidate("q1")
	c.Purge()
	assert.Equal(t, uint64(0), c.Stats().Evictions)

	c.Put(&cql.PreparedStatement{Query: "q1", ID: []byte("q1")})
	c.Put(&cql.PreparedStatement{Query: "q2", ID: []byte("q2")})
	c.Put(&cql.PreparedStatement{Query: "q2", ID: []byte("q2-again")})
	assert.Equal(t, uint64(0), c.Stats().Evictions, "replacing a handle evicts nothing")

	c.Put(&cql.PreparedStatement{Query: "q3", ID: []byte("q3")})
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	_, ok := c.Get("q1")
	assert.False(t, ok)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(10, nil, nil, nil)
	assert.Error(t, err)

	c, err := New(0, PreparerFunc(func(ctx context.Context, q string) (*cql.PreparedStatement, error) {
		return nil, errors.New("unreachable")
	}), nil, metrics.NewDriverMetrics(nil))
	require.NoError(t, err)
	assert.Equal(t, defaultSize, c.Stats().Capacity)
}
