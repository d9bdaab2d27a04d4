package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/simplecql/internal/cluster"
	"github.com/arohanajit/simplecql/internal/conn"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/metrics"
	"github.com/arohanajit/simplecql/internal/policy"
	"github.com/arohanajit/simplecql/internal/pool"
	"github.com/arohanajit/simplecql/internal/testcluster"
)

type harness struct {
	tc      *testcluster.Cluster
	tracker *cluster.Tracker
	pools   *pool.Manager
	exec    *Executor
	metrics *metrics.DriverMetrics
	store   *recordingStore
}

type recordingStore struct {
	mu  sync.Mutex
	put []*cql.PreparedStatement
}

func (s *recordingStore) Put(ps *cql.PreparedStatement) {
	s.mu.Lock()
	s.put = append(s.put, ps)
	s.mu.Unlock()
}

func (s *recordingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.put)
}

func newHarness(t *testing.T, nodes int, mutate ...func(*Config)) *harness {
	t.Helper()
	return newPoolHarness(t, nodes, pool.Config{}, mutate...)
}

func newPoolHarness(t *testing.T, nodes int, poolCfg pool.Config, mutate ...func(*Config)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tc := testcluster.StartT(t, testcluster.Options{Nodes: nodes})
	tc.CreateTable("music", "performer", "name", "country", "style")

	maxInFlight := 128
	if poolCfg.MaxRequestsPerConn > 0 {
		maxInFlight = poolCfg.MaxRequestsPerConn
	}
	dial := func(ctx context.Context, addr string) (*conn.Conn, error) {
		return conn.Dial(ctx, addr, conn.Options{ConnectTimeout: time.Second, MaxInFlight: maxInFlight, Logger: logger})
	}

	tracker := cluster.NewTracker(cluster.TrackerConfig{
		Seeds:           cluster.StaticSeeds(tc.Addresses()),
		Dial:            dial,
		RequestTimeout:  time.Second,
		RefreshInterval: time.Hour,
		Logger:          logger,
	})
	t.Cleanup(tracker.Stop)
	require.NoError(t, tracker.Refresh(context.Background()))

	m := metrics.NewDriverMetrics(nil)
	pools := pool.NewManager(poolCfg, dial, logger, m)
	t.Cleanup(func() { pools.Close() })
	tracker.Subscribe(pools)

	fd := cluster.NewFailureDetector(tracker, nil, time.Second, 1, logger)
	store := &recordingStore{}

	cfg := Config{
		Topology:       tracker,
		Pool:           pools,
		Routing:        policy.NewDCAwareRoundRobin(""),
		Retry:          policy.NewExponentialRetry(3, time.Millisecond, 5*time.Millisecond),
		Health:         fd,
		Statements:     store,
		Keyspace:       "music",
		RequestTimeout: time.Second,
		Logger:         logger,
		Metrics:        m,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	exec, err := New(cfg)
	require.NoError(t, err)

	return &harness{tc: tc, tracker: tracker, pools: pools, exec: exec, metrics: m, store: store}
}

func (h *harness) inFlight() int {
	total := 0
	for _, s := range h.pools.Stats() {
		total += s.InFlight
	}
	return total
}

func TestNew_RequiresTopologyAndPool(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestExecutor_InsertThenSelect(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		stmt := cql.NewStatement("INSERT INTO music.performer (name, country, style) VALUES (?, ?, ?)",
			fmt.Sprintf("performer-%d", i), "Norway", "Jazz")
		_, err := h.exec.Run(ctx, stmt)
		require.NoError(t, err)
	}

	rs, err := h.exec.Run(ctx, cql.NewStatement("SELECT * FROM music.performer LIMIT 10"))
	require.NoError(t, err)
	assert.Equal(t, 10, rs.Len())
	assert.NotEmpty(t, rs.Coordinator)
	assert.Equal(t, "performer-0", rs.All()[0].String("name"))
	assert.Equal(t, "Jazz", rs.All()[9].String("style"))

	assert.Equal(t, float64(11), testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(opQuery, "success")))
	assert.Equal(t, 0, h.inFlight())
}

func TestExecutor_RoundRobinsAcrossNodes(t *testing.T) {
	h := newHarness(t, 3)

	for i := 0; i < 9; i++ {
		_, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
		require.NoError(t, err)
	}
	for _, n := range h.tc.Nodes() {
		assert.Equal(t, int64(3), n.Served(), "node %s", n.Addr())
	}
}

func TestExecutor_SyntaxErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, 2)

	_, err := h.exec.Run(context.Background(), cql.NewStatement("SELEC * FROM music.performer"))
	require.Error(t, err)
	assert.True(t, cql.IsSyntaxError(err))
	assert.Equal(t, 0, testutil.CollectAndCount(h.metrics.RetriesTotal))
}

func TestExecutor_RetriesNodeErrorsOnNextNode(t *testing.T) {
	h := newHarness(t, 2)
	h.tc.Node(0).InjectFault(testcluster.FaultOverloaded, 1)
	h.tc.Node(1).InjectFault(testcluster.FaultOverloaded, 1)

	rs, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	require.NoError(t, err)
	assert.NotNil(t, rs)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RetriesTotal.WithLabelValues("node_error")))
}

func TestExecutor_WriteTimeoutNeedsIdempotence(t *testing.T) {
	h := newHarness(t, 1)
	insert := "INSERT INTO music.performer (name, country, style) VALUES ('Miles', 'USA', 'Jazz')"

	h.tc.Node(0).InjectFault(testcluster.FaultWriteTimeout, 1)
	_, err := h.exec.Run(context.Background(), cql.NewStatement(insert))
	require.Error(t, err)
	var timeout *cql.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, timeout.IsWrite())

	h.tc.Node(0).InjectFault(testcluster.FaultWriteTimeout, 1)
	stmt := cql.NewStatement(insert)
	stmt.Idempotent = true
	_, err = h.exec.Run(context.Background(), stmt)
	require.NoError(t, err)
}

func TestExecutor_UnavailableSurfacesImmediately(t *testing.T) {
	h := newHarness(t, 2)
	h.tc.Node(0).InjectFault(testcluster.FaultUnavailable, 0)
	h.tc.Node(1).InjectFault(testcluster.FaultUnavailable, 0)

	_, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	var qe *cql.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, cql.CodeUnavailable, qe.Code)
	assert.Equal(t, 0, testutil.CollectAndCount(h.metrics.RetriesTotal))
}

func TestExecutor_ClientTimeoutExhaustsBudget(t *testing.T) {
	h := newHarness(t, 1, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	h.tc.Node(0).InjectFault(testcluster.FaultNoResponse, 0)

	start := time.Now()
	_, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cql.ErrNoHostAvailable)
	assert.Less(t, time.Since(start), 2*time.Second)

	var unavailable *cql.HostUnavailableError
	require.ErrorAs(t, err, &unavailable)
	var timeout *cql.TimeoutError
	require.ErrorAs(t, unavailable.Errors[h.tc.Node(0).Addr()], &timeout)
	assert.Equal(t, cql.ErrorCode(0), timeout.Code)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RetriesTotal.WithLabelValues("client_timeout")))
	assert.Equal(t, 0, h.inFlight())
}

func TestExecutor_ClientTimeoutOnWriteIsNotRetried(t *testing.T) {
	h := newHarness(t, 2, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	h.tc.Node(0).InjectFault(testcluster.FaultNoResponse, 0)
	h.tc.Node(1).InjectFault(testcluster.FaultNoResponse, 0)

	_, err := h.exec.Run(context.Background(),
		cql.NewStatement("INSERT INTO music.performer (name, country, style) VALUES ('Nina', 'USA', 'Soul')"))
	var timeout *cql.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, cql.ErrorCode(0), timeout.Code)
	assert.Equal(t, 0, testutil.CollectAndCount(h.metrics.RetriesTotal))
}

func TestExecutor_SilentNodeIsMarkedDown(t *testing.T) {
	h := newHarness(t, 2, func(cfg *Config) {
		cfg.RequestTimeout = 30 * time.Millisecond
		cfg.TimeoutsBeforeFailure = 2
	})
	silent := h.tc.Node(0)
	silent.InjectFault(testcluster.FaultNoResponse, 0)

	query := cql.NewStatement("SELECT * FROM music.performer")
	for i := 0; i < 4; i++ {
		_, err := h.exec.Run(context.Background(), query)
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		n, ok := h.tracker.Snapshot().Node(silent.Addr())
		return ok && !n.IsUp()
	}, time.Second, 10*time.Millisecond)

	served := h.tc.Node(1).Served()
	for i := 0; i < 4; i++ {
		_, err := h.exec.Run(context.Background(), query)
		require.NoError(t, err)
	}
	assert.Equal(t, served+4, h.tc.Node(1).Served())
	assert.Equal(t, 0, h.inFlight())

	silent.InjectFault(testcluster.FaultNone, 0)
	h.tracker.MarkUp(silent.Addr())
	before := silent.Served()
	assert.Eventually(t, func() bool {
		_, err := h.exec.Run(context.Background(), query)
		return err == nil && silent.Served() > before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutor_SaturatedPoolIsNotReportedAsSilentNode(t *testing.T) {
	h := newPoolHarness(t, 1, pool.Config{
		MaxConnections:     1,
		MaxRequestsPerConn: 1,
		AcquireTimeout:     5 * time.Second,
	}, func(cfg *Config) {
		cfg.RequestTimeout = 30 * time.Millisecond
		cfg.TimeoutsBeforeFailure = 1
	})
	addr := h.tc.Node(0).Addr()

	held, err := h.pools.Acquire(context.Background(), addr)
	require.NoError(t, err)

	_, err = h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	require.Error(t, err)
	n, ok := h.tracker.Snapshot().Node(addr)
	require.True(t, ok)
	assert.True(t, n.IsUp())

	h.pools.Release(held, nil)
	_, err = h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	require.NoError(t, err)
}

// firstNode routes to one node before the rest of the UP nodes
type firstNode string

func (f firstNode) Plan(snap *cluster.Topology) []cluster.Node {
	var first, rest []cluster.Node
	for _, n := range snap.Up() {
		if n.Address == string(f) {
			first = append(first, n)
		} else {
			rest = append(rest, n)
		}
	}
	return append(first, rest...)
}

func TestExecutor_EvictionWhileWaitingRetriesElsewhere(t *testing.T) {
	h := newPoolHarness(t, 2, pool.Config{
		MaxConnections:     1,
		MaxRequestsPerConn: 1,
		AcquireTimeout:     5 * time.Second,
	}, func(cfg *Config) {
		cfg.RequestTimeout = 2 * time.Second
	})
	evicted := h.tc.Node(0).Addr()
	h.exec.routing = firstNode(evicted)

	held, err := h.pools.Acquire(context.Background(), evicted)
	require.NoError(t, err)
	defer h.pools.Release(held, nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		h.tracker.MarkDown(evicted)
	}()

	rs, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	require.NoError(t, err)
	assert.Equal(t, h.tc.Node(1).Addr(), rs.Coordinator)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RetriesTotal.WithLabelValues("connection")))
}

func TestExecutor_ClosedPoolsEndTheRequest(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.pools.Close())

	_, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	assert.ErrorIs(t, err, cql.ErrSessionClosed)
	assert.Equal(t, 0, testutil.CollectAndCount(h.metrics.RetriesTotal))
}

func TestExecutor_UnreachableClusterSurfacesHostUnavailable(t *testing.T) {
	h := newHarness(t, 2)
	h.tc.Node(0).Stop()
	h.tc.Node(1).Stop()

	_, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	require.Error(t, err)
	var unavailable *cql.HostUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.NotEmpty(t, unavailable.Errors)

	// connection failures mark the nodes DOWN, so the next plan is empty
	assert.Eventually(t, func() bool { return len(h.tracker.Snapshot().Up()) == 0 }, time.Second, 10*time.Millisecond)
	_, err = h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
	assert.ErrorIs(t, err, cql.ErrNoHostAvailable)
}

func TestExecutor_DownNodeIsNotRouted(t *testing.T) {
	h := newHarness(t, 3)
	down := h.tc.Node(0)
	h.tracker.MarkDown(down.Addr())

	for i := 0; i < 6; i++ {
		_, err := h.exec.Run(context.Background(), cql.NewStatement("SELECT * FROM music.performer"))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(0), down.Served())
	assert.Equal(t, int64(3), h.tc.Node(1).Served())
	assert.Equal(t, int64(3), h.tc.Node(2).Served())
}

func TestExecutor_PrepareAndExecute(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	ps, err := h.exec.Prepare(ctx, "INSERT INTO music.performer (name, country, style) VALUES (?, ?, ?)")
	require.NoError(t, err)
	assert.NotEmpty(t, ps.ID)
	assert.Equal(t, "music", ps.Keyspace)
	require.Len(t, ps.Params, 3)
	assert.Equal(t, "country", ps.Params[1].Name)

	bound, err := ps.Bind("Sonny Rollins", "USA", "Jazz")
	require.NoError(t, err)
	_, err = h.exec.Run(ctx, bound)
	require.NoError(t, err)

	rs, err := h.exec.Run(ctx, cql.NewStatement("SELECT name FROM music.performer"))
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "Sonny Rollins", rs.All()[0].String("name"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(opExecute, "success")))
}

func TestExecutor_ReprepareUnknownStatement(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	ps, err := h.exec.Prepare(ctx, "SELECT * FROM music.performer WHERE name = ?")
	require.NoError(t, err)
	require.Equal(t, int64(1), h.tc.Prepares())

	h.tc.Node(0).ForgetPrepared()
	bound, err := ps.Bind("Miles")
	require.NoError(t, err)
	rs, err := h.exec.Run(ctx, bound)
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Len())

	assert.Equal(t, int64(2), h.tc.Prepares())
	assert.Equal(t, 1, h.store.Len())
}

func TestExecutor_PrepareSyntaxError(t *testing.T) {
	h := newHarness(t, 1)

	_, err := h.exec.Prepare(context.Background(), "SELEC * FROM music.performer")
	require.Error(t, err)
	var prepErr *cql.PrepareError
	require.ErrorAs(t, err, &prepErr)
	assert.True(t, cql.IsSyntaxError(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(opPrepare, "query_error")))
}

func TestExecutor_CancellationAbortsRetries(t *testing.T) {
	h := newHarness(t, 2, func(cfg *Config) { cfg.RequestTimeout = 5 * time.Second })
	h.tc.Node(0).InjectFault(testcluster.FaultNoResponse, 0)
	h.tc.Node(1).InjectFault(testcluster.FaultNoResponse, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.exec.Run(ctx, cql.NewStatement("SELECT * FROM music.performer"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, h.inFlight())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.RequestsInFlight))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{context.Canceled, "canceled"},
		{&cql.HostUnavailableError{}, "host_unavailable"},
		{&cql.TimeoutError{Code: cql.CodeReadTimeout}, "timeout"},
		{&cql.PrepareError{Query: "x", Err: errors.New("boom")}, "prepare_error"},
		{&cql.QueryError{Code: cql.CodeInvalid}, "query_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcome(tt.err))
	}
}
