// Package session is the client-facing entry point of the driver. A Session
// owns its topology tracker, failure detector, connection pools, statement
// cache and executor; nothing is shared between sessions.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/cluster"
	"github.com/arohanajit/simplecql/internal/config"
	"github.com/arohanajit/simplecql/internal/conn"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/executor"
	"github.com/arohanajit/simplecql/internal/metrics"
	"github.com/arohanajit/simplecql/internal/policy"
	"github.com/arohanajit/simplecql/internal/pool"
	"github.com/arohanajit/simplecql/internal/protocol"
	"github.com/arohanajit/simplecql/internal/stmtcache"
)

type options struct {
	logger  *zap.Logger
	metrics *metrics.DriverMetrics
	seeds   cluster.SeedProvider
	routing policy.RoutingPolicy
}

// Option customizes a Session
type Option func(*options)

// WithLogger sets the logger every component of the session writes to
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records into m instead of a registry private to the session
func WithMetrics(m *metrics.DriverMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSeedProvider replaces the seeds derived from the configuration
func WithSeedProvider(p cluster.SeedProvider) Option {
	return func(o *options) { o.seeds = p }
}

// WithRoutingPolicy replaces the default datacenter-aware round robin
func WithRoutingPolicy(p policy.RoutingPolicy) Option {
	return func(o *options) { o.routing = p }
}

// Session executes statements against one cluster
type Session struct {
	cfg     config.ClientConfig
	logger  *zap.Logger
	metrics *metrics.DriverMetrics

	etcd       *cluster.EtcdSeedProvider
	tracker    *cluster.Tracker
	detector   *cluster.FailureDetector
	pools      *pool.Manager
	statements *stmtcache.Cache
	exec       *executor.Executor
	collector  *metrics.TopologyCollector

	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Connect discovers the cluster through the configured seeds and returns once
// at least one node's connection pool is warm.
func Connect(ctx context.Context, cfg *config.ClientConfig, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = config.GetLogger()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewDriverMetrics(nil)
	}
	if o.routing == nil {
		o.routing = policy.NewDCAwareRoundRobin(c.LocalDC)
	}

	compressor, err := protocol.NewCompressor(c.Compression)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     c,
		logger:  o.logger.Named("session"),
		metrics: o.metrics,
	}

	seeds := o.seeds
	if seeds == nil {
		if seeds, err = s.seedProvider(); err != nil {
			return nil, err
		}
	}

	connOpts := conn.Options{
		Compressor:     compressor,
		Username:       c.Username,
		Password:       c.Password,
		ConnectTimeout: c.ConnectTimeout,
		Logger:         o.logger,
	}
	controlDial := func(ctx context.Context, addr string) (*conn.Conn, error) {
		return conn.Dial(ctx, addr, connOpts)
	}
	poolOpts := connOpts
	poolOpts.Keyspace = c.Keyspace
	poolOpts.MaxInFlight = c.PoolMaxRequestsPerConn
	poolDial := func(ctx context.Context, addr string) (*conn.Conn, error) {
		return conn.Dial(ctx, addr, poolOpts)
	}

	s.tracker = cluster.NewTracker(cluster.TrackerConfig{
		Seeds:           seeds,
		Dial:            controlDial,
		Port:            c.Port,
		LocalDC:         c.LocalDC,
		RefreshInterval: c.TopologyRefreshInterval,
		RequestTimeout:  c.RequestTimeout,
		Logger:          o.logger,
	})
	if err := s.tracker.Refresh(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.pools = pool.NewManager(pool.Config{
		CoreConnections:    c.PoolCoreConnections,
		MaxConnections:     c.PoolMaxConnections,
		MaxRequestsPerConn: c.PoolMaxRequestsPerConn,
		AcquireTimeout:     c.PoolAcquireTimeout,
	}, poolDial, o.logger, o.metrics)
	s.tracker.Subscribe(s.pools)

	s.collector = metrics.NewTopologyCollector(o.metrics, s.tracker.Snapshot())
	s.tracker.Subscribe(s.collector)

	probe := func(ctx context.Context, addr string) error {
		pc, err := controlDial(ctx, addr)
		if err != nil {
			return err
		}
		defer pc.Close()
		return pc.Ping(ctx)
	}
	s.detector = cluster.NewFailureDetector(s.tracker, probe, c.HeartbeatInterval, c.FailureThreshold, o.logger)

	var warm []string
	for _, n := range o.routing.Plan(s.tracker.Snapshot()) {
		warm = append(warm, n.Address)
	}
	if err := s.pools.Warm(ctx, warm); err != nil {
		s.Close()
		return nil, err
	}

	// the cache prepares through the executor, which is built right after it
	s.statements, err = stmtcache.New(c.StatementCacheSize, stmtcache.PreparerFunc(func(ctx context.Context, query string) (*cql.PreparedStatement, error) {
		return s.exec.Prepare(ctx, query)
	}), o.logger, o.metrics)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.exec, err = executor.New(executor.Config{
		Topology:   s.tracker,
		Pool:       s.pools,
		Routing:    o.routing,
		Retry:      policy.NewExponentialRetry(c.RetryMaxAttempts, c.RetryInitialBackoff, c.RetryMaxBackoff),
		Health:     s.detector,
		Statements: s.statements,
		Defaults: protocol.Defaults{
			Consistency: c.Consistency,
			PageSize:    c.PageSize,
		},
		Keyspace:              c.Keyspace,
		RequestTimeout:        c.RequestTimeout,
		TimeoutsBeforeFailure: c.TimeoutsBeforeFailure,
		Logger:                o.logger,
		Metrics:               o.metrics,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.tracker.Start()
	s.detector.Start(bgCtx)

	snap := s.tracker.Snapshot()
	s.logger.Info("Session connected",
		zap.String("cluster", snap.ClusterName),
		zap.String("local_dc", snap.LocalDC),
		zap.Int("nodes", snap.Len()),
		zap.Int("open_connections", s.pools.OpenConnections()))
	return s, nil
}

func (s *Session) seedProvider() (cluster.SeedProvider, error) {
	static := cluster.StaticSeeds(s.cfg.SeedAddresses())
	if len(s.cfg.EtcdEndpoints) == 0 {
		return static, nil
	}

	etcd, err := cluster.NewEtcdSeedProvider(cluster.EtcdConfig{
		Endpoints:   s.cfg.EtcdEndpoints,
		Prefix:      s.cfg.EtcdSeedPrefix,
		DialTimeout: s.cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.etcd = etcd
	return cluster.FallbackSeeds{etcd, static}, nil
}

// Execute runs a raw CQL string with optional positional values
func (s *Session) Execute(ctx context.Context, query string, values ...interface{}) (*cql.ResultSet, error) {
	return s.ExecuteStatement(ctx, cql.NewStatement(query, values...))
}

// ExecuteStatement runs a raw or bound statement
func (s *Session) ExecuteStatement(ctx context.Context, stmt cql.Executable) (*cql.ResultSet, error) {
	if s.closed.Load() {
		return nil, cql.ErrSessionClosed
	}
	return s.exec.Run(ctx, stmt)
}

// Prepare returns the prepared statement for query, preparing it on first use
func (s *Session) Prepare(ctx context.Context, query string) (*cql.PreparedStatement, error) {
	if s.closed.Load() {
		return nil, cql.ErrSessionClosed
	}
	return s.statements.GetOrPrepare(ctx, query)
}

// ExecutePrepared prepares query if needed, binds values and runs it
func (s *Session) ExecutePrepared(ctx context.Context, query string, values ...interface{}) (*cql.ResultSet, error) {
	ps, err := s.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	bound, err := ps.Bind(values...)
	if err != nil {
		return nil, err
	}
	return s.ExecuteStatement(ctx, bound)
}

// Metadata describes the cluster as currently known
func (s *Session) Metadata() cluster.Metadata {
	return s.tracker.Snapshot().Metadata()
}

// Pools returns per-node connection pool statistics
func (s *Session) Pools() []pool.Stats {
	if s.pools == nil {
		return nil
	}
	return s.pools.Stats()
}

// OpenConnections returns the number of pooled connections across all nodes
func (s *Session) OpenConnections() int {
	if s.pools == nil {
		return 0
	}
	return s.pools.OpenConnections()
}

// Tracker returns the session's topology tracker
func (s *Session) Tracker() *cluster.Tracker { return s.tracker }

// Statements returns the prepared statement cache
func (s *Session) Statements() *stmtcache.Cache { return s.statements }

func (s *Session) Metrics() *metrics.DriverMetrics { return s.metrics }

func (s *Session) FailureDetector() *cluster.FailureDetector { return s.detector }

// Keyspace returns the keyspace every pooled connection is bound to
func (s *Session) Keyspace() string { return s.cfg.Keyspace }

// Closed reports whether Close was called
func (s *Session) Closed() bool { return s.closed.Load() }

// Close stops background refresh and failure detection and drains every pool
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}

		var err error
		if s.detector != nil {
			s.detector.Stop()
		}
		if s.tracker != nil {
			s.tracker.Stop()
		}
		if s.pools != nil {
			err = multierr.Append(err, s.pools.Close())
		}
		if s.etcd != nil {
			err = multierr.Append(err, s.etcd.Close())
		}
		s.closeErr = err
		s.logger.Info("Session closed", zap.Error(err))
	})
	return s.closeErr
}
