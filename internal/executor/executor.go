// Package executor sends statements to the cluster, routing each attempt
// through a load balancing plan and retrying failures the retry policy allows.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/cluster"
	"github.com/arohanajit/simplecql/internal/conn"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/metrics"
	"github.com/arohanajit/simplecql/internal/policy"
	"github.com/arohanajit/simplecql/internal/pool"
	"github.com/arohanajit/simplecql/internal/protocol"
	"github.com/arohanajit/simplecql/internal/utils"
)

const (
	defaultRequestTimeout        = 2 * time.Second
	defaultTimeoutsBeforeFailure = 3
)

// Operation labels used for request metrics
const (
	opQuery   = "query"
	opExecute = "execute"
	opPrepare = "prepare"
)

// Topology returns the current cluster snapshot
type Topology interface {
	Snapshot() *cluster.Topology
}

// Pool hands out connections with a reserved request slot
type Pool interface {
	Acquire(ctx context.Context, addr string) (*conn.Conn, error)
	Release(c *conn.Conn, err error)
}

// HealthReporter is told about transport failures and successes per node
type HealthReporter interface {
	ReportFailure(addr string)
	ReportSuccess(addr string)
}

// StatementStore receives statements that had to be prepared again
type StatementStore interface {
	Put(ps *cql.PreparedStatement)
}

// Config wires an Executor to the rest of the driver
type Config struct {
	Topology Topology
	Pool     Pool
	Routing  policy.RoutingPolicy
	Retry    policy.RetryPolicy
	Health   HealthReporter // optional
	// Statements is updated after a transparent re-prepare; optional
	Statements StatementStore

	Defaults       protocol.Defaults
	Keyspace       string
	RequestTimeout time.Duration
	// TimeoutsBeforeFailure consecutive client side timeouts on a node are
	// reported to Health as one transport failure
	TimeoutsBeforeFailure int

	Logger  *zap.Logger
	Metrics *metrics.DriverMetrics
}

// Executor runs statements with routing and retries
type Executor struct {
	topology   Topology
	pool       Pool
	routing    policy.RoutingPolicy
	retry      policy.RetryPolicy
	health     HealthReporter
	statements StatementStore

	defaults       protocol.Defaults
	keyspace       string
	requestTimeout time.Duration

	timeoutLimit int
	timeoutsMu   sync.Mutex
	timeouts     map[string]int

	logger  *zap.Logger
	metrics *metrics.DriverMetrics
}

// New creates a new instance of Executor
func New(cfg Config) (*Executor, error) {
	if cfg.Topology == nil || cfg.Pool == nil {
		return nil, errors.New("executor: topology and pool are required")
	}
	if cfg.Routing == nil {
		cfg.Routing = policy.NewDCAwareRoundRobin("")
	}
	if cfg.Retry == nil {
		cfg.Retry = policy.NewExponentialRetry(0, 0, 0)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.TimeoutsBeforeFailure <= 0 {
		cfg.TimeoutsBeforeFailure = defaultTimeoutsBeforeFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.GetMetrics()
	}

	return &Executor{
		topology:       cfg.Topology,
		pool:           cfg.Pool,
		routing:        cfg.Routing,
		retry:          cfg.Retry,
		health:         cfg.Health,
		statements:     cfg.Statements,
		defaults:       cfg.Defaults,
		keyspace:       cfg.Keyspace,
		requestTimeout: cfg.RequestTimeout,
		timeoutLimit:   cfg.TimeoutsBeforeFailure,
		timeouts:       make(map[string]int),
		logger:         cfg.Logger.Named("executor"),
		metrics:        cfg.Metrics,
	}, nil
}

// attemptFunc runs one attempt on a connection whose slot is already reserved
type attemptFunc func(ctx context.Context, c *conn.Conn) error

// Run executes a raw or bound statement and returns its result set
func (e *Executor) Run(ctx context.Context, stmt cql.Executable) (*cql.ResultSet, error) {
	op := opQuery
	var fallback []cql.ColumnInfo
	if bound, ok := stmt.(*cql.BoundStatement); ok {
		op = opExecute
		fallback = bound.Prepared.ResultColumns
	}

	req, err := protocol.RequestFor(stmt, e.defaults)
	if err != nil {
		e.metrics.RecordRequest(op, outcome(err), 0)
		return nil, err
	}

	var rs *cql.ResultSet
	err = e.do(ctx, op, stmt.CQL(), stmt.Params().Idempotent, func(ctx context.Context, c *conn.Conn) error {
		resp, err := c.Exec(ctx, req)
		if err != nil {
			return err
		}
		rs, err = protocol.DecodeResult(c.Addr(), resp, fallback)

		var unprepared *cql.UnpreparedError
		if bound, ok := stmt.(*cql.BoundStatement); ok && errors.As(err, &unprepared) {
			rs, err = e.reprepareAndRun(ctx, c, bound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// reprepareAndRun prepares the statement again on the node that forgot it
// and retries the execution once on the same connection.
func (e *Executor) reprepareAndRun(ctx context.Context, c *conn.Conn, bound *cql.BoundStatement) (*cql.ResultSet, error) {
	e.logger.Debug("Statement unknown to node, preparing again",
		zap.String("node", c.Addr()), zap.String("query", bound.Prepared.Query))

	ps, err := e.prepareOn(ctx, c, bound.Prepared.Query)
	if err != nil {
		return nil, err
	}
	if e.statements != nil {
		e.statements.Put(ps)
	}

	retry := *bound
	retry.Prepared = ps
	req, err := protocol.RequestFor(&retry, e.defaults)
	if err != nil {
		return nil, err
	}
	resp, err := c.Exec(ctx, req)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeResult(c.Addr(), resp, ps.ResultColumns)
}

// Prepare sends PREPARE for query to the first reachable node of the plan
func (e *Executor) Prepare(ctx context.Context, query string) (*cql.PreparedStatement, error) {
	var ps *cql.PreparedStatement
	err := e.do(ctx, opPrepare, query, true, func(ctx context.Context, c *conn.Conn) error {
		var err error
		ps, err = e.prepareOn(ctx, c, query)
		return err
	})
	if err != nil {
		var prepErr *cql.PrepareError
		if errors.As(err, &prepErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &cql.PrepareError{Query: query, Err: err}
	}
	return ps, nil
}

func (e *Executor) prepareOn(ctx context.Context, c *conn.Conn, query string) (*cql.PreparedStatement, error) {
	resp, err := c.Exec(ctx, &message.Prepare{Query: query})
	if err != nil {
		return nil, err
	}
	return protocol.DecodePrepared(c.Addr(), query, e.keyspace, resp)
}

// do drives the attempts of one request. The plan is computed once from the
// current snapshot; attempts walk it in order and wrap around when the retry
// budget exceeds the number of nodes.
func (e *Executor) do(ctx context.Context, op, query string, idempotent bool, fn attemptFunc) (err error) {
	start := time.Now()
	e.metrics.IncRequestsInFlight()
	defer func() {
		e.metrics.DecRequestsInFlight()
		e.metrics.RecordRequest(op, outcome(err), time.Since(start))
	}()

	requestID := utils.RequestID(ctx)
	logger := e.logger.With(zap.String("request_id", requestID), zap.String("operation", op))

	plan := e.routing.Plan(e.topology.Snapshot())
	if len(plan) == 0 {
		logger.Warn("No node is up", zap.String("query", query))
		return &cql.HostUnavailableError{}
	}

	bo := e.retry.NewBackOff()
	errs := make(map[string]error)
	for attempt := 1; ; attempt++ {
		node := plan[(attempt-1)%len(plan)]
		attemptErr := e.attempt(ctx, node.Address, fn)
		if attemptErr == nil {
			if attempt > 1 {
				logger.Debug("Request succeeded after retry", zap.String("node", node.Address), zap.Int("attempt", attempt))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(attemptErr, cql.ErrSessionClosed) {
			return attemptErr
		}
		errs[node.Address] = attemptErr

		retriable := policy.Retriable(attemptErr, idempotent)
		if e.retry.Decide(attemptErr, attempt, idempotent) == policy.Rethrow {
			if retriable {
				logger.Warn("Retry budget exhausted", zap.Int("attempts", attempt), zap.Error(attemptErr))
				return &cql.HostUnavailableError{Errors: errs}
			}
			return attemptErr
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return &cql.HostUnavailableError{Errors: errs}
		}
		e.metrics.RecordRetry(policy.Reason(attemptErr))
		logger.Debug("Retrying on next node",
			zap.String("node", node.Address),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(attemptErr))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// attempt runs fn once against addr. The connection slot is always released
// before attempt returns, so no slot is held across a backoff.
func (e *Executor) attempt(ctx context.Context, addr string, fn attemptFunc) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	c, err := e.pool.Acquire(attemptCtx, addr)
	if err != nil {
		// an evicted node's pool wraps ErrPoolEvicted in a ConnectionError instead
		if errors.Is(err, pool.ErrPoolClosed) {
			return cql.ErrSessionClosed
		}
		err = e.classify(ctx, addr, err)
		e.report(addr, err, false)
		return err
	}

	err = e.classify(ctx, addr, fn(attemptCtx, c))
	var connErr *cql.ConnectionError
	if errors.As(err, &connErr) {
		e.pool.Release(c, connErr)
	} else {
		e.pool.Release(c, nil)
	}
	e.report(addr, err, true)
	return err
}

// classify maps transport and deadline failures onto the driver error types
func (e *Executor) classify(ctx context.Context, addr string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &cql.TimeoutError{Host: addr, Message: fmt.Sprintf("no response within %s", e.requestTimeout)}
	case errors.Is(err, conn.ErrClosed):
		var connErr *cql.ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &cql.ConnectionError{Host: addr, Err: err}
	default:
		return err
	}
}

// report feeds the outcome of an attempt to the health reporter. sent is
// false when no connection could be acquired, so a saturated pool is not
// mistaken for a silent node.
func (e *Executor) report(addr string, err error, sent bool) {
	if e.health == nil {
		return
	}
	var (
		connErr *cql.ConnectionError
		timeout *cql.TimeoutError
	)
	switch {
	case err == nil:
		e.resetTimeouts(addr)
		e.health.ReportSuccess(addr)
	case errors.Is(err, pool.ErrPoolEvicted):
		// already known to be down or gone
	case errors.As(err, &connErr):
		e.resetTimeouts(addr)
		e.health.ReportFailure(addr)
	case sent && errors.As(err, &timeout) && timeout.Code == 0:
		if e.countTimeout(addr) {
			e.logger.Warn("Node stopped answering requests",
				zap.String("node", addr), zap.Int("timeouts", e.timeoutLimit))
			e.health.ReportFailure(addr)
		}
	}
}

// countTimeout records a client side timeout on addr and reports whether the
// limit was reached, in which case the count starts over.
func (e *Executor) countTimeout(addr string) bool {
	e.timeoutsMu.Lock()
	defer e.timeoutsMu.Unlock()
	e.timeouts[addr]++
	if e.timeouts[addr] < e.timeoutLimit {
		return false
	}
	delete(e.timeouts, addr)
	return true
}

func (e *Executor) resetTimeouts(addr string) {
	e.timeoutsMu.Lock()
	delete(e.timeouts, addr)
	e.timeoutsMu.Unlock()
}

func outcome(err error) string {
	var (
		unavailable *cql.HostUnavailableError
		timeout     *cql.TimeoutError
		prepErr     *cql.PrepareError
	)
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &unavailable):
		return "host_unavailable"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &prepErr):
		return "prepare_error"
	default:
		return "query_error"
	}
}
