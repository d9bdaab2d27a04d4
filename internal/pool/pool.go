// Package pool keeps a bounded set of multiplexed connections per node and
// hands them out for request execution.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/conn"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/metrics"
)

const (
	defaultCoreConnections    = 1
	defaultMaxConnections     = 2
	defaultMaxRequestsPerConn = 128
	defaultAcquireTimeout     = 500 * time.Millisecond
)

var (
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrAcquireTimeout = errors.New("timed out waiting for a free connection")
	// ErrPoolEvicted is wrapped in a cql.ConnectionError when the node's pool
	// is drained because the node left the routing set; another node may serve the request
	ErrPoolEvicted = errors.New("node pool evicted")
)

// DialFunc opens a connection to a node. The pool expects the connection's
// in-flight bound to match Config.MaxRequestsPerConn.
type DialFunc func(ctx context.Context, addr string) (*conn.Conn, error)

// Config bounds the size of every per-node pool
type Config struct {
	CoreConnections    int
	MaxConnections     int
	MaxRequestsPerConn int
	AcquireTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.CoreConnections <= 0 {
		c.CoreConnections = defaultCoreConnections
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.CoreConnections > c.MaxConnections {
		c.CoreConnections = c.MaxConnections
	}
	if c.MaxRequestsPerConn <= 0 {
		c.MaxRequestsPerConn = defaultMaxRequestsPerConn
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	return c
}

// HostPool owns the connections of one node
type HostPool struct {
	addr    string
	cfg     Config
	dial    DialFunc
	logger  *zap.Logger
	metrics *metrics.DriverMetrics

	mu      sync.Mutex
	conns   []*conn.Conn
	dialing int
	closed  bool
	// closeReason is ErrPoolClosed or ErrPoolEvicted once closed
	closeReason error
	// notify is closed and replaced whenever capacity may have become available
	notify chan struct{}
}

func newHostPool(addr string, cfg Config, dial DialFunc, logger *zap.Logger, m *metrics.DriverMetrics) *HostPool {
	return &HostPool{
		addr:    addr,
		cfg:     cfg,
		dial:    dial,
		logger:  logger.With(zap.String("node", addr)),
		metrics: m,
		notify:  make(chan struct{}),
	}
}

// Addr returns the node address the pool serves
func (p *HostPool) Addr() string { return p.addr }

// broadcast wakes every waiter. Callers hold p.mu.
func (p *HostPool) broadcast() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// prune drops connections that died since the last call. Callers hold p.mu.
func (p *HostPool) prune() {
	live := p.conns[:0]
	for _, c := range p.conns {
		if !c.IsClosed() {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	if len(live) != len(p.conns) {
		p.logger.Debug("Pruned dead connections", zap.Int("removed", len(p.conns)-len(live)))
	}
	p.conns = live
	if !p.closed {
		p.metrics.SetPoolConnections(p.addr, len(p.conns))
	}
}

// reserve picks the least loaded connection with spare capacity. Callers hold p.mu.
func (p *HostPool) reserve() *conn.Conn {
	candidates := make([]*conn.Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.InFlight() < p.cfg.MaxRequestsPerConn {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].InFlight() < candidates[j].InFlight() })
	for _, c := range candidates {
		if c.TryReserve() {
			return c
		}
	}
	return nil
}

// Acquire returns a connection with a reserved request slot. When every
// connection is busy and the pool is at its maximum size the caller waits
// up to AcquireTimeout for a slot to free up.
func (p *HostPool) Acquire(ctx context.Context) (*conn.Conn, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, p.closedErr()
		}
		p.prune()
		if c := p.reserve(); c != nil {
			p.mu.Unlock()
			return c, nil
		}

		if len(p.conns)+p.dialing < p.cfg.MaxConnections {
			p.dialing++
			p.mu.Unlock()
			if _, err := p.grow(ctx); err != nil {
				return nil, err
			}
			continue
		}

		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			p.metrics.RecordAcquireTimeout(p.addr)
			return nil, &cql.TimeoutError{Host: p.addr, Message: ErrAcquireTimeout.Error()}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// grow dials one connection. The caller has already counted it in p.dialing.
func (p *HostPool) grow(ctx context.Context) (*conn.Conn, error) {
	c, err := p.dial(ctx, p.addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	p.broadcast()

	if err != nil {
		p.logger.Warn("Failed to open connection", zap.Error(err))
		return nil, &cql.ConnectionError{Host: p.addr, Err: err}
	}
	if p.closed {
		c.Close()
		return nil, p.closedErr()
	}
	p.conns = append(p.conns, c)
	p.metrics.SetPoolConnections(p.addr, len(p.conns))
	p.logger.Debug("Opened connection", zap.Int("open", len(p.conns)))
	return c, nil
}

// Release returns the request slot of c. A non-nil err that is not a
// cancellation means the connection is broken and it is discarded.
func (p *HostPool) Release(c *conn.Conn, err error) {
	c.Release()

	p.mu.Lock()
	defer p.mu.Unlock()
	if broken(err) || c.IsClosed() {
		p.remove(c)
	}
	p.broadcast()
}

func broken(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// remove closes and forgets c. Callers hold p.mu.
func (p *HostPool) remove(c *conn.Conn) {
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	c.Close()
	p.metrics.SetPoolConnections(p.addr, len(p.conns))
}

// Warm opens connections until CoreConnections are open. It fails only when
// the pool ends up with no connection at all.
func (p *HostPool) Warm(ctx context.Context) error {
	var lastErr error
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return p.closedErr()
		}
		p.prune()
		if len(p.conns)+p.dialing >= p.cfg.CoreConnections {
			p.mu.Unlock()
			return nil
		}
		p.dialing++
		p.mu.Unlock()

		if _, err := p.grow(ctx); err != nil {
			lastErr = err
			break
		}
	}

	if p.OpenConnections() > 0 {
		return nil
	}
	return lastErr
}

// OpenConnections returns the number of live connections
func (p *HostPool) OpenConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	return len(p.conns)
}

// Stats describes one node's pool
type Stats struct {
	Address  string `json:"address"`
	Open     int    `json:"open"`
	InFlight int    `json:"in_flight"`
	Dialing  int    `json:"dialing"`
}

// Stats returns a point-in-time view of the pool
func (p *HostPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()

	s := Stats{Address: p.addr, Open: len(p.conns), Dialing: p.dialing}
	for _, c := range p.conns {
		s.InFlight += c.InFlight()
	}
	return s
}

// closedErr is what callers of a closed pool get. Callers hold p.mu.
func (p *HostPool) closedErr() error {
	if errors.Is(p.closeReason, ErrPoolEvicted) {
		return &cql.ConnectionError{Host: p.addr, Err: ErrPoolEvicted}
	}
	return ErrPoolClosed
}

// Close drains the pool: waiters are woken and every connection is closed
func (p *HostPool) Close() (int, error) {
	return p.shutdown(ErrPoolClosed)
}

// evict drains the pool like Close, but waiters get a retriable ConnectionError
func (p *HostPool) evict() (int, error) {
	return p.shutdown(ErrPoolEvicted)
}

func (p *HostPool) shutdown(reason error) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, nil
	}
	p.closed = true
	p.closeReason = reason
	conns := p.conns
	p.conns = nil
	p.broadcast()
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	p.metrics.DeletePool(p.addr)
	p.logger.Debug("Pool closed", zap.Int("closed_connections", len(conns)))
	return len(conns), err
}
