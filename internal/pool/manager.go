package pool

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/cluster"
	"github.com/arohanajit/simplecql/internal/conn"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/metrics"
)

// Manager owns one HostPool per UP node. It listens to the topology tracker:
// pools are warmed when nodes come up and evicted when they go down.
type Manager struct {
	cfg     Config
	dial    DialFunc
	logger  *zap.Logger
	metrics *metrics.DriverMetrics

	mu     sync.RWMutex
	pools  map[string]*HostPool
	closed bool

	// background warms started from listener callbacks
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new instance of Manager
func NewManager(cfg Config, dial DialFunc, logger *zap.Logger, m *metrics.DriverMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.GetMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		logger:  logger.Named("pool"),
		metrics: m,
		pools:   make(map[string]*HostPool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Config returns the effective pool sizing
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) get(addr string) *HostPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[addr]
}

func (m *Manager) getOrCreate(addr string) (*HostPool, error) {
	if p := m.get(addr); p != nil {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	p, ok := m.pools[addr]
	if !ok {
		p = newHostPool(addr, m.cfg, m.dial, m.logger, m.metrics)
		m.pools[addr] = p
	}
	return p, nil
}

// Acquire returns a connection to addr with a reserved request slot.
// ErrPoolClosed means the manager is closed; a pool evicted while the
// caller waited yields a cql.ConnectionError wrapping ErrPoolEvicted.
func (m *Manager) Acquire(ctx context.Context, addr string) (*conn.Conn, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	p, err := m.getOrCreate(addr)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns c to its pool; see HostPool.Release for the meaning of err
func (m *Manager) Release(c *conn.Conn, err error) {
	if p := m.get(c.Addr()); p != nil {
		p.Release(c, err)
		return
	}
	// the pool was evicted while the request ran
	c.Release()
	c.Close()
}

// Warm opens the core connections of every address concurrently. It
// succeeds as soon as at least one pool is warm.
func (m *Manager) Warm(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return &cql.HostUnavailableError{}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	for _, addr := range addrs {
		p, err := m.getOrCreate(addr)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(p *HostPool) {
			defer wg.Done()
			if err := p.Warm(ctx); err != nil {
				mu.Lock()
				errs[p.Addr()] = err
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if len(errs) == len(addrs) {
		return &cql.HostUnavailableError{Errors: errs}
	}
	for addr, err := range errs {
		m.logger.Warn("Pool warm-up failed", zap.String("node", addr), zap.Error(err))
	}
	return nil
}

func (m *Manager) warmAsync(addr string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	p, ok := m.pools[addr]
	if !ok {
		p = newHostPool(addr, m.cfg, m.dial, m.logger, m.metrics)
		m.pools[addr] = p
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := p.Warm(m.ctx); err != nil {
			m.logger.Warn("Background pool warm-up failed", zap.String("node", addr), zap.Error(err))
		}
	}()
}

// Evict drains and closes every connection of addr. It returns how many were closed.
func (m *Manager) Evict(addr string) int {
	m.mu.Lock()
	p, ok := m.pools[addr]
	delete(m.pools, addr)
	m.mu.Unlock()

	if !ok {
		return 0
	}
	n, err := p.evict()
	if err != nil {
		m.logger.Warn("Errors closing evicted connections", zap.String("node", addr), zap.Error(err))
	}
	m.logger.Info("Evicted pool", zap.String("node", addr), zap.Int("closed_connections", n))
	return n
}

// OpenConnections returns the number of open connections across all pools
func (m *Manager) OpenConnections() int {
	m.mu.RLock()
	pools := make([]*HostPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	total := 0
	for _, p := range pools {
		total += p.OpenConnections()
	}
	return total
}

// Stats returns per-node pool statistics ordered by address
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	pools := make([]*HostPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Close evicts every pool and waits for background warm-ups to finish
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.pools = make(map[string]*HostPool)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	var err error
	for _, p := range pools {
		_, closeErr := p.Close()
		err = multierr.Append(err, closeErr)
	}
	m.logger.Info("Connection pools closed", zap.Int("pools", len(pools)))
	return err
}

func (m *Manager) NodeAdded(n cluster.Node) {
	if n.IsUp() {
		m.warmAsync(n.Address)
	}
}

func (m *Manager) NodeUp(n cluster.Node)      { m.warmAsync(n.Address) }
func (m *Manager) NodeDown(n cluster.Node)    { m.Evict(n.Address) }
func (m *Manager) NodeRemoved(n cluster.Node) { m.Evict(n.Address) }
