package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultFailureThreshold  = 1
)

// ProbeFunc checks that a node accepts connections and answers requests
type ProbeFunc func(ctx context.Context, addr string) error

// NodeHealth represents the current health status of a node
type NodeHealth struct {
	LastHeartbeat time.Time
	MissedBeats   int
	IsHealthy     bool
	Address       string
}

// FailureDetector counts request failures per node and marks a node DOWN in
// the tracker once the threshold is reached. DOWN nodes are probed every
// interval and marked UP again when a probe succeeds.
type FailureDetector struct {
	mu        sync.RWMutex
	nodes     map[string]*NodeHealth
	tracker   *Tracker
	probe     ProbeFunc
	interval  time.Duration
	threshold int
	logger    *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFailureDetector creates a new instance of FailureDetector and subscribes it to the tracker
func NewFailureDetector(tracker *Tracker, probe ProbeFunc, interval time.Duration, threshold int, logger *zap.Logger) *FailureDetector {
	if interval == 0 {
		interval = defaultHeartbeatInterval
	}
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fd := &FailureDetector{
		nodes:     make(map[string]*NodeHealth),
		tracker:   tracker,
		probe:     probe,
		interval:  interval,
		threshold: threshold,
		logger:    logger.Named("failure_detector"),
		stopChan:  make(chan struct{}),
	}
	for _, n := range tracker.Snapshot().Nodes() {
		fd.AddNode(n.Address, n.IsUp())
	}
	tracker.Subscribe(fd)
	return fd
}

// Start begins re-validating DOWN nodes in the background
func (fd *FailureDetector) Start(ctx context.Context) {
	fd.wg.Add(1)
	go func() {
		defer fd.wg.Done()
		ticker := time.NewTicker(fd.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-fd.stopChan:
				return
			case <-ticker.C:
				fd.CheckNow(ctx)
			}
		}
	}()
}

// Stop stops the heartbeat monitoring
func (fd *FailureDetector) Stop() {
	fd.stopOnce.Do(func() { close(fd.stopChan) })
	fd.wg.Wait()
}

// AddNode adds a node to be monitored
func (fd *FailureDetector) AddNode(address string, healthy bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.nodes[address] = &NodeHealth{
		LastHeartbeat: time.Now(),
		IsHealthy:     healthy,
		Address:       address,
	}
}

// RemoveNode removes a node from monitoring
func (fd *FailureDetector) RemoveNode(address string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	delete(fd.nodes, address)
}

// IsNodeHealthy checks if a node is considered healthy
func (fd *FailureDetector) IsNodeHealthy(address string) bool {
	fd.mu.RLock()
	node, exists := fd.nodes[address]
	isHealthy := exists && node.IsHealthy
	fd.mu.RUnlock()
	return isHealthy
}

// GetNodeHealth returns the health status of all nodes
func (fd *FailureDetector) GetNodeHealth() map[string]NodeHealth {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	health := make(map[string]NodeHealth)
	for addr, node := range fd.nodes {
		health[addr] = *node
	}
	return health
}

// ReportFailure records a connection-level failure against address and marks
// it DOWN once threshold consecutive failures are seen.
func (fd *FailureDetector) ReportFailure(address string) {
	fd.mu.Lock()
	node, exists := fd.nodes[address]
	if !exists {
		node = &NodeHealth{Address: address, IsHealthy: true}
		fd.nodes[address] = node
	}
	node.MissedBeats++
	markDown := node.IsHealthy && node.MissedBeats >= fd.threshold
	if markDown {
		node.IsHealthy = false
	}
	fd.mu.Unlock()

	if markDown {
		fd.logger.Warn("Marking node down", zap.String("node", address), zap.Int("failures", fd.threshold))
		fd.tracker.MarkDown(address)
	}
}

// ReportSuccess resets the failure count of address
func (fd *FailureDetector) ReportSuccess(address string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if node, exists := fd.nodes[address]; exists {
		node.MissedBeats = 0
		node.LastHeartbeat = time.Now()
	}
}

// CheckNow probes every unhealthy node once and marks the ones that answer UP
func (fd *FailureDetector) CheckNow(ctx context.Context) {
	// First, get a snapshot of nodes to check
	fd.mu.RLock()
	var toCheck []string
	for addr, node := range fd.nodes {
		if !node.IsHealthy {
			toCheck = append(toCheck, addr)
		}
	}
	fd.mu.RUnlock()

	// Probe without holding the lock
	var recovered []string
	for _, addr := range toCheck {
		if fd.checkNodeHealth(ctx, addr) {
			recovered = append(recovered, addr)
		}
	}

	fd.mu.Lock()
	for _, addr := range recovered {
		if node, exists := fd.nodes[addr]; exists {
			node.IsHealthy = true
			node.MissedBeats = 0
			node.LastHeartbeat = time.Now()
		}
	}
	fd.mu.Unlock()

	for _, addr := range recovered {
		fd.logger.Info("Node answered probe, marking up", zap.String("node", addr))
		fd.tracker.MarkUp(addr)
	}
}

// checkNodeHealth performs a health check on a single node
func (fd *FailureDetector) checkNodeHealth(ctx context.Context, address string) bool {
	if fd.probe == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, fd.interval)
	defer cancel()

	if err := fd.probe(ctx, address); err != nil {
		fd.logger.Debug("Probe failed", zap.String("node", address), zap.Error(err))
		return false
	}
	return true
}

func (fd *FailureDetector) NodeAdded(n Node)   { fd.AddNode(n.Address, n.IsUp()) }
func (fd *FailureDetector) NodeRemoved(n Node) { fd.RemoveNode(n.Address) }

func (fd *FailureDetector) NodeUp(n Node) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.nodes[n.Address] = &NodeHealth{
		LastHeartbeat: time.Now(),
		IsHealthy:     true,
		Address:       n.Address,
	}
}

func (fd *FailureDetector) NodeDown(n Node) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	node, exists := fd.nodes[n.Address]
	if !exists {
		node = &NodeHealth{Address: n.Address}
		fd.nodes[n.Address] = node
	}
	node.IsHealthy = false
}
