package metrics

import (
	"sync"

	"github.com/arohanajit/simplecql/internal/cluster"
)

// TopologyCollector keeps the node gauges in step with topology changes.
// It is registered as a tracker listener.
type TopologyCollector struct {
	metrics    *DriverMetrics
	nodesMutex sync.Mutex
	nodeCount  int
	upCount    int
}

// NewTopologyCollector creates a collector seeded with the current snapshot
func NewTopologyCollector(m *DriverMetrics, snap *cluster.Topology) *TopologyCollector {
	c := &TopologyCollector{metrics: m}
	if snap != nil {
		c.nodeCount = snap.Len()
		c.upCount = len(snap.Up())
	}
	c.metrics.SetNodes(c.nodeCount, c.upCount)
	return c
}

// Counts returns the current total and up node counts
func (c *TopologyCollector) Counts() (total, up int) {
	c.nodesMutex.Lock()
	defer c.nodesMutex.Unlock()

	return c.nodeCount, c.upCount
}

func (c *TopologyCollector) update(deltaTotal, deltaUp int) {
	c.nodesMutex.Lock()
	defer c.nodesMutex.Unlock()

	c.nodeCount += deltaTotal
	c.upCount += deltaUp
	if c.nodeCount < 0 {
		c.nodeCount = 0
	}
	if c.upCount < 0 {
		c.upCount = 0
	}
	c.metrics.SetNodes(c.nodeCount, c.upCount)
}

// NodeAdded increments the node count
func (c *TopologyCollector) NodeAdded(n cluster.Node) {
	if n.IsUp() {
		c.update(1, 1)
		return
	}
	c.update(1, 0)
}

// NodeRemoved decrements the node count
func (c *TopologyCollector) NodeRemoved(n cluster.Node) {
	if n.IsUp() {
		c.update(-1, -1)
		return
	}
	c.update(-1, 0)
}

func (c *TopologyCollector) NodeUp(cluster.Node)   { c.update(0, 1) }
func (c *TopologyCollector) NodeDown(cluster.Node) { c.update(0, -1) }
