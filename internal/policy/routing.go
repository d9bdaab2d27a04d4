// Package policy holds the routing and retry decisions of the executor.
package policy

import (
	"sync/atomic"

	"github.com/arohanajit/simplecql/internal/cluster"
)

// RoutingPolicy orders the nodes a request should be tried on
type RoutingPolicy interface {
	Plan(snap *cluster.Topology) []cluster.Node
}

// DCAwareRoundRobin rotates over the UP nodes of the local datacenter and
// falls back to UP nodes of remote datacenters after them.
type DCAwareRoundRobin struct {
	localDC     string
	localOnly   bool
	localCount  atomic.Uint64
	remoteCount atomic.Uint64
}

// NewDCAwareRoundRobin creates a policy for localDC. An empty localDC uses the
// datacenter the tracker inferred from its first contact.
func NewDCAwareRoundRobin(localDC string) *DCAwareRoundRobin {
	return &DCAwareRoundRobin{localDC: localDC}
}

// LocalOnly stops the policy from routing to remote datacenters
func (p *DCAwareRoundRobin) LocalOnly() *DCAwareRoundRobin {
	p.localOnly = true
	return p
}

// LocalDC returns the datacenter treated as local for snap
func (p *DCAwareRoundRobin) LocalDC(snap *cluster.Topology) string {
	if p.localDC != "" {
		return p.localDC
	}
	return snap.LocalDC
}

// Plan returns a fresh query plan: local UP nodes starting at the next
// round-robin position, then remote UP nodes. DOWN nodes never appear.
func (p *DCAwareRoundRobin) Plan(snap *cluster.Topology) []cluster.Node {
	dc := p.LocalDC(snap)

	var local, remote []cluster.Node
	for _, n := range snap.Up() {
		if dc == "" || n.Datacenter == dc {
			local = append(local, n)
		} else {
			remote = append(remote, n)
		}
	}

	plan := make([]cluster.Node, 0, len(local)+len(remote))
	plan = appendRotated(plan, local, p.localCount.Add(1)-1)
	if !p.localOnly {
		plan = appendRotated(plan, remote, p.remoteCount.Add(1)-1)
	}
	return plan
}

func appendRotated(dst, nodes []cluster.Node, offset uint64) []cluster.Node {
	if len(nodes) == 0 {
		return dst
	}
	start := int(offset % uint64(len(nodes)))
	dst = append(dst, nodes[start:]...)
	return append(dst, nodes[:start]...)
}
