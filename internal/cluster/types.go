package cluster

import (
	"sort"
	"time"
)

// NodeState is the liveness of a node as seen by the driver
type NodeState int

const (
	// StateUnknown is the state of a node that was never contacted
	StateUnknown NodeState = iota
	// StateUp marks a node eligible for routing
	StateUp
	// StateDown marks a node excluded from routing until re-validated
	StateDown
)

func (s NodeState) String() string {
	switch s {
	case StateUp:
		return "UP"
	case StateDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state in JSON responses
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Node represents a Cassandra node known to the driver
type Node struct {
	// Address is the native transport endpoint (host:port)
	Address        string    `json:"address"`
	Datacenter     string    `json:"datacenter"`
	Rack           string    `json:"rack"`
	HostID         string    `json:"host_id"`
	ReleaseVersion string    `json:"release_version"`
	State          NodeState `json:"state"`
	StateChanged   time.Time `json:"state_changed"`
}

// IsUp reports whether the node may receive requests
func (n Node) IsUp() bool { return n.State == StateUp }

// NodeEvent is a liveness or membership change for one node
type NodeEvent int

const (
	EventUp NodeEvent = iota
	EventDown
	EventAdded
	EventRemoved
)

func (e NodeEvent) String() string {
	switch e {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventAdded:
		return "added"
	default:
		return "removed"
	}
}

// Listener is notified of topology changes. Callbacks run on the tracker's
// goroutine and must not block.
type Listener interface {
	NodeAdded(Node)
	NodeRemoved(Node)
	NodeUp(Node)
	NodeDown(Node)
}

// Topology is an immutable snapshot of the cluster. A new snapshot replaces
// the old one on every change, so readers never need a lock.
type Topology struct {
	ClusterName string
	LocalDC     string
	Version     uint64
	nodes       map[string]Node
}

func newTopology() *Topology {
	return &Topology{nodes: make(map[string]Node)}
}

// NewTopology builds a snapshot from a fixed node list
func NewTopology(clusterName, localDC string, nodes ...Node) *Topology {
	t := newTopology()
	t.ClusterName = clusterName
	t.LocalDC = localDC
	for _, n := range nodes {
		t.nodes[n.Address] = n
	}
	return t
}

func (t *Topology) clone() *Topology {
	next := &Topology{
		ClusterName: t.ClusterName,
		LocalDC:     t.LocalDC,
		Version:     t.Version + 1,
		nodes:       make(map[string]Node, len(t.nodes)),
	}
	for addr, n := range t.nodes {
		next.nodes[addr] = n
	}
	return next
}

// Node returns the node with the given address
func (t *Topology) Node(addr string) (Node, bool) {
	n, ok := t.nodes[addr]
	return n, ok
}

// Len returns the number of known nodes
func (t *Topology) Len() int { return len(t.nodes) }

// Nodes returns every known node ordered by address
func (t *Topology) Nodes() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Up returns the nodes currently eligible for routing, ordered by address
func (t *Topology) Up() []Node {
	all := t.Nodes()
	out := all[:0]
	for _, n := range all {
		if n.IsUp() {
			out = append(out, n)
		}
	}
	return out
}

// HostInfo is the public view of a node
type HostInfo struct {
	Address    string `json:"address"`
	Datacenter string `json:"datacenter"`
	Rack       string `json:"rack"`
	State      string `json:"state"`
}

// Metadata describes the cluster a session is connected to
type Metadata struct {
	ClusterName string     `json:"cluster_name"`
	LocalDC     string     `json:"local_dc"`
	Hosts       []HostInfo `json:"hosts"`
}

// Metadata returns the public view of the snapshot
func (t *Topology) Metadata() Metadata {
	md := Metadata{ClusterName: t.ClusterName, LocalDC: t.LocalDC}
	for _, n := range t.Nodes() {
		md.Hosts = append(md.Hosts, HostInfo{
			Address:    n.Address,
			Datacenter: n.Datacenter,
			Rack:       n.Rack,
			State:      n.State.String(),
		})
	}
	return md
}
