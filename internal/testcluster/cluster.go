// Package testcluster runs in-process nodes that speak the native protocol
// well enough to exercise the driver: handshake, topology tables, events,
// prepared statements and a tiny text-only table store.
package testcluster

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options configure a fake cluster
type Options struct {
	Nodes       int
	ClusterName string
	// Datacenters assigns a datacenter per node index; missing entries default to dc1
	Datacenters []string
	// DisablePeersV2 makes system.peers_v2 unknown, as on Cassandra 3.x
	DisablePeersV2 bool
	// Username and Password enable PasswordAuthenticator when set
	Username string
	Password string
	Logger   *zap.Logger
}

// Cluster is a set of fake nodes sharing one store
type Cluster struct {
	opts  Options
	store *store
	nodes []*Node

	prepMu   sync.Mutex
	prepared map[string]preparedEntry

	prepares atomic.Int64
}

type preparedEntry struct {
	query    string
	keyspace string
	stmt     *statement
}

// Start launches opts.Nodes nodes on loopback ports
func Start(opts Options) (*Cluster, error) {
	if opts.Nodes <= 0 {
		opts.Nodes = 1
	}
	if opts.ClusterName == "" {
		opts.ClusterName = "Test Cluster"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cluster{
		opts:     opts,
		store:    newStore(),
		prepared: make(map[string]preparedEntry),
	}
	for i := 0; i < opts.Nodes; i++ {
		dc := "dc1"
		if i < len(opts.Datacenters) && opts.Datacenters[i] != "" {
			dc = opts.Datacenters[i]
		}
		n := &Node{
			cluster: c,
			dc:      dc,
			rack:    "rack1",
			hostID:  uuid.New(),
			conns:   make(map[*serverConn]struct{}),
			known:   make(map[string]bool),
			logger:  opts.Logger.With(zap.Int("fake_node", i)),
		}
		if err := n.listen("127.0.0.1:0"); err != nil {
			c.Close()
			return nil, err
		}
		c.nodes = append(c.nodes, n)
	}
	return c, nil
}

// StartT starts a cluster that is closed when the test ends
func StartT(t testing.TB, opts Options) *Cluster {
	t.Helper()
	c, err := Start(opts)
	if err != nil {
		t.Fatalf("failed to start fake cluster: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Node returns the i-th node
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Nodes returns every node, including stopped ones
func (c *Cluster) Nodes() []*Node { return c.nodes }

// Addresses returns the host:port of every node
func (c *Cluster) Addresses() []string {
	out := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.Addr()
	}
	return out
}

// CreateTable defines a text-only table, creating the keyspace when needed
func (c *Cluster) CreateTable(keyspace, table string, columns ...string) {
	c.store.createTable(keyspace, table, columns)
}

// Prepares returns how many PREPARE requests the cluster received
func (c *Cluster) Prepares() int64 { return c.prepares.Load() }

// StopNode stops node i and announces it DOWN from the remaining nodes
func (c *Cluster) StopNode(i int) {
	n := c.nodes[i]
	n.Stop()
	for _, other := range c.nodes {
		if other != n {
			other.PushStatus(n, false)
		}
	}
}

// RestartNode restarts node i on its old address and announces it UP
func (c *Cluster) RestartNode(i int) error {
	n := c.nodes[i]
	if err := n.Restart(); err != nil {
		return err
	}
	for _, other := range c.nodes {
		if other != n {
			other.PushStatus(n, true)
		}
	}
	return nil
}

// Close stops every node
func (c *Cluster) Close() error {
	var err error
	for _, n := range c.nodes {
		err = multierr.Append(err, n.Stop())
	}
	return err
}

func (c *Cluster) registerPrepared(id []byte, entry preparedEntry) {
	c.prepMu.Lock()
	c.prepared[string(id)] = entry
	c.prepMu.Unlock()
}

func (c *Cluster) lookupPrepared(id []byte) (preparedEntry, bool) {
	c.prepMu.Lock()
	defer c.prepMu.Unlock()
	e, ok := c.prepared[string(id)]
	return e, ok
}

// FaultKind selects how a node misbehaves for user requests
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultOverloaded
	FaultReadTimeout
	FaultWriteTimeout
	FaultUnavailable
	FaultServerError
	// FaultNoResponse swallows the request so the client times out
	FaultNoResponse
	// FaultCloseConnection drops the connection on the next request
	FaultCloseConnection
)

type fault struct {
	kind      FaultKind
	remaining int // <= 0 means until cleared
}

// Node is one fake Cassandra node
type Node struct {
	cluster *Cluster
	dc      string
	rack    string
	hostID  uuid.UUID
	logger  *zap.Logger

	mu       sync.Mutex
	addr     string
	listener net.Listener
	conns    map[*serverConn]struct{}
	stopped  bool
	known    map[string]bool // prepared ids this node has seen
	fault    *fault
	wg       sync.WaitGroup

	served  atomic.Int64
	removed atomic.Bool
}

func (n *Node) listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	n.mu.Lock()
	n.listener = l
	n.addr = l.Addr().String()
	n.stopped = false
	n.mu.Unlock()

	n.wg.Add(1)
	go n.acceptLoop(l)
	return nil
}

func (n *Node) acceptLoop(l net.Listener) {
	defer n.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		sc := newServerConn(n, nc)
		n.mu.Lock()
		if n.stopped {
			n.mu.Unlock()
			nc.Close()
			continue
		}
		n.conns[sc] = struct{}{}
		n.mu.Unlock()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			sc.serve()
			n.mu.Lock()
			delete(n.conns, sc)
			n.mu.Unlock()
		}()
	}
}

// Addr returns host:port of the node
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// HostID returns the node's host id
func (n *Node) HostID() uuid.UUID { return n.hostID }

// Datacenter returns the node's datacenter
func (n *Node) Datacenter() string { return n.dc }

// Served returns how many user QUERY/EXECUTE requests the node answered
func (n *Node) Served() int64 { return n.served.Load() }

// OpenConnections returns the number of client connections currently open
func (n *Node) OpenConnections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Stop closes the listener and every client connection
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	err := n.listener.Close()
	for sc := range n.conns {
		sc.close()
	}
	n.mu.Unlock()

	n.wg.Wait()
	return err
}

// Restart listens again on the node's previous address. Prepared statements
// are forgotten, as after a real restart.
func (n *Node) Restart() error {
	n.mu.Lock()
	addr := n.addr
	n.known = make(map[string]bool)
	n.mu.Unlock()
	return n.listen(addr)
}

// ForgetPrepared drops every prepared id so the next EXECUTE gets UNPREPARED
func (n *Node) ForgetPrepared() {
	n.mu.Lock()
	n.known = make(map[string]bool)
	n.mu.Unlock()
}

// InjectFault makes the next count user requests fail with kind; count <= 0 means until cleared
func (n *Node) InjectFault(kind FaultKind, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if kind == FaultNone {
		n.fault = nil
		return
	}
	n.fault = &fault{kind: kind, remaining: count}
}

func (n *Node) takeFault() FaultKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fault == nil {
		return FaultNone
	}
	kind := n.fault.kind
	if n.fault.remaining > 0 {
		n.fault.remaining--
		if n.fault.remaining == 0 {
			n.fault = nil
		}
	}
	return kind
}

func (n *Node) knows(id []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.known[string(id)]
}

func (n *Node) learn(id []byte) {
	n.mu.Lock()
	n.known[string(id)] = true
	n.mu.Unlock()
}

func (n *Node) inet() *primitive.Inet {
	host, portStr, _ := net.SplitHostPort(n.Addr())
	port, _ := strconv.Atoi(portStr)
	return &primitive.Inet{Addr: net.ParseIP(host), Port: int32(port)}
}

// PushStatus sends a STATUS_CHANGE event about target to every registered connection
func (n *Node) PushStatus(target *Node, up bool) {
	change := primitive.StatusChangeTypeDown
	if up {
		change = primitive.StatusChangeTypeUp
	}
	n.broadcast(primitive.EventTypeStatusChange, &message.StatusChangeEvent{ChangeType: change, Address: target.inet()})
}

// PushTopology sends a TOPOLOGY_CHANGE event about target to every registered connection
func (n *Node) PushTopology(target *Node, added bool) {
	change := primitive.TopologyChangeTypeRemovedNode
	if added {
		change = primitive.TopologyChangeTypeNewNode
	}
	n.broadcast(primitive.EventTypeTopologyChange, &message.TopologyChangeEvent{ChangeType: change, Address: target.inet()})
}

func (n *Node) broadcast(eventType primitive.EventType, msg message.Message) {
	n.mu.Lock()
	conns := make([]*serverConn, 0, len(n.conns))
	for sc := range n.conns {
		conns = append(conns, sc)
	}
	n.mu.Unlock()

	for _, sc := range conns {
		if sc.registeredFor(eventType) {
			sc.send(-1, msg)
		}
	}
}
