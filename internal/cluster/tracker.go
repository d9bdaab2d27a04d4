package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/conn"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/protocol"
)

const (
	defaultRefreshInterval = time.Minute
	defaultRequestTimeout  = 2 * time.Second
	defaultPort            = 9042

	localQuery   = "SELECT cluster_name, data_center, rack, host_id, release_version FROM system.local WHERE key='local'"
	peersV2Query = "SELECT peer, native_address, native_port, data_center, rack, host_id, release_version FROM system.peers_v2"
	peersQuery   = "SELECT peer, rpc_address, data_center, rack, host_id, release_version FROM system.peers"
)

var errTrackerStopped = errors.New("topology tracker stopped")

// DialFunc opens a connection to a node
type DialFunc func(ctx context.Context, addr string) (*conn.Conn, error)

// TrackerConfig contains configuration for the topology tracker
type TrackerConfig struct {
	Seeds SeedProvider
	Dial  DialFunc
	// Port is used for peers that do not advertise a native port
	Port int
	// LocalDC pins the local datacenter; when empty the first contacted node's datacenter is used
	LocalDC         string
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
	Logger          *zap.Logger
}

// Tracker maintains the driver's view of cluster membership and liveness
// through a control connection to one node.
type Tracker struct {
	cfg    TrackerConfig
	logger *zap.Logger

	snap atomic.Pointer[Topology]
	// mu serializes writers; readers only load snap
	mu sync.Mutex

	refreshMu sync.Mutex
	control   *conn.Conn
	peersV1   atomic.Bool

	listenerMu sync.RWMutex
	listeners  []Listener

	refreshReq chan struct{}
	stopChan   chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool
	wg         sync.WaitGroup
}

// NewTracker creates a new instance of Tracker
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Seeds == nil {
		cfg.Seeds = StaticSeeds(nil)
	}

	t := &Tracker{
		cfg:        cfg,
		logger:     cfg.Logger.Named("topology"),
		refreshReq: make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
	t.snap.Store(newTopology())
	return t
}

// Snapshot returns the current immutable topology
func (t *Tracker) Snapshot() *Topology { return t.snap.Load() }

// ControlAddr returns the node holding the control connection, or "" when there is none
func (t *Tracker) ControlAddr() string {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()
	if t.control == nil || t.control.IsClosed() {
		return ""
	}
	return t.control.Addr()
}

// Subscribe registers a listener for topology changes
func (t *Tracker) Subscribe(l Listener) {
	t.listenerMu.Lock()
	t.listeners = append(t.listeners, l)
	t.listenerMu.Unlock()
}

type change struct {
	event NodeEvent
	node  Node
}

func (t *Tracker) notify(changes []change) {
	if len(changes) == 0 {
		return
	}
	t.listenerMu.RLock()
	listeners := append([]Listener(nil), t.listeners...)
	t.listenerMu.RUnlock()

	for _, c := range changes {
		t.logger.Info("Node state changed",
			zap.String("node", c.node.Address),
			zap.String("event", c.event.String()),
			zap.String("dc", c.node.Datacenter))
		for _, l := range listeners {
			switch c.event {
			case EventAdded:
				l.NodeAdded(c.node)
			case EventRemoved:
				l.NodeRemoved(c.node)
			case EventUp:
				l.NodeUp(c.node)
			case EventDown:
				l.NodeDown(c.node)
			}
		}
	}
}

// Refresh re-reads membership through the control connection. When the
// control node is unreachable the next seed is tried, then the remaining
// known nodes; only when all of them fail is a HostUnavailableError returned.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	errs := make(map[string]error)
	for _, addr := range t.candidates(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := t.controlConn(ctx, addr)
		if err != nil {
			errs[addr] = err
			t.logger.Debug("Control connection attempt failed", zap.String("node", addr), zap.Error(err))
			continue
		}
		local, peers, err := t.queryTopology(ctx, c)
		if err != nil {
			errs[addr] = err
			t.dropControl(c)
			continue
		}
		t.apply(local, peers)
		return nil
	}
	return &cql.HostUnavailableError{Errors: errs}
}

// candidates orders the nodes to try: the current control node, the seeds,
// then every other known node with UP nodes first.
func (t *Tracker) candidates(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}

	if t.control != nil && !t.control.IsClosed() {
		add(t.control.Addr())
	}
	seeds, err := t.cfg.Seeds.Seeds(ctx)
	if err != nil {
		t.logger.Warn("Failed to load seeds", zap.Error(err))
	}
	for _, s := range seeds {
		add(s)
	}
	snap := t.Snapshot()
	for _, n := range snap.Up() {
		add(n.Address)
	}
	for _, n := range snap.Nodes() {
		add(n.Address)
	}
	return out
}

// controlConn returns the live control connection to addr, dialing and
// registering for events when needed. Callers hold refreshMu.
func (t *Tracker) controlConn(ctx context.Context, addr string) (*conn.Conn, error) {
	if t.control != nil && !t.control.IsClosed() && t.control.Addr() == addr {
		return t.control, nil
	}
	if t.cfg.Dial == nil {
		return nil, errors.New("no dialer configured")
	}

	c, err := t.cfg.Dial(ctx, addr)
	if err != nil {
		return nil, &cql.ConnectionError{Host: addr, Err: err}
	}
	regCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	if err := c.Register(regCtx, primitive.EventTypeStatusChange, primitive.EventTypeTopologyChange); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register for events: %w", err)
	}
	select {
	case <-t.stopChan:
		c.Close()
		return nil, errTrackerStopped
	default:
	}

	if t.control != nil {
		t.control.Close()
	}
	t.control = c
	t.logger.Info("Control connection established", zap.String("node", addr))

	t.wg.Add(1)
	go t.watchEvents(c)
	return c, nil
}

func (t *Tracker) dropControl(c *conn.Conn) {
	c.Close()
	if t.control == c {
		t.control = nil
	}
}

// watchEvents applies server push events until the control connection dies
func (t *Tracker) watchEvents(c *conn.Conn) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopChan:
			return
		case <-c.Done():
			t.logger.Warn("Control connection lost", zap.String("node", c.Addr()))
			t.RequestRefresh()
			return
		case ev := <-c.Events():
			t.handleEvent(ev)
		}
	}
}

func (t *Tracker) handleEvent(ev message.Message) {
	switch e := ev.(type) {
	case *message.StatusChangeEvent:
		addr := inetAddress(e.Address)
		switch e.ChangeType {
		case primitive.StatusChangeTypeUp:
			t.OnNodeEvent(addr, EventUp)
		case primitive.StatusChangeTypeDown:
			t.OnNodeEvent(addr, EventDown)
		}
	case *message.TopologyChangeEvent:
		addr := inetAddress(e.Address)
		switch e.ChangeType {
		case primitive.TopologyChangeTypeNewNode:
			t.OnNodeEvent(addr, EventAdded)
		case primitive.TopologyChangeTypeRemovedNode:
			t.OnNodeEvent(addr, EventRemoved)
		}
	}
}

func inetAddress(inet *primitive.Inet) string {
	if inet == nil {
		return ""
	}
	return net.JoinHostPort(inet.Addr.String(), strconv.Itoa(int(inet.Port)))
}

type systemInfo struct {
	clusterName string
	node        Node
}

func (t *Tracker) query(ctx context.Context, c *conn.Conn, q string) (*cql.ResultSet, error) {
	qctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.Exec(qctx, &message.Query{
		Query:   q,
		Options: &message.QueryOptions{Consistency: primitive.ConsistencyLevelOne},
	})
	if err != nil {
		return nil, &cql.ConnectionError{Host: c.Addr(), Err: err}
	}
	return protocol.DecodeResult(c.Addr(), resp, nil)
}

func (t *Tracker) queryTopology(ctx context.Context, c *conn.Conn) (systemInfo, []Node, error) {
	rs, err := t.query(ctx, c, localQuery)
	if err != nil {
		return systemInfo{}, nil, fmt.Errorf("failed to read system.local: %w", err)
	}
	if rs.Len() == 0 {
		return systemInfo{}, nil, errors.New("system.local returned no rows")
	}
	row := rs.Rows[0]
	local := systemInfo{
		clusterName: row.String("cluster_name"),
		node: Node{
			Address:        c.Addr(),
			Datacenter:     row.String("data_center"),
			Rack:           row.String("rack"),
			HostID:         hostID(row),
			ReleaseVersion: row.String("release_version"),
		},
	}

	peers, err := t.queryPeers(ctx, c)
	if err != nil {
		return systemInfo{}, nil, err
	}
	return local, peers, nil
}

// queryPeers reads system.peers_v2 and falls back to system.peers on servers
// that do not have it. The fallback is remembered for later refreshes.
func (t *Tracker) queryPeers(ctx context.Context, c *conn.Conn) ([]Node, error) {
	if !t.peersV1.Load() {
		rs, err := t.query(ctx, c, peersV2Query)
		if err == nil {
			return t.peerNodes(rs, "native_address", "native_port"), nil
		}
		var qerr *cql.QueryError
		if !errors.As(err, &qerr) || qerr.Code != cql.CodeInvalid {
			return nil, fmt.Errorf("failed to read system.peers_v2: %w", err)
		}
		t.logger.Info("system.peers_v2 unavailable, using system.peers", zap.String("node", c.Addr()))
		t.peersV1.Store(true)
	}

	rs, err := t.query(ctx, c, peersQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to read system.peers: %w", err)
	}
	return t.peerNodes(rs, "rpc_address", ""), nil
}

func (t *Tracker) peerNodes(rs *cql.ResultSet, addrCol, portCol string) []Node {
	nodes := make([]Node, 0, rs.Len())
	for _, row := range rs.Rows {
		ip := rowIP(row, addrCol)
		if ip == nil || ip.IsUnspecified() {
			ip = rowIP(row, "peer")
		}
		if ip == nil {
			continue
		}
		port := t.cfg.Port
		if portCol != "" {
			if p, ok := row.Int64(portCol); ok && p > 0 {
				port = int(p)
			}
		}
		nodes = append(nodes, Node{
			Address:        net.JoinHostPort(ip.String(), strconv.Itoa(port)),
			Datacenter:     row.String("data_center"),
			Rack:           row.String("rack"),
			HostID:         hostID(row),
			ReleaseVersion: row.String("release_version"),
		})
	}
	return nodes
}

func hostID(row cql.Row) string {
	cell, ok := row.Get("host_id")
	if !ok || cell.IsNull() {
		return ""
	}
	return cell.String()
}

func rowIP(row cql.Row, name string) net.IP {
	cell, ok := row.Get(name)
	if !ok {
		return nil
	}
	ip, _ := cell.IP()
	return ip
}

// apply merges a fresh read of the system tables into a new snapshot.
// Known nodes keep their liveness; the control node is UP by construction.
func (t *Tracker) apply(local systemInfo, peers []Node) {
	t.mu.Lock()
	cur := t.snap.Load()
	next := cur.clone()
	next.ClusterName = local.clusterName
	if next.LocalDC == "" {
		next.LocalDC = t.cfg.LocalDC
		if next.LocalDC == "" {
			next.LocalDC = local.node.Datacenter
		}
	}

	now := time.Now()
	fresh := make(map[string]Node, len(peers)+1)
	for _, n := range append([]Node{local.node}, peers...) {
		fresh[n.Address] = n
	}

	var changes []change
	for addr, old := range cur.nodes {
		if _, ok := fresh[addr]; !ok {
			delete(next.nodes, addr)
			changes = append(changes, change{EventRemoved, old})
		}
	}
	for addr, n := range fresh {
		old, known := cur.nodes[addr]
		switch {
		case !known:
			n.State = StateUp
			n.StateChanged = now
			changes = append(changes, change{EventAdded, n})
		case addr == local.node.Address && old.State != StateUp:
			n.State = StateUp
			n.StateChanged = now
			changes = append(changes, change{EventUp, n})
		default:
			n.State = old.State
			n.StateChanged = old.StateChanged
		}
		next.nodes[addr] = n
	}
	t.snap.Store(next)
	t.mu.Unlock()

	t.notify(changes)
}

// OnNodeEvent applies a liveness or membership change for addr. Unknown
// addresses reported UP or ADDED trigger a refresh instead.
func (t *Tracker) OnNodeEvent(addr string, ev NodeEvent) {
	t.mu.Lock()
	cur := t.snap.Load()
	n, known := cur.nodes[addr]

	if ev == EventAdded || (ev == EventUp && !known) {
		t.mu.Unlock()
		t.RequestRefresh()
		return
	}
	if !known ||
		(ev == EventUp && n.State == StateUp) ||
		(ev == EventDown && n.State == StateDown) {
		t.mu.Unlock()
		return
	}

	next := cur.clone()
	switch ev {
	case EventUp:
		n.State = StateUp
		n.StateChanged = time.Now()
		next.nodes[addr] = n
	case EventDown:
		n.State = StateDown
		n.StateChanged = time.Now()
		next.nodes[addr] = n
	case EventRemoved:
		delete(next.nodes, addr)
	}
	t.snap.Store(next)
	t.mu.Unlock()

	t.notify([]change{{ev, n}})
}

// MarkDown excludes addr from routing until it is re-validated
func (t *Tracker) MarkDown(addr string) { t.OnNodeEvent(addr, EventDown) }

// MarkUp makes addr eligible for routing again
func (t *Tracker) MarkUp(addr string) { t.OnNodeEvent(addr, EventUp) }

// RequestRefresh asks the background loop for a refresh without waiting
func (t *Tracker) RequestRefresh() {
	select {
	case t.refreshReq <- struct{}{}:
	default:
	}
}

// Start runs periodic refreshes and reconnects the control connection with
// exponential backoff when it is lost.
func (t *Tracker) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go t.loop()
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = t.cfg.RefreshInterval
	bo.MaxElapsedTime = 0

	var retry *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
		case <-t.refreshReq:
		case <-retryC:
			retryC = nil
		}
		select {
		case <-t.stopChan:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RefreshInterval)
		go func() {
			select {
			case <-t.stopChan:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := t.Refresh(ctx)
		cancel()

		if err == nil {
			bo.Reset()
			continue
		}
		wait := bo.NextBackOff()
		t.logger.Warn("Topology refresh failed", zap.Error(err), zap.Duration("retry_in", wait))
		if retry != nil {
			retry.Stop()
		}
		retry = time.NewTimer(wait)
		retryC = retry.C
	}
}

// Stop halts background work and closes the control connection
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	t.refreshMu.Lock()
	if t.control != nil {
		t.control.Close()
		t.control = nil
	}
	t.refreshMu.Unlock()
	t.wg.Wait()
}
