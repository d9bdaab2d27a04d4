package cluster

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/simplecql/internal/conn"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/testcluster"
)

func testDialer(t *testing.T) DialFunc {
	logger := zaptest.NewLogger(t)
	return func(ctx context.Context, addr string) (*conn.Conn, error) {
		return conn.Dial(ctx, addr, conn.Options{ConnectTimeout: time.Second, Logger: logger})
	}
}

func newTestTracker(t *testing.T, seeds []string, mutate ...func(*TrackerConfig)) *Tracker {
	t.Helper()
	cfg := TrackerConfig{
		Seeds:           StaticSeeds(seeds),
		Dial:            testDialer(t),
		RequestTimeout:  time.Second,
		RefreshInterval: time.Hour,
		Logger:          zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	tr := NewTracker(cfg)
	t.Cleanup(tr.Stop)
	return tr
}

func deadAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) record(ev NodeEvent, n Node) {
	r.mu.Lock()
	r.events = append(r.events, ev.String()+" "+n.Address)
	r.mu.Unlock()
}

func (r *recordingListener) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingListener) NodeAdded(n Node)   { r.record(EventAdded, n) }
func (r *recordingListener) NodeRemoved(n Node) { r.record(EventRemoved, n) }
func (r *recordingListener) NodeUp(n Node)      { r.record(EventUp, n) }
func (r *recordingListener) NodeDown(n Node)    { r.record(EventDown, n) }

func TestTracker_RefreshDiscoversAllNodes(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 3, ClusterName: "musicdb-cluster"})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})

	require.NoError(t, tr.Refresh(context.Background()))

	snap := tr.Snapshot()
	assert.Equal(t, "musicdb-cluster", snap.ClusterName)
	assert.Equal(t, "dc1", snap.LocalDC)
	require.Equal(t, 3, snap.Len())
	for _, addr := range cluster.Addresses() {
		n, ok := snap.Node(addr)
		require.True(t, ok, "missing %s", addr)
		assert.Equal(t, StateUp, n.State)
		assert.Equal(t, "rack1", n.Rack)
		assert.NotEmpty(t, n.HostID)
	}
	assert.Equal(t, cluster.Node(0).Addr(), tr.ControlAddr())
}

func TestTracker_RefreshSkipsUnreachableSeed(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 2})
	tr := newTestTracker(t, []string{deadAddress(t), cluster.Node(1).Addr()})

	require.NoError(t, tr.Refresh(context.Background()))
	assert.Equal(t, 2, tr.Snapshot().Len())
	assert.Equal(t, cluster.Node(1).Addr(), tr.ControlAddr())
}

func TestTracker_RefreshFailsWhenAllSeedsUnreachable(t *testing.T) {
	tr := newTestTracker(t, []string{deadAddress(t), deadAddress(t)})

	start := time.Now()
	err := tr.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cql.ErrNoHostAvailable)
	assert.Less(t, time.Since(start), 5*time.Second)

	var hostErr *cql.HostUnavailableError
	require.ErrorAs(t, err, &hostErr)
	assert.Len(t, hostErr.Errors, 2)
}

func TestTracker_PeersFallback(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 2, DisablePeersV2: true})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()}, func(cfg *TrackerConfig) {
		cfg.Port = 19042
	})

	require.NoError(t, tr.Refresh(context.Background()))
	snap := tr.Snapshot()
	require.Equal(t, 2, snap.Len())

	// system.peers carries no native port, so the configured one is assumed
	_, ok := snap.Node("127.0.0.1:19042")
	assert.True(t, ok)

	// the fallback is remembered
	require.NoError(t, tr.Refresh(context.Background()))
	assert.True(t, tr.peersV1.Load())
}

func TestTracker_RefreshPreservesState(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 3})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})
	require.NoError(t, tr.Refresh(context.Background()))

	tr.MarkDown(cluster.Node(2).Addr())
	require.NoError(t, tr.Refresh(context.Background()))

	n, _ := tr.Snapshot().Node(cluster.Node(2).Addr())
	assert.Equal(t, StateDown, n.State)
}

func TestTracker_MarkDownAndUp(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 3})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})
	require.NoError(t, tr.Refresh(context.Background()))

	listener := &recordingListener{}
	tr.Subscribe(listener)

	before := tr.Snapshot()
	target := cluster.Node(1).Addr()

	tr.MarkDown(target)
	tr.MarkDown(target)

	after := tr.Snapshot()
	assert.Len(t, after.Up(), 2)
	n, _ := after.Node(target)
	assert.Equal(t, StateDown, n.State)
	assert.Greater(t, after.Version, before.Version)

	// snapshots are immutable
	old, _ := before.Node(target)
	assert.Equal(t, StateUp, old.State)

	tr.MarkUp(target)
	assert.Len(t, tr.Snapshot().Up(), 3)

	assert.Equal(t, []string{"down " + target, "up " + target}, listener.Events())
}

func TestTracker_UnknownNodeEventsAreIgnored(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 1})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})
	require.NoError(t, tr.Refresh(context.Background()))

	version := tr.Snapshot().Version
	tr.MarkDown("10.0.0.1:9042")
	tr.OnNodeEvent("10.0.0.1:9042", EventRemoved)
	assert.Equal(t, version, tr.Snapshot().Version)
}

func TestTracker_StatusChangeEvents(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 3})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})
	require.NoError(t, tr.Refresh(context.Background()))

	target := cluster.Node(2)
	cluster.Node(0).PushStatus(target, false)
	assert.Eventually(t, func() bool {
		n, _ := tr.Snapshot().Node(target.Addr())
		return n.State == StateDown
	}, 2*time.Second, 10*time.Millisecond)

	cluster.Node(0).PushStatus(target, true)
	assert.Eventually(t, func() bool {
		n, _ := tr.Snapshot().Node(target.Addr())
		return n.State == StateUp
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_RemovedNodeEvent(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 3})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})
	require.NoError(t, tr.Refresh(context.Background()))

	listener := &recordingListener{}
	tr.Subscribe(listener)

	removed := cluster.Node(2).Addr()
	cluster.Decommission(2)

	assert.Eventually(t, func() bool { return tr.Snapshot().Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	_, ok := tr.Snapshot().Node(removed)
	assert.False(t, ok)
	assert.Contains(t, listener.Events(), "removed "+removed)
}

func TestTracker_RefreshDetectsMembershipChanges(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 3})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})

	listener := &recordingListener{}
	tr.Subscribe(listener)
	require.NoError(t, tr.Refresh(context.Background()))
	assert.Len(t, listener.Events(), 3)

	cluster.Decommission(1)
	require.NoError(t, tr.Refresh(context.Background()))
	assert.Contains(t, listener.Events(), "removed "+cluster.Node(1).Addr())
}

func TestTracker_ReconnectsControlConnection(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 3})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})
	require.NoError(t, tr.Refresh(context.Background()))
	tr.Start()

	cluster.StopNode(0)

	assert.Eventually(t, func() bool {
		addr := tr.ControlAddr()
		return addr != "" && addr != cluster.Node(0).Addr()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTracker_StopIsIdempotent(t *testing.T) {
	cluster := testcluster.StartT(t, testcluster.Options{Nodes: 1})
	tr := newTestTracker(t, []string{cluster.Node(0).Addr()})
	require.NoError(t, tr.Refresh(context.Background()))
	tr.Start()

	tr.Stop()
	tr.Stop()
	assert.Equal(t, "", tr.ControlAddr())
	assert.Eventually(t, func() bool { return cluster.Node(0).OpenConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTopology_Metadata(t *testing.T) {
	topo := newTopology()
	topo.ClusterName = "musicdb-cluster"
	topo.LocalDC = "dc1"
	topo.nodes["10.0.0.2:9042"] = Node{Address: "10.0.0.2:9042", Datacenter: "dc2", State: StateDown}
	topo.nodes["10.0.0.1:9042"] = Node{Address: "10.0.0.1:9042", Datacenter: "dc1", State: StateUp}

	md := topo.Metadata()
	assert.Equal(t, "musicdb-cluster", md.ClusterName)
	require.Len(t, md.Hosts, 2)
	assert.Equal(t, "10.0.0.1:9042", md.Hosts[0].Address)
	assert.Equal(t, "UP", md.Hosts[0].State)
	assert.Equal(t, "DOWN", md.Hosts[1].State)

	up := topo.Up()
	require.Len(t, up, 1)
	assert.Equal(t, "dc1", up[0].Datacenter)
}
