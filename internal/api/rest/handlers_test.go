package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/simplecql/internal/config"
	"github.com/arohanajit/simplecql/internal/pool"
	"github.com/arohanajit/simplecql/internal/session"
	"github.com/arohanajit/simplecql/internal/testcluster"
)

type adminFixture struct {
	cluster *testcluster.Cluster
	session *session.Session
	server  *httptest.Server
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	tc := testcluster.StartT(t, testcluster.Options{Nodes: 2, ClusterName: "musicdb-cluster"})
	tc.CreateTable("music", "performer", "name", "country", "style")

	cfg := config.DefaultConfig()
	cfg.Keyspace = "music"
	cfg.Seeds = []string{tc.Node(0).Addr()}
	cfg.ConnectTimeout = time.Second
	cfg.RequestTimeout = time.Second
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 10 * time.Millisecond
	cfg.TopologyRefreshInterval = time.Hour
	cfg.HeartbeatInterval = time.Hour

	logger := zaptest.NewLogger(t)
	s, err := session.Connect(context.Background(), cfg, session.WithLogger(logger))
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(NewAdminHandler(s, logger), 5*time.Second))
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return &adminFixture{cluster: tc, session: s, server: srv}
}

func (f *adminFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAdminHandler_Health(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	decode(t, resp, &health)
	assert.Equal(t, healthResponse{Status: "ok", NodesUp: 2, Nodes: 2}, health)

	require.NoError(t, f.session.Close())
	resp = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	decode(t, resp, &health)
	assert.Equal(t, "closed", health.Status)
}

func TestAdminHandler_Pools(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodGet, "/pools", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats []pool.Stats
	decode(t, resp, &stats)
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.GreaterOrEqual(t, s.Open, 1, s.Address)
		assert.Zero(t, s.InFlight)
	}
}

func TestAdminHandler_Query(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodPost, "/query", queryRequest{
		Query:  "INSERT INTO performer (name, country, style) VALUES (?, ?, ?)",
		Values: []interface{}{"Nina Simone", "USA", "Jazz"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/query", queryRequest{Query: "SELECT name, country FROM performer"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result queryResponse
	decode(t, resp, &result)
	assert.Contains(t, f.cluster.Addresses(), result.Coordinator)
	assert.Equal(t, []string{"name", "country"}, result.Columns)
	assert.Equal(t, [][]string{{"Nina Simone", "USA"}}, result.Rows)
	assert.False(t, result.HasMore)

	t.Run("syntax error", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/query", queryRequest{Query: "SELEC * FROM performer"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("empty body", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/query", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("oversized body", func(t *testing.T) {
		body := `{"query": "SELECT * FROM performer WHERE name = '` + strings.Repeat("x", maxPayloadSize) + `'"}`
		rr := httptest.NewRecorder()
		NewAdminHandler(f.session, nil).handleQuery(rr, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})
}

func TestAdminHandler_Statements(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	const (
		insert = "INSERT INTO performer (name, country, style) VALUES (?, ?, ?)"
		lookup = "SELECT * FROM performer WHERE name = ?"
	)
	_, err := f.session.Prepare(ctx, insert)
	require.NoError(t, err)
	_, err = f.session.Prepare(ctx, lookup)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/statements", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stmts statementsResponse
	decode(t, resp, &stmts)
	assert.Equal(t, 2, stmts.Size)
	assert.ElementsMatch(t, []string{insert, lookup}, stmts.Queries)

	resp = f.do(t, http.MethodDelete, "/statements?query="+url.QueryEscape(lookup), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, f.session.Statements().Len())

	resp = f.do(t, http.MethodDelete, "/statements?query="+url.QueryEscape(lookup), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/statements", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, f.session.Statements().Len())
}

func TestAdminHandler_MarkDownStopsRouting(t *testing.T) {
	f := newAdminFixture(t)
	down := f.cluster.Node(1)

	resp := f.do(t, http.MethodPost, "/cluster/nodes/"+down.Addr()+"/down", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	before := down.Served()
	for i := 0; i < 6; i++ {
		resp := f.do(t, http.MethodPost, "/query", queryRequest{Query: "SELECT * FROM performer"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, before, down.Served())

	resp = f.do(t, http.MethodGet, "/health", nil)
	var health healthResponse
	decode(t, resp, &health)
	assert.Equal(t, 1, health.NodesUp)
}

func TestAdminHandler_Metrics(t *testing.T) {
	f := newAdminFixture(t)

	f.do(t, http.MethodPost, "/query", queryRequest{Query: "SELECT * FROM performer"})
	f.do(t, http.MethodGet, "/cluster/nodes/"+f.cluster.Node(0).Addr(), nil)

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `cql_driver_requests_total{operation="query",outcome="success"} 1`)
	assert.Contains(t, text, "cql_driver_nodes_up 2")
	assert.Contains(t, text, `endpoint="/cluster/nodes/{address}"`)
}
