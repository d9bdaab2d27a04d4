package session

import (
	"context"
	"errors"
	"sync"

	"github.com/arohanajit/simplecql/internal/cluster"
	"github.com/arohanajit/simplecql/internal/config"
	"github.com/arohanajit/simplecql/internal/cql"
)

var ErrNotConnected = errors.New("client is not connected")

// SimpleClient is a thin connect/query/close wrapper around a Session
type SimpleClient struct {
	cfg  *config.ClientConfig
	opts []Option

	mu      sync.Mutex
	session *Session
}

// NewSimpleClient creates a client that connects with cfg. A nil cfg is read from the environment.
func NewSimpleClient(cfg *config.ClientConfig, opts ...Option) *SimpleClient {
	if cfg == nil {
		cfg = config.LoadConfig()
	}
	return &SimpleClient{cfg: cfg, opts: opts}
}

// Connect opens a session bound to keyspace. When hosts are given they
// replace the configured seeds.
func (c *SimpleClient) Connect(ctx context.Context, keyspace string, hosts ...string) (cluster.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.Metadata(), nil
	}

	cfg := *c.cfg
	cfg.Keyspace = keyspace
	if len(hosts) > 0 {
		cfg.Seeds = hosts
	}

	s, err := Connect(ctx, &cfg, c.opts...)
	if err != nil {
		return cluster.Metadata{}, err
	}
	c.session = s
	return s.Metadata(), nil
}

// ExecuteQuery runs a raw CQL string
func (c *SimpleClient) ExecuteQuery(ctx context.Context, query string, values ...interface{}) (*cql.ResultSet, error) {
	s := c.Session()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.Execute(ctx, query, values...)
}

// Session returns the underlying session, or nil before Connect
func (c *SimpleClient) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close closes the session; the client may connect again afterwards
func (c *SimpleClient) Close() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}
