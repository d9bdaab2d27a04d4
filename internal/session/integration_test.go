//go:build integration
// +build integration

package session

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/simplecql/internal/config"
)

// liveConfig points at a real cluster listed in CQL_SEEDS
func liveConfig(t *testing.T) *config.ClientConfig {
	t.Helper()
	if os.Getenv("CQL_SEEDS") == "" {
		t.Skip("CQL_SEEDS not set")
	}
	cfg := config.LoadConfig()
	cfg.Keyspace = ""
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestIntegration_LiveCluster(t *testing.T) {
	cfg := liveConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := Connect(ctx, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer s.Close()

	md := s.Metadata()
	require.NotEmpty(t, md.Hosts)
	t.Logf("connected to %s with %d hosts", md.ClusterName, len(md.Hosts))

	keyspace := fmt.Sprintf("simplecql_it_%d", time.Now().UnixNano())
	_, err = s.Execute(ctx, fmt.Sprintf(
		"CREATE KEYSPACE %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}", keyspace))
	require.NoError(t, err)
	defer s.Execute(context.Background(), "DROP KEYSPACE "+keyspace)

	_, err = s.Execute(ctx, fmt.Sprintf(
		"CREATE TABLE %s.performer (name text PRIMARY KEY, country text, style text)", keyspace))
	require.NoError(t, err)

	insert := fmt.Sprintf("INSERT INTO %s.performer (name, country, style) VALUES (?, ?, ?)", keyspace)
	for i := 0; i < 12; i++ {
		_, err := s.ExecutePrepared(ctx, insert, fmt.Sprintf("performer-%02d", i), "USA", "Jazz")
		require.NoError(t, err)
	}

	rs, err := s.Execute(ctx, fmt.Sprintf("SELECT * FROM %s.performer LIMIT 10", keyspace))
	require.NoError(t, err)
	assert.Equal(t, 10, rs.Len())
	assert.Equal(t, 1, s.Statements().Len())

	_, err = s.Execute(ctx, "SELEC * FROM system.local")
	require.Error(t, err)
}
