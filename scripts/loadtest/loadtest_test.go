package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohanajit/simplecql/internal/cql"
)

func TestStats_Percentiles(t *testing.T) {
	stats := NewStats()
	for i := 1; i <= 100; i++ {
		var err error
		if i%10 == 0 {
			err = &cql.TimeoutError{Host: "10.0.0.1:9042"}
		}
		stats.Record(i%2 == 0, time.Duration(i)*time.Millisecond, err)
	}
	stats.CalculateStats()

	assert.Equal(t, int64(100), stats.TotalRequests)
	assert.Equal(t, int64(50), stats.ReadRequests)
	assert.Equal(t, int64(10), stats.FailedRequests)
	assert.InDelta(t, 10.0, stats.ErrorRate, 0.001)
	assert.InDelta(t, 51.0, stats.P50Latency, 0.001)
	assert.InDelta(t, 91.0, stats.P90Latency, 0.001)
	assert.InDelta(t, 100.0, stats.P99Latency, 0.001)
	assert.Equal(t, int64(1000), stats.MinLatency)
	assert.Equal(t, map[string]int64{"ok": 90, "timeout": 10}, stats.Outcomes)
}

func TestStats_Empty(t *testing.T) {
	stats := NewStats()
	stats.CalculateStats()
	assert.Zero(t, stats.ErrorRate)
	assert.Zero(t, stats.MinLatency)
}

func TestStats_WriteToFile(t *testing.T) {
	stats := NewStats()
	stats.Record(true, 2*time.Millisecond, nil)
	stats.CalculateStats()

	path := filepath.Join(t.TempDir(), "results", "run.csv")
	require.NoError(t, stats.WriteToFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "total_requests,1\n")
	assert.Contains(t, string(data), "outcome_ok,1\n")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "no_host", outcome(&cql.HostUnavailableError{}))
	assert.Equal(t, "query_error", outcome(fmt.Errorf("insert: %w", &cql.QueryError{Code: cql.CodeInvalid})))
	assert.Equal(t, "other", outcome(errors.New("boom")))
}
