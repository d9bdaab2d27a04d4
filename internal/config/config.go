package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/spf13/viper"

	"github.com/arohanajit/simplecql/internal/conn"
)

// EnvPrefix is prepended to every configuration key when read from the environment
const EnvPrefix = "CQL"

var (
	ErrNoSeeds            = errors.New("at least one seed host is required")
	ErrInvalidCompression = errors.New("compression must be one of none, lz4, snappy")
)

// ClientConfig holds all configuration settings for a driver session
type ClientConfig struct {
	// Connection settings
	Keyspace    string            `json:"keyspace"`
	Seeds       []string          `json:"seeds"`
	Port        int               `json:"port"`
	LocalDC     string            `json:"local_dc"` // Empty means the datacenter of the first contacted node
	Compression string            `json:"compression"`
	Username    string            `json:"username"`
	Password    string            `json:"-"`
	Consistency gocql.Consistency `json:"consistency"`
	PageSize    int               `json:"page_size"`

	ConnectTimeout time.Duration `json:"connect_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`
	// Consecutive request timeouts on a node that count as one failed ping
	TimeoutsBeforeFailure int `json:"timeouts_before_failure"`

	// Pool settings
	PoolCoreConnections    int           `json:"pool_core_connections"`
	PoolMaxConnections     int           `json:"pool_max_connections"`
	PoolMaxRequestsPerConn int           `json:"pool_max_requests_per_connection"`
	PoolAcquireTimeout     time.Duration `json:"pool_acquire_timeout"`

	// Retry settings
	RetryMaxAttempts    int           `json:"retry_max_attempts"`
	RetryInitialBackoff time.Duration `json:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `json:"retry_max_backoff"`

	// Topology settings
	TopologyRefreshInterval time.Duration `json:"topology_refresh_interval"`
	HeartbeatInterval       time.Duration `json:"heartbeat_interval"` // Time between re-validation of DOWN nodes
	FailureThreshold        int           `json:"failure_threshold"`  // Failed pings before a node is reported DOWN

	StatementCacheSize int `json:"statement_cache_size"`

	// Seed discovery through etcd, used when EtcdEndpoints is non-empty
	EtcdEndpoints  []string `json:"etcd_endpoints"`
	EtcdSeedPrefix string   `json:"etcd_seed_prefix"`
}

// DefaultConfig returns a ClientConfig with default values
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Seeds:                   []string{"127.0.0.1"},
		Port:                    9042,
		Compression:             "none",
		Consistency:             gocql.LocalQuorum,
		PageSize:                5000,
		ConnectTimeout:          5 * time.Second,
		RequestTimeout:          2 * time.Second,
		TimeoutsBeforeFailure:   3,
		PoolCoreConnections:     1,
		PoolMaxConnections:      2,
		PoolMaxRequestsPerConn:  128,
		PoolAcquireTimeout:      500 * time.Millisecond,
		RetryMaxAttempts:        3,
		RetryInitialBackoff:     10 * time.Millisecond,
		RetryMaxBackoff:         500 * time.Millisecond,
		TopologyRefreshInterval: 60 * time.Second,
		HeartbeatInterval:       5 * time.Second,
		FailureThreshold:        1,
		StatementCacheSize:      1000,
		EtcdSeedPrefix:          "/services/cassandra/seeds/",
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads configuration from CQL_* environment variables.
// Values that fail to parse keep their defaults.
func LoadConfig() *ClientConfig {
	return load(newViper())
}

// LoadConfigFile loads configuration from a file; environment variables still take precedence
func LoadConfigFile(path string) (*ClientConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return load(v), nil
}

func load(v *viper.Viper) *ClientConfig {
	config := DefaultConfig()

	if keyspace := v.GetString("keyspace"); keyspace != "" {
		config.Keyspace = keyspace
	}
	if seeds := v.GetString("seeds"); seeds != "" {
		config.Seeds = splitList(seeds)
	}
	if dc := v.GetString("local_dc"); dc != "" {
		config.LocalDC = dc
	}
	if compression := v.GetString("compression"); compression != "" {
		config.Compression = strings.ToLower(compression)
	}
	if username := v.GetString("username"); username != "" {
		config.Username = username
	}
	if password := v.GetString("password"); password != "" {
		config.Password = password
	}
	if consistency := v.GetString("consistency"); consistency != "" {
		if c, err := gocql.ParseConsistencyWrapper(consistency); err == nil {
			config.Consistency = c
		}
	}
	if endpoints := v.GetString("etcd_endpoints"); endpoints != "" {
		config.EtcdEndpoints = splitList(endpoints)
	}
	if prefix := v.GetString("etcd_seed_prefix"); prefix != "" {
		config.EtcdSeedPrefix = prefix
	}

	setInt(v, "port", &config.Port)
	setInt(v, "page_size", &config.PageSize)
	setInt(v, "pool_core_connections", &config.PoolCoreConnections)
	setInt(v, "pool_max_connections", &config.PoolMaxConnections)
	setInt(v, "pool_max_requests_per_connection", &config.PoolMaxRequestsPerConn)
	setInt(v, "retry_max_attempts", &config.RetryMaxAttempts)
	setInt(v, "failure_threshold", &config.FailureThreshold)
	setInt(v, "timeouts_before_failure", &config.TimeoutsBeforeFailure)
	setInt(v, "statement_cache_size", &config.StatementCacheSize)

	setDuration(v, "connect_timeout", &config.ConnectTimeout)
	setDuration(v, "request_timeout", &config.RequestTimeout)
	setDuration(v, "pool_acquire_timeout", &config.PoolAcquireTimeout)
	setDuration(v, "retry_initial_backoff", &config.RetryInitialBackoff)
	setDuration(v, "retry_max_backoff", &config.RetryMaxBackoff)
	setDuration(v, "topology_refresh_interval", &config.TopologyRefreshInterval)
	setDuration(v, "heartbeat_interval", &config.HeartbeatInterval)

	return config
}

func setInt(v *viper.Viper, key string, dst *int) {
	raw := v.GetString(key)
	if raw == "" {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*dst = n
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	raw := v.GetString(key)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SeedAddresses returns the seeds as host:port pairs, applying Port where a seed has none
func (c *ClientConfig) SeedAddresses() []string {
	return ParseSeeds(c.Seeds, c.Port)
}

// ParseSeeds normalizes host or host:port entries into host:port addresses
func ParseSeeds(seeds []string, defaultPort int) []string {
	out := make([]string, 0, len(seeds))
	seen := make(map[string]bool, len(seeds))
	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		addr := seed
		if _, _, err := net.SplitHostPort(seed); err != nil {
			addr = net.JoinHostPort(strings.Trim(seed, "[]"), strconv.Itoa(defaultPort))
		}
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// Validate checks if the configuration is valid, clamping values that have a safe fallback
func (c *ClientConfig) Validate() error {
	if len(c.SeedAddresses()) == 0 && len(c.EtcdEndpoints) == 0 {
		return ErrNoSeeds
	}

	switch c.Compression {
	case "", "none", "lz4", "snappy":
	default:
		return ErrInvalidCompression
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.PoolMaxConnections < 1 {
		c.PoolMaxConnections = 1
	}
	if c.PoolCoreConnections < 1 {
		c.PoolCoreConnections = 1
	}
	// Core connections can never exceed the pool bound
	if c.PoolCoreConnections > c.PoolMaxConnections {
		c.PoolCoreConnections = c.PoolMaxConnections
	}

	// A connection multiplexes conn.MaxStreams ids and keeps one for itself
	if c.PoolMaxRequestsPerConn < 1 {
		c.PoolMaxRequestsPerConn = 1
	}
	if c.PoolMaxRequestsPerConn > conn.MaxStreams-1 {
		c.PoolMaxRequestsPerConn = conn.MaxStreams - 1
	}

	if c.RetryMaxAttempts < 1 {
		c.RetryMaxAttempts = 1
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		c.RetryMaxBackoff = c.RetryInitialBackoff
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.TimeoutsBeforeFailure < 1 {
		c.TimeoutsBeforeFailure = 1
	}
	if c.StatementCacheSize < 1 {
		return fmt.Errorf("statement cache size must be positive, got %d", c.StatementCacheSize)
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 || c.PoolAcquireTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}

	return nil
}
