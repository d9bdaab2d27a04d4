package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// SeedProvider supplies the contact points used to (re)discover the cluster
type SeedProvider interface {
	Seeds(ctx context.Context) ([]string, error)
}

// StaticSeeds is a fixed list of host:port seeds
type StaticSeeds []string

func (s StaticSeeds) Seeds(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// EtcdSeedProvider reads seeds registered under a key prefix in etcd. Each
// value is either a bare host:port or a JSON object with an "address" field.
type EtcdSeedProvider struct {
	kv     clientv3.KV
	client *clientv3.Client
	prefix string
}

// EtcdConfig contains configuration for the etcd seed provider
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// NewEtcdSeedProvider connects to etcd
func NewEtcdSeedProvider(cfg EtcdConfig) (*EtcdSeedProvider, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints provided")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	p := NewEtcdSeedProviderFromKV(client, cfg.Prefix)
	p.client = client
	return p, nil
}

// NewEtcdSeedProviderFromKV reads seeds through an existing KV client
func NewEtcdSeedProviderFromKV(kv clientv3.KV, prefix string) *EtcdSeedProvider {
	return &EtcdSeedProvider{kv: kv, prefix: prefix}
}

type seedRecord struct {
	Address string `json:"address"`
}

// Seeds lists the registered seeds in key order
func (p *EtcdSeedProvider) Seeds(ctx context.Context) ([]string, error) {
	resp, err := p.kv.Get(ctx, p.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to get seeds from etcd: %w", err)
	}

	seeds := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		value := strings.TrimSpace(string(kv.Value))
		if strings.HasPrefix(value, "{") {
			var rec seedRecord
			if err := json.Unmarshal(kv.Value, &rec); err != nil || rec.Address == "" {
				continue
			}
			value = rec.Address
		}
		if value != "" {
			seeds = append(seeds, value)
		}
	}
	return seeds, nil
}

// Close releases the etcd client when the provider owns it
func (p *EtcdSeedProvider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// FallbackSeeds tries each provider in order and returns the first non-empty list
type FallbackSeeds []SeedProvider

func (f FallbackSeeds) Seeds(ctx context.Context) ([]string, error) {
	var lastErr error
	for _, p := range f {
		seeds, err := p.Seeds(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(seeds) > 0 {
			return seeds, nil
		}
	}
	return nil, lastErr
}
