// Package valkey stores poll snapshots in a Valkey/Redis server.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
	"github.com/Bucher-Unipektin/s7connector/namespace"
	"github.com/Bucher-Unipektin/s7connector/poller"
)

const (
	dialTimeout    = 3 * time.Second
	commandTimeout = 2 * time.Second
)

var errNotRunning = errors.New("valkey publisher not connected")

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher writes each snapshot to <root>:<connection>:<poll>.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  redisClient
	running bool
	mu      sync.RWMutex

	newClient func(*redis.Options) redisClient
}

// NewPublisher creates a publisher for cfg. root is the key namespace.
func NewPublisher(cfg *config.ValkeyConfig, root string) *Publisher {
	return &Publisher{
		config: cfg,
		ns:     namespace.New(root),
		newClient: func(o *redis.Options) redisClient {
			return redis.NewClient(o)
		},
	}
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string {
	return "valkey/" + p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Publisher) options() *redis.Options {
	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  dialTimeout,
		ReadTimeout:  commandTimeout,
		WriteTimeout: commandTimeout,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Start connects and pings the server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	client := p.newClient(p.options())
	logging.DebugLog("valkey", "connecting to %s (db %d, tls %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logging.DebugLog("valkey", "connect %s failed: %v", p.config.Address, err)
		return fmt.Errorf("connect to valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	logging.DebugLog("valkey", "connected to %s", p.config.Address)
	return nil
}

// Stop closes the client.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()
	return client.Close()
}

// Key returns the key a poll is stored under.
func (p *Publisher) Key(connection, poll string) string {
	return p.ns.ValkeyKey(connection, poll)
}

// Channels returns the pub/sub channels a change is published on: one per
// connection and one for all connections.
func (p *Publisher) Channels(connection string) []string {
	return []string{
		p.ns.ValkeyChangesChannel(connection),
		p.ns.ValkeyAllChangesChannel(),
	}
}

// Publish stores snap with the configured TTL and, when enabled, announces
// it on the change channels.
func (p *Publisher) Publish(ctx context.Context, snap poller.Snapshot) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return errNotRunning
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	key := p.Key(snap.Connection, snap.Poll)
	if err := client.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if !p.config.PublishChanges {
		return nil
	}
	for _, ch := range p.Channels(snap.Connection) {
		if err := client.Publish(ctx, ch, data).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", ch, err)
		}
	}
	return nil
}
