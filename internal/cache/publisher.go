// Package cache mirrors the monitor's poll status into Redis so external
// dashboards can read it without hitting the ops API. Publishing is
// best-effort: errors are logged and never fail a poll cycle.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailsink-io/mailsink/internal/monitor"
)

const (
	statusKey      = "poll:status"
	defaultTTL     = 10 * time.Minute
	connectTimeout = 5 * time.Second
	publishTimeout = 3 * time.Second
)

// Config defines the Redis connection and key settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// StatusPublisher writes JSON status snapshots under a prefixed key with
// a TTL, so a stalled relay ages out of the dashboard instead of showing
// a frozen healthy state.
type StatusPublisher struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *log.Logger
}

type Option func(*StatusPublisher)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *StatusPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewStatusPublisher connects to Redis and verifies the connection with a
// ping before returning.
func NewStatusPublisher(conf Config, opts ...Option) (*StatusPublisher, error) {
	addr := conf.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	ttl := conf.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	p := &StatusPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: conf.Password,
			DB:       conf.DB,
		}),
		keyPrefix: conf.KeyPrefix,
		ttl:       ttl,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		_ = p.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	p.logger.Printf("cache: publishing poll status to %s under %s%s", addr, conf.KeyPrefix, statusKey)
	return p, nil
}

// Publish implements monitor.StatusSink.
func (p *StatusPublisher) Publish(ctx context.Context, status monitor.Status) {
	data, err := json.Marshal(status)
	if err != nil {
		p.logger.Printf("cache: failed to encode status: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	key := p.keyPrefix + statusKey
	if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
		p.logger.Printf("cache: failed to publish status to %s: %v", key, err)
	}
}

// Close releases the Redis connection.
func (p *StatusPublisher) Close() error {
	return p.client.Close()
}
