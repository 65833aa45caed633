package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for the externally queryable read models. Dashboards read
// these; the engine only writes.
const (
	KeyRegimeState       = "bot:regime:state"
	KeyProtectionWindows = "bot:protection:windows"
	KeyBreakerStatus     = "bot:breaker:status"
	KeyBalance           = "bot:balance"

	// readModelTTL guards against a dead engine leaving stale state
	// around forever.
	readModelTTL = 24 * time.Hour
)

// StatePublisher mirrors live engine state into Redis. Publish failures
// are logged and dropped; the engine never blocks on the read model.
type StatePublisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NewStatePublisher connects and pings Redis.
func NewStatePublisher(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*StatePublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log := logger.With().Str("component", "StatePublisher").Logger()
	log.Info().Str("addr", cfg.Addr).Msg("connected to Redis")
	return &StatePublisher{client: client, logger: log}, nil
}

// Close releases the client.
func (p *StatePublisher) Close() error {
	return p.client.Close()
}

// PublishRegime stores the regime snapshot.
func (p *StatePublisher) PublishRegime(ctx context.Context, state interface{}) {
	p.set(ctx, KeyRegimeState, state)
}

// PublishProtection stores the active protection windows.
func (p *StatePublisher) PublishProtection(ctx context.Context, windows interface{}) {
	p.set(ctx, KeyProtectionWindows, windows)
}

// PublishBreaker stores the circuit breaker status.
func (p *StatePublisher) PublishBreaker(ctx context.Context, status interface{}) {
	p.set(ctx, KeyBreakerStatus, status)
}

// PublishBalance stores the margin pool snapshot.
func (p *StatePublisher) PublishBalance(ctx context.Context, total, locked, free float64) {
	p.set(ctx, KeyBalance, map[string]float64{
		"total":  total,
		"locked": locked,
		"free":   free,
	})
}

func (p *StatePublisher) set(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("read model marshal failed")
		return
	}
	if err := p.client.Set(ctx, key, data, readModelTTL).Err(); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("read model publish failed")
	}
}
