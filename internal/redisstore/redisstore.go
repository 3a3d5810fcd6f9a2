// Package redisstore backs the alert cooldown ledger and the analysis results
// sink with a shared redis client. Results are replace-with-expiry snapshots:
// consumers read the latest batch per key.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"metric-alerts/internal/alerting"
	"metric-alerts/internal/metrics"
	"metric-alerts/internal/predictor"
)

const (
	anomaliesKey   = "ai:anomalies"
	assessmentsKey = "ai:predictions"
	alertsKey      = "ai:alerts"
)

// Options configure redis connectivity.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store wraps a redis client for cooldown and snapshot operations.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New constructs a Store with its own client.
func New(opts Options, logger zerolog.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Store{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Exists reports whether a cooldown key is live.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown exists: %w", err)
	}
	return n > 0, nil
}

// SetWithTTL marks a cooldown key. Re-setting a live key refreshes the TTL.
func (s *Store) SetWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("cooldown set: %w", err)
	}
	return nil
}

// PublishAnomalies replaces the anomaly snapshot.
func (s *Store) PublishAnomalies(ctx context.Context, batch []metrics.AnomalyRecord, ttl time.Duration) error {
	return s.publish(ctx, anomaliesKey, batch, ttl)
}

// PublishAssessments replaces the risk assessment snapshot.
func (s *Store) PublishAssessments(ctx context.Context, batch []predictor.RiskAssessment, ttl time.Duration) error {
	return s.publish(ctx, assessmentsKey, batch, ttl)
}

// PublishAlerts replaces the alert snapshot.
func (s *Store) PublishAlerts(ctx context.Context, batch []alerting.Alert, ttl time.Duration) error {
	return s.publish(ctx, alertsKey, batch, ttl)
}

func (s *Store) publish(ctx context.Context, key string, batch any, ttl time.Duration) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", key, err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("publish %s snapshot: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Int("bytes", len(payload)).Msg("published snapshot")
	return nil
}
