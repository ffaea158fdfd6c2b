package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tank-monitor/etl/internal/config"
	"tank-monitor/etl/internal/domain"
)

const (
	vehicleStateTTL     = 30 * time.Minute
	sessionEventChannel = "tank:sessions"
)

// LiveStore mirrors the freshest per-vehicle tank state into redis and
// publishes session lifecycle events, so dashboards see progress without
// polling Postgres. Everything here is best effort; failures are logged by
// the caller and never fail a cycle.
type LiveStore struct {
	client *redis.Client
}

func NewLiveStore(ctx context.Context, cfg *config.Config) (*LiveStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &LiveStore{client: client}, nil
}

func (r *LiveStore) Close() error {
	return r.client.Close()
}

func (r *LiveStore) UpdateVehicleState(ctx context.Context, vehicleID string, rec domain.PositionRecord, open *domain.Session) error {
	stateData := map[string]interface{}{
		"vehicle_id": vehicleID,
		"event_time": rec.EventTime.Unix(),
	}
	if level, ok := rec.Level(); ok {
		stateData["level_pct"] = level.String()
	}
	if rec.HasFix() {
		stateData["lat"] = *rec.Latitude
		stateData["lng"] = *rec.Longitude
	}
	if rec.SpeedKmh != nil {
		stateData["speed_kmh"] = *rec.SpeedKmh
	}
	if open != nil {
		stateData["open_session"] = open.ID.String()
		stateData["open_session_kind"] = string(open.Kind)
		stateData["open_session_delta_pp"] = open.Delta().String()
	} else {
		stateData["open_session"] = ""
	}

	key := fmt.Sprintf("vehicle:%s:tank", vehicleID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, stateData)
	pipe.Expire(ctx, key, vehicleStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (r *LiveStore) PublishSessionEvent(ctx context.Context, sess domain.Session, status string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"session_id":      sess.ID.String(),
		"vehicle_id":      sess.VehicleID,
		"kind":            string(sess.Kind),
		"status":          status,
		"start_time":      sess.StartTime.Unix(),
		"start_level":     sess.StartLevel.String(),
		"last_level":      sess.LastLevel.String(),
		"delta_pp":        sess.Delta().String(),
		"distinct_points": sess.DistinctPointCount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	return r.client.Publish(ctx, sessionEventChannel, payload).Err()
}
