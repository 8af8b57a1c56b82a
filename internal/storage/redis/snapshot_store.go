package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

const defaultSnapshotTTL = 24 * time.Hour

// snapshotEnvelope — формат хранения снапшота в Redis.
type snapshotEnvelope struct {
	Version int64           `json:"version"`
	State   json.RawMessage `json:"state"`
}

// SnapshotStore кэширует материализованные проекции агрегатов в Redis.
// Снапшот не авторитетен: потеря ключа означает лишь replay лога с нуля.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr, password string, db int) (*SnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &SnapshotStore{client: client, ttl: defaultSnapshotTTL}, nil
}

// Close закрывает подключение к Redis.
func (s *SnapshotStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping проверяет доступность Redis.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis snapshot store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

func snapshotKey(aggType domain.AggregateType, aggID string) string {
	return "esimoms:snapshot:" + string(aggType) + ":" + aggID
}

func (s *SnapshotStore) Put(ctx context.Context, aggType domain.AggregateType, aggID string, version int64, state []byte) error {
	key := snapshotKey(aggType, aggID)

	// Не затираем более свежий снапшот устаревшей версией.
	existing, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		var env snapshotEnvelope
		if jsonErr := json.Unmarshal(existing, &env); jsonErr == nil && env.Version >= version {
			return nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read existing snapshot: %w", err)
	}

	data, err := json.Marshal(snapshotEnvelope{Version: version, State: state})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Get(ctx context.Context, aggType domain.AggregateType, aggID string) (int64, []byte, error) {
	data, err := s.client.Get(ctx, snapshotKey(aggType, aggID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil, domain.ErrAggregateNotFound
		}
		return 0, nil, fmt.Errorf("read snapshot: %w", err)
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return env.Version, env.State, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
