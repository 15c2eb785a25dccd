// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSnapshotNotFound = errors.New("cache snapshot not found")

// SnapshotStore keeps the serialized cache document under a single redis key,
// so several processes forking the same chain can start from one warm cache
type SnapshotStore struct {
	client         *redis.Client
	expireDuration time.Duration
	key            string
}

// NewSnapshotStore creates a store for key, zero expireDuration keeps the snapshot forever
func NewSnapshotStore(client *redis.Client, expireDuration time.Duration, key string) *SnapshotStore {
	return &SnapshotStore{
		client:         client,
		expireDuration: expireDuration,
		key:            key,
	}
}

func (s *SnapshotStore) String() string {
	return "redis:" + s.key
}

func (s *SnapshotStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	return data, err
}

func (s *SnapshotStore) Save(ctx context.Context, data []byte) error {
	return s.client.Set(ctx, s.key, data, s.expireDuration).Err()
}

// Delete removes the snapshot, it is meant for tests and manual resets
func (s *SnapshotStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
