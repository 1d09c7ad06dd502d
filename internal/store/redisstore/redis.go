package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	deliveryTTL = 24 * time.Hour
	presenceTTL = 2 * time.Minute
)

// Store wraps the optional redis side-store. A nil *Store is valid and turns every
// method into a permissive no-op, so callers never branch on configuration.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{rdb: rdb}
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

func deliveryKey(channel, providerMsgID string) string {
	return fmt.Sprintf("inbox:delivery:%s:%s", channel, providerMsgID)
}

func presenceKey(userID uint64) string {
	return "presence:user:" + strconv.FormatUint(userID, 10)
}

// ClaimDelivery returns true the first time a provider message id is seen for a
// channel within the TTL. Redis errors fail open: the message is processed.
func (s *Store) ClaimDelivery(ctx context.Context, channel, providerMsgID string) (bool, error) {
	if s == nil || providerMsgID == "" {
		return true, nil
	}
	ok, err := s.rdb.SetNX(ctx, deliveryKey(channel, providerMsgID), 1, deliveryTTL).Result()
	if err != nil {
		return true, err
	}
	return ok, nil
}

// ReleaseDelivery drops a claim so a redelivery of a message that failed to store is
// processed again.
func (s *Store) ReleaseDelivery(ctx context.Context, channel, providerMsgID string) error {
	if s == nil || providerMsgID == "" {
		return nil
	}
	return s.rdb.Del(ctx, deliveryKey(channel, providerMsgID)).Err()
}

// SetPresence mirrors a user's live connection count for other processes. The key
// expires on its own if this process dies without cleaning up.
func (s *Store) SetPresence(ctx context.Context, userID uint64, online bool) error {
	if s == nil {
		return nil
	}
	key := presenceKey(userID)
	if !online {
		return s.rdb.Del(ctx, key).Err()
	}
	return s.rdb.Set(ctx, key, time.Now().Unix(), presenceTTL).Err()
}

func (s *Store) IsOnline(ctx context.Context, userID uint64) (bool, error) {
	if s == nil {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
