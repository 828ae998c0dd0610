// Package idempotency derives stable notification ids from client-supplied
// keys. The id itself is the dedup anchor: the same tenant and key always
// produce the same UUID, so a retried request collides on the primary key in
// Postgres and on the message id in the queue. Redis only short-circuits the
// lookup of the previously created record.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/db"
)

// keyTTL matches the window in which clients are expected to retry.
const keyTTL = 24 * time.Hour

var namespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DeriveID maps (tenant, idempotency key) onto a deterministic UUID. An empty
// key yields a fresh random id.
func DeriveID(tenantID, key string) uuid.UUID {
	if key == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(namespace, []byte(tenantID+"\x00"+key))
}

type Store struct {
	redis  *db.RedisDB
	logger *zap.Logger
}

func NewStore(redis *db.RedisDB, logger *zap.Logger) *Store {
	return &Store{redis: redis, logger: logger}
}

// Lookup returns the notification id previously recorded for this tenant and
// key, or uuid.Nil when the key is unseen. A cache miss is not authoritative;
// the caller still relies on the insert conflict in the store.
func (s *Store) Lookup(ctx context.Context, tenantID, key string) (uuid.UUID, error) {
	if s == nil || key == "" || s.redis == nil {
		return uuid.Nil, nil
	}

	cached, err := s.redis.Get(ctx, cacheKey(tenantID, key)).Result()
	if err != nil {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(cached)
	if err != nil {
		return uuid.Nil, nil
	}
	return id, nil
}

// Record caches the key to id binding. Failures are logged and swallowed;
// correctness never depends on the cache.
func (s *Store) Record(ctx context.Context, tenantID, key string, id uuid.UUID) {
	if s == nil || key == "" || s.redis == nil {
		return
	}

	if err := s.redis.Set(ctx, cacheKey(tenantID, key), id.String(), keyTTL).Err(); err != nil {
		s.logger.Warn("failed to cache idempotency key", zap.Error(err))
	}
}

func cacheKey(tenantID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, key)
}
