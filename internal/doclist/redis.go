package doclist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"docchat/internal/models"
	"docchat/internal/redis"
)

const (
	redisSnapshotPrefix    = "doclist:snapshot:"
	redisInvalidateChannel = "doclist:invalidate"
	defaultSnapshotTTL     = 30 * time.Minute
)

type invalidateMessage struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Origin     string `json:"origin"`
}

type cachedSnapshot struct {
	Documents   []models.Document `json:"documents"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}

// snapshotCache is a nil-safe redis view of the last known listing per user.
type snapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func newSnapshotCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *snapshotCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &snapshotCache{client: client, ttl: ttl, logger: logger}
}

func snapshotKey(userID string) string {
	return redisSnapshotPrefix + userID
}

func (r *snapshotCache) store(ctx context.Context, userID string, docs []models.Document, at time.Time) {
	if r == nil || userID == "" {
		return
	}
	data, err := json.Marshal(cachedSnapshot{Documents: docs, RefreshedAt: at})
	if err != nil {
		r.logger.Warn("doclist snapshot marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, snapshotKey(userID), data, r.ttl); err != nil {
		r.logger.Warn("doclist snapshot store failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (r *snapshotCache) load(ctx context.Context, userID string) (*cachedSnapshot, bool) {
	if r == nil || userID == "" {
		return nil, false
	}
	raw, err := r.client.Get(ctx, snapshotKey(userID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("doclist snapshot load failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, false
	}
	var snap cachedSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		r.logger.Warn("doclist snapshot decode failed", zap.String("user_id", userID), zap.Error(err))
		return nil, false
	}
	return &snap, true
}

func (r *snapshotCache) invalidate(ctx context.Context, userID string) {
	if r == nil || userID == "" {
		return
	}
	if err := r.client.Del(ctx, snapshotKey(userID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.logger.Warn("doclist snapshot invalidate failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// publishDelete broadcasts a confirmed delete to the other instances.
func (r *snapshotCache) publishDelete(ctx context.Context, msg invalidateMessage) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("doclist invalidation marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		r.logger.Warn("doclist invalidation publish failed", zap.Error(err))
	}
}

// listen blocks until ctx is cancelled, passing decoded messages to handler.
func (r *snapshotCache) listen(ctx context.Context, handler func(invalidateMessage)) error {
	if r == nil || handler == nil {
		return nil
	}
	return r.client.Subscribe(ctx, redisInvalidateChannel, func(payload string) {
		var msg invalidateMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			r.logger.Warn("doclist invalidation decode failed", zap.Error(err))
			return
		}
		handler(msg)
	})
}
