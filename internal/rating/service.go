package rating

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/archive"
	"github.com/park285/cheese-arena/internal/ident"
	"github.com/park285/cheese-arena/internal/obslog"
)

const (
	DefaultRating = 1500

	currentCacheTTL = 30 * time.Second
	queueCacheTTL   = 60 * time.Second
)

// Source reads persistent rating rows.
type Source interface {
	GetRating(ctx context.Context, userID, speed string) (*archive.Rating, error)
}

// Service answers "what is this identity's rating" through a short Redis cache.
type Service struct {
	rdb    redis.UniversalClient
	source Source
	log    *zap.Logger
}

func NewService(rdb redis.UniversalClient, source Source, logger *zap.Logger) (*Service, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if source == nil {
		return nil, errors.New("rating source is required")
	}
	if logger == nil {
		logger = obslog.L()
	}
	return &Service{rdb: rdb, source: source, log: logger}, nil
}

func cacheKey(userID, speed string) string { return "rating:" + userID + ":" + speed }

// Current returns the rounded rating of identity for speed. Guests are always DefaultRating.
func (s *Service) Current(ctx context.Context, identity, speed string) int {
	return s.lookup(ctx, identity, speed, currentCacheTTL)
}

// ForQueue is Current with the longer cache window used by matchmaking.
func (s *Service) ForQueue(ctx context.Context, identity, speed string) int {
	return s.lookup(ctx, identity, speed, queueCacheTTL)
}

func (s *Service) lookup(ctx context.Context, identity, speed string, ttl time.Duration) int {
	userID, ok := ident.UserID(identity)
	if !ok || speed == "" {
		return DefaultRating
	}
	key := cacheKey(userID, speed)
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Debug("rating_cache_get_error", zap.String("key", key), zap.Error(err))
	}

	out := DefaultRating
	row, err := s.source.GetRating(ctx, userID, speed)
	switch {
	case err == nil:
		out = row.Rating
	case errors.Is(err, archive.ErrNotFound):
	default:
		s.log.Warn("rating_lookup_error", zap.String("user_id", userID), zap.String("speed", speed), zap.Error(err))
		return out
	}
	if err := s.rdb.Set(ctx, key, strconv.Itoa(out), ttl).Err(); err != nil {
		s.log.Debug("rating_cache_set_error", zap.String("key", key), zap.Error(err))
	}
	return out
}

// Invalidate drops the cached value after the persistent row changed.
func (s *Service) Invalidate(ctx context.Context, userID, speed string) error {
	return s.rdb.Del(ctx, cacheKey(userID, speed)).Err()
}
