package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presencePrefix = "presence:"
	locationPrefix = "location:"
	opTimeout      = 2 * time.Second
)

// Store tracks which users are reachable. Records expire on their own; nothing
// sweeps them. Read errors are treated as offline so callers fall back to push.
type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "presence")),
		now:    time.Now,
	}
}

func Key(userID int64) string {
	return presencePrefix + strconv.FormatInt(userID, 10)
}

func LocationKey(userID int64) string {
	return locationPrefix + strconv.FormatInt(userID, 10)
}

func (s *Store) TTL() time.Duration { return s.ttl }

// SetOnline marks the user reachable for one TTL.
func (s *Store) SetOnline(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, Key(userID), s.now().UnixMilli(), s.ttl).Err(); err != nil {
		s.logger.Warn("set online failed", zap.Int64("user_id", userID), zap.Error(err))
		return fmt.Errorf("set online %d: %w", userID, err)
	}
	return nil
}

// Refresh is called on every pong and heartbeat.
func (s *Store) Refresh(ctx context.Context, userID int64) error {
	return s.SetOnline(ctx, userID)
}

// SetOffline removes the record immediately. Used for a graceful close of the
// user's last connection; abnormal closes leave the record to expire.
func (s *Store) SetOffline(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, Key(userID), LocationKey(userID)).Err(); err != nil {
		s.logger.Warn("set offline failed", zap.Int64("user_id", userID), zap.Error(err))
		return fmt.Errorf("set offline %d: %w", userID, err)
	}
	return nil
}

func (s *Store) IsOnline(ctx context.Context, userID int64) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.rdb.Exists(ctx, Key(userID)).Result()
	if err != nil {
		s.logger.Warn("presence lookup failed, assuming offline",
			zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return n == 1
}

// AreOnline resolves many users with one MGET. Every requested user is present in the result.
func (s *Store) AreOnline(ctx context.Context, userIDs []int64) map[int64]bool {
	out := make(map[int64]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out
	}
	for _, id := range userIDs {
		out[id] = false
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = Key(id)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Warn("bulk presence lookup failed, assuming offline",
			zap.Int("users", len(userIDs)), zap.Error(err))
		return out
	}
	for i, v := range vals {
		if v != nil {
			out[userIDs[i]] = true
		}
	}
	return out
}

// LastSeen returns the time of the last refresh, or false when offline.
func (s *Store) LastSeen(ctx context.Context, userID int64) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ms, err := s.rdb.Get(ctx, Key(userID)).Int64()
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// SetLocation stores the user's last reported coordinates with the presence TTL.
func (s *Store) SetLocation(ctx context.Context, userID int64, lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("location out of range: %f,%f", lat, lon)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := LocationKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"lat", strconv.FormatFloat(lat, 'f', -1, 64),
		"lon", strconv.FormatFloat(lon, 'f', -1, 64),
		"at", s.now().UnixMilli())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set location %d: %w", userID, err)
	}
	return nil
}

// Location returns the last stored coordinates.
func (s *Store) Location(ctx context.Context, userID int64) (lat, lon float64, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	vals, err := s.rdb.HMGet(ctx, LocationKey(userID), "lat", "lon").Result()
	if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, false
	}
	latS, _ := vals[0].(string)
	lonS, _ := vals[1].(string)
	lat, err1 := strconv.ParseFloat(latS, 64)
	lon, err2 := strconv.ParseFloat(lonS, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
