// Package cache keeps rendered leaderboard pages in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ctf-scoreboard/config"
	"ctf-scoreboard/models"
)

const (
	// versionKey is bumped by every invalidation. Pages are stored under the
	// version that was current before they were built, so a page rendered
	// before an invalidation lands under a key no reader asks for.
	versionKey = "scoreboard:version"
	keyPattern = "scoreboard:page:*"
)

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Leaderboard caches leaderboard pages. A nil *Leaderboard is valid and
// caches nothing.
type Leaderboard struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewLeaderboard(rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Leaderboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leaderboard{rdb: rdb, ttl: ttl, logger: logger.With("component", "cache")}
}

func Key(version int64, page, limit int) string {
	return fmt.Sprintf("scoreboard:page:%d:%d:%d", version, page, limit)
}

// Get returns a cached page and the cache version it was looked up under.
// On a miss the caller builds the page and hands that version to Set. Any
// Redis failure counts as a miss.
func (c *Leaderboard) Get(ctx context.Context, page, limit int) (models.LeaderboardPage, int64, bool) {
	if c == nil {
		return models.LeaderboardPage{}, 0, false
	}
	version, err := c.rdb.Get(ctx, versionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("leaderboard cache version read failed", "error", err)
		return models.LeaderboardPage{}, 0, false
	}

	key := Key(version, page, limit)
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("leaderboard cache read failed", "error", err)
		}
		return models.LeaderboardPage{}, version, false
	}
	var p models.LeaderboardPage
	if err := json.Unmarshal(val, &p); err != nil {
		c.logger.Warn("dropping undecodable leaderboard cache entry", "key", key, "error", err)
		return models.LeaderboardPage{}, version, false
	}
	return p, version, true
}

// Set stores p under version, which must come from the Get that preceded
// building p.
func (c *Leaderboard) Set(ctx context.Context, version int64, p models.LeaderboardPage) {
	if c == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.Warn("leaderboard page not cached", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, Key(version, p.Page, p.Limit), data, c.ttl).Err(); err != nil {
		c.logger.Warn("leaderboard cache write failed", "error", err)
	}
}

// Invalidate retires every cached leaderboard page, including pages still
// being built, and deletes the stored ones.
func (c *Leaderboard) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.rdb.Incr(ctx, versionKey).Err(); err != nil {
		return fmt.Errorf("bump %s: %w", versionKey, err)
	}
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", keyPattern, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete leaderboard cache keys: %w", err)
			}
			removed += len(keys)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	c.logger.Debug("leaderboard cache cleared", "keys", removed)
	return nil
}
