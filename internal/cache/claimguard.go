// Package cache is the optional redis hot path: a SETNX reservation per
// offer id rejects claim replays before postgres is touched. The database
// unique constraint stays authoritative; losing redis only loses the fast
// rejection.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

type ClaimGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClaimGuard holds reservations for ttl; the value should cover the offer
// TTL so a spent offer stays fast-rejected for its whole lifetime.
func NewClaimGuard(rdb *redis.Client, ttl time.Duration) *ClaimGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ClaimGuard{rdb: rdb, ttl: ttl}
}

func (g *ClaimGuard) key(offerID string) string {
	return "dps:claim:" + offerID
}

// Reserve is first-writer-wins on the offer id.
func (g *ClaimGuard) Reserve(ctx context.Context, offerID string, receiverID int64) (bool, error) {
	return g.rdb.SetNX(ctx, g.key(offerID), strconv.FormatInt(receiverID, 10), g.ttl).Result()
}

// Release frees a reservation after a claim that failed to settle, so the
// offer stays claimable by others.
func (g *ClaimGuard) Release(ctx context.Context, offerID string) {
	_ = g.rdb.Del(ctx, g.key(offerID)).Err()
}
