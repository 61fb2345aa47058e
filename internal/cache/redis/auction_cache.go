package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

//go:embed scripts/auction_set.lua
var auctionSetLua string

// DefaultAuctionTTL bounds how long a cached view can outlive a missed
// invalidation.
const DefaultAuctionTTL = 30 * time.Second

// AuctionCache implements domain.AuctionCache with one hash per asset:
//
//	auctiond:auction:{assetID} - field "data" holds the JSON auction view,
//	                             field "gen" counts invalidations
//
// The hash expires ttl after its last write. A reader that stalls for longer
// than ttl can see the generation restart and store a stale view; the TTL
// still bounds that view's lifetime.
type AuctionCache struct {
	rdb   *redis.Client
	ttl   time.Duration
	setSc *redis.Script
}

// NewAuctionCache creates an AuctionCache. A zero ttl uses DefaultAuctionTTL.
func NewAuctionCache(c *Client, ttl time.Duration) *AuctionCache {
	if ttl <= 0 {
		ttl = DefaultAuctionTTL
	}
	return &AuctionCache{
		rdb:   c.Underlying(),
		ttl:   ttl,
		setSc: redis.NewScript(auctionSetLua),
	}
}

func auctionKey(assetID uint64) string {
	return "auctiond:auction:" + strconv.FormatUint(assetID, 10)
}

// Set stores a unless the entry was invalidated after gen was read.
func (ac *AuctionCache) Set(ctx context.Context, a domain.Auction, gen int64) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: marshal auction %d: %w", a.AssetID, err)
	}
	err = ac.setSc.Run(ctx, ac.rdb,
		[]string{auctionKey(a.AssetID)},
		gen, data, ac.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set auction %d: %w", a.AssetID, err)
	}
	return nil
}

// Get returns the cached view and its generation. A miss returns
// domain.ErrNotFound together with the generation to hand to Set.
func (ac *AuctionCache) Get(ctx context.Context, assetID uint64) (domain.Auction, int64, error) {
	vals, err := ac.rdb.HMGet(ctx, auctionKey(assetID), "data", "gen").Result()
	if err != nil {
		return domain.Auction{}, 0, fmt.Errorf("redis: get auction %d: %w", assetID, err)
	}
	gen, err := parseGen(vals[1])
	if err != nil {
		return domain.Auction{}, 0, fmt.Errorf("redis: get auction %d: %w", assetID, err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return domain.Auction{}, gen, domain.ErrNotFound
	}

	var a domain.Auction
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return domain.Auction{}, 0, fmt.Errorf("redis: unmarshal auction %d: %w", assetID, err)
	}
	return a, gen, nil
}

func parseGen(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("malformed generation " + strconv.Quote(s))
	}
	return gen, nil
}

// Invalidate drops the cached view of assetID and bumps its generation.
func (ac *AuctionCache) Invalidate(ctx context.Context, assetID uint64) error {
	key := auctionKey(assetID)
	pipe := ac.rdb.TxPipeline()
	pipe.HDel(ctx, key, "data")
	pipe.HIncrBy(ctx, key, "gen", 1)
	pipe.PExpire(ctx, key, ac.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate auction %d: %w", assetID, err)
	}
	return nil
}

var _ domain.AuctionCache = (*AuctionCache)(nil)
