package domain

import (
	"context"
	"strconv"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

const (
	// AuctionChannelPattern matches every per-asset event channel.
	AuctionChannelPattern = "ch:auction:*"
	// EventStream is the durable, trimmed stream of every committed event.
	EventStream = "stream:auction:events"
)

// AuctionChannel is the pub/sub channel carrying events of one asset.
func AuctionChannel(assetID uint64) string {
	return "ch:auction:" + strconv.FormatUint(assetID, 10)
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// ReplayGuard remembers signed requests that were already served.
type ReplayGuard interface {
	// Claim records key for ttl. It reports false when key is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// AuctionCache is a read-through cache of auction views. It is never
// authoritative; every mutation invalidates the asset's entry.
//
// Each entry carries a generation that Invalidate bumps. Get reports the
// generation even on a miss (with ErrNotFound), and Set stores a view only
// while the generation is unchanged, so a view read before a commit cannot
// be cached after that commit's invalidation.
type AuctionCache interface {
	Get(ctx context.Context, assetID uint64) (Auction, int64, error)
	Set(ctx context.Context, a Auction, gen int64) error
	Invalidate(ctx context.Context, assetID uint64) error
}

// EventPublisher fans committed events out to subscribers. Publishing
// happens after commit, so a failure never rolls state back.
type EventPublisher interface {
	Publish(ctx context.Context, events []Event) error
}
