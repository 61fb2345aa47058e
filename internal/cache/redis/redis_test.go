package redis

import (
	"context"
	"math/big"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "auctiond:auction:42", auctionKey(42))
	require.Equal(t, "auctiond:lock:archive:auction_events", lockKey("archive:auction_events"))
	require.Equal(t, "auctiond:ratelimit:0xabc", rateLimitKey("0xabc"))
	require.Equal(t, "auctiond:replay:ab12", replayKey("ab12"))
}

func TestStreamPayload(t *testing.T) {
	data, ok := streamPayload(map[string]any{"payload": "hello"})
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	data, ok = streamPayload(map[string]any{"payload": []byte("raw")})
	require.True(t, ok)
	require.Equal(t, []byte("raw"), data)

	_, ok = streamPayload(map[string]any{"other": "x"})
	require.False(t, ok)
}

func TestClientConfigOptions(t *testing.T) {
	opts, err := ClientConfig{URL: "redis://:secret@cache:6380/2", PoolSize: 7}.Options()
	require.NoError(t, err)
	require.Equal(t, "cache:6380", opts.Addr)
	require.Equal(t, "secret", opts.Password)
	require.Equal(t, 2, opts.DB)
	require.Equal(t, 7, opts.PoolSize)

	opts, err = ClientConfig{Addr: "localhost:6379", TLSEnabled: true}.Options()
	require.NoError(t, err)
	require.NotNil(t, opts.TLSConfig)

	_, err = ClientConfig{URL: "http://nope"}.Options()
	require.Error(t, err)
}

func TestParseGen(t *testing.T) {
	gen, err := parseGen(nil)
	require.NoError(t, err)
	require.Zero(t, gen)

	gen, err = parseGen("7")
	require.NoError(t, err)
	require.EqualValues(t, 7, gen)

	_, err = parseGen("x")
	require.Error(t, err)
}

// newTestClient connects to AUCTIOND_TEST_REDIS_URL or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("AUCTIOND_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AUCTIOND_TEST_REDIS_URL not set")
	}
	c, err := New(context.Background(), ClientConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAuctionCacheDropsSetAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	cache := NewAuctionCache(c, time.Minute)

	assetID := uint64(time.Now().UnixNano())
	t.Cleanup(func() { c.Underlying().Del(context.Background(), auctionKey(assetID)) })

	_, gen, err := cache.Get(ctx, assetID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	view := domain.Auction{ID: 1, AssetID: assetID, StartingPrice: big.NewInt(1), HighestBid: big.NewInt(0), Active: true}

	require.NoError(t, cache.Invalidate(ctx, assetID))
	require.NoError(t, cache.Set(ctx, view, gen))
	_, gen, err = cache.Get(ctx, assetID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, cache.Set(ctx, view, gen))
	got, _, err := cache.Get(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, assetID, got.AssetID)
	require.True(t, got.Active)
}

func TestReplayGuardClaimsOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	guard := NewReplayGuard(c)

	key := strconv.FormatInt(time.Now().UnixNano(), 16)
	t.Cleanup(func() { c.Underlying().Del(context.Background(), replayKey(key)) })

	ok, err := guard.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = guard.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ttl, err := c.Underlying().PTTL(ctx, replayKey(key)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
