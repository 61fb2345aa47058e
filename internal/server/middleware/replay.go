package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// replayCacheSize caps the requests remembered by a single process. Past it
// the oldest entries are evicted early.
const replayCacheSize = 100_000

// LocalReplayGuard is a per-process domain.ReplayGuard for deployments
// without Redis. Entries live for the ttl it was created with.
type LocalReplayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewLocalReplayGuard remembers claimed keys for ttl.
func NewLocalReplayGuard(ttl time.Duration) *LocalReplayGuard {
	return &LocalReplayGuard{seen: expirable.NewLRU[string, struct{}](replayCacheSize, nil, ttl)}
}

// Claim reports false for a key claimed within the guard's ttl. The ttl
// argument is ignored.
func (g *LocalReplayGuard) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen.Peek(key); ok {
		return false, nil
	}
	g.seen.Add(key, struct{}{})
	return true, nil
}

var _ domain.ReplayGuard = (*LocalReplayGuard)(nil)
