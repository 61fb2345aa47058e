package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// AuditLog is an in-memory domain.AuditStore for the memory backend.
type AuditLog struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditLog creates an empty AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{now: time.Now}
}

// Log appends an entry; detail is copied.
func (a *AuditLog) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: a.now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (a *AuditLog) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range slices.Backward(a.entries) {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

var _ domain.AuditStore = (*AuditLog)(nil)
