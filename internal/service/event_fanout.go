// Package service holds the glue that runs after a ledger commit.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/notify"
)

// EventFanout implements domain.EventPublisher. Each committed event goes to
// the per-asset pub/sub channel and the replay stream, then to every relay
// (JetStream), then to the notifier. Every sink is optional.
type EventFanout struct {
	bus      domain.SignalBus
	relays   []domain.EventPublisher
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewEventFanout creates an EventFanout. bus and notifier may be nil.
func NewEventFanout(bus domain.SignalBus, notifier *notify.Notifier, logger *slog.Logger, relays ...domain.EventPublisher) *EventFanout {
	return &EventFanout{
		bus:      bus,
		relays:   relays,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_fanout")),
	}
}

// Publish delivers events in order. Sinks are independent: a failing sink
// is reported but does not stop the others.
func (f *EventFanout) Publish(ctx context.Context, events []domain.Event) error {
	var errs []error

	if f.bus != nil {
		for _, e := range events {
			if err := f.broadcast(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, r := range f.relays {
		if err := r.Publish(ctx, events); err != nil {
			errs = append(errs, fmt.Errorf("event_fanout: relay: %w", err))
		}
	}

	if f.notifier != nil && f.notifier.Enabled() {
		for _, e := range events {
			if err := f.notifier.NotifyEvent(ctx, e); err != nil {
				errs = append(errs, fmt.Errorf("event_fanout: notify %s: %w", e.Type, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (f *EventFanout) broadcast(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("event_fanout: marshal event %d: %w", e.Seq, err)
	}
	channel := domain.AuctionChannel(e.AssetID)
	if err := f.bus.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("event_fanout: publish %s: %w", channel, err)
	}
	if err := f.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
		return fmt.Errorf("event_fanout: stream append: %w", err)
	}
	f.logger.DebugContext(ctx, "event broadcast",
		slog.String("channel", channel),
		slog.String("type", string(e.Type)),
		slog.Int64("seq", e.Seq),
	)
	return nil
}

var _ domain.EventPublisher = (*EventFanout)(nil)
