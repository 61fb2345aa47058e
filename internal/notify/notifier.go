// Package notify pushes settlement and sale alerts to operator chat channels.
// Events are filtered by type so operators receive only what they asked for.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Notification is the channel-agnostic alert body.
type Notification struct {
	Title  string
	Body   string
	Fields []Field
}

// Field is a labelled value rendered under the body.
type Field struct {
	Name  string
	Value string
}

// Notifier dispatches notifications to every Sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Wants reports whether events of type t pass the filter.
func (n *Notifier) Wants(t domain.EventType) bool {
	return len(n.events) == 0 || n.events[t]
}

// NotifyEvent renders e and sends it if its type passes the filter.
func (n *Notifier) NotifyEvent(ctx context.Context, e domain.Event) error {
	if !n.Wants(e.Type) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(e.Type)))
		return nil
	}
	return n.dispatch(ctx, Render(e))
}

// NotifyAll bypasses the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, body string) error {
	return n.dispatch(ctx, Notification{Title: title, Body: body})
}

// dispatch tries every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, msg Notification) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// Render turns an event into a human-readable notification.
func Render(e domain.Event) Notification {
	asset := fmt.Sprintf("#%d", e.AssetID)
	amount := domain.FormatEther(e.Amount) + " ETH"

	switch e.Type {
	case domain.EventAuctionEnded:
		if e.Account == (common.Address{}) {
			return Notification{
				Title: "Auction ended without bids",
				Body:  fmt.Sprintf("Asset %s returned to %s.", asset, e.Seller.Hex()),
			}
		}
		return Notification{
			Title: "Auction settled",
			Body:  fmt.Sprintf("Asset %s sold at auction for %s.", asset, amount),
			Fields: []Field{
				{Name: "Winner", Value: e.Account.Hex()},
				{Name: "Seller", Value: e.Seller.Hex()},
			},
		}
	case domain.EventItemSold:
		return Notification{
			Title: "Item sold",
			Body:  fmt.Sprintf("Asset %s bought for %s.", asset, amount),
			Fields: []Field{
				{Name: "Buyer", Value: e.Account.Hex()},
				{Name: "Seller", Value: e.Seller.Hex()},
			},
		}
	default:
		return Notification{
			Title: string(e.Type),
			Body:  fmt.Sprintf("Asset %s: %s by %s.", asset, amount, e.Account.Hex()),
		}
	}
}
