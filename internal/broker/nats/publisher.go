// Package nats relays committed auction events to a NATS JetStream stream so
// downstream consumers get at-least-once delivery independent of the
// websocket fan-out.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// Config holds the JetStream connection and stream settings.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Publisher implements domain.EventPublisher on JetStream. Every event goes
// to <prefix>.<assetID> with its ledger sequence as the dedup message id.
type Publisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("auctiond"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Committed auction and listing events",
		Subjects:    []string{cfg.SubjectPrefix + ".*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: ensure stream %s: %w", cfg.Stream, err)
	}

	return &Publisher{
		conn:   conn,
		js:     js,
		prefix: cfg.SubjectPrefix,
		logger: logger.With(slog.String("component", "nats_publisher")),
	}, nil
}

// Subject returns the subject an event of assetID is published on.
func Subject(prefix string, assetID uint64) string {
	return prefix + "." + strconv.FormatUint(assetID, 10)
}

// Publish sends events in order and waits for each ack.
func (p *Publisher) Publish(ctx context.Context, events []domain.Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("nats: marshal event %d: %w", e.Seq, err)
		}
		subject := Subject(p.prefix, e.AssetID)
		ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(strconv.FormatInt(e.Seq, 10)))
		if err != nil {
			return fmt.Errorf("nats: publish %s: %w", subject, err)
		}
		p.logger.DebugContext(ctx, "event relayed",
			slog.String("subject", subject),
			slog.String("type", string(e.Type)),
			slog.Uint64("stream_seq", ack.Sequence),
			slog.Bool("duplicate", ack.Duplicate),
		)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

var _ domain.EventPublisher = (*Publisher)(nil)
