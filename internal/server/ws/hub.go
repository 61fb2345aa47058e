// Package ws streams committed auction events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// replayLimit caps the stream entries replayed to a reconnecting client.
	replayLimit = 200
)

// Frame formats selected with ?format= on connect.
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client represents a single WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	format string

	mu     sync.RWMutex
	assets map[uint64]bool // empty means every asset
}

// subscribeMsg narrows or widens the set of assets a client follows.
//
//	{"action":"subscribe","assets":["7","9"]}
type subscribeMsg struct {
	Action string   `json:"action"`
	Assets []string `json:"assets"`
}

// frame is one bus message decoded once and encoded lazily per format.
type frame struct {
	raw     []byte
	assetID uint64
	fields  map[string]any

	once  sync.Once
	proto []byte
}

func (f *frame) encode(format string) []byte {
	if format != FormatProto {
		return f.raw
	}
	f.once.Do(func() { f.proto = encodeProto(f.fields) })
	return f.proto
}

// Hub fans bus events out to connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *frame
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// Config carries the metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub reading from bus. bus may be nil.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Run subscribes to every auction channel and serves the hub loop until ctx
// is cancelled. Without a bus the hub is fed through Publish only.
func (h *Hub) Run(ctx context.Context) error {
	var msgs <-chan []byte
	if h.bus != nil {
		var err error
		msgs, err = h.bus.Subscribe(ctx, domain.AuctionChannelPattern)
		if err != nil {
			return err
		}
		h.logger.Info("ws: subscribed", slog.String("channel", domain.AuctionChannelPattern))
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("format", c.format),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed")
				msgs = nil
				continue
			}
			f, err := decodeFrame(data)
			if err != nil {
				h.logger.Warn("ws: dropping undecodable event", slog.String("error", err.Error()))
				continue
			}
			h.dispatch(f)

		case f := <-h.broadcast:
			h.dispatch(f)
		}
	}
}

// Publish delivers committed events straight to clients. It is the event
// path for single-node deployments that run without a bus.
func (h *Hub) Publish(ctx context.Context, events []domain.Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("ws: marshal event %d: %w", e.Seq, err)
		}
		f, err := decodeFrame(payload)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ domain.EventPublisher = (*Hub)(nil)

func (h *Hub) dispatch(f *frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.follows(f.assetID) {
			continue
		}
		select {
		case c.send <- f.encode(c.format):
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

func decodeFrame(data []byte) (*frame, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	f := &frame{raw: data, fields: fields}
	if s, ok := fields["asset_id"].(string); ok {
		f.assetID, _ = strconv.ParseUint(s, 10, 64)
	}
	return f, nil
}

// encodeProto renders fields as a binary google.protobuf.Struct. A nil
// result means the fields could not be represented.
func encodeProto(fields map[string]any) []byte {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil
	}
	return b
}

// HandleWS upgrades the request and registers the client. A client that
// reconnects with since=<stream id> first receives the events it missed,
// then a replay_complete message carrying the id to resume from. Replayed
// and live events may overlap; clients de-duplicate on seq.
// GET /ws?format=json|proto&assets=7,9&since=1700000000000-0
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format != FormatProto {
		format = FormatJSON
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		format: format,
		assets: make(map[uint64]bool),
	}
	if raw := r.URL.Query().Get("assets"); raw != "" {
		c.setAssets("subscribe", strings.Split(raw, ","))
	}

	h.register <- c
	c.sendStatus()
	if since := r.URL.Query().Get("since"); since != "" {
		h.replay(r.Context(), c, since)
	}

	go c.writePump()
	go c.readPump()
}

// replay queues stream entries after since for c.
func (h *Hub) replay(ctx context.Context, c *client, since string) {
	if h.bus == nil {
		c.sendControl(map[string]any{"type": "replay_complete", "last_id": since, "replayed": float64(0)})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	msgs, err := h.bus.StreamRead(ctx, domain.EventStream, since, replayLimit)
	if err != nil {
		h.logger.Warn("ws: replay failed",
			slog.String("since", since),
			slog.String("error", err.Error()),
		)
		return
	}
	lastID, sent := since, 0
	for _, m := range msgs {
		lastID = m.ID
		f, err := decodeFrame(m.Payload)
		if err != nil || !c.follows(f.assetID) {
			continue
		}
		select {
		case c.send <- f.encode(c.format):
			sent++
		default:
		}
	}
	c.sendControl(map[string]any{"type": "replay_complete", "last_id": lastID, "replayed": float64(sent)})
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump handles subscription requests until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.setAssets(sub.Action, sub.Assets)
		}
	}
}

func (c *client) setAssets(action string, assets []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range assets {
		id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil {
			continue
		}
		switch action {
		case "subscribe":
			c.assets[id] = true
		case "unsubscribe":
			delete(c.assets, id)
		}
	}
}

func (c *client) follows(assetID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.assets) == 0 || c.assets[assetID]
}

// sendStatus lets a client mark the connection healthy before any event flows.
func (c *client) sendStatus() {
	uptime := max(int64(time.Since(c.hub.startedAt).Seconds()), 0)
	c.sendControl(map[string]any{
		"type":           "hub_status",
		"mode":           c.hub.mode,
		"uptime_seconds": float64(uptime),
	})
}

// sendControl queues a hub-generated message in the client's format.
func (c *client) sendControl(fields map[string]any) {
	var msg []byte
	if c.format == FormatProto {
		msg = encodeProto(fields)
	} else {
		msg, _ = json.Marshal(fields)
	}
	if msg == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump writes queued frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	kind := websocket.TextMessage
	if c.format == FormatProto {
		kind = websocket.BinaryMessage
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if message == nil {
				continue
			}
			if err := c.conn.WriteMessage(kind, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
