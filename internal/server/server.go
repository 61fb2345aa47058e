// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raulk/clock"

	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/server/handler"
	"github.com/alanyoungcy/nftauction/internal/server/middleware"
	"github.com/alanyoungcy/nftauction/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	APIKey        string        // operator routes; empty disables the check
	SignatureSkew time.Duration // accepted drift of X-Auction-Timestamp
	RateLimit     int           // requests per RateWindow per client; 0 disables
	RateWindow    time.Duration

	// Replay remembers served signed requests; nil keeps them in process.
	Replay domain.ReplayGuard
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Auctions *handler.AuctionHandler
	Listings *handler.ListingHandler
	Accounts *handler.AccountHandler
	Audit    *handler.AuditHandler // optional
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter, clk and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, clk clock.Clock, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, handlers, wsHub, limiter, clk, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the routed, middleware-wrapped handler.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, clk clock.Clock, logger *slog.Logger) http.Handler {
	if clk == nil {
		clk = clock.New()
	}
	skew := cfg.SignatureSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	limit := middleware.RateLimit(limiter, cfg.RateLimit, window, logger)
	auth := middleware.Signature(skew, clk, cfg.Replay, logger)
	operator := middleware.APIKey(cfg.APIKey)

	signed := func(h http.HandlerFunc) http.Handler { return auth(limit(h)) }
	op := func(h http.HandlerFunc) http.Handler { return operator(h) }

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Operator endpoints.
	mux.Handle("POST /api/assets", op(handlers.Accounts.RegisterAsset))
	mux.Handle("POST /api/accounts/{address}/deposit", op(handlers.Accounts.Deposit))
	mux.HandleFunc("GET /api/assets/{assetId}", handlers.Accounts.AssetOwner)
	mux.HandleFunc("GET /api/accounts/{address}", handlers.Accounts.Balance)
	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", op(handlers.Audit.List))
	}

	// Auction endpoints.
	mux.Handle("POST /api/auctions", signed(handlers.Auctions.Start))
	mux.Handle("POST /api/auctions/{assetId}/bids", signed(handlers.Auctions.Bid))
	mux.Handle("POST /api/auctions/{assetId}/end", signed(handlers.Auctions.End))
	mux.Handle("POST /api/auctions/{assetId}/withdraw", signed(handlers.Auctions.Withdraw))
	mux.HandleFunc("GET /api/auctions", handlers.Auctions.List)
	mux.HandleFunc("GET /api/auctions/{assetId}", handlers.Auctions.Get)
	mux.HandleFunc("GET /api/auctions/{assetId}/ended", handlers.Auctions.Ended)
	mux.HandleFunc("GET /api/auctions/{assetId}/bids/{address}", handlers.Auctions.BidAmount)
	mux.HandleFunc("GET /api/auctions/{assetId}/history", handlers.Auctions.History)

	// Listing endpoints.
	mux.Handle("POST /api/listings", signed(handlers.Listings.Create))
	mux.Handle("DELETE /api/listings/{assetId}", signed(handlers.Listings.Withdraw))
	mux.Handle("POST /api/listings/{assetId}/buy", signed(handlers.Listings.Buy))
	mux.HandleFunc("GET /api/listings/{assetId}", handlers.Listings.Get)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = limit(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }
