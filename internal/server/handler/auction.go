package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// AuctionService is what the auction handler needs from the marketplace.
type AuctionService interface {
	StartAuction(ctx context.Context, assetID uint64, startingPrice *big.Int, class domain.DurationClass, seller common.Address) (domain.Auction, error)
	PlaceBid(ctx context.Context, assetID uint64, amount *big.Int, bidder common.Address) (domain.Auction, error)
	EndAuction(ctx context.Context, assetID uint64, caller common.Address) (domain.Settlement, error)
	WithdrawBid(ctx context.Context, assetID uint64, account common.Address) (*big.Int, error)

	GetAuction(ctx context.Context, assetID uint64) (domain.Auction, error)
	IsAuctionEnded(ctx context.Context, assetID uint64) (bool, error)
	GetBidAmount(ctx context.Context, assetID uint64, account common.Address) (*big.Int, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Auction, error)
	History(ctx context.Context, assetID uint64, opts domain.ListOpts) ([]domain.Event, error)
	Now() time.Time
}

// AuctionHandler serves /api/auctions.
type AuctionHandler struct {
	auctions AuctionService
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler with the given service and logger.
func NewAuctionHandler(auctions AuctionService, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions: auctions,
		logger:   logHandler(logger, "auction"),
	}
}

type startAuctionRequest struct {
	AssetID       bodyID          `json:"assetId"`
	StartingPrice string          `json:"startingPrice"`
	Duration      json.RawMessage `json:"duration"`
}

// Start opens an auction on an asset the caller holds.
// POST /api/auctions
func (h *AuctionHandler) Start(w http.ResponseWriter, r *http.Request) {
	seller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	var req startAuctionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	assetID, err := parseAssetID(string(req.AssetID))
	if err != nil {
		badRequest(w, err)
		return
	}
	price, err := domain.ParseAmount(req.StartingPrice)
	if err != nil {
		respondError(w, r, h.logger, "start auction", domain.ErrInvalidPrice)
		return
	}
	class, err := domain.ParseDurationClass(strings.Trim(string(req.Duration), `"`))
	if err != nil {
		respondError(w, r, h.logger, "start auction", err)
		return
	}

	a, err := h.auctions.StartAuction(r.Context(), assetID, price, class, seller)
	if err != nil {
		respondError(w, r, h.logger, "start auction", err)
		return
	}
	writeJSON(w, http.StatusCreated, newAuctionResponse(a, h.auctions.Now()))
}

type bidRequest struct {
	Amount string `json:"amount"`
}

// Bid places a bid. The amount is the value the caller attaches.
// POST /api/auctions/{assetId}/bids
func (h *AuctionHandler) Bid(w http.ResponseWriter, r *http.Request) {
	bidder, ok := mustCaller(w, r)
	if !ok {
		return
	}
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var req bidRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	amt, err := domain.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, r, h.logger, "place bid", err)
		return
	}

	a, err := h.auctions.PlaceBid(r.Context(), assetID, amt, bidder)
	if err != nil {
		respondError(w, r, h.logger, "place bid", err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionResponse(a, h.auctions.Now()))
}

// End settles an expired auction. Anyone may call it.
// POST /api/auctions/{assetId}/end
func (h *AuctionHandler) End(w http.ResponseWriter, r *http.Request) {
	who, ok := mustCaller(w, r)
	if !ok {
		return
	}
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	s, err := h.auctions.EndAuction(r.Context(), assetID, who)
	if err != nil {
		respondError(w, r, h.logger, "end auction", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementResponse(s))
}

// Withdraw pays out the caller's escrowed balance for the asset.
// POST /api/auctions/{assetId}/withdraw
func (h *AuctionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	who, ok := mustCaller(w, r)
	if !ok {
		return
	}
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	paid, err := h.auctions.WithdrawBid(r.Context(), assetID, who)
	if err != nil {
		respondError(w, r, h.logger, "withdraw bid", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": strconv.FormatUint(assetID, 10),
		"account":  who.Hex(),
		"amount":   newAmount(paid),
	})
}

type listAuctionsResponse struct {
	Auctions []auctionResponse `json:"auctions"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// List returns auctions that have not been settled.
// GET /api/auctions?limit=50&offset=0
func (h *AuctionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	list, err := h.auctions.ListActive(r.Context(), opts)
	if err != nil {
		respondError(w, r, h.logger, "list auctions", err)
		return
	}
	now := h.auctions.Now()
	out := listAuctionsResponse{
		Auctions: make([]auctionResponse, 0, len(list)),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}
	for _, a := range list {
		out.Auctions = append(out.Auctions, newAuctionResponse(a, now))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get returns the latest auction of an asset.
// GET /api/auctions/{assetId}
func (h *AuctionHandler) Get(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	a, err := h.auctions.GetAuction(r.Context(), assetID)
	if err != nil {
		respondError(w, r, h.logger, "get auction", err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionResponse(a, h.auctions.Now()))
}

// Ended reports whether the asset's auction has reached its end time.
// GET /api/auctions/{assetId}/ended
func (h *AuctionHandler) Ended(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	ended, err := h.auctions.IsAuctionEnded(r.Context(), assetID)
	if err != nil {
		respondError(w, r, h.logger, "auction ended", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": strconv.FormatUint(assetID, 10),
		"ended":    ended,
	})
}

// BidAmount returns what an account can currently withdraw for the asset.
// GET /api/auctions/{assetId}/bids/{address}
func (h *AuctionHandler) BidAmount(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	account, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		badRequest(w, err)
		return
	}
	bal, err := h.auctions.GetBidAmount(r.Context(), assetID, account)
	if err != nil {
		respondError(w, r, h.logger, "bid amount", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": strconv.FormatUint(assetID, 10),
		"account":  account.Hex(),
		"amount":   newAmount(bal),
	})
}

// History returns the asset's event log in emission order.
// GET /api/auctions/{assetId}/history
func (h *AuctionHandler) History(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	events, err := h.auctions.History(r.Context(), assetID, parseListOpts(r))
	if err != nil {
		respondError(w, r, h.logger, "auction history", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": strconv.FormatUint(assetID, 10),
		"events":   events,
	})
}
