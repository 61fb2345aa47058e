package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// ListingService is the fixed-price side of the marketplace.
type ListingService interface {
	ListItem(ctx context.Context, assetID uint64, price *big.Int, seller common.Address) (domain.Listing, error)
	WithdrawListing(ctx context.Context, assetID uint64, seller common.Address) error
	BuyItem(ctx context.Context, assetID uint64, buyer common.Address) (domain.Listing, error)
	GetListing(ctx context.Context, assetID uint64) (domain.Listing, error)
}

// ListingHandler serves /api/listings.
type ListingHandler struct {
	listings ListingService
	logger   *slog.Logger
}

func NewListingHandler(listings ListingService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{listings: listings, logger: logHandler(logger, "listing")}
}

type createListingRequest struct {
	AssetID bodyID `json:"assetId"`
	Price   string `json:"price"`
}

// Create lists an asset for sale.
// POST /api/listings
func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	seller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	var req createListingRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	assetID, err := parseAssetID(string(req.AssetID))
	if err != nil {
		badRequest(w, err)
		return
	}
	price, err := domain.ParseAmount(req.Price)
	if err != nil {
		respondError(w, r, h.logger, "list item", domain.ErrInvalidPrice)
		return
	}
	l, err := h.listings.ListItem(r.Context(), assetID, price, seller)
	if err != nil {
		respondError(w, r, h.logger, "list item", err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingResponse(l))
}

// Withdraw removes the caller's listing and returns the asset.
// DELETE /api/listings/{assetId}
func (h *ListingHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	seller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := h.listings.WithdrawListing(r.Context(), assetID, seller); err != nil {
		respondError(w, r, h.logger, "withdraw listing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Buy purchases a listed asset out of the caller's funds.
// POST /api/listings/{assetId}/buy
func (h *ListingHandler) Buy(w http.ResponseWriter, r *http.Request) {
	buyer, ok := mustCaller(w, r)
	if !ok {
		return
	}
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	l, err := h.listings.BuyItem(r.Context(), assetID, buyer)
	if err != nil {
		respondError(w, r, h.logger, "buy item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listing": newListingResponse(l),
		"buyer":   buyer.Hex(),
	})
}

// Get returns the asset's listing.
// GET /api/listings/{assetId}
func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	l, err := h.listings.GetListing(r.Context(), assetID)
	if err != nil {
		respondError(w, r, h.logger, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(l))
}
