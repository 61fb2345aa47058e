package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// AccountService covers asset registration and spendable balances. Register
// and Deposit are operator actions.
type AccountService interface {
	Register(ctx context.Context, owner common.Address) (uint64, error)
	Owner(ctx context.Context, assetID uint64) (common.Address, error)
	Deposit(ctx context.Context, account common.Address, amount *big.Int) (*big.Int, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// AccountHandler serves /api/assets and /api/accounts.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logHandler(logger, "account")}
}

type registerRequest struct {
	Owner string `json:"owner"`
}

// RegisterAsset mints a new asset id in the owner's custody.
// POST /api/assets
func (h *AccountHandler) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		badRequest(w, err)
		return
	}
	id, err := h.accounts.Register(r.Context(), owner)
	if err != nil {
		respondError(w, r, h.logger, "register asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"asset_id": strconv.FormatUint(id, 10),
		"owner":    owner.Hex(),
	})
}

// AssetOwner returns the current custodian of an asset. While the asset is
// listed or auctioned that is the escrow address.
// GET /api/assets/{assetId}
func (h *AccountHandler) AssetOwner(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(pathParam(r, "assetId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	owner, err := h.accounts.Owner(r.Context(), assetID)
	if err != nil {
		respondError(w, r, h.logger, "asset owner", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset_id":  strconv.FormatUint(assetID, 10),
		"custodian": owner.Hex(),
	})
}

type depositRequest struct {
	Amount string `json:"amount"`
}

// Deposit credits an account's spendable balance.
// POST /api/accounts/{address}/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	amt, err := domain.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, r, h.logger, "deposit", err)
		return
	}
	bal, err := h.accounts.Deposit(r.Context(), account, amt)
	if err != nil {
		respondError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account.Hex(),
		"balance": newAmount(bal),
	})
}

// Balance returns an account's spendable balance.
// GET /api/accounts/{address}
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		badRequest(w, err)
		return
	}
	bal, err := h.accounts.Balance(r.Context(), account)
	if err != nil {
		respondError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account.Hex(),
		"balance": newAmount(bal),
	})
}
