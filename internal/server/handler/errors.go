package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

type errStatus struct {
	err    error
	status int
}

// errorStatuses is searched in order; the first sentinel matched wins.
var errorStatuses = []errStatus{
	{domain.ErrAuctionNotFound, http.StatusNotFound},
	{domain.ErrNotListed, http.StatusNotFound},
	{domain.ErrNotFound, http.StatusNotFound},

	{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
	{domain.ErrUnauthorized, http.StatusUnauthorized},
	{domain.ErrNotSeller, http.StatusForbidden},
	{domain.ErrRateLimited, http.StatusTooManyRequests},

	{domain.ErrAlreadyAuctioned, http.StatusConflict},
	{domain.ErrAssetListed, http.StatusConflict},
	{domain.ErrAuctionNotActive, http.StatusConflict},
	{domain.ErrAuctionExpired, http.StatusConflict},
	{domain.ErrAuctionStillRunning, http.StatusConflict},
	{domain.ErrAuctionAlreadyEnded, http.StatusConflict},
	{domain.ErrNoFundsToWithdraw, http.StatusConflict},
	{domain.ErrLockHeld, http.StatusConflict},

	{domain.ErrInvalidAsset, http.StatusUnprocessableEntity},
	{domain.ErrInvalidPrice, http.StatusUnprocessableEntity},
	{domain.ErrInvalidDuration, http.StatusUnprocessableEntity},
	{domain.ErrBidTooLow, http.StatusUnprocessableEntity},
	{domain.ErrSelfBid, http.StatusUnprocessableEntity},
	{domain.ErrSelfPurchase, http.StatusUnprocessableEntity},
	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity},
}

// classify maps err onto an HTTP status and a client-safe message.
func classify(err error) (int, string) {
	for _, es := range errorStatuses {
		if errors.Is(err, es.err) {
			return es.status, es.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal server error"
}

// respondError writes err to the client. Only infrastructure failures are
// logged; their detail never reaches the response.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, msg := classify(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, msg)
}
