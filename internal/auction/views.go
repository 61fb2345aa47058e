package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// View runs fn in a read-only ledger transaction.
func (e *Engine) View(ctx context.Context, fn func(tx domain.Tx) error) error {
	return e.ledger.View(ctx, fn)
}

// GetAuction returns the latest auction of assetID. An expired but unsettled
// auction still reports Active; use IsAuctionEnded for expiry.
func (e *Engine) GetAuction(ctx context.Context, assetID uint64) (domain.Auction, error) {
	var gen int64
	cacheable := false
	if e.cache != nil {
		a, g, err := e.cache.Get(ctx, assetID)
		switch {
		case err == nil:
			return a, nil
		case errors.Is(err, domain.ErrNotFound):
			gen, cacheable = g, true
		default:
			e.logger.WarnContext(ctx, "auction cache get failed",
				slog.Uint64("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}

	var out domain.Auction
	err := e.ledger.View(ctx, func(tx domain.Tx) error {
		var err error
		out, err = e.latest(ctx, tx, assetID)
		return err
	})
	if err != nil {
		return domain.Auction{}, err
	}

	if cacheable {
		if err := e.cache.Set(ctx, out, gen); err != nil {
			e.logger.WarnContext(ctx, "auction cache set failed",
				slog.Uint64("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}
	return out, nil
}

// IsAuctionEnded is the derived condition now >= endTime.
func (e *Engine) IsAuctionEnded(ctx context.Context, assetID uint64) (bool, error) {
	a, err := e.GetAuction(ctx, assetID)
	if err != nil {
		return false, err
	}
	return a.Expired(e.Now()), nil
}

// GetBidAmount returns what account can currently withdraw for assetID.
func (e *Engine) GetBidAmount(ctx context.Context, assetID uint64, account common.Address) (*big.Int, error) {
	total := new(big.Int)
	err := e.ledger.View(ctx, func(tx domain.Tx) error {
		ids, err := tx.Auctions().IDsByAsset(ctx, assetID)
		if err != nil {
			return fmt.Errorf("auction: bid amount: list auctions: %w", err)
		}
		for _, id := range ids {
			bal, err := tx.Escrow().Balance(ctx, id, account)
			if err != nil {
				return fmt.Errorf("auction: bid amount: balance: %w", err)
			}
			total.Add(total, bal)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// ListActive returns auctions that have not been settled, oldest first.
func (e *Engine) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Auction, error) {
	var out []domain.Auction
	err := e.ledger.View(ctx, func(tx domain.Tx) error {
		var err error
		out, err = tx.Auctions().ListActive(ctx, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("auction: list active: %w", err)
	}
	return out, nil
}

// History returns the event log of assetID in emission order.
func (e *Engine) History(ctx context.Context, assetID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	err := e.ledger.View(ctx, func(tx domain.Tx) error {
		var err error
		out, err = tx.Events().ListByAsset(ctx, assetID, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("auction: history: %w", err)
	}
	return out, nil
}
