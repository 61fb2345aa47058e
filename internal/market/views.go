package market

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

func (m *Marketplace) GetAuction(ctx context.Context, assetID uint64) (domain.Auction, error) {
	return m.engine.GetAuction(ctx, assetID)
}

func (m *Marketplace) IsAuctionEnded(ctx context.Context, assetID uint64) (bool, error) {
	return m.engine.IsAuctionEnded(ctx, assetID)
}

func (m *Marketplace) GetBidAmount(ctx context.Context, assetID uint64, account common.Address) (*big.Int, error) {
	return m.engine.GetBidAmount(ctx, assetID, account)
}

func (m *Marketplace) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Auction, error) {
	return m.engine.ListActive(ctx, opts)
}

func (m *Marketplace) History(ctx context.Context, assetID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	return m.engine.History(ctx, assetID, opts)
}

// Now is the marketplace clock, used by callers that derive time-based views.
func (m *Marketplace) Now() time.Time { return m.engine.Now() }
