// Package market composes the auction engine with fixed-price listings and
// the operator-side account bookkeeping. An asset is either listed or under
// auction, never both.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/auction"
	"github.com/alanyoungcy/nftauction/internal/domain"
)

// Marketplace is the entry point the HTTP layer talks to.
type Marketplace struct {
	engine *auction.Engine
	audit  domain.AuditStore
	logger *slog.Logger
}

// New creates a Marketplace. audit may be nil.
func New(engine *auction.Engine, audit domain.AuditStore, logger *slog.Logger) *Marketplace {
	return &Marketplace{
		engine: engine,
		audit:  audit,
		logger: logger.With(slog.String("component", "marketplace")),
	}
}

// Engine exposes the underlying auction engine for read-only views.
func (m *Marketplace) Engine() *auction.Engine { return m.engine }

// Register mints a new asset id in owner's custody.
func (m *Marketplace) Register(ctx context.Context, owner common.Address) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, fmt.Errorf("market: register: %w", domain.ErrInvalidAsset)
	}
	var id uint64
	err := m.engine.Do(ctx, 0, func(t *auction.Txn) error {
		var err error
		id, err = t.Assets().Register(ctx, owner)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("market: register: %w", err)
	}
	m.logger.InfoContext(ctx, "asset registered",
		slog.Uint64("asset_id", id),
		slog.String("owner", owner.Hex()),
	)
	m.auditLog(ctx, "asset_registered", map[string]any{"asset_id": id, "owner": owner.Hex()})
	return id, nil
}

// Deposit credits account's spendable balance.
func (m *Marketplace) Deposit(ctx context.Context, account common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var bal *big.Int
	err := m.engine.Do(ctx, 0, func(t *auction.Txn) error {
		if err := t.Funds().Add(ctx, account, amount); err != nil {
			return err
		}
		var err error
		bal, err = t.Funds().Balance(ctx, account)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: deposit: %w", err)
	}
	m.logger.InfoContext(ctx, "deposit",
		slog.String("account", account.Hex()),
		slog.String("amount", domain.FormatEther(amount)),
	)
	m.auditLog(ctx, "deposit", map[string]any{"account": account.Hex(), "amount_wei": amount.String()})
	return bal, nil
}

// Balance returns account's spendable balance.
func (m *Marketplace) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := m.engine.View(ctx, func(tx domain.Tx) error {
		var err error
		bal, err = tx.Funds().Balance(ctx, account)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: balance: %w", err)
	}
	return bal, nil
}

// StartAuction starts an auction unless the asset is currently listed.
func (m *Marketplace) StartAuction(ctx context.Context, assetID uint64, startingPrice *big.Int, class domain.DurationClass, seller common.Address) (domain.Auction, error) {
	var out domain.Auction
	err := m.engine.Do(ctx, assetID, func(t *auction.Txn) error {
		listed, err := isListed(ctx, t, assetID)
		if err != nil {
			return err
		}
		if listed {
			return domain.ErrAssetListed
		}
		out, err = m.engine.StartAuctionTx(ctx, t, assetID, startingPrice, class, seller)
		return err
	})
	return out, err
}

// PlaceBid forwards to the engine.
func (m *Marketplace) PlaceBid(ctx context.Context, assetID uint64, amount *big.Int, bidder common.Address) (domain.Auction, error) {
	return m.engine.PlaceBid(ctx, assetID, amount, bidder)
}

// EndAuction forwards to the engine.
func (m *Marketplace) EndAuction(ctx context.Context, assetID uint64, caller common.Address) (domain.Settlement, error) {
	s, err := m.engine.EndAuction(ctx, assetID, caller)
	if err == nil {
		m.auditLog(ctx, "auction_settled", map[string]any{
			"auction_id":  s.AuctionID,
			"asset_id":    s.AssetID,
			"winner":      s.Winner.Hex(),
			"winning_wei": s.WinningBid.String(),
		})
	}
	return s, err
}

// WithdrawBid forwards to the engine.
func (m *Marketplace) WithdrawBid(ctx context.Context, assetID uint64, account common.Address) (*big.Int, error) {
	return m.engine.WithdrawBid(ctx, assetID, account)
}

// ListItem offers assetID at a fixed price. Custody moves to escrow.
func (m *Marketplace) ListItem(ctx context.Context, assetID uint64, price *big.Int, seller common.Address) (domain.Listing, error) {
	if price == nil || price.Sign() <= 0 {
		return domain.Listing{}, domain.ErrInvalidPrice
	}
	var out domain.Listing
	err := m.engine.Do(ctx, assetID, func(t *auction.Txn) error {
		open, err := m.engine.HasOpenAuction(ctx, t, assetID)
		if err != nil {
			return err
		}
		if open {
			return domain.ErrAlreadyAuctioned
		}
		listed, err := isListed(ctx, t, assetID)
		if err != nil {
			return err
		}
		if listed {
			return domain.ErrAssetListed
		}

		custodian, err := t.Assets().CustodianOf(ctx, assetID)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && custodian != seller) {
			return domain.ErrInvalidAsset
		}
		if err != nil {
			return fmt.Errorf("market: list: custodian: %w", err)
		}
		if err := t.Assets().Transfer(ctx, assetID, seller, m.engine.Escrow()); err != nil {
			return fmt.Errorf("market: list: escrow asset: %w", err)
		}

		out = domain.Listing{
			AssetID:  assetID,
			Seller:   seller,
			Price:    new(big.Int).Set(price),
			ListedAt: t.Now,
		}
		if err := t.Listings().Put(ctx, out); err != nil {
			return fmt.Errorf("market: list: save: %w", err)
		}
		return t.Emit(ctx, domain.Event{
			Type:    domain.EventItemListed,
			AssetID: assetID,
			Seller:  seller,
			Account: seller,
			Amount:  new(big.Int).Set(price),
		})
	})
	if err != nil {
		return domain.Listing{}, err
	}
	m.logger.InfoContext(ctx, "item listed",
		slog.Uint64("asset_id", assetID),
		slog.String("seller", seller.Hex()),
		slog.String("price", domain.FormatEther(price)),
	)
	return out, nil
}

// WithdrawListing removes a listing and returns the asset to its seller.
func (m *Marketplace) WithdrawListing(ctx context.Context, assetID uint64, seller common.Address) error {
	return m.engine.Do(ctx, assetID, func(t *auction.Txn) error {
		l, err := listing(ctx, t, assetID)
		if err != nil {
			return err
		}
		if l.Seller != seller {
			return domain.ErrNotSeller
		}
		if err := t.Listings().Delete(ctx, assetID); err != nil {
			return fmt.Errorf("market: withdraw listing: delete: %w", err)
		}
		if err := t.Assets().Transfer(ctx, assetID, m.engine.Escrow(), seller); err != nil {
			return fmt.Errorf("market: withdraw listing: return asset: %w", err)
		}
		return t.Emit(ctx, domain.Event{
			Type:    domain.EventListingWithdrawn,
			AssetID: assetID,
			Seller:  seller,
			Account: seller,
			Amount:  l.Price,
		})
	})
}

// BuyItem pays the listing price from buyer to seller and delivers the asset.
func (m *Marketplace) BuyItem(ctx context.Context, assetID uint64, buyer common.Address) (domain.Listing, error) {
	var out domain.Listing
	err := m.engine.Do(ctx, assetID, func(t *auction.Txn) error {
		l, err := listing(ctx, t, assetID)
		if err != nil {
			return err
		}
		if l.Seller == buyer {
			return domain.ErrSelfPurchase
		}
		if err := t.Funds().Sub(ctx, buyer, l.Price); err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				return err
			}
			return fmt.Errorf("market: buy: collect funds: %w", err)
		}
		if err := t.Funds().Add(ctx, l.Seller, l.Price); err != nil {
			return fmt.Errorf("market: buy: pay seller: %w", err)
		}
		if err := t.Listings().Delete(ctx, assetID); err != nil {
			return fmt.Errorf("market: buy: delete listing: %w", err)
		}
		if err := t.Assets().Transfer(ctx, assetID, m.engine.Escrow(), buyer); err != nil {
			return fmt.Errorf("market: buy: deliver asset: %w", err)
		}
		out = l
		return t.Emit(ctx, domain.Event{
			Type:    domain.EventItemSold,
			AssetID: assetID,
			Seller:  l.Seller,
			Account: buyer,
			Amount:  new(big.Int).Set(l.Price),
		})
	})
	if err != nil {
		return domain.Listing{}, err
	}
	m.logger.InfoContext(ctx, "item sold",
		slog.Uint64("asset_id", assetID),
		slog.String("buyer", buyer.Hex()),
		slog.String("price", domain.FormatEther(out.Price)),
	)
	m.auditLog(ctx, "item_sold", map[string]any{
		"asset_id":  assetID,
		"seller":    out.Seller.Hex(),
		"buyer":     buyer.Hex(),
		"price_wei": out.Price.String(),
	})
	return out, nil
}

// GetListing returns the active listing of assetID or ErrNotListed.
func (m *Marketplace) GetListing(ctx context.Context, assetID uint64) (domain.Listing, error) {
	var out domain.Listing
	err := m.engine.View(ctx, func(tx domain.Tx) error {
		var err error
		out, err = listing(ctx, tx, assetID)
		return err
	})
	return out, err
}

// Owner returns the current custodian of assetID.
func (m *Marketplace) Owner(ctx context.Context, assetID uint64) (common.Address, error) {
	var out common.Address
	err := m.engine.View(ctx, func(tx domain.Tx) error {
		var err error
		out, err = tx.Assets().CustodianOf(ctx, assetID)
		return err
	})
	return out, err
}

func (m *Marketplace) auditLog(ctx context.Context, event string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(context.WithoutCancel(ctx), event, detail); err != nil {
		m.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func listing(ctx context.Context, tx domain.Tx, assetID uint64) (domain.Listing, error) {
	l, err := tx.Listings().Get(ctx, assetID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Listing{}, domain.ErrNotListed
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("market: load listing: %w", err)
	}
	return l, nil
}

func isListed(ctx context.Context, tx domain.Tx, assetID uint64) (bool, error) {
	_, err := listing(ctx, tx, assetID)
	if errors.Is(err, domain.ErrNotListed) {
		return false, nil
	}
	return err == nil, err
}
