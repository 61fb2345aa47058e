package market

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftauction/internal/auction"
	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/store/memory"
)

var (
	escrow = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	alice  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func newMarket(t *testing.T) (*Marketplace, *clock.Mock, *memAudit) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := auction.NewEngine(memory.New(), escrow, logger, auction.WithClock(mock))
	audit := &memAudit{}
	return New(engine, audit, logger), mock, audit
}

func eth(s string) *big.Int { return domain.MustEther(s) }

func TestListedAssetCannotBeAuctioned(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)
	id, err := m.Register(ctx, alice)
	require.NoError(t, err)

	_, err = m.ListItem(ctx, id, eth("1"), alice)
	require.NoError(t, err)

	owner, err := m.Owner(ctx, id)
	require.NoError(t, err)
	require.Equal(t, escrow, owner)

	_, err = m.StartAuction(ctx, id, eth("0.1"), domain.DurationShort, alice)
	require.ErrorIs(t, err, domain.ErrAssetListed)

	_, err = m.Engine().GetAuction(ctx, id)
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

func TestAuctionedAssetCannotBeListed(t *testing.T) {
	ctx := context.Background()
	m, mock, _ := newMarket(t)
	id, err := m.Register(ctx, alice)
	require.NoError(t, err)

	_, err = m.StartAuction(ctx, id, eth("0.1"), domain.DurationShort, alice)
	require.NoError(t, err)

	_, err = m.ListItem(ctx, id, eth("1"), alice)
	require.ErrorIs(t, err, domain.ErrAlreadyAuctioned)

	// Expired but unsettled still blocks listing.
	mock.Add(time.Hour)
	_, err = m.ListItem(ctx, id, eth("1"), alice)
	require.ErrorIs(t, err, domain.ErrAlreadyAuctioned)

	_, err = m.EndAuction(ctx, id, bob)
	require.NoError(t, err)

	_, err = m.ListItem(ctx, id, eth("1"), alice)
	require.NoError(t, err)
}

func TestListItemValidation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)
	id, err := m.Register(ctx, alice)
	require.NoError(t, err)

	_, err = m.ListItem(ctx, id, big.NewInt(0), alice)
	require.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = m.ListItem(ctx, id, eth("1"), bob)
	require.ErrorIs(t, err, domain.ErrInvalidAsset)

	_, err = m.ListItem(ctx, 99, eth("1"), alice)
	require.ErrorIs(t, err, domain.ErrInvalidAsset)

	_, err = m.ListItem(ctx, id, eth("1"), alice)
	require.NoError(t, err)
	_, err = m.ListItem(ctx, id, eth("2"), alice)
	require.ErrorIs(t, err, domain.ErrAssetListed)
}

func TestWithdrawListingReturnsAsset(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)
	id, err := m.Register(ctx, alice)
	require.NoError(t, err)

	err = m.WithdrawListing(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrNotListed)

	_, err = m.ListItem(ctx, id, eth("1"), alice)
	require.NoError(t, err)

	err = m.WithdrawListing(ctx, id, bob)
	require.ErrorIs(t, err, domain.ErrNotSeller)

	require.NoError(t, m.WithdrawListing(ctx, id, alice))
	owner, err := m.Owner(ctx, id)
	require.NoError(t, err)
	require.Equal(t, alice, owner)

	_, err = m.GetListing(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotListed)

	// Withdrawn listings free the asset for auction.
	_, err = m.StartAuction(ctx, id, eth("0.1"), domain.DurationShort, alice)
	require.NoError(t, err)

	history, err := m.Engine().History(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, domain.EventItemListed, history[0].Type)
	require.Equal(t, domain.EventListingWithdrawn, history[1].Type)
	require.Equal(t, domain.EventAuctionStarted, history[2].Type)
}

func TestBuyItemMovesFundsAndAsset(t *testing.T) {
	ctx := context.Background()
	m, _, audit := newMarket(t)
	id, err := m.Register(ctx, alice)
	require.NoError(t, err)
	_, err = m.ListItem(ctx, id, eth("1.5"), alice)
	require.NoError(t, err)

	_, err = m.BuyItem(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrSelfPurchase)

	_, err = m.BuyItem(ctx, id, bob)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = m.Deposit(ctx, bob, eth("2"))
	require.NoError(t, err)

	l, err := m.BuyItem(ctx, id, bob)
	require.NoError(t, err)
	require.Equal(t, eth("1.5"), l.Price)

	owner, err := m.Owner(ctx, id)
	require.NoError(t, err)
	require.Equal(t, bob, owner)

	bal, err := m.Balance(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, eth("0.5"), bal)
	bal, err = m.Balance(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, eth("1.5"), bal)

	_, err = m.BuyItem(ctx, id, bob)
	require.ErrorIs(t, err, domain.ErrNotListed)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Equal(t, "item_sold", entries[len(entries)-1].Event)
}

func TestDepositRejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)

	_, err := m.Deposit(ctx, bob, big.NewInt(0))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	bal, err := m.Deposit(ctx, bob, eth("0.3"))
	require.NoError(t, err)
	require.Equal(t, eth("0.3"), bal)
	bal, err = m.Deposit(ctx, bob, eth("0.2"))
	require.NoError(t, err)
	require.Equal(t, eth("0.5"), bal)
}

func TestRegisterAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)

	first, err := m.Register(ctx, alice)
	require.NoError(t, err)
	second, err := m.Register(ctx, bob)
	require.NoError(t, err)
	require.Greater(t, second, first)

	_, err = m.Register(ctx, common.Address{})
	require.ErrorIs(t, err, domain.ErrInvalidAsset)
}

func TestAuctionThroughMarketplace(t *testing.T) {
	ctx := context.Background()
	m, mock, audit := newMarket(t)
	id, err := m.Register(ctx, alice)
	require.NoError(t, err)
	_, err = m.Deposit(ctx, bob, eth("1"))
	require.NoError(t, err)

	_, err = m.StartAuction(ctx, id, eth("0.1"), domain.DurationMedium, alice)
	require.NoError(t, err)
	_, err = m.PlaceBid(ctx, id, eth("0.4"), bob)
	require.NoError(t, err)

	mock.Add(5 * time.Minute)
	s, err := m.EndAuction(ctx, id, bob)
	require.NoError(t, err)
	require.Equal(t, bob, s.Winner)

	paid, err := m.WithdrawBid(ctx, id, alice)
	require.NoError(t, err)
	require.Equal(t, eth("0.4"), paid)

	bal, err := m.Balance(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, eth("0.4"), bal)

	var settled bool
	entries, _ := audit.List(ctx, domain.ListOpts{})
	for _, e := range entries {
		if e.Event == "auction_settled" {
			settled = true
		}
	}
	require.True(t, settled)
}
