package postgres_test

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftauction/internal/auction"
	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/store/postgres"
)

var escrowAddr = common.HexToAddress("0x000000000000000000000000000000000000e5c0")

// newTestLedger connects to AUCTIOND_TEST_POSTGRES_DSN, applies migrations
// and returns a ledger, or skips.
func newTestLedger(t *testing.T) *postgres.Ledger {
	t.Helper()
	dsn := os.Getenv("AUCTIOND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUCTIOND_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := postgres.New(ctx, postgres.ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	_, err = c.RunMigrations(ctx)
	require.NoError(t, err)
	return postgres.NewLedger(c.Pool())
}

// freshAddress returns an account no earlier run has touched.
func freshAddress(t *testing.T) common.Address {
	t.Helper()
	var a common.Address
	_, err := rand.Read(a[:])
	require.NoError(t, err)
	return a
}

func mint(t *testing.T, l *postgres.Ledger, owner common.Address) uint64 {
	t.Helper()
	var id uint64
	require.NoError(t, l.Update(context.Background(), func(tx domain.Tx) error {
		var err error
		id, err = tx.Assets().Register(context.Background(), owner)
		return err
	}))
	return id
}

func deposit(t *testing.T, l *postgres.Ledger, account common.Address, eth string) {
	t.Helper()
	require.NoError(t, l.Update(context.Background(), func(tx domain.Tx) error {
		return tx.Funds().Add(context.Background(), account, domain.MustEther(eth))
	}))
}

func funds(t *testing.T, l *postgres.Ledger, account common.Address) *big.Int {
	t.Helper()
	var bal *big.Int
	require.NoError(t, l.View(context.Background(), func(tx domain.Tx) error {
		var err error
		bal, err = tx.Funds().Balance(context.Background(), account)
		return err
	}))
	return bal
}

func custodian(t *testing.T, l *postgres.Ledger, assetID uint64) common.Address {
	t.Helper()
	var c common.Address
	require.NoError(t, l.View(context.Background(), func(tx domain.Tx) error {
		var err error
		c, err = tx.Assets().CustodianOf(context.Background(), assetID)
		return err
	}))
	return c
}

func newEngine(l *postgres.Ledger) (*auction.Engine, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Now().UTC().Truncate(time.Second))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return auction.NewEngine(l, escrowAddr, logger, auction.WithClock(mock)), mock
}

func TestLedgerAuctionLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	engine, mock := newEngine(l)

	seller, bidder1, bidder2 := freshAddress(t), freshAddress(t), freshAddress(t)
	assetID := mint(t, l, seller)
	deposit(t, l, bidder1, "1")
	deposit(t, l, bidder2, "1")

	_, err := engine.StartAuction(ctx, assetID, domain.MustEther("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)
	require.Equal(t, escrowAddr, custodian(t, l, assetID))

	_, err = engine.PlaceBid(ctx, assetID, domain.MustEther("0.15"), bidder1)
	require.NoError(t, err)
	_, err = engine.PlaceBid(ctx, assetID, domain.MustEther("0.15"), bidder2)
	require.ErrorIs(t, err, domain.ErrBidTooLow)
	_, err = engine.PlaceBid(ctx, assetID, domain.MustEther("0.25"), bidder2)
	require.NoError(t, err)

	owed, err := engine.GetBidAmount(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, domain.MustEther("0.15"), owed)

	_, err = engine.EndAuction(ctx, assetID, seller)
	require.ErrorIs(t, err, domain.ErrAuctionStillRunning)

	mock.Add(time.Minute)
	s, err := engine.EndAuction(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, bidder2, s.Winner)
	require.Equal(t, domain.MustEther("0.25"), s.WinningBid)
	require.Equal(t, bidder2, custodian(t, l, assetID))

	_, err = engine.EndAuction(ctx, assetID, seller)
	require.ErrorIs(t, err, domain.ErrAuctionAlreadyEnded)

	paid, err := engine.WithdrawBid(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, domain.MustEther("0.15"), paid)
	paid, err = engine.WithdrawBid(ctx, assetID, seller)
	require.NoError(t, err)
	require.Equal(t, domain.MustEther("0.25"), paid)
	_, err = engine.WithdrawBid(ctx, assetID, seller)
	require.ErrorIs(t, err, domain.ErrNoFundsToWithdraw)

	require.Equal(t, domain.MustEther("1"), funds(t, l, bidder1))
	require.Equal(t, domain.MustEther("0.75"), funds(t, l, bidder2))
	require.Equal(t, domain.MustEther("0.25"), funds(t, l, seller))

	history, err := engine.History(ctx, assetID, domain.ListOpts{})
	require.NoError(t, err)
	var types []domain.EventType
	for _, e := range history {
		types = append(types, e.Type)
	}
	require.Equal(t, []domain.EventType{
		domain.EventAuctionStarted,
		domain.EventBidPlaced,
		domain.EventBidPlaced,
		domain.EventAuctionEnded,
	}, types)
}

func TestLedgerFundsAndEscrow(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	engine, _ := newEngine(l)
	account := freshAddress(t)
	deposit(t, l, account, "0.5")

	seller := freshAddress(t)
	a, err := engine.StartAuction(ctx, mint(t, l, seller), domain.MustEther("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)

	err = l.Update(ctx, func(tx domain.Tx) error {
		return tx.Funds().Sub(ctx, account, domain.MustEther("0.6"))
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.Equal(t, domain.MustEther("0.5"), funds(t, l, account))

	// Large values keep full precision through NUMERIC.
	require.NoError(t, l.Update(ctx, func(tx domain.Tx) error {
		return tx.Funds().Add(ctx, account, domain.MaxAmount)
	}))
	require.Equal(t, new(big.Int).Add(domain.MaxAmount, domain.MustEther("0.5")), funds(t, l, account))

	auctionID := a.ID
	require.NoError(t, l.Update(ctx, func(tx domain.Tx) error {
		if err := tx.Escrow().Credit(ctx, auctionID, account, domain.MustEther("0.2")); err != nil {
			return err
		}
		return tx.Escrow().Credit(ctx, auctionID, account, domain.MustEther("0.3"))
	}))

	var got, after *big.Int
	require.NoError(t, l.Update(ctx, func(tx domain.Tx) error {
		var err error
		if got, err = tx.Escrow().Debit(ctx, auctionID, account); err != nil {
			return err
		}
		after, err = tx.Escrow().Balance(ctx, auctionID, account)
		return err
	}))
	require.Equal(t, domain.MustEther("0.5"), got)
	require.Zero(t, after.Sign())
}

func TestLedgerSerializesConcurrentBids(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	engine, _ := newEngine(l)

	seller := freshAddress(t)
	assetID := mint(t, l, seller)
	bidders := make([]common.Address, 8)
	for i := range bidders {
		bidders[i] = freshAddress(t)
		deposit(t, l, bidders[i], "10")
	}
	_, err := engine.StartAuction(ctx, assetID, domain.MustEther("0.1"), domain.DurationLong, seller)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, b := range bidders {
		wg.Add(1)
		go func(i int, b common.Address) {
			defer wg.Done()
			amount := new(big.Int).Mul(domain.MustEther("0.1"), big.NewInt(int64(i+2)))
			_, _ = engine.PlaceBid(ctx, assetID, amount, b)
		}(i, b)
	}
	wg.Wait()

	history, err := engine.History(ctx, assetID, domain.ListOpts{})
	require.NoError(t, err)
	var accepted []*big.Int
	for _, e := range history {
		if e.Type == domain.EventBidPlaced {
			accepted = append(accepted, e.Amount)
		}
	}
	require.NotEmpty(t, accepted)
	for i := 1; i < len(accepted); i++ {
		require.Positive(t, accepted[i].Cmp(accepted[i-1]), "accepted bids must strictly increase")
	}

	a, err := engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, domain.MustEther("0.9"), a.HighestBid)
}
