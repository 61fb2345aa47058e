package auction

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

	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/store/memory"
)

var (
	escrowAddr = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	seller     = common.HexToAddress("0x0000000000000000000000000000000000005e11")
	bidder1    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bidder2    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	bidder3    = common.HexToAddress("0x00000000000000000000000000000000000000b3")
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events []domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	engine *Engine
	ledger *memory.Ledger
	clock  *clock.Mock
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := memory.New()
	pub := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		engine: NewEngine(ledger, escrowAddr, logger, WithClock(mock), WithPublisher(pub)),
		ledger: ledger,
		clock:  mock,
		pub:    pub,
	}
}

func (f *fixture) mint(t *testing.T, owner common.Address) uint64 {
	t.Helper()
	var id uint64
	require.NoError(t, f.ledger.Update(context.Background(), func(tx domain.Tx) error {
		var err error
		id, err = tx.Assets().Register(context.Background(), owner)
		return err
	}))
	return id
}

func (f *fixture) deposit(t *testing.T, account common.Address, eth string) {
	t.Helper()
	require.NoError(t, f.ledger.Update(context.Background(), func(tx domain.Tx) error {
		return tx.Funds().Add(context.Background(), account, domain.MustEther(eth))
	}))
}

func (f *fixture) custodian(t *testing.T, assetID uint64) common.Address {
	t.Helper()
	var c common.Address
	require.NoError(t, f.ledger.View(context.Background(), func(tx domain.Tx) error {
		var err error
		c, err = tx.Assets().CustodianOf(context.Background(), assetID)
		return err
	}))
	return c
}

func (f *fixture) funds(t *testing.T, account common.Address) *big.Int {
	t.Helper()
	var bal *big.Int
	require.NoError(t, f.ledger.View(context.Background(), func(tx domain.Tx) error {
		var err error
		bal, err = tx.Funds().Balance(context.Background(), account)
		return err
	}))
	return bal
}

func eth(s string) *big.Int { return domain.MustEther(s) }

func TestNoBidAuctionReturnsAssetToSeller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var assetID uint64
	for assetID != 7 {
		assetID = f.mint(t, seller)
	}

	a, err := f.engine.StartAuction(ctx, assetID, eth("0.2"), domain.DurationShort, seller)
	require.NoError(t, err)
	require.Equal(t, escrowAddr, f.custodian(t, assetID))
	require.Equal(t, a.StartTime.Add(60*time.Second), a.EndTime)

	f.clock.Add(60 * time.Second)
	s, err := f.engine.EndAuction(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, s.Winner)
	require.Zero(t, s.WinningBid.Sign())
	require.Equal(t, seller, f.custodian(t, assetID))

	events := f.pub.events
	last := events[len(events)-1]
	require.Equal(t, domain.EventAuctionEnded, last.Type)
	require.Equal(t, common.Address{}, last.Account)
	require.Zero(t, last.Amount.Sign())

	_, err = f.engine.WithdrawBid(ctx, assetID, seller)
	require.ErrorIs(t, err, domain.ErrNoFundsToWithdraw)
}

func TestCompetitiveAuctionSettlesAndRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")
	f.deposit(t, bidder2, "1")
	f.deposit(t, bidder3, "1")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.15"), bidder1)
	require.NoError(t, err)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.12"), bidder2)
	require.ErrorIs(t, err, domain.ErrBidTooLow)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.25"), bidder2)
	require.NoError(t, err)
	owed, err := f.engine.GetBidAmount(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, eth("0.15"), owed)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.35"), bidder3)
	require.NoError(t, err)
	owed, err = f.engine.GetBidAmount(ctx, assetID, bidder2)
	require.NoError(t, err)
	require.Equal(t, eth("0.25"), owed)

	f.clock.Add(time.Minute)
	s, err := f.engine.EndAuction(ctx, assetID, seller)
	require.NoError(t, err)
	require.Equal(t, bidder3, s.Winner)
	require.Equal(t, eth("0.35"), s.WinningBid)
	require.Equal(t, bidder3, f.custodian(t, assetID))

	sellerOwed, err := f.engine.GetBidAmount(ctx, assetID, seller)
	require.NoError(t, err)
	require.Equal(t, eth("0.35"), sellerOwed)

	paid, err := f.engine.WithdrawBid(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, eth("0.15"), paid)
	paid, err = f.engine.WithdrawBid(ctx, assetID, bidder2)
	require.NoError(t, err)
	require.Equal(t, eth("0.25"), paid)
	paid, err = f.engine.WithdrawBid(ctx, assetID, seller)
	require.NoError(t, err)
	require.Equal(t, eth("0.35"), paid)

	require.Equal(t, eth("1"), f.funds(t, bidder1))
	require.Equal(t, eth("1"), f.funds(t, bidder2))
	require.Equal(t, eth("0.65"), f.funds(t, bidder3))
	require.Equal(t, eth("0.35"), f.funds(t, seller))

	_, err = f.engine.WithdrawBid(ctx, assetID, bidder3)
	require.ErrorIs(t, err, domain.ErrNoFundsToWithdraw)
}

func TestBidsMustBeStrictlyGreater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")
	f.deposit(t, bidder2, "1")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationMedium, seller)
	require.NoError(t, err)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.1"), bidder1)
	require.ErrorIs(t, err, domain.ErrBidTooLow)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
	require.NoError(t, err)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder2)
	require.ErrorIs(t, err, domain.ErrBidTooLow)

	a, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, bidder1, a.HighestBidder)
	require.Equal(t, eth("0.2"), a.HighestBid)
}

func TestEndAuctionIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)
	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.5"), bidder1)
	require.NoError(t, err)

	f.clock.Add(2 * time.Minute)
	_, err = f.engine.EndAuction(ctx, assetID, bidder1)
	require.NoError(t, err)
	before, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)

	_, err = f.engine.EndAuction(ctx, assetID, bidder1)
	require.ErrorIs(t, err, domain.ErrAuctionAlreadyEnded)

	after, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, before, after)

	owed, err := f.engine.GetBidAmount(ctx, assetID, seller)
	require.NoError(t, err)
	require.Equal(t, eth("0.5"), owed)
}

func TestExpiryBoundaries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)

	f.clock.Add(59 * time.Second)
	_, err = f.engine.EndAuction(ctx, assetID, seller)
	require.ErrorIs(t, err, domain.ErrAuctionStillRunning)
	ended, err := f.engine.IsAuctionEnded(ctx, assetID)
	require.NoError(t, err)
	require.False(t, ended)

	f.clock.Add(time.Second)
	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
	require.ErrorIs(t, err, domain.ErrAuctionExpired)

	ended, err = f.engine.IsAuctionEnded(ctx, assetID)
	require.NoError(t, err)
	require.True(t, ended)

	a, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.True(t, a.Active, "expired auctions stay active until settled")
	require.False(t, a.Ended)

	_, err = f.engine.EndAuction(ctx, assetID, seller)
	require.NoError(t, err)
}

func TestStartAuctionValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)

	_, err := f.engine.StartAuction(ctx, assetID, big.NewInt(0), domain.DurationShort, seller)
	require.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationClass(9), seller)
	require.ErrorIs(t, err, domain.ErrInvalidDuration)

	_, err = f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, bidder1)
	require.ErrorIs(t, err, domain.ErrInvalidAsset)

	_, err = f.engine.StartAuction(ctx, 404, eth("0.1"), domain.DurationShort, seller)
	require.ErrorIs(t, err, domain.ErrInvalidAsset)

	_, err = f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)

	_, err = f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.ErrorIs(t, err, domain.ErrAlreadyAuctioned)

	require.Equal(t, []domain.EventType{domain.EventAuctionStarted}, f.pub.types())
}

func TestPlaceBidValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, seller, "1")
	f.deposit(t, bidder1, "0.05")

	_, err := f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)

	_, err = f.engine.StartAuction(ctx, assetID, eth("0.01"), domain.DurationShort, seller)
	require.NoError(t, err)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), seller)
	require.ErrorIs(t, err, domain.ErrSelfBid)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	a, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.False(t, a.HasBids())
	require.Equal(t, common.Address{}, a.HighestBidder)
	require.Equal(t, eth("0.05"), f.funds(t, bidder1))

	f.clock.Add(time.Minute)
	_, err = f.engine.EndAuction(ctx, assetID, seller)
	require.NoError(t, err)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.02"), bidder1)
	require.ErrorIs(t, err, domain.ErrAuctionNotActive)

	_, err = f.engine.EndAuction(ctx, 404, seller)
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

func TestLeaderCannotWithdrawAndOutbidIsRefundableOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")
	f.deposit(t, bidder2, "1")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationLong, seller)
	require.NoError(t, err)
	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
	require.NoError(t, err)

	_, err = f.engine.WithdrawBid(ctx, assetID, bidder1)
	require.ErrorIs(t, err, domain.ErrNoFundsToWithdraw)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.3"), bidder2)
	require.NoError(t, err)

	paid, err := f.engine.WithdrawBid(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, eth("0.2"), paid)

	_, err = f.engine.WithdrawBid(ctx, assetID, bidder1)
	require.ErrorIs(t, err, domain.ErrNoFundsToWithdraw)
}

func TestRepeatedOutbidsAccumulate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "2")
	f.deposit(t, bidder2, "2")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationExtended, seller)
	require.NoError(t, err)
	for _, step := range []struct {
		who    common.Address
		amount string
	}{
		{bidder1, "0.2"},
		{bidder2, "0.3"},
		{bidder1, "0.4"},
		{bidder2, "0.5"},
	} {
		_, err := f.engine.PlaceBid(ctx, assetID, eth(step.amount), step.who)
		require.NoError(t, err)
	}

	owed, err := f.engine.GetBidAmount(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, eth("0.6"), owed)

	paid, err := f.engine.WithdrawBid(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, eth("0.6"), paid)

	var withdrawn int
	for _, e := range f.pub.events {
		if e.Type == domain.EventBidWithdrawn {
			withdrawn++
		}
	}
	require.Equal(t, 1, withdrawn)
}

func TestBalancesSurviveReauction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")
	f.deposit(t, bidder2, "1")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)
	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
	require.NoError(t, err)
	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.3"), bidder2)
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	_, err = f.engine.EndAuction(ctx, assetID, seller)
	require.NoError(t, err)

	// The winner auctions the asset again; bidder1's refund from the first
	// auction is still claimable.
	second, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, bidder2)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.ID)

	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.15"), bidder1)
	require.NoError(t, err)

	paid, err := f.engine.WithdrawBid(ctx, assetID, bidder1)
	require.NoError(t, err)
	require.Equal(t, eth("0.2"), paid)
}

func TestFundsAreConserved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	accounts := []common.Address{bidder1, bidder2, bidder3}
	for _, a := range accounts {
		f.deposit(t, a, "5")
	}
	deposited := eth("15")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationMedium, seller)
	require.NoError(t, err)

	amounts := []string{"0.2", "0.25", "0.5", "0.9", "1.3", "1.31", "2"}
	for i, amt := range amounts {
		_, err := f.engine.PlaceBid(ctx, assetID, eth(amt), accounts[i%len(accounts)])
		require.NoError(t, err)
	}

	total := func() *big.Int {
		sum := new(big.Int)
		for _, a := range append(accounts, seller) {
			sum.Add(sum, f.funds(t, a))
			owed, err := f.engine.GetBidAmount(ctx, assetID, a)
			require.NoError(t, err)
			sum.Add(sum, owed)
		}
		a, err := f.engine.GetAuction(ctx, assetID)
		require.NoError(t, err)
		if !a.Ended {
			sum.Add(sum, a.HighestBid)
		}
		return sum
	}
	require.Equal(t, deposited, total())

	f.clock.Add(5 * time.Minute)
	_, err = f.engine.EndAuction(ctx, assetID, seller)
	require.NoError(t, err)
	require.Equal(t, deposited, total())

	for _, a := range append(accounts, seller) {
		_, _ = f.engine.WithdrawBid(ctx, assetID, a)
	}
	require.Equal(t, deposited, total())
}

func TestConcurrentBidsHaveSingleLeader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)

	bidders := make([]common.Address, 20)
	for i := range bidders {
		bidders[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		f.deposit(t, bidders[i], "10")
	}

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationLong, seller)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, b := range bidders {
		wg.Add(1)
		go func(i int, b common.Address) {
			defer wg.Done()
			amount := new(big.Int).Mul(eth("0.1"), big.NewInt(int64(i+2)))
			_, _ = f.engine.PlaceBid(ctx, assetID, amount, b)
		}(i, b)
	}
	wg.Wait()

	history, err := f.engine.History(ctx, assetID, domain.ListOpts{})
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

	a, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, accepted[len(accepted)-1], a.HighestBid)
	require.Equal(t, eth("2.1"), a.HighestBid, "the largest bid always wins once every bid was tried")
}

func TestHistoryRecordsEventsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")

	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)
	_, err = f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	_, err = f.engine.EndAuction(ctx, assetID, bidder1)
	require.NoError(t, err)
	_, err = f.engine.WithdrawBid(ctx, assetID, seller)
	require.NoError(t, err)

	history, err := f.engine.History(ctx, assetID, domain.ListOpts{})
	require.NoError(t, err)
	var types []domain.EventType
	for i, e := range history {
		types = append(types, e.Type)
		if i > 0 {
			require.Greater(t, e.Seq, history[i-1].Seq)
		}
	}
	require.Equal(t, []domain.EventType{
		domain.EventAuctionStarted,
		domain.EventBidPlaced,
		domain.EventAuctionEnded,
		domain.EventBidWithdrawn,
	}, types)
	require.Equal(t, types, f.pub.types())

	active, err := f.engine.ListActive(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Empty(t, active)
}

// genCache mirrors the generation guard of the Redis auction cache.
type genCache struct {
	mu        sync.Mutex
	views     map[uint64]domain.Auction
	gens      map[uint64]int64
	beforeSet func()
}

func newGenCache() *genCache {
	return &genCache{views: map[uint64]domain.Auction{}, gens: map[uint64]int64{}}
}

func (c *genCache) Get(_ context.Context, assetID uint64) (domain.Auction, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.views[assetID]
	if !ok {
		return domain.Auction{}, c.gens[assetID], domain.ErrNotFound
	}
	return a, c.gens[assetID], nil
}

func (c *genCache) Set(_ context.Context, a domain.Auction, gen int64) error {
	if hook := c.beforeSet; hook != nil {
		c.beforeSet = nil
		hook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[a.AssetID] == gen {
		c.views[a.AssetID] = a
	}
	return nil
}

func (c *genCache) Invalidate(_ context.Context, assetID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, assetID)
	c.gens[assetID]++
	return nil
}

func TestCacheKeepsViewLoadedBeforeCommitOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cache := newGenCache()
	f.engine = NewEngine(f.ledger, escrowAddr, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(f.clock), WithPublisher(f.pub), WithCache(cache))

	assetID := f.mint(t, seller)
	f.deposit(t, bidder1, "1")
	_, err := f.engine.StartAuction(ctx, assetID, eth("0.1"), domain.DurationShort, seller)
	require.NoError(t, err)

	// A bid commits after the reader loaded the row but before it caches it.
	cache.beforeSet = func() {
		_, err := f.engine.PlaceBid(ctx, assetID, eth("0.2"), bidder1)
		require.NoError(t, err)
	}
	stale, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.False(t, stale.HasBids())

	a, err := f.engine.GetAuction(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, bidder1, a.HighestBidder)
	require.Equal(t, eth("0.2"), a.HighestBid)

	// With no writer in between the view is cached and served.
	cached, _, err := cache.Get(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, eth("0.2"), cached.HighestBid)
}
