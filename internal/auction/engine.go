// Package auction implements the single-item English auction state machine:
// start, bid, settle and withdraw. All state lives in an injected
// domain.Ledger and every operation runs in one ledger transaction.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// EventSigner signs an event's canonical bytes with the operator key.
type EventSigner interface {
	SignEvent(e domain.Event) (string, error)
}

// Engine is the auction state machine. Escrow is the address that holds
// assets and funds between start and settlement.
type Engine struct {
	ledger    domain.Ledger
	escrow    common.Address
	clock     clock.Clock
	publisher domain.EventPublisher
	cache     domain.AuctionCache
	signer    EventSigner
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithPublisher fans committed events out after every successful operation.
func WithPublisher(p domain.EventPublisher) Option { return func(e *Engine) { e.publisher = p } }

// WithCache enables the read-through auction view cache.
func WithCache(c domain.AuctionCache) Option { return func(e *Engine) { e.cache = c } }

// WithSigner signs every emitted event.
func WithSigner(s EventSigner) Option { return func(e *Engine) { e.signer = s } }

// NewEngine creates an Engine over ledger with escrow as the custody address.
func NewEngine(ledger domain.Ledger, escrow common.Address, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger: ledger,
		escrow: escrow,
		clock:  clock.New(),
		logger: logger.With(slog.String("component", "auction")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Escrow returns the custody address.
func (e *Engine) Escrow() common.Address { return e.escrow }

// Now returns the engine's notion of current time.
func (e *Engine) Now() time.Time { return e.clock.Now().UTC() }

// Txn is one ledger transaction plus the events emitted inside it. Now is
// fixed for the whole transaction.
type Txn struct {
	domain.Tx
	Now    time.Time
	signer EventSigner
	events []domain.Event
}

// Emit stamps, signs and appends an event to the transaction's event log.
func (t *Txn) Emit(ctx context.Context, ev domain.Event) error {
	ev.At = t.Now
	if t.signer != nil {
		sig, err := t.signer.SignEvent(ev)
		if err != nil {
			return fmt.Errorf("auction: sign %s: %w", ev.Type, err)
		}
		ev.Signature = sig
	}
	stored, err := t.Events().Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("auction: append %s: %w", ev.Type, err)
	}
	t.events = append(t.events, stored)
	return nil
}

// Do runs fn in one ledger transaction holding the lock of assetID (zero
// means no asset lock). Events emitted by fn are published only after commit.
func (e *Engine) Do(ctx context.Context, assetID uint64, fn func(t *Txn) error) error {
	var committed []domain.Event
	err := e.ledger.Update(ctx, func(tx domain.Tx) error {
		if assetID != 0 {
			if err := tx.LockAsset(ctx, assetID); err != nil {
				return fmt.Errorf("auction: lock asset %d: %w", assetID, err)
			}
		}
		t := &Txn{Tx: tx, Now: e.Now(), signer: e.signer}
		if err := fn(t); err != nil {
			return err
		}
		committed = t.events
		return nil
	})
	if err != nil {
		return err
	}
	e.afterCommit(ctx, assetID, committed)
	return nil
}

func (e *Engine) afterCommit(ctx context.Context, assetID uint64, events []domain.Event) {
	ctx = context.WithoutCancel(ctx)
	if e.cache != nil && assetID != 0 {
		if err := e.cache.Invalidate(ctx, assetID); err != nil {
			e.logger.WarnContext(ctx, "auction cache invalidate failed",
				slog.Uint64("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.publisher != nil && len(events) > 0 {
		if err := e.publisher.Publish(ctx, events); err != nil {
			e.logger.WarnContext(ctx, "event publish failed",
				slog.Int("events", len(events)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// StartAuction puts assetID up for auction by its custodian.
func (e *Engine) StartAuction(ctx context.Context, assetID uint64, startingPrice *big.Int, class domain.DurationClass, initiator common.Address) (domain.Auction, error) {
	var out domain.Auction
	err := e.Do(ctx, assetID, func(t *Txn) error {
		var err error
		out, err = e.StartAuctionTx(ctx, t, assetID, startingPrice, class, initiator)
		return err
	})
	return out, err
}

// StartAuctionTx is StartAuction inside an existing transaction.
func (e *Engine) StartAuctionTx(ctx context.Context, t *Txn, assetID uint64, startingPrice *big.Int, class domain.DurationClass, initiator common.Address) (domain.Auction, error) {
	if startingPrice == nil || startingPrice.Sign() <= 0 {
		return domain.Auction{}, domain.ErrInvalidPrice
	}
	if !class.Valid() {
		return domain.Auction{}, domain.ErrInvalidDuration
	}

	latest, err := t.Auctions().Latest(ctx, assetID)
	switch {
	case err == nil && !latest.Ended:
		return domain.Auction{}, domain.ErrAlreadyAuctioned
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Auction{}, fmt.Errorf("auction: start: load auction: %w", err)
	}

	custodian, err := t.Assets().CustodianOf(ctx, assetID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && custodian != initiator) {
		return domain.Auction{}, domain.ErrInvalidAsset
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction: start: custodian: %w", err)
	}
	if err := t.Assets().Transfer(ctx, assetID, initiator, e.escrow); err != nil {
		return domain.Auction{}, fmt.Errorf("auction: start: escrow asset: %w", err)
	}

	a, err := t.Auctions().Create(ctx, domain.Auction{
		AssetID:       assetID,
		Seller:        initiator,
		StartingPrice: new(big.Int).Set(startingPrice),
		HighestBid:    new(big.Int),
		StartTime:     t.Now,
		EndTime:       t.Now.Add(class.Duration()),
		DurationClass: class,
		Active:        true,
	})
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction: start: create: %w", err)
	}

	if err := t.Emit(ctx, domain.Event{
		Type:          domain.EventAuctionStarted,
		AuctionID:     a.ID,
		AssetID:       assetID,
		Seller:        initiator,
		Account:       initiator,
		Amount:        new(big.Int).Set(startingPrice),
		EndTime:       a.EndTime,
		DurationClass: class,
	}); err != nil {
		return domain.Auction{}, err
	}

	e.logger.InfoContext(ctx, "auction started",
		slog.Int64("auction_id", a.ID),
		slog.Uint64("asset_id", assetID),
		slog.String("seller", initiator.Hex()),
		slog.String("starting_price", domain.FormatEther(startingPrice)),
		slog.Time("end_time", a.EndTime),
	)
	return a, nil
}

// PlaceBid records a bid of amount from bidder. The amount is collected from
// the bidder's funds; the superseded leader's bid becomes withdrawable.
func (e *Engine) PlaceBid(ctx context.Context, assetID uint64, amount *big.Int, bidder common.Address) (domain.Auction, error) {
	var out domain.Auction
	err := e.Do(ctx, assetID, func(t *Txn) error {
		var err error
		out, err = e.PlaceBidTx(ctx, t, assetID, amount, bidder)
		return err
	})
	return out, err
}

// PlaceBidTx is PlaceBid inside an existing transaction.
func (e *Engine) PlaceBidTx(ctx context.Context, t *Txn, assetID uint64, amount *big.Int, bidder common.Address) (domain.Auction, error) {
	a, err := e.latest(ctx, t, assetID)
	if err != nil {
		return domain.Auction{}, err
	}
	if !a.Active || a.Ended {
		return domain.Auction{}, domain.ErrAuctionNotActive
	}
	if a.Expired(t.Now) {
		return domain.Auction{}, domain.ErrAuctionExpired
	}
	if bidder == a.Seller {
		return domain.Auction{}, domain.ErrSelfBid
	}
	if amount == nil || amount.Cmp(a.MinimumBid()) <= 0 {
		return domain.Auction{}, domain.ErrBidTooLow
	}

	if err := t.Funds().Sub(ctx, bidder, amount); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return domain.Auction{}, err
		}
		return domain.Auction{}, fmt.Errorf("auction: bid: collect funds: %w", err)
	}
	if a.HasBids() {
		if err := t.Escrow().Credit(ctx, a.ID, a.HighestBidder, a.HighestBid); err != nil {
			return domain.Auction{}, fmt.Errorf("auction: bid: refund previous leader: %w", err)
		}
	}

	a.HighestBid = new(big.Int).Set(amount)
	a.HighestBidder = bidder
	if err := t.Auctions().Save(ctx, a); err != nil {
		return domain.Auction{}, fmt.Errorf("auction: bid: save: %w", err)
	}

	if err := t.Emit(ctx, domain.Event{
		Type:      domain.EventBidPlaced,
		AuctionID: a.ID,
		AssetID:   assetID,
		Seller:    a.Seller,
		Account:   bidder,
		Amount:    new(big.Int).Set(amount),
	}); err != nil {
		return domain.Auction{}, err
	}

	e.logger.InfoContext(ctx, "bid placed",
		slog.Int64("auction_id", a.ID),
		slog.Uint64("asset_id", assetID),
		slog.String("bidder", bidder.Hex()),
		slog.String("amount", domain.FormatEther(amount)),
	)
	return a, nil
}

// EndAuction settles an expired auction exactly once. Anyone may call it.
func (e *Engine) EndAuction(ctx context.Context, assetID uint64, caller common.Address) (domain.Settlement, error) {
	var out domain.Settlement
	err := e.Do(ctx, assetID, func(t *Txn) error {
		var err error
		out, err = e.EndAuctionTx(ctx, t, assetID, caller)
		return err
	})
	return out, err
}

// EndAuctionTx is EndAuction inside an existing transaction.
func (e *Engine) EndAuctionTx(ctx context.Context, t *Txn, assetID uint64, caller common.Address) (domain.Settlement, error) {
	a, err := e.latest(ctx, t, assetID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if a.Ended {
		return domain.Settlement{}, domain.ErrAuctionAlreadyEnded
	}
	if !a.Active {
		return domain.Settlement{}, domain.ErrAuctionNotActive
	}
	if !a.Expired(t.Now) {
		return domain.Settlement{}, domain.ErrAuctionStillRunning
	}

	s := domain.Settlement{
		AuctionID:  a.ID,
		AssetID:    assetID,
		Seller:     a.Seller,
		WinningBid: new(big.Int),
	}
	if a.HasBids() {
		if err := t.Assets().Transfer(ctx, assetID, e.escrow, a.HighestBidder); err != nil {
			return domain.Settlement{}, fmt.Errorf("auction: end: deliver asset: %w", err)
		}
		if err := t.Escrow().Credit(ctx, a.ID, a.Seller, a.HighestBid); err != nil {
			return domain.Settlement{}, fmt.Errorf("auction: end: credit seller: %w", err)
		}
		s.Winner = a.HighestBidder
		s.WinningBid = new(big.Int).Set(a.HighestBid)
	} else {
		if err := t.Assets().Transfer(ctx, assetID, e.escrow, a.Seller); err != nil {
			return domain.Settlement{}, fmt.Errorf("auction: end: return asset: %w", err)
		}
	}

	a.Active = false
	a.Ended = true
	if err := t.Auctions().Save(ctx, a); err != nil {
		return domain.Settlement{}, fmt.Errorf("auction: end: save: %w", err)
	}

	if err := t.Emit(ctx, domain.Event{
		Type:      domain.EventAuctionEnded,
		AuctionID: a.ID,
		AssetID:   assetID,
		Seller:    a.Seller,
		Account:   s.Winner,
		Amount:    new(big.Int).Set(s.WinningBid),
	}); err != nil {
		return domain.Settlement{}, err
	}

	e.logger.InfoContext(ctx, "auction ended",
		slog.Int64("auction_id", a.ID),
		slog.Uint64("asset_id", assetID),
		slog.String("winner", s.Winner.Hex()),
		slog.String("winning_bid", domain.FormatEther(s.WinningBid)),
		slog.String("caller", caller.Hex()),
	)
	return s, nil
}

// WithdrawBid pays out everything account is owed across the auctions of
// assetID. Balances are zeroed before the payout is credited.
func (e *Engine) WithdrawBid(ctx context.Context, assetID uint64, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.Do(ctx, assetID, func(t *Txn) error {
		var err error
		out, err = e.WithdrawBidTx(ctx, t, assetID, account)
		return err
	})
	return out, err
}

// WithdrawBidTx is WithdrawBid inside an existing transaction.
func (e *Engine) WithdrawBidTx(ctx context.Context, t *Txn, assetID uint64, account common.Address) (*big.Int, error) {
	ids, err := t.Auctions().IDsByAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("auction: withdraw: list auctions: %w", err)
	}

	total := new(big.Int)
	for _, id := range ids {
		owed, err := t.Escrow().Debit(ctx, id, account)
		if err != nil {
			return nil, fmt.Errorf("auction: withdraw: debit auction %d: %w", id, err)
		}
		if owed.Sign() == 0 {
			continue
		}
		total.Add(total, owed)
		if err := t.Emit(ctx, domain.Event{
			Type:      domain.EventBidWithdrawn,
			AuctionID: id,
			AssetID:   assetID,
			Account:   account,
			Amount:    owed,
		}); err != nil {
			return nil, err
		}
	}
	if total.Sign() == 0 {
		return nil, domain.ErrNoFundsToWithdraw
	}
	if err := t.Funds().Add(ctx, account, total); err != nil {
		return nil, fmt.Errorf("auction: withdraw: pay out: %w", err)
	}

	e.logger.InfoContext(ctx, "bid withdrawn",
		slog.Uint64("asset_id", assetID),
		slog.String("account", account.Hex()),
		slog.String("amount", domain.FormatEther(total)),
	)
	return total, nil
}

// HasOpenAuction reports whether assetID has a non-ended auction.
func (e *Engine) HasOpenAuction(ctx context.Context, t *Txn, assetID uint64) (bool, error) {
	a, err := t.Auctions().Latest(ctx, assetID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auction: load auction: %w", err)
	}
	return !a.Ended, nil
}

func (e *Engine) latest(ctx context.Context, tx domain.Tx, assetID uint64) (domain.Auction, error) {
	a, err := tx.Auctions().Latest(ctx, assetID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Auction{}, domain.ErrAuctionNotFound
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction: load auction: %w", err)
	}
	return a, nil
}
