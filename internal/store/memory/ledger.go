// Package memory implements domain.Ledger in process. A single writer lock
// serializes every transaction; Update works on a copy of the state that is
// swapped in only when the callback succeeds.
package memory

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

var errReadOnly = errors.New("memory: write in read-only transaction")

type escrowKey struct {
	auctionID int64
	account   common.Address
}

type state struct {
	auctions      map[int64]domain.Auction
	byAsset       map[uint64][]int64
	nextAuctionID int64

	escrow map[escrowKey]*big.Int

	custody     map[uint64]common.Address
	nextAssetID uint64

	listings map[uint64]domain.Listing
	funds    map[common.Address]*big.Int

	events  []domain.Event
	nextSeq int64
}

func newState() *state {
	return &state{
		auctions:      make(map[int64]domain.Auction),
		byAsset:       make(map[uint64][]int64),
		nextAuctionID: 1,
		escrow:        make(map[escrowKey]*big.Int),
		custody:       make(map[uint64]common.Address),
		nextAssetID:   1,
		listings:      make(map[uint64]domain.Listing),
		funds:         make(map[common.Address]*big.Int),
		nextSeq:       1,
	}
}

func (s *state) clone() *state {
	out := &state{
		auctions:      make(map[int64]domain.Auction, len(s.auctions)),
		byAsset:       make(map[uint64][]int64, len(s.byAsset)),
		nextAuctionID: s.nextAuctionID,
		escrow:        make(map[escrowKey]*big.Int, len(s.escrow)),
		custody:       make(map[uint64]common.Address, len(s.custody)),
		nextAssetID:   s.nextAssetID,
		listings:      make(map[uint64]domain.Listing, len(s.listings)),
		funds:         make(map[common.Address]*big.Int, len(s.funds)),
		events:        s.events[:len(s.events):len(s.events)],
		nextSeq:       s.nextSeq,
	}
	for k, v := range s.auctions {
		out.auctions[k] = v.Clone()
	}
	for k, v := range s.byAsset {
		out.byAsset[k] = append([]int64(nil), v...)
	}
	for k, v := range s.escrow {
		out.escrow[k] = new(big.Int).Set(v)
	}
	for k, v := range s.custody {
		out.custody[k] = v
	}
	for k, v := range s.listings {
		v.Price = new(big.Int).Set(v.Price)
		out.listings[k] = v
	}
	for k, v := range s.funds {
		out.funds[k] = new(big.Int).Set(v)
	}
	return out
}

// Ledger is the in-memory domain.Ledger.
type Ledger struct {
	mu  sync.RWMutex
	cur *state
	now func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{cur: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// Update runs fn against a private copy of the state and commits it only when
// fn returns nil.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	work := l.cur.clone()
	if err := fn(&tx{st: work, now: l.now}); err != nil {
		return err
	}
	l.cur = work
	return nil
}

// View runs fn against the committed state. Writes fail.
func (l *Ledger) View(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&tx{st: l.cur, readOnly: true, now: l.now})
}

// ListSettledBefore implements domain.EventArchiveStore.
func (l *Ledger) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	settled := settledAuctions(l.cur, before)
	var out []domain.Event
	for _, e := range l.cur.events {
		if e.AuctionID != 0 && settled[e.AuctionID] {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteSettledBefore implements domain.EventArchiveStore.
func (l *Ledger) DeleteSettledBefore(_ context.Context, before time.Time, maxSeq int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	settled := settledAuctions(l.cur, before)
	kept := make([]domain.Event, 0, len(l.cur.events))
	var n int64
	for _, e := range l.cur.events {
		if e.AuctionID != 0 && settled[e.AuctionID] && e.Seq <= maxSeq {
			n++
			continue
		}
		kept = append(kept, e)
	}
	l.cur.events = kept
	return n, nil
}

func settledAuctions(st *state, before time.Time) map[int64]bool {
	out := make(map[int64]bool)
	for _, e := range st.events {
		if e.Type == domain.EventAuctionEnded && e.At.Before(before) {
			out[e.AuctionID] = true
		}
	}
	return out
}

type tx struct {
	st       *state
	readOnly bool
	now      func() time.Time
}

func (t *tx) LockAsset(context.Context, uint64) error { return nil }
func (t *tx) Auctions() domain.AuctionRepo           { return auctionRepo{t} }
func (t *tx) Escrow() domain.EscrowRepo              { return escrowRepo{t} }
func (t *tx) Assets() domain.AssetRepo               { return assetRepo{t} }
func (t *tx) Listings() domain.ListingRepo           { return listingRepo{t} }
func (t *tx) Funds() domain.FundsRepo                { return fundsRepo{t} }
func (t *tx) Events() domain.EventLog                { return eventLog{t} }

type auctionRepo struct{ t *tx }

func (r auctionRepo) Latest(_ context.Context, assetID uint64) (domain.Auction, error) {
	ids := r.t.st.byAsset[assetID]
	if len(ids) == 0 {
		return domain.Auction{}, domain.ErrNotFound
	}
	return r.t.st.auctions[ids[len(ids)-1]].Clone(), nil
}

func (r auctionRepo) Create(_ context.Context, a domain.Auction) (domain.Auction, error) {
	if r.t.readOnly {
		return domain.Auction{}, errReadOnly
	}
	a.ID = r.t.st.nextAuctionID
	r.t.st.nextAuctionID++
	r.t.st.auctions[a.ID] = a.Clone()
	r.t.st.byAsset[a.AssetID] = append(r.t.st.byAsset[a.AssetID], a.ID)
	return a.Clone(), nil
}

func (r auctionRepo) Save(_ context.Context, a domain.Auction) error {
	if r.t.readOnly {
		return errReadOnly
	}
	if _, ok := r.t.st.auctions[a.ID]; !ok {
		return domain.ErrNotFound
	}
	r.t.st.auctions[a.ID] = a.Clone()
	return nil
}

func (r auctionRepo) IDsByAsset(_ context.Context, assetID uint64) ([]int64, error) {
	return append([]int64(nil), r.t.st.byAsset[assetID]...), nil
}

func (r auctionRepo) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Auction, error) {
	var out []domain.Auction
	for _, a := range r.t.st.auctions {
		if a.Active && !a.Ended {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, opts), nil
}

type escrowRepo struct{ t *tx }

func (r escrowRepo) Credit(_ context.Context, auctionID int64, account common.Address, amount *big.Int) error {
	if r.t.readOnly {
		return errReadOnly
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	k := escrowKey{auctionID, account}
	cur, ok := r.t.st.escrow[k]
	if !ok {
		cur = new(big.Int)
	}
	r.t.st.escrow[k] = new(big.Int).Add(cur, amount)
	return nil
}

func (r escrowRepo) Debit(_ context.Context, auctionID int64, account common.Address) (*big.Int, error) {
	if r.t.readOnly {
		return nil, errReadOnly
	}
	k := escrowKey{auctionID, account}
	cur, ok := r.t.st.escrow[k]
	if !ok {
		return new(big.Int), nil
	}
	delete(r.t.st.escrow, k)
	return cur, nil
}

func (r escrowRepo) Balance(_ context.Context, auctionID int64, account common.Address) (*big.Int, error) {
	if cur, ok := r.t.st.escrow[escrowKey{auctionID, account}]; ok {
		return new(big.Int).Set(cur), nil
	}
	return new(big.Int), nil
}

type assetRepo struct{ t *tx }

func (r assetRepo) Register(_ context.Context, owner common.Address) (uint64, error) {
	if r.t.readOnly {
		return 0, errReadOnly
	}
	id := r.t.st.nextAssetID
	r.t.st.nextAssetID++
	r.t.st.custody[id] = owner
	return id, nil
}

func (r assetRepo) CustodianOf(_ context.Context, assetID uint64) (common.Address, error) {
	c, ok := r.t.st.custody[assetID]
	if !ok {
		return common.Address{}, domain.ErrNotFound
	}
	return c, nil
}

func (r assetRepo) Transfer(_ context.Context, assetID uint64, from, to common.Address) error {
	if r.t.readOnly {
		return errReadOnly
	}
	c, ok := r.t.st.custody[assetID]
	if !ok || c != from {
		return domain.ErrInvalidAsset
	}
	r.t.st.custody[assetID] = to
	return nil
}

type listingRepo struct{ t *tx }

func (r listingRepo) Get(_ context.Context, assetID uint64) (domain.Listing, error) {
	l, ok := r.t.st.listings[assetID]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	l.Price = new(big.Int).Set(l.Price)
	return l, nil
}

func (r listingRepo) Put(_ context.Context, l domain.Listing) error {
	if r.t.readOnly {
		return errReadOnly
	}
	l.Price = new(big.Int).Set(l.Price)
	r.t.st.listings[l.AssetID] = l
	return nil
}

func (r listingRepo) Delete(_ context.Context, assetID uint64) error {
	if r.t.readOnly {
		return errReadOnly
	}
	if _, ok := r.t.st.listings[assetID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.t.st.listings, assetID)
	return nil
}

type fundsRepo struct{ t *tx }

func (r fundsRepo) Balance(_ context.Context, account common.Address) (*big.Int, error) {
	if v, ok := r.t.st.funds[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (r fundsRepo) Add(_ context.Context, account common.Address, amount *big.Int) error {
	if r.t.readOnly {
		return errReadOnly
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	cur, ok := r.t.st.funds[account]
	if !ok {
		cur = new(big.Int)
	}
	r.t.st.funds[account] = new(big.Int).Add(cur, amount)
	return nil
}

func (r fundsRepo) Sub(_ context.Context, account common.Address, amount *big.Int) error {
	if r.t.readOnly {
		return errReadOnly
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	cur, ok := r.t.st.funds[account]
	if !ok || cur.Cmp(amount) < 0 {
		return domain.ErrInsufficientFunds
	}
	r.t.st.funds[account] = new(big.Int).Sub(cur, amount)
	return nil
}

type eventLog struct{ t *tx }

func (r eventLog) Append(_ context.Context, e domain.Event) (domain.Event, error) {
	if r.t.readOnly {
		return domain.Event{}, errReadOnly
	}
	e.Seq = r.t.st.nextSeq
	r.t.st.nextSeq++
	if e.At.IsZero() {
		e.At = r.t.now()
	}
	r.t.st.events = append(r.t.st.events, e)
	return e, nil
}

func (r eventLog) ListByAsset(_ context.Context, assetID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range r.t.st.events {
		if e.AssetID != assetID {
			continue
		}
		if opts.Since != nil && e.At.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.At.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.Ledger            = (*Ledger)(nil)
	_ domain.EventArchiveStore = (*Ledger)(nil)
)
