package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// Ledger implements domain.Ledger on top of PostgreSQL transactions. Amounts
// are NUMERIC(78,0) wei and cross the wire as decimal text.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Update runs fn in a read-write transaction and commits only if fn succeeds.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.Tx) error) error {
	return l.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// View runs fn in a read-only transaction.
func (l *Ledger) View(ctx context.Context, fn func(tx domain.Tx) error) error {
	return l.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (l *Ledger) run(ctx context.Context, opts pgx.TxOptions, fn func(tx domain.Tx) error) error {
	tx, err := l.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	if err := fn(&ledgerTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

// LockAsset takes a transaction-scoped advisory lock keyed by the asset id.
func (t *ledgerTx) LockAsset(ctx context.Context, assetID uint64) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(assetID)); err != nil {
		return fmt.Errorf("postgres: advisory lock %d: %w", assetID, err)
	}
	return nil
}

func (t *ledgerTx) Auctions() domain.AuctionRepo { return auctionRepo{t.tx} }
func (t *ledgerTx) Escrow() domain.EscrowRepo    { return escrowRepo{t.tx} }
func (t *ledgerTx) Assets() domain.AssetRepo     { return assetRepo{t.tx} }
func (t *ledgerTx) Listings() domain.ListingRepo { return listingRepo{t.tx} }
func (t *ledgerTx) Funds() domain.FundsRepo      { return fundsRepo{t.tx} }
func (t *ledgerTx) Events() domain.EventLog      { return eventLog{t.tx} }

// --- auctions ---

type auctionRepo struct{ tx pgx.Tx }

const auctionSelectCols = `id, asset_id, seller, starting_price::text, highest_bid::text,
	highest_bidder, start_time, end_time, duration_class, active, ended`

func scanAuction(scanner interface{ Scan(dest ...any) error }) (domain.Auction, error) {
	var (
		a                      domain.Auction
		assetID                int64
		seller, bidder         string
		startingPrice, highBid string
		class                  int16
	)
	err := scanner.Scan(&a.ID, &assetID, &seller, &startingPrice, &highBid,
		&bidder, &a.StartTime, &a.EndTime, &class, &a.Active, &a.Ended)
	if err != nil {
		return domain.Auction{}, err
	}
	a.AssetID = uint64(assetID)
	a.Seller = common.HexToAddress(seller)
	a.HighestBidder = common.HexToAddress(bidder)
	a.DurationClass = domain.DurationClass(class)
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	if a.StartingPrice, err = parseWei(startingPrice); err != nil {
		return domain.Auction{}, err
	}
	if a.HighestBid, err = parseWei(highBid); err != nil {
		return domain.Auction{}, err
	}
	return a, nil
}

func (r auctionRepo) Latest(ctx context.Context, assetID uint64) (domain.Auction, error) {
	row := r.tx.QueryRow(ctx,
		`SELECT `+auctionSelectCols+` FROM auctions WHERE asset_id = $1 ORDER BY id DESC LIMIT 1`,
		int64(assetID))
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Auction{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("postgres: latest auction %d: %w", assetID, err)
	}
	return a, nil
}

func (r auctionRepo) Create(ctx context.Context, a domain.Auction) (domain.Auction, error) {
	const query = `
		INSERT INTO auctions (
			asset_id, seller, starting_price, highest_bid, highest_bidder,
			start_time, end_time, duration_class, active, ended
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	err := r.tx.QueryRow(ctx, query,
		int64(a.AssetID), a.Seller.Hex(), weiText(a.StartingPrice), weiText(a.HighestBid),
		a.HighestBidder.Hex(), a.StartTime, a.EndTime, int16(a.DurationClass), a.Active, a.Ended,
	).Scan(&a.ID)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("postgres: create auction for asset %d: %w", a.AssetID, err)
	}
	return a, nil
}

func (r auctionRepo) Save(ctx context.Context, a domain.Auction) error {
	const query = `
		UPDATE auctions
		SET highest_bid = $2::numeric, highest_bidder = $3, active = $4, ended = $5
		WHERE id = $1`
	tag, err := r.tx.Exec(ctx, query, a.ID, weiText(a.HighestBid), a.HighestBidder.Hex(), a.Active, a.Ended)
	if err != nil {
		return fmt.Errorf("postgres: save auction %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r auctionRepo) IDsByAsset(ctx context.Context, assetID uint64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM auctions WHERE asset_id = $1 ORDER BY id`, int64(assetID))
	if err != nil {
		return nil, fmt.Errorf("postgres: auction ids for asset %d: %w", assetID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres: auction ids for asset %d: %w", assetID, err)
	}
	return ids, nil
}

func (r auctionRepo) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Auction, error) {
	query, args := withListOpts(
		`SELECT `+auctionSelectCols+` FROM auctions WHERE NOT ended`, nil, opts, "start_time", "id ASC")
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active auctions: %w", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan auction: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active auctions rows: %w", err)
	}
	return out, nil
}

// --- escrow ---

type escrowRepo struct{ tx pgx.Tx }

func (r escrowRepo) Credit(ctx context.Context, auctionID int64, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	const query = `
		INSERT INTO escrow_balances (auction_id, account, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (auction_id, account) DO UPDATE
		SET amount = escrow_balances.amount + EXCLUDED.amount`
	if _, err := r.tx.Exec(ctx, query, auctionID, account.Hex(), amount.String()); err != nil {
		return fmt.Errorf("postgres: credit escrow %d/%s: %w", auctionID, account.Hex(), err)
	}
	return nil
}

// Debit deletes the row; a missing row is a zero balance.
func (r escrowRepo) Debit(ctx context.Context, auctionID int64, account common.Address) (*big.Int, error) {
	var amount string
	err := r.tx.QueryRow(ctx,
		`DELETE FROM escrow_balances WHERE auction_id = $1 AND account = $2 RETURNING amount::text`,
		auctionID, account.Hex(),
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: debit escrow %d/%s: %w", auctionID, account.Hex(), err)
	}
	return parseWei(amount)
}

func (r escrowRepo) Balance(ctx context.Context, auctionID int64, account common.Address) (*big.Int, error) {
	var amount string
	err := r.tx.QueryRow(ctx,
		`SELECT amount::text FROM escrow_balances WHERE auction_id = $1 AND account = $2`,
		auctionID, account.Hex(),
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: escrow balance %d/%s: %w", auctionID, account.Hex(), err)
	}
	return parseWei(amount)
}

// --- assets ---

type assetRepo struct{ tx pgx.Tx }

func (r assetRepo) Register(ctx context.Context, owner common.Address) (uint64, error) {
	var id int64
	if err := r.tx.QueryRow(ctx,
		`INSERT INTO assets (custodian) VALUES ($1) RETURNING id`, owner.Hex(),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: register asset: %w", err)
	}
	return uint64(id), nil
}

func (r assetRepo) CustodianOf(ctx context.Context, assetID uint64) (common.Address, error) {
	var custodian string
	err := r.tx.QueryRow(ctx, `SELECT custodian FROM assets WHERE id = $1`, int64(assetID)).Scan(&custodian)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.Address{}, domain.ErrNotFound
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("postgres: custodian of %d: %w", assetID, err)
	}
	return common.HexToAddress(custodian), nil
}

func (r assetRepo) Transfer(ctx context.Context, assetID uint64, from, to common.Address) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE assets SET custodian = $3 WHERE id = $1 AND custodian = $2`,
		int64(assetID), from.Hex(), to.Hex())
	if err != nil {
		return fmt.Errorf("postgres: transfer asset %d: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidAsset
	}
	return nil
}

// --- listings ---

type listingRepo struct{ tx pgx.Tx }

func (r listingRepo) Get(ctx context.Context, assetID uint64) (domain.Listing, error) {
	var (
		l      domain.Listing
		seller string
		price  string
	)
	err := r.tx.QueryRow(ctx,
		`SELECT seller, price::text, listed_at FROM listings WHERE asset_id = $1`, int64(assetID),
	).Scan(&seller, &price, &l.ListedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Listing{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: get listing %d: %w", assetID, err)
	}
	l.AssetID = assetID
	l.Seller = common.HexToAddress(seller)
	l.ListedAt = l.ListedAt.UTC()
	if l.Price, err = parseWei(price); err != nil {
		return domain.Listing{}, err
	}
	return l, nil
}

func (r listingRepo) Put(ctx context.Context, l domain.Listing) error {
	const query = `
		INSERT INTO listings (asset_id, seller, price, listed_at) VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (asset_id) DO UPDATE
		SET seller = EXCLUDED.seller, price = EXCLUDED.price, listed_at = EXCLUDED.listed_at`
	if _, err := r.tx.Exec(ctx, query, int64(l.AssetID), l.Seller.Hex(), weiText(l.Price), l.ListedAt); err != nil {
		return fmt.Errorf("postgres: put listing %d: %w", l.AssetID, err)
	}
	return nil
}

func (r listingRepo) Delete(ctx context.Context, assetID uint64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM listings WHERE asset_id = $1`, int64(assetID))
	if err != nil {
		return fmt.Errorf("postgres: delete listing %d: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// --- funds ---

type fundsRepo struct{ tx pgx.Tx }

func (r fundsRepo) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal string
	err := r.tx.QueryRow(ctx, `SELECT balance::text FROM funds WHERE account = $1`, account.Hex()).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: funds of %s: %w", account.Hex(), err)
	}
	return parseWei(bal)
}

func (r fundsRepo) Add(ctx context.Context, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	const query = `
		INSERT INTO funds (account, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (account) DO UPDATE SET balance = funds.balance + EXCLUDED.balance`
	if _, err := r.tx.Exec(ctx, query, account.Hex(), amount.String()); err != nil {
		return fmt.Errorf("postgres: add funds %s: %w", account.Hex(), err)
	}
	return nil
}

func (r fundsRepo) Sub(ctx context.Context, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	tag, err := r.tx.Exec(ctx,
		`UPDATE funds SET balance = balance - $2::numeric WHERE account = $1 AND balance >= $2::numeric`,
		account.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: sub funds %s: %w", account.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientFunds
	}
	return nil
}

// --- events ---

type eventLog struct{ tx pgx.Tx }

const eventSelectCols = `seq, type, COALESCE(auction_id, 0), asset_id, seller, account,
	amount::text, end_time, duration_class, at, signature`

func scanEvent(scanner interface{ Scan(dest ...any) error }) (domain.Event, error) {
	var (
		e               domain.Event
		typ             string
		assetID         int64
		seller, account string
		amount          string
		endTime         *time.Time
		class           int16
	)
	err := scanner.Scan(&e.Seq, &typ, &e.AuctionID, &assetID, &seller, &account,
		&amount, &endTime, &class, &e.At, &e.Signature)
	if err != nil {
		return domain.Event{}, err
	}
	e.Type = domain.EventType(typ)
	e.AssetID = uint64(assetID)
	e.Seller = common.HexToAddress(seller)
	e.Account = common.HexToAddress(account)
	e.DurationClass = domain.DurationClass(class)
	e.At = e.At.UTC()
	if endTime != nil {
		e.EndTime = endTime.UTC()
	}
	if e.Amount, err = parseWei(amount); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

func (r eventLog) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	var (
		auctionID *int64
		endTime   *time.Time
	)
	if e.AuctionID != 0 {
		auctionID = &e.AuctionID
	}
	if !e.EndTime.IsZero() {
		endTime = &e.EndTime
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	const query = `
		INSERT INTO events (
			type, auction_id, asset_id, seller, account, amount,
			end_time, duration_class, at, signature
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
		RETURNING seq`
	err := r.tx.QueryRow(ctx, query,
		string(e.Type), auctionID, int64(e.AssetID), e.Seller.Hex(), e.Account.Hex(),
		weiText(e.Amount), endTime, int16(e.DurationClass), e.At, e.Signature,
	).Scan(&e.Seq)
	if err != nil {
		return domain.Event{}, fmt.Errorf("postgres: append %s event: %w", e.Type, err)
	}
	return e, nil
}

func (r eventLog) ListByAsset(ctx context.Context, assetID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	query, args := withListOpts(
		`SELECT `+eventSelectCols+` FROM events WHERE asset_id = $1`,
		[]any{int64(assetID)}, opts, "at", "seq ASC")
	return queryEvents(ctx, r.tx, query, args...)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query events rows: %w", err)
	}
	return out, nil
}

// --- archive ---

const settledAuctionIDs = `SELECT auction_id FROM events WHERE type = 'AuctionEnded' AND at < $1`

// ListSettledBefore implements domain.EventArchiveStore.
func (l *Ledger) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Event, error) {
	return queryEvents(ctx, l.pool,
		`SELECT `+eventSelectCols+` FROM events WHERE auction_id IN (`+settledAuctionIDs+`) ORDER BY seq`,
		before)
}

// DeleteSettledBefore implements domain.EventArchiveStore.
func (l *Ledger) DeleteSettledBefore(ctx context.Context, before time.Time, maxSeq int64) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM events WHERE seq <= $2 AND auction_id IN (`+settledAuctionIDs+`)`, before, maxSeq)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune settled events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func weiText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: parse wei %q: %w", s, domain.ErrInvalidAmount)
	}
	return v, nil
}

// Compile-time interface checks.
var (
	_ domain.Ledger            = (*Ledger)(nil)
	_ domain.EventArchiveStore = (*Ledger)(nil)
)
