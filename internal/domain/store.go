package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Ledger is the authoritative marketplace state. Update runs fn inside one
// all-or-nothing transaction: if fn returns an error nothing it did is kept.
type Ledger interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the repositories of one ledger transaction.
type Tx interface {
	// LockAsset serializes every transaction touching assetID until commit.
	LockAsset(ctx context.Context, assetID uint64) error
	Auctions() AuctionRepo
	Escrow() EscrowRepo
	Assets() AssetRepo
	Listings() ListingRepo
	Funds() FundsRepo
	Events() EventLog
}

// AuctionRepo stores auction records keyed by id and indexed by asset.
type AuctionRepo interface {
	// Latest returns the most recent auction of assetID or ErrNotFound.
	Latest(ctx context.Context, assetID uint64) (Auction, error)
	// Create assigns a fresh monotonically increasing id.
	Create(ctx context.Context, a Auction) (Auction, error)
	Save(ctx context.Context, a Auction) error
	// IDsByAsset returns every auction id ever created for assetID, oldest first.
	IDsByAsset(ctx context.Context, assetID uint64) ([]int64, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Auction, error)
}

// EscrowRepo holds per-(auction, account) withdrawable balances.
type EscrowRepo interface {
	Credit(ctx context.Context, auctionID int64, account common.Address, amount *big.Int) error
	// Debit returns the balance and zeroes it. Unknown keys yield zero.
	Debit(ctx context.Context, auctionID int64, account common.Address) (*big.Int, error)
	Balance(ctx context.Context, auctionID int64, account common.Address) (*big.Int, error)
}

// AssetRepo tracks asset custody.
type AssetRepo interface {
	Register(ctx context.Context, owner common.Address) (uint64, error)
	// CustodianOf returns ErrNotFound for an unknown asset.
	CustodianOf(ctx context.Context, assetID uint64) (common.Address, error)
	// Transfer fails with ErrInvalidAsset unless from is the current custodian.
	Transfer(ctx context.Context, assetID uint64, from, to common.Address) error
}

// ListingRepo stores fixed-price listings.
type ListingRepo interface {
	Get(ctx context.Context, assetID uint64) (Listing, error)
	Put(ctx context.Context, l Listing) error
	Delete(ctx context.Context, assetID uint64) error
}

// FundsRepo holds spendable balances per account.
type FundsRepo interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	Add(ctx context.Context, account common.Address, amount *big.Int) error
	// Sub fails with ErrInsufficientFunds instead of going negative.
	Sub(ctx context.Context, account common.Address, amount *big.Int) error
}

// EventLog is the append-only event record written in the same transaction
// as the state change it describes.
type EventLog interface {
	Append(ctx context.Context, e Event) (Event, error)
	ListByAsset(ctx context.Context, assetID uint64, opts ListOpts) ([]Event, error)
}

// EventArchiveStore reads and prunes settled history for cold storage.
type EventArchiveStore interface {
	// ListSettledBefore returns every event of auctions that ended before
	// cutoff, in sequence order.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Event, error)
	// DeleteSettledBefore removes the same set, restricted to seq <= maxSeq
	// so events appended after the listing survive.
	DeleteSettledBefore(ctx context.Context, before time.Time, maxSeq int64) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
