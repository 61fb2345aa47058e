package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DurationClass is the closed set of auction lengths.
type DurationClass uint8

const (
	DurationShort DurationClass = iota
	DurationMedium
	DurationLong
	DurationExtended
)

var durationSeconds = map[DurationClass]time.Duration{
	DurationShort:    60 * time.Second,
	DurationMedium:   300 * time.Second,
	DurationLong:     600 * time.Second,
	DurationExtended: 1800 * time.Second,
}

var durationNames = map[DurationClass]string{
	DurationShort:    "SHORT",
	DurationMedium:   "MEDIUM",
	DurationLong:     "LONG",
	DurationExtended: "EXTENDED",
}

// Valid reports whether d is one of the enumerated classes.
func (d DurationClass) Valid() bool {
	_, ok := durationSeconds[d]
	return ok
}

// Duration returns the fixed length of the class, or zero for an unknown class.
func (d DurationClass) Duration() time.Duration {
	return durationSeconds[d]
}

func (d DurationClass) String() string {
	if n, ok := durationNames[d]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseDurationClass accepts either the class name ("SHORT") or its ordinal ("0").
func ParseDurationClass(s string) (DurationClass, error) {
	for d, n := range durationNames {
		if n == s {
			return d, nil
		}
	}
	if len(s) == 1 && s[0] >= '0' && s[0] <= '9' {
		d := DurationClass(s[0] - '0')
		if d.Valid() {
			return d, nil
		}
	}
	return 0, ErrInvalidDuration
}

// Auction is one auction instance. Amounts are in wei.
type Auction struct {
	ID            int64
	AssetID       uint64
	Seller        common.Address
	StartingPrice *big.Int
	HighestBid    *big.Int
	HighestBidder common.Address
	StartTime     time.Time
	EndTime       time.Time
	DurationClass DurationClass
	Active        bool
	Ended         bool
}

// HasBids reports whether at least one bid has been accepted.
func (a Auction) HasBids() bool {
	return a.HighestBid != nil && a.HighestBid.Sign() > 0
}

// Expired is the derived expiry condition, independent of the stored flags.
func (a Auction) Expired(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// MinimumBid is max(startingPrice, highestBid). A bid must be strictly greater.
func (a Auction) MinimumBid() *big.Int {
	if a.HasBids() && a.HighestBid.Cmp(a.StartingPrice) > 0 {
		return new(big.Int).Set(a.HighestBid)
	}
	return new(big.Int).Set(a.StartingPrice)
}

// Clone returns a deep copy so callers never share big.Int storage.
func (a Auction) Clone() Auction {
	out := a
	out.StartingPrice = cloneInt(a.StartingPrice)
	out.HighestBid = cloneInt(a.HighestBid)
	return out
}

// Settlement is the outcome of EndAuction.
type Settlement struct {
	AuctionID  int64
	AssetID    uint64
	Seller     common.Address
	Winner     common.Address // zero address when there were no bids
	WinningBid *big.Int
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
