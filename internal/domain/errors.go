package domain

import "errors"

// Auction state-machine errors. Every one of them aborts the operation with
// no state change.
var (
	ErrInvalidAsset        = errors.New("invalid asset")
	ErrAlreadyAuctioned    = errors.New("asset already under auction")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidDuration     = errors.New("invalid duration class")
	ErrAuctionNotActive    = errors.New("auction not active")
	ErrAuctionExpired      = errors.New("auction expired")
	ErrBidTooLow           = errors.New("bid too low")
	ErrSelfBid             = errors.New("seller cannot bid on own auction")
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrAuctionStillRunning = errors.New("auction still running")
	ErrAuctionAlreadyEnded = errors.New("auction already ended")
	ErrNoFundsToWithdraw   = errors.New("no funds to withdraw")
)

// Marketplace and infrastructure errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAssetListed       = errors.New("asset is listed for sale")
	ErrNotListed         = errors.New("asset is not listed")
	ErrNotSeller         = errors.New("caller is not the seller")
	ErrSelfPurchase      = errors.New("seller cannot buy own listing")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSigningFailed     = errors.New("signing failed")
	ErrLockHeld          = errors.New("lock already held")
)
