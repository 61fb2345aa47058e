package handler

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// amount renders wei as both an ETH decimal and an exact wei string.
type amount struct {
	ETH string `json:"eth"`
	Wei string `json:"wei"`
}

func newAmount(wei *big.Int) amount {
	if wei == nil {
		wei = new(big.Int)
	}
	return amount{ETH: domain.FormatEther(wei), Wei: wei.String()}
}

type auctionResponse struct {
	AuctionID     int64     `json:"auction_id"`
	AssetID       string    `json:"asset_id"`
	Seller        string    `json:"seller"`
	StartingPrice amount    `json:"starting_price"`
	HighestBid    amount    `json:"highest_bid"`
	HighestBidder string    `json:"highest_bidder,omitempty"`
	MinimumBid    amount    `json:"minimum_bid"`
	Duration      string    `json:"duration"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Active        bool      `json:"active"`
	Ended         bool      `json:"ended"`
	Expired       bool      `json:"expired"`
}

func newAuctionResponse(a domain.Auction, now time.Time) auctionResponse {
	out := auctionResponse{
		AuctionID:     a.ID,
		AssetID:       strconv.FormatUint(a.AssetID, 10),
		Seller:        a.Seller.Hex(),
		StartingPrice: newAmount(a.StartingPrice),
		HighestBid:    newAmount(a.HighestBid),
		MinimumBid:    newAmount(a.MinimumBid()),
		Duration:      a.DurationClass.String(),
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		Active:        a.Active,
		Ended:         a.Ended,
		Expired:       a.Expired(now),
	}
	if a.HighestBidder != (common.Address{}) {
		out.HighestBidder = a.HighestBidder.Hex()
	}
	return out
}

type settlementResponse struct {
	AuctionID  int64  `json:"auction_id"`
	AssetID    string `json:"asset_id"`
	Seller     string `json:"seller"`
	Winner     string `json:"winner"`
	WinningBid amount `json:"winning_bid"`
	Sold       bool   `json:"sold"`
}

func newSettlementResponse(s domain.Settlement) settlementResponse {
	return settlementResponse{
		AuctionID:  s.AuctionID,
		AssetID:    strconv.FormatUint(s.AssetID, 10),
		Seller:     s.Seller.Hex(),
		Winner:     s.Winner.Hex(),
		WinningBid: newAmount(s.WinningBid),
		Sold:       s.Winner != (common.Address{}),
	}
}

type listingResponse struct {
	AssetID  string    `json:"asset_id"`
	Seller   string    `json:"seller"`
	Price    amount    `json:"price"`
	ListedAt time.Time `json:"listed_at"`
}

func newListingResponse(l domain.Listing) listingResponse {
	return listingResponse{
		AssetID:  strconv.FormatUint(l.AssetID, 10),
		Seller:   l.Seller.Hex(),
		Price:    newAmount(l.Price),
		ListedAt: l.ListedAt,
	}
}
