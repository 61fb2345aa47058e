package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names an emitted marketplace event.
type EventType string

const (
	EventAuctionStarted   EventType = "AuctionStarted"
	EventBidPlaced        EventType = "BidPlaced"
	EventAuctionEnded     EventType = "AuctionEnded"
	EventBidWithdrawn     EventType = "BidWithdrawn"
	EventItemListed       EventType = "ItemListed"
	EventListingWithdrawn EventType = "ListingWithdrawn"
	EventItemSold         EventType = "ItemSold"
)

// Event is an entry of the append-only event log. Account is the actor the
// event is about: seller for AuctionStarted/ItemListed, bidder for BidPlaced
// and BidWithdrawn, winner for AuctionEnded, buyer for ItemSold.
type Event struct {
	Seq           int64
	Type          EventType
	AuctionID     int64
	AssetID       uint64
	Seller        common.Address
	Account       common.Address
	Amount        *big.Int
	EndTime       time.Time
	DurationClass DurationClass
	At            time.Time
	Signature     string
}

// CanonicalBytes is the byte string the operator signs for an event.
func (e Event) CanonicalBytes() []byte {
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return []byte(fmt.Sprintf("%s|%d|%d|%s|%s|%s|%d|%d",
		e.Type, e.AuctionID, e.AssetID, e.Seller.Hex(), e.Account.Hex(),
		amount, e.EndTime.Unix(), e.At.UnixNano(),
	))
}

type eventJSON struct {
	Seq           int64     `json:"seq"`
	Type          EventType `json:"type"`
	AuctionID     int64     `json:"auction_id,omitempty"`
	AssetID       string    `json:"asset_id"`
	Seller        string    `json:"seller,omitempty"`
	Account       string    `json:"account,omitempty"`
	AmountWei     string    `json:"amount_wei"`
	Amount        string    `json:"amount"`
	EndTime       int64     `json:"end_time,omitempty"`
	DurationClass string    `json:"duration_class,omitempty"`
	At            time.Time `json:"at"`
	Signature     string    `json:"signature,omitempty"`
}

// MarshalJSON renders amounts as decimal strings so clients never lose precision.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Seq:       e.Seq,
		Type:      e.Type,
		AuctionID: e.AuctionID,
		AssetID:   strconv.FormatUint(e.AssetID, 10),
		AmountWei: "0",
		Amount:    FormatEther(e.Amount),
		At:        e.At,
		Signature: e.Signature,
	}
	if e.Seller != (common.Address{}) {
		out.Seller = e.Seller.Hex()
	}
	if e.Account != (common.Address{}) || e.Type == EventAuctionEnded {
		out.Account = e.Account.Hex()
	}
	if e.Amount != nil {
		out.AmountWei = e.Amount.String()
	}
	if e.Type == EventAuctionStarted {
		out.EndTime = e.EndTime.Unix()
		out.DurationClass = e.DurationClass.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	assetID, err := strconv.ParseUint(in.AssetID, 10, 64)
	if err != nil {
		return fmt.Errorf("event: asset_id: %w", err)
	}
	amount, ok := new(big.Int).SetString(in.AmountWei, 10)
	if !ok {
		return fmt.Errorf("event: amount_wei %q: %w", in.AmountWei, ErrInvalidAmount)
	}
	*e = Event{
		Seq:       in.Seq,
		Type:      in.Type,
		AuctionID: in.AuctionID,
		AssetID:   assetID,
		Amount:    amount,
		At:        in.At,
		Signature: in.Signature,
	}
	if in.Seller != "" {
		e.Seller = common.HexToAddress(in.Seller)
	}
	if in.Account != "" {
		e.Account = common.HexToAddress(in.Account)
	}
	if in.EndTime != 0 {
		e.EndTime = time.Unix(in.EndTime, 0).UTC()
	}
	if in.DurationClass != "" {
		if d, err := ParseDurationClass(in.DurationClass); err == nil {
			e.DurationClass = d
		}
	}
	return nil
}
