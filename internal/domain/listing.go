package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Listing is a fixed-price sale offer. While it exists, escrow holds the asset.
type Listing struct {
	AssetID  uint64
	Seller   common.Address
	Price    *big.Int
	ListedAt time.Time
}
