package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	weiDecimals = 18

	// maxAmountDigits is the width of the NUMERIC(78,0) amount columns.
	maxAmountDigits = 78
)

// MaxAmount is the largest amount the ledger stores: 2^256-1 wei.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseAmount converts a user-supplied amount into wei. Plain decimals are
// read as ETH ("0.15"); a "wei" suffix takes the integer as-is ("150wei").
// Signed input and anything above MaxAmount is rejected before any large
// number is built.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrInvalidAmount)
	}
	if raw, ok := strings.CutSuffix(s, "wei"); ok {
		raw = strings.TrimLeft(strings.TrimSpace(raw), "+0")
		if raw == "" {
			return new(big.Int), nil
		}
		if len(raw) > maxAmountDigits {
			return nil, fmt.Errorf("parse amount %q: too large: %w", s, ErrInvalidAmount)
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("parse amount %q: %w", s, ErrInvalidAmount)
		}
		return checkRange(s, v)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(s, "eth")))
	if err != nil || d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrInvalidAmount)
	}
	if d.IsZero() {
		return new(big.Int), nil
	}
	// Bound the exponent and coefficient so Shift and BigInt stay small.
	exp, digits := int64(d.Exponent()), int64(d.NumDigits())
	if exp+digits > maxAmountDigits-weiDecimals {
		return nil, fmt.Errorf("parse amount %q: too large: %w", s, ErrInvalidAmount)
	}
	if exp < -(weiDecimals+maxAmountDigits) || digits > weiDecimals+maxAmountDigits {
		return nil, fmt.Errorf("parse amount %q: too precise: %w", s, ErrInvalidAmount)
	}
	wei := d.Shift(weiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("parse amount %q: more than %d decimals: %w", s, weiDecimals, ErrInvalidAmount)
	}
	return checkRange(s, wei.BigInt())
}

func checkRange(s string, v *big.Int) (*big.Int, error) {
	if v.Cmp(MaxAmount) > 0 {
		return nil, fmt.Errorf("parse amount %q: above 2^256-1 wei: %w", s, ErrInvalidAmount)
	}
	return v, nil
}

// MustEther parses an ETH decimal and panics on error. Intended for tests and constants.
func MustEther(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther renders wei as an ETH decimal string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}
