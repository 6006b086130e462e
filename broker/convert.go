// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package broker

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseAmount converts an integer string denominated in the coin's
// smallest unit into a decimal with precision fractional digits. The
// conversion is exact; amounts never pass through binary floating point.
// For a string s of length L and precision p the result reads as
// s[0:L-p] "." s[L-p:L], with the fractional part zero-padded when the
// string is shorter than p digits.
func ParseAmount(s string, precision int32) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount string")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return decimal.Zero, fmt.Errorf("amount %q is not an unsigned integer", s)
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("amount %q is not an unsigned integer", s)
	}
	return decimal.NewFromBigInt(n, -precision), nil
}
