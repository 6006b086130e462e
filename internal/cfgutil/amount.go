// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AmountFlag embeds a decimal.Decimal and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
type AmountFlag struct {
	decimal.Decimal
}

// NewAmountFlag creates an AmountFlag with a default amount.
func NewAmountFlag(defaultValue decimal.Decimal) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisifes the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Decimal.String(), nil
}

// UnmarshalFlag satisifes the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSpace(value)
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return err
	}
	a.Decimal = amount
	return nil
}
