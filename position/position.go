// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package position decodes option-writing transactions into Position records.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/ivtracker/otoken"
)

// UnknownUser marks positions with no premium transfer to attribute.
const UnknownUser = "unknown"

// OtokenDecimals is the fixed-point scale of otoken amounts.
const OtokenDecimals = 8

// Position is one indexed option-writing transaction. Strike and Asset are
// always set; optional amounts are null when no matching event was seen.
type Position struct {
	TxHash           string              `db:"tx_hash" json:"tx_hash"`
	BlockNumber      uint64              `db:"block_number" json:"block_number"`
	BlockTimestamp   *time.Time          `db:"block_timestamp" json:"block_timestamp,omitempty"`
	UserAddress      string              `db:"user_address" json:"user_address"`
	Asset            string              `db:"asset" json:"asset"`
	Strike           decimal.Decimal     `db:"strike" json:"strike"`
	Expiry           string              `db:"expiry" json:"expiry"`
	Side             otoken.Side         `db:"option_type" json:"option_type"`
	CollateralAmount decimal.NullDecimal `db:"collateral_amount" json:"collateral_amount"`
	CollateralToken  string              `db:"collateral_token" json:"collateral_token,omitempty"`
	PremiumAmount    decimal.NullDecimal `db:"premium_amount" json:"premium_amount"`
	FeeAmount        decimal.NullDecimal `db:"fee_amount" json:"fee_amount"`
	OtokenAmount     decimal.NullDecimal `db:"otoken_amount" json:"otoken_amount"`
	OtokenAddress    string              `db:"otoken_address" json:"otoken_address,omitempty"`
}

// IsPut reports whether the written option is a put.
func (p Position) IsPut() bool { return p.Side.IsPut() }

// builder accumulates fields from a receipt's logs. Nothing outside the
// decoder sees it before build validates it.
type builder struct {
	txHash string
	block  uint64

	asset     string
	strike    *decimal.Decimal
	expiry    string
	side      otoken.Side
	otokenAdr string

	otokenAmount     *decimal.Decimal
	collateralAmount *decimal.Decimal
	collateralToken  string
	premium          *decimal.Decimal
	fee              *decimal.Decimal
	user             string

	created *otoken.Terms
}

func (b *builder) applyTerms(t *otoken.Terms) {
	strike := t.Strike
	b.strike = &strike
	if t.Expiry != "" {
		b.expiry = t.Expiry
	}
	if t.Side != "" {
		b.side = t.Side
	}
	if b.asset == "" {
		b.asset = t.Asset
	}
}

func (b *builder) addPremium(amount decimal.Decimal, user string) {
	b.premium = add(b.premium, amount)
	b.user = user
}

func (b *builder) addFee(amount decimal.Decimal) {
	b.fee = add(b.fee, amount)
}

// build validates and freezes the position. It reports false when strike or
// asset are unresolved.
func (b *builder) build() (*Position, bool) {
	if b.strike == nil || b.asset == "" {
		return nil, false
	}
	p := &Position{
		TxHash:           b.txHash,
		BlockNumber:      b.block,
		UserAddress:      b.user,
		Asset:            b.asset,
		Strike:           *b.strike,
		Expiry:           b.expiry,
		Side:             b.side,
		CollateralAmount: nullable(b.collateralAmount),
		CollateralToken:  b.collateralToken,
		PremiumAmount:    nullable(b.premium),
		FeeAmount:        nullable(b.fee),
		OtokenAmount:     nullable(b.otokenAmount),
		OtokenAddress:    b.otokenAdr,
	}
	if p.UserAddress == "" {
		p.UserAddress = UnknownUser
	}
	return p, true
}

func add(sum *decimal.Decimal, amount decimal.Decimal) *decimal.Decimal {
	if sum == nil {
		return &amount
	}
	total := sum.Add(amount)
	return &total
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
