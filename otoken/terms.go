// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package otoken resolves option token addresses to their immutable terms.
package otoken

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/iv"
)

// Side is the option side.
type Side string

const (
	SideCall Side = "call"
	SidePut  Side = "put"
)

// SideOf maps an isPut flag to a Side.
func SideOf(isPut bool) Side {
	if isPut {
		return SidePut
	}
	return SideCall
}

// IsPut reports whether s is a put.
func (s Side) IsPut() bool { return s == SidePut }

// StrikeDecimals is the fixed-point scale of on-chain strike prices.
const StrikeDecimals = 8

// ExpiryHour is the UTC hour at which options settle.
const ExpiryHour = 8

// Terms are the immutable economics of one otoken.
type Terms struct {
	Address    string          `db:"otoken_address" json:"otoken_address"`
	Underlying string          `db:"underlying" json:"underlying,omitempty"`
	Strike     decimal.Decimal `db:"strike" json:"strike"`
	Expiry     string          `db:"expiry" json:"expiry"`
	ExpiryUnix *int64          `db:"expiry_timestamp" json:"expiry_timestamp,omitempty"`
	Side       Side            `db:"option_type" json:"option_type"`
	Collateral string          `db:"collateral" json:"collateral,omitempty"`
	Asset      string          `db:"asset" json:"asset"`
}

// Normalize lower-cases the addresses.
func (t *Terms) Normalize() {
	t.Address = strings.ToLower(t.Address)
	t.Underlying = strings.ToLower(t.Underlying)
	t.Collateral = strings.ToLower(t.Collateral)
}

// ScaleStrike converts a raw 1e8 fixed-point strike.
func ScaleStrike(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-StrikeDecimals)
}

// ExpiryFromUnix returns the expiry code for a settlement timestamp.
func ExpiryFromUnix(ts int64) string {
	return iv.FormatExpiry(time.Unix(ts, 0))
}

const nameDateLayout = "2-January-2006"

// NameInfo is what an otoken's name() reveals.
type NameInfo struct {
	Asset      string
	Expiry     string
	ExpiryUnix int64
	Side       Side
}

// ParseName parses names of the form
//
//	"<PAIR> <D-Month-YYYY> <strike><Put|Call> ..."
//
// e.g. "WHYPE-USDT0 20-February-2026 1750Put USDT0 Collateral".
func ParseName(name string, tables *config.Tables) (NameInfo, error) {
	fields := strings.Fields(name)
	if len(fields) < 3 {
		return NameInfo{}, fmt.Errorf("otoken name %q: too few fields", name)
	}

	asset, ok := tables.MatchSymbol(fields[0])
	if !ok {
		return NameInfo{}, fmt.Errorf("otoken name %q: unknown pair %s", name, fields[0])
	}

	date, err := time.Parse(nameDateLayout, fields[1])
	if err != nil {
		return NameInfo{}, fmt.Errorf("otoken name %q: %w", name, err)
	}
	settle := date.Add(ExpiryHour * time.Hour)

	var side Side
	lower := strings.ToLower(fields[2])
	switch {
	case strings.HasSuffix(lower, "put"):
		side = SidePut
	case strings.HasSuffix(lower, "call"):
		side = SideCall
	default:
		return NameInfo{}, fmt.Errorf("otoken name %q: no side in %s", name, fields[2])
	}

	return NameInfo{
		Asset:      asset,
		Expiry:     iv.FormatExpiry(settle),
		ExpiryUnix: settle.Unix(),
		Side:       side,
	}, nil
}
