// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package market extracts option quotes from the venue's rendered page and
// turns them into IV snapshots.
package market

import (
	"time"

	"github.com/luxfi/ivtracker/otoken"
)

// Snapshot is one captured quote. IVs and APY are percentages.
type Snapshot struct {
	ID           int64       `db:"id" json:"id,omitempty" csv:"-"`
	CapturedAt   time.Time   `db:"timestamp" json:"timestamp" csv:"timestamp"`
	Asset        string      `db:"asset" json:"asset" csv:"asset"`
	Strike       float64     `db:"strike" json:"strike" csv:"strike"`
	Expiry       string      `db:"expiry" json:"expiry" csv:"expiry"`
	BidIV        *float64    `db:"bid_iv" json:"bid_iv" csv:"bid_iv"`
	AskIV        *float64    `db:"ask_iv" json:"ask_iv" csv:"ask_iv"`
	MidIV        *float64    `db:"mid_iv" json:"mid_iv" csv:"mid_iv"`
	Side         otoken.Side `db:"option_type" json:"option_type" csv:"option_type"`
	APY          *float64    `db:"apy" json:"apy" csv:"apy"`
	IVCalculated bool        `db:"iv_calculated" json:"iv_calculated" csv:"iv_calculated"`
}

// Key identifies one option series.
type Key struct {
	Asset  string
	Strike float64
	Expiry string
	Side   otoken.Side
}

// Key returns the series s belongs to.
func (s Snapshot) Key() Key {
	return Key{Asset: s.Asset, Strike: s.Strike, Expiry: s.Expiry, Side: s.Side}
}

// HasQuotedIV reports whether both bid and ask IV are positive.
func (s Snapshot) HasQuotedIV() bool {
	return positive(s.BidIV) && positive(s.AskIV)
}

// Saveable reports whether s carries enough to be worth storing: an asset, a
// strike and either a two-sided IV or a positive APY.
func (s Snapshot) Saveable() bool {
	if s.Asset == "" || s.Strike <= 0 {
		return false
	}
	return s.HasQuotedIV() || positive(s.APY)
}

// Dedupe keeps the first snapshot of every series.
func Dedupe(snaps []Snapshot) []Snapshot {
	seen := make(map[Key]struct{}, len(snaps))
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if _, ok := seen[s.Key()]; ok {
			continue
		}
		seen[s.Key()] = struct{}{}
		out = append(out, s)
	}
	return out
}

func positive(p *float64) bool {
	return p != nil && *p > 0
}

func ptr(f float64) *float64 {
	return &f
}

// optional returns nil for non-positive values.
func optional(f float64) *float64 {
	if f > 0 {
		return &f
	}
	return nil
}
