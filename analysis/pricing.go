// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package analysis derives trading signals from stored IV snapshots: the
// percentile pricing indicator shown next to each latest quote and the σ√T
// series statistics.
package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/luxfi/ivtracker/market"
)

// Pricing classifies the current IV against its recent range.
type Pricing string

const (
	Expensive Pricing = "EXPENSIVE"
	Cheap     Pricing = "CHEAP"
	Fair      Pricing = "FAIR"
)

const (
	// ExpensivePercentile and above is EXPENSIVE.
	ExpensivePercentile = 75.0
	// CheapPercentile and below is CHEAP.
	CheapPercentile = 25.0
	// MinHistory is the fewest history points a rank is computed from.
	MinHistory = 3
	// HistoryWindow is how far back the rank looks.
	HistoryWindow = 7 * 24 * time.Hour
)

// Rank places an IV inside its history.
type Rank struct {
	Percentile float64
	Min        float64
	Max        float64
	Pricing    Pricing
}

// RankIV returns the share of history strictly below current, in percent,
// with the history range. It needs a positive current IV and MinHistory
// points.
func RankIV(current float64, history []float64) (Rank, bool) {
	if current <= 0 || len(history) < MinHistory {
		return Rank{}, false
	}
	sorted := append([]float64(nil), history...)
	sort.Float64s(sorted)

	below := sort.SearchFloat64s(sorted, current)
	pct := float64(below) / float64(len(sorted)) * 100

	r := Rank{
		Percentile: round(pct, 1),
		Min:        round(sorted[0], 2),
		Max:        round(sorted[len(sorted)-1], 2),
		Pricing:    Fair,
	}
	switch {
	case pct >= ExpensivePercentile:
		r.Pricing = Expensive
	case pct <= CheapPercentile:
		r.Pricing = Cheap
	}
	return r, true
}

// Quote is a latest snapshot with its pricing indicator. The indicator
// fields are null when there is not enough history.
type Quote struct {
	market.Snapshot
	IVPercentile *float64 `json:"iv_percentile"`
	IVMin        *float64 `json:"iv_min"`
	IVMax        *float64 `json:"iv_max"`
	Pricing      *Pricing `json:"pricing"`
}

// Annotate ranks each latest snapshot's mid IV against the mid IVs of the
// same option in history.
func Annotate(latest, history []market.Snapshot) []Quote {
	byKey := make(map[market.Key][]float64)
	for _, s := range history {
		if s.MidIV != nil {
			byKey[s.Key()] = append(byKey[s.Key()], *s.MidIV)
		}
	}

	quotes := make([]Quote, 0, len(latest))
	for _, s := range latest {
		q := Quote{Snapshot: s}
		if s.MidIV != nil {
			if r, ok := RankIV(*s.MidIV, byKey[s.Key()]); ok {
				q.IVPercentile = &r.Percentile
				q.IVMin = &r.Min
				q.IVMax = &r.Max
				q.Pricing = &r.Pricing
			}
		}
		quotes = append(quotes, q)
	}
	return quotes
}

// AssetPricing averages the percentiles of an asset's ranked quotes.
// Assets without any ranked quote are absent.
func AssetPricing(quotes []Quote) map[string]Rank {
	sums := make(map[string][]float64)
	for _, q := range quotes {
		if q.IVPercentile != nil {
			sums[q.Asset] = append(sums[q.Asset], *q.IVPercentile)
		}
	}
	out := make(map[string]Rank, len(sums))
	for asset, pcts := range sums {
		var total float64
		for _, p := range pcts {
			total += p
		}
		avg := total / float64(len(pcts))
		r := Rank{Percentile: round(avg, 1), Pricing: Fair}
		switch {
		case avg >= ExpensivePercentile:
			r.Pricing = Expensive
		case avg <= CheapPercentile:
			r.Pricing = Cheap
		}
		out[asset] = r
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
