// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package analysis

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/luxfi/ivtracker/iv"
	"github.com/luxfi/ivtracker/market"
)

// Trend of a series between its first and last point.
type Trend string

const (
	Rising  Trend = "rising"
	Falling Trend = "falling"
	Flat    Trend = "flat"
)

// TrendThreshold is the percent change beyond which a series is not flat.
const TrendThreshold = 5.0

// Minimum series lengths for each statistic.
const (
	MinTrendPoints     = 5
	MinCVPoints        = 3
	MinReversionPoints = 10
)

// SigmaRootT returns IV × √(DTE/365), the volatility expected over the
// remaining life of the option. It is undefined for dte <= 0.
func SigmaRootT(ivPct, dte float64) (float64, bool) {
	if dte <= 0 || ivPct <= 0 {
		return 0, false
	}
	return ivPct * math.Sqrt(dte/365), true
}

// ChangePct is the percent change from first to last, 0 when first is not
// positive.
func ChangePct(first, last float64) float64 {
	if first <= 0 {
		return 0
	}
	return (last - first) / first * 100
}

// Classify maps a percent change to a Trend.
func Classify(changePct float64) Trend {
	switch {
	case changePct > TrendThreshold:
		return Rising
	case changePct < -TrendThreshold:
		return Falling
	default:
		return Flat
	}
}

// Point is one observation of an option.
type Point struct {
	At  time.Time `json:"at"`
	IV  float64   `json:"iv"`
	DTE int       `json:"dte"`
	SRT float64   `json:"srt"`
}

// Series groups snapshots by option into time-ordered points. Snapshots
// without a mid IV or past expiry are dropped.
func Series(snaps []market.Snapshot) map[market.Key][]Point {
	out := make(map[market.Key][]Point)
	for _, s := range snaps {
		if s.MidIV == nil {
			continue
		}
		expiry, err := iv.ParseExpiry(s.Expiry)
		if err != nil {
			continue
		}
		dte := int(math.Floor(expiry.Sub(s.CapturedAt).Hours() / 24))
		srt, ok := SigmaRootT(*s.MidIV, float64(dte))
		if !ok {
			continue
		}
		out[s.Key()] = append(out[s.Key()], Point{At: s.CapturedAt, IV: *s.MidIV, DTE: dte, SRT: srt})
	}
	for k := range out {
		pts := out[k]
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].At.Before(pts[j].At) })
	}
	return out
}

// Summary compares σ√T with raw IV as an indicator.
type Summary struct {
	Records  int `json:"records"`
	Options  int `json:"options"`
	Eligible int `json:"eligible"`

	Rising  int `json:"rising"`
	Falling int `json:"falling"`
	Flat    int `json:"flat"`

	// Average coefficient of variation; zero when no series qualified.
	SRTCV float64 `json:"srt_cv"`
	IVCV  float64 `json:"iv_cv"`

	Reverting  int `json:"reverting"`
	Continuing int `json:"continuing"`

	// Pearson correlation of per-option σ√T and IV changes, NaN when
	// fewer than three options qualified.
	Correlation float64 `json:"-"`
}

// Summarize runs the trend, stability, mean reversion and correlation
// studies over snaps.
func Summarize(snaps []market.Snapshot) Summary {
	series := Series(snaps)
	sum := Summary{Records: len(snaps), Options: len(series), Correlation: math.NaN()}

	var srtChanges, ivChanges, srtCVs, ivCVs []float64
	for _, pts := range series {
		if len(pts) < MinTrendPoints {
			continue
		}
		sum.Eligible++

		first, last := pts[0], pts[len(pts)-1]
		srtChange := ChangePct(first.SRT, last.SRT)
		srtChanges = append(srtChanges, srtChange)
		ivChanges = append(ivChanges, ChangePct(first.IV, last.IV))
		switch Classify(srtChange) {
		case Rising:
			sum.Rising++
		case Falling:
			sum.Falling++
		default:
			sum.Flat++
		}

		srts, ivs := values(pts)
		if srtCV, ivCV, ok := cvs(srts, ivs); ok {
			srtCVs = append(srtCVs, srtCV)
			ivCVs = append(ivCVs, ivCV)
		}

		if len(pts) >= MinReversionPoints {
			if reverts(srts) {
				sum.Reverting++
			} else {
				sum.Continuing++
			}
		}
	}

	if len(srtCVs) > 0 {
		sum.SRTCV = stat.Mean(srtCVs, nil)
		sum.IVCV = stat.Mean(ivCVs, nil)
	}
	if len(srtChanges) > 2 {
		sum.Correlation = stat.Correlation(srtChanges, ivChanges, nil)
	}
	return sum
}

func values(pts []Point) (srts, ivs []float64) {
	srts = make([]float64, len(pts))
	ivs = make([]float64, len(pts))
	for i, p := range pts {
		srts[i], ivs[i] = p.SRT, p.IV
	}
	return srts, ivs
}

// cvs returns the sample coefficients of variation of both series.
func cvs(srts, ivs []float64) (float64, float64, bool) {
	if len(srts) < MinCVPoints {
		return 0, 0, false
	}
	srtMean, srtStd := stat.MeanStdDev(srts, nil)
	ivMean, ivStd := stat.MeanStdDev(ivs, nil)
	if srtMean <= 0 || ivMean <= 0 {
		return 0, 0, false
	}
	return srtStd / srtMean, ivStd / ivMean, true
}

// reverts reports whether the second half of the series moved back toward
// the overall mean from a first half on one side of it.
func reverts(xs []float64) bool {
	mean := stat.Mean(xs, nil)
	mid := len(xs) / 2
	firstHalf := stat.Mean(xs[:mid], nil)
	secondHalf := stat.Mean(xs[mid:], nil)
	return (firstHalf > mean && secondHalf < firstHalf) ||
		(firstHalf < mean && secondHalf > firstHalf)
}
