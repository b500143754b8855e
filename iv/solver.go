// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package iv

import "math"

// Search brackets for the volatility root, as decimals.
var (
	primaryBracket = [2]float64{0.01, 5.0}
	wideBracket    = [2]float64{0.001, 10.0}
)

// Newton bounds.
const (
	newtonStart   = 0.5
	newtonMaxIter = 100
	newtonMinVol  = 0.01
	newtonMaxVol  = 5.0
	// Results outside (physicalMin, physicalMax) are rejected.
	physicalMin = 0.05
	physicalMax = 4.0
)

// Solver recovers implied volatility from an APY quote.
type Solver func(spot, strike, dte, apyPct float64, isPut bool) (float64, bool)

// FromAPY returns the implied volatility, in percent, that prices the option at
// the premium implied by apyPct. It reports false for non-positive inputs or
// when no root exists in either search bracket.
func FromAPY(spot, strike, dte, apyPct float64, isPut bool) (float64, bool) {
	if !validInputs(spot, strike, dte, apyPct) {
		return 0, false
	}

	t := dte / DaysPerYear
	target := PremiumFromAPY(spot, strike, dte, apyPct, isPut)
	f := func(sigma float64) float64 {
		return Price(spot, strike, t, sigma, isPut) - target
	}

	sigma, err := brent(f, primaryBracket[0], primaryBracket[1])
	if err != nil {
		sigma, err = brent(f, wideBracket[0], wideBracket[1])
		if err != nil {
			return 0, false
		}
	}
	return sigma * 100, true
}

// NewtonFromAPY is the Newton-Raphson variant used by the page scraper. Sigma
// is clamped to [1%, 500%] on every step, iteration stops early when vega
// underflows, and converged results outside (5%, 400%) are rejected.
func NewtonFromAPY(spot, strike, dte, apyPct float64, isPut bool) (float64, bool) {
	if !validInputs(spot, strike, dte, apyPct) {
		return 0, false
	}

	t := dte / DaysPerYear
	target := PremiumFromAPY(spot, strike, dte, apyPct, isPut)
	tol := math.Max(1e-7, target*0.001)

	sigma := newtonStart
	converged := false
	for i := 0; i < newtonMaxIter; i++ {
		diff := Price(spot, strike, t, sigma, isPut) - target
		if math.Abs(diff) < tol {
			converged = true
			break
		}

		vega := Vega(spot, strike, t, sigma)
		if vega < tol*0.01 {
			break
		}
		sigma -= diff / vega
		sigma = math.Max(newtonMinVol, math.Min(newtonMaxVol, sigma))
	}

	if !converged || sigma <= physicalMin || sigma >= physicalMax {
		return 0, false
	}
	return sigma * 100, true
}

func validInputs(spot, strike, dte, apyPct float64) bool {
	for _, v := range []float64{spot, strike, dte, apyPct} {
		if !(v > 0) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
