// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package iv recovers Black-Scholes implied volatility from the annualized
// yield a venue quotes for writing an option.
//
// Calls are priced against covered-call collateral (spot) and puts against
// cash-secured collateral (strike), so the premium implied by an APY quote is
//
//	premium = apy/100 * collateral * dte/365
package iv

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// RiskFreeRate is the annual rate used in every pricing call.
const RiskFreeRate = 0.05

// DaysPerYear converts days to expiry into years.
const DaysPerYear = 365.0

// Price returns the Black-Scholes price of a European option. T is in years.
// With no time or no volatility the price collapses to intrinsic value.
func Price(spot, strike, t, sigma float64, isPut bool) float64 {
	if t <= 0 || sigma <= 0 {
		if isPut {
			return math.Max(0, strike-spot)
		}
		return math.Max(0, spot-strike)
	}

	d1, d2 := d1d2(spot, strike, t, sigma)
	discount := strike * math.Exp(-RiskFreeRate*t)
	if isPut {
		return discount*distuv.UnitNormal.CDF(-d2) - spot*distuv.UnitNormal.CDF(-d1)
	}
	return spot*distuv.UnitNormal.CDF(d1) - discount*distuv.UnitNormal.CDF(d2)
}

// Vega returns dPrice/dSigma, identical for calls and puts.
func Vega(spot, strike, t, sigma float64) float64 {
	if t <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(spot, strike, t, sigma)
	return spot * math.Sqrt(t) * distuv.UnitNormal.Prob(d1)
}

// PremiumFromAPY converts an APY percentage into the premium earned per unit
// of underlying over dte days.
func PremiumFromAPY(spot, strike, dte, apyPct float64, isPut bool) float64 {
	collateral := spot
	if isPut {
		collateral = strike
	}
	return apyPct / 100 * collateral * dte / DaysPerYear
}

func d1d2(spot, strike, t, sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (RiskFreeRate+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}
