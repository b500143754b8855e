// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package iv

import (
	"errors"
	"math"
)

var (
	// ErrNoBracket is returned when f(a) and f(b) share a sign.
	ErrNoBracket = errors.New("root not bracketed")
	// ErrNoConvergence is returned when the iteration limit is reached.
	ErrNoConvergence = errors.New("root finder did not converge")
)

const (
	brentXTol    = 1e-10
	brentMaxIter = 100
	machEps      = 2.220446049250313e-16
)

// brent finds a root of f in [a, b] using Brent's method (inverse quadratic
// interpolation with bisection fallback).
func brent(f func(float64) float64, a, b float64) (float64, error) {
	fa, fb := f(a), f(b)
	if math.IsNaN(fa) || math.IsNaN(fb) {
		return 0, ErrNoBracket
	}
	if fa == 0 {
		return a, nil
	}
	if fb == 0 {
		return b, nil
	}
	if (fa > 0) == (fb > 0) {
		return 0, ErrNoBracket
	}

	c, fc := a, fa
	d := b - a
	e := d

	for i := 0; i < brentMaxIter; i++ {
		if (fb > 0) == (fc > 0) {
			c, fc = a, fa
			d = b - a
			e = d
		}
		if math.Abs(fc) < math.Abs(fb) {
			a, b, c = b, c, b
			fa, fb, fc = fb, fc, fb
		}

		tol := 2*machEps*math.Abs(b) + 0.5*brentXTol
		m := 0.5 * (c - b)
		if math.Abs(m) <= tol || fb == 0 {
			return b, nil
		}

		if math.Abs(e) >= tol && math.Abs(fa) > math.Abs(fb) {
			var p, q float64
			s := fb / fa
			if a == c {
				// secant
				p = 2 * m * s
				q = 1 - s
			} else {
				// inverse quadratic
				qq := fa / fc
				r := fb / fc
				p = s * (2*m*qq*(qq-r) - (b-a)*(r-1))
				q = (qq - 1) * (r - 1) * (s - 1)
			}
			if p > 0 {
				q = -q
			} else {
				p = -p
			}
			if 2*p < math.Min(3*m*q-math.Abs(tol*q), math.Abs(e*q)) {
				e = d
				d = p / q
			} else {
				d = m
				e = d
			}
		} else {
			d = m
			e = d
		}

		a, fa = b, fb
		if math.Abs(d) > tol {
			b += d
		} else if m > 0 {
			b += tol
		} else {
			b -= tol
		}
		fb = f(b)
		if math.IsNaN(fb) {
			return 0, ErrNoConvergence
		}
	}
	return 0, ErrNoConvergence
}
