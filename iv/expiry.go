// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package iv

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const expiryLayout = "2Jan06"

// ParseExpiry parses the venue's expiry code ("27FEB26", "6FEB26") as a UTC date.
func ParseExpiry(code string) (time.Time, error) {
	code = strings.TrimSpace(code)
	// month names match case-insensitively, so "FEB" parses as "Feb"
	t, err := time.Parse(expiryLayout, code)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", code, err)
	}
	return t, nil
}

// FormatExpiry renders t as an expiry code in UTC, without day padding.
func FormatExpiry(t time.Time) string {
	return strings.ToUpper(t.UTC().Format(expiryLayout))
}

// DaysToExpiry returns the fractional days from now until expiry, floored at 0.
func DaysToExpiry(code string, now time.Time) (float64, error) {
	t, err := ParseExpiry(code)
	if err != nil {
		return 0, err
	}
	return math.Max(0, t.Sub(now).Hours()/24), nil
}

// WholeDaysToExpiry returns the whole days until expiry, at least 1. This is
// the day count the scraper feeds the Newton solver.
func WholeDaysToExpiry(code string, now time.Time) (int, error) {
	t, err := ParseExpiry(code)
	if err != nil {
		return 0, err
	}
	days := int(math.Floor(t.Sub(now).Hours() / 24))
	if days < 1 {
		days = 1
	}
	return days, nil
}
