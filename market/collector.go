// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/iv"
	"github.com/luxfi/ivtracker/logger"
)

// maxPageSize caps how much of the venue page is read.
const maxPageSize = 32 << 20

// Saver persists snapshots and reports how many were kept.
type Saver interface {
	SaveSnapshots(ctx context.Context, snaps []Snapshot) (int, error)
}

// Collector fetches the venue page and turns it into snapshots.
type Collector struct {
	url       string
	userAgent string
	client    *http.Client
	newton    bool
	log       *zap.Logger
	now       func() time.Time
}

// NewCollector creates a collector from the tracker settings.
func NewCollector(cfg config.TrackerConfig, log *zap.Logger) *Collector {
	return &Collector{
		url:       cfg.TargetURL,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		newton:    cfg.UseNewton,
		log:       logger.OrNop(log).Named("market"),
		now:       time.Now,
	}
}

// UseNewton switches missing-IV recovery to the Newton solver.
func (c *Collector) UseNewton(on bool) { c.newton = on }

// FetchPage downloads the venue page.
func (c *Collector) FetchPage(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: HTTP %d", c.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", c.url, err)
	}
	return string(body), nil
}

// Collect fetches and parses the page, fills missing IVs from APY, and
// returns one timestamped snapshot per option series.
func (c *Collector) Collect(ctx context.Context) ([]Snapshot, error) {
	page, err := c.FetchPage(ctx)
	if err != nil {
		return nil, err
	}
	q := Parse(page)
	now := c.now().UTC()

	filled := FillIV(q.Snapshots, q.Spots, c.solver(), now)
	snaps := Dedupe(q.Snapshots)
	for i := range snaps {
		snaps[i].CapturedAt = now
	}

	c.log.Info("parsed venue page",
		zap.Int("quotes", len(q.Snapshots)),
		zap.Int("unique", len(snaps)),
		zap.Int("spots", len(q.Spots)),
		zap.Int("iv_from_apy", filled))
	return snaps, nil
}

// Run collects and saves one round of snapshots.
func (c *Collector) Run(ctx context.Context, saver Saver) (int, error) {
	snaps, err := c.Collect(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) == 0 {
		c.log.Warn("no IV data found in page")
		return 0, nil
	}
	n, err := saver.SaveSnapshots(ctx, snaps)
	if err != nil {
		return 0, fmt.Errorf("save snapshots: %w", err)
	}
	c.log.Info("stored snapshots", zap.Int("count", n))
	return n, nil
}

// Solver pairs an IV solver with the days-to-expiry convention it expects.
type Solver struct {
	Solve iv.Solver
	// Days converts an expiry code to the solver's time input.
	Days func(expiry string, now time.Time) (float64, error)
}

// BrentSolver uses fractional days to expiry.
var BrentSolver = Solver{Solve: iv.FromAPY, Days: iv.DaysToExpiry}

// NewtonSolver uses whole days, floored at one.
var NewtonSolver = Solver{
	Solve: iv.NewtonFromAPY,
	Days: func(expiry string, now time.Time) (float64, error) {
		d, err := iv.WholeDaysToExpiry(expiry, now)
		return float64(d), err
	},
}

func (c *Collector) solver() Solver {
	if c.newton {
		return NewtonSolver
	}
	return BrentSolver
}

// FillIV derives bid, ask and mid IV from APY for snapshots without a quoted
// IV and returns how many were filled. Snapshots without a spot price, APY or
// parseable expiry are left alone.
func FillIV(snaps []Snapshot, spots map[string]float64, s Solver, now time.Time) int {
	filled := 0
	for i := range snaps {
		snap := &snaps[i]
		if positive(snap.BidIV) || !positive(snap.APY) {
			continue
		}
		spot, ok := spots[snap.Asset]
		if !ok || spot <= 0 {
			continue
		}
		dte, err := s.Days(snap.Expiry, now)
		if err != nil || dte <= 0 {
			continue
		}
		sigma, ok := s.Solve(spot, snap.Strike, dte, *snap.APY, snap.Side.IsPut())
		if !ok {
			continue
		}
		snap.BidIV, snap.AskIV, snap.MidIV = ptr(sigma), ptr(sigma), ptr(sigma)
		snap.IVCalculated = true
		filled++
	}
	return filled
}
