// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/ivtracker/market"
)

const snapshotColumns = `id, timestamp, asset, strike, expiry, bid_iv, ask_iv, mid_iv, option_type, apy, iv_calculated`

// HistoryFilter narrows snapshot history queries. Zero fields match all.
type HistoryFilter struct {
	Asset  string
	Strike float64
	Expiry string
	Since  time.Time
	// Ascending orders oldest first; the default is newest first.
	Ascending bool
}

// Forecast is one row written by the forecasting job.
type Forecast struct {
	ID         int64     `db:"id" json:"id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Asset      string    `db:"asset" json:"asset"`
	Strike     float64   `db:"strike" json:"strike"`
	Expiry     string    `db:"expiry" json:"expiry"`
	OptionType string    `db:"option_type" json:"option_type"`
	Horizon    int       `db:"horizon_hours" json:"horizon_hours"`
	PointIV    float64   `db:"forecast_iv" json:"forecast_iv"`
	LowIV      *float64  `db:"lower_iv" json:"lower_iv"`
	HighIV     *float64  `db:"upper_iv" json:"upper_iv"`
	Model      string    `db:"model" json:"model"`
}

// SaveSnapshots stores every saveable snapshot in one transaction and
// returns how many were written. Snapshots without a capture time get the
// current time.
func (s *Store) SaveSnapshots(ctx context.Context, snaps []market.Snapshot) (int, error) {
	valid := make([]market.Snapshot, 0, len(snaps))
	now := s.now().UTC()
	for _, snap := range snaps {
		if !snap.Saveable() {
			continue
		}
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = now
		}
		valid = append(valid, snap)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO iv_snapshots (timestamp, asset, strike, expiry, bid_iv, ask_iv, mid_iv, option_type, apy, iv_calculated)
		VALUES (:timestamp, :asset, :strike, :expiry, :bid_iv, :ask_iv, :mid_iv, :option_type, :apy, :iv_calculated)`)
	if err != nil {
		return 0, fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range valid {
		if _, err := stmt.ExecContext(ctx, snap); err != nil {
			return 0, fmt.Errorf("insert snapshot %s %v %s: %w", snap.Asset, snap.Strike, snap.Expiry, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(valid), nil
}

// Assets lists every asset with at least one snapshot.
func (s *Store) Assets(ctx context.Context) ([]string, error) {
	var assets []string
	if err := s.db.SelectContext(ctx, &assets, `SELECT DISTINCT asset FROM iv_snapshots ORDER BY asset`); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

// History returns snapshots matching f.
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]market.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM iv_snapshots WHERE timestamp > ?`
	args := []interface{}{f.Since.UTC()}
	if f.Asset != "" {
		query += ` AND asset = ?`
		args = append(args, f.Asset)
	}
	if f.Strike > 0 {
		query += ` AND strike = ?`
		args = append(args, f.Strike)
	}
	if f.Expiry != "" {
		query += ` AND expiry = ?`
		args = append(args, f.Expiry)
	}
	if f.Ascending {
		query += ` ORDER BY timestamp ASC, id ASC`
	} else {
		query += ` ORDER BY timestamp DESC, id DESC`
	}

	var snaps []market.Snapshot
	if err := s.db.SelectContext(ctx, &snaps, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}
	return snaps, nil
}

// Latest returns the most recent snapshot of every option series,
// optionally limited to one asset.
func (s *Store) Latest(ctx context.Context, asset string) ([]market.Snapshot, error) {
	query := `
		SELECT s.id, s.timestamp, s.asset, s.strike, s.expiry, s.bid_iv, s.ask_iv, s.mid_iv, s.option_type, s.apy, s.iv_calculated
		FROM iv_snapshots s
		JOIN (
			SELECT asset, strike, expiry, option_type, MAX(timestamp) AS ts
			FROM iv_snapshots
			GROUP BY asset, strike, expiry, option_type
		) m ON s.asset = m.asset AND s.strike = m.strike AND s.expiry = m.expiry
			AND s.option_type = m.option_type AND s.timestamp = m.ts`
	var args []interface{}
	if asset != "" {
		query += ` WHERE s.asset = ?`
		args = append(args, asset)
	}
	query += ` ORDER BY s.asset, s.strike, s.expiry, s.option_type, s.id DESC`

	var rows []market.Snapshot
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}
	// rows saved in the same instant tie on timestamp; keep the newest id
	return market.Dedupe(rows), nil
}

// StrikesAndExpiries lists the distinct strikes and expiries seen for asset.
func (s *Store) StrikesAndExpiries(ctx context.Context, asset string) ([]float64, []string, error) {
	var strikes []float64
	if err := s.db.SelectContext(ctx, &strikes, s.rebind(
		`SELECT DISTINCT strike FROM iv_snapshots WHERE asset = ? ORDER BY strike`), asset); err != nil {
		return nil, nil, fmt.Errorf("list strikes: %w", err)
	}
	var expiries []string
	if err := s.db.SelectContext(ctx, &expiries, s.rebind(
		`SELECT DISTINCT expiry FROM iv_snapshots WHERE asset = ? ORDER BY expiry`), asset); err != nil {
		return nil, nil, fmt.Errorf("list expiries: %w", err)
	}
	return strikes, expiries, nil
}

// Forecasts returns up to limit forecasts for asset, newest first.
func (s *Store) Forecasts(ctx context.Context, asset string, limit int) ([]Forecast, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Forecast
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT id, created_at, asset, strike, expiry, option_type, horizon_hours, forecast_iv, lower_iv, upper_iv, model
		FROM iv_forecasts WHERE asset = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), asset, limit)
	if err != nil {
		return nil, fmt.Errorf("list forecasts: %w", err)
	}
	return out, nil
}
