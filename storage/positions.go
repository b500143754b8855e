// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/luxfi/ivtracker/position"
)

const positionColumns = `tx_hash, block_number, block_timestamp, user_address, asset, strike, expiry, option_type,
	collateral_amount, collateral_token, premium_amount, fee_amount, otoken_amount, otoken_address`

// positionRow adds the insert time to a position.
type positionRow struct {
	position.Position
	CreatedAt time.Time `db:"created_at"`
}

// PositionExists reports whether a position for txHash is stored.
func (s *Store) PositionExists(ctx context.Context, txHash string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(
		`SELECT COUNT(1) FROM onchain_positions WHERE tx_hash = ?`), strings.ToLower(txHash))
	if err != nil {
		return false, fmt.Errorf("position exists %s: %w", txHash, err)
	}
	return n > 0, nil
}

// InsertPosition stores p unless its transaction is already stored and
// reports whether a row was written.
func (s *Store) InsertPosition(ctx context.Context, p position.Position) (bool, error) {
	if p.Asset == "" || p.TxHash == "" {
		return false, fmt.Errorf("position %q: missing asset or tx hash", p.TxHash)
	}
	p.TxHash = strings.ToLower(p.TxHash)

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO onchain_positions (`+positionColumns+`, created_at)
		VALUES (:tx_hash, :block_number, :block_timestamp, :user_address, :asset, :strike, :expiry, :option_type,
			:collateral_amount, :collateral_token, :premium_amount, :fee_amount, :otoken_amount, :otoken_address, :created_at)
		ON CONFLICT (tx_hash) DO NOTHING`,
		positionRow{Position: p, CreatedAt: s.now().UTC()})
	if err != nil {
		return false, fmt.Errorf("insert position %s: %w", p.TxHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert position %s: %w", p.TxHash, err)
	}
	return n > 0, nil
}

// RecentPositions returns up to limit positions, highest block first.
func (s *Store) RecentPositions(ctx context.Context, limit int) ([]position.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []position.Position
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT `+positionColumns+`
		FROM onchain_positions ORDER BY block_number DESC, tx_hash LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent positions: %w", err)
	}
	return out, nil
}
