// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cursor is the last block an indexer fully processed for one contract.
type Cursor struct {
	ContractAddress    string    `db:"contract_address" json:"contract_address"`
	LastProcessedBlock uint64    `db:"last_processed_block" json:"last_processed_block"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Gap is a block range the indexer gave up on after a narrowed retry failed.
type Gap struct {
	ContractAddress string    `db:"contract_address" json:"contract_address"`
	FromBlock       uint64    `db:"from_block" json:"from_block"`
	ToBlock         uint64    `db:"to_block" json:"to_block"`
	Reason          string    `db:"reason" json:"reason"`
	RunID           string    `db:"run_id" json:"run_id"`
	RecordedAt      time.Time `db:"recorded_at" json:"recorded_at"`
}

// Cursor loads the cursor for contract, ErrNotFound when absent.
func (s *Store) Cursor(ctx context.Context, contract string) (Cursor, error) {
	var c Cursor
	err := s.db.GetContext(ctx, &c, s.rebind(`
		SELECT contract_address, last_processed_block, updated_at
		FROM indexer_state WHERE contract_address = ?`), strings.ToLower(contract))
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, ErrNotFound
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return c, nil
}

// SeedCursor creates the cursor at block unless one exists and returns the
// stored cursor either way.
func (s *Store) SeedCursor(ctx context.Context, contract string, block uint64) (Cursor, error) {
	contract = strings.ToLower(contract)
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO indexer_state (contract_address, last_processed_block, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (contract_address) DO NOTHING`), contract, block, s.now().UTC())
	if err != nil {
		return Cursor{}, fmt.Errorf("seed cursor: %w", err)
	}
	return s.Cursor(ctx, contract)
}

// AdvanceCursor moves the cursor from expected to next. It fails with
// ErrCursorConflict when the stored value is no longer expected and with
// ErrCursorBackward when next < expected.
func (s *Store) AdvanceCursor(ctx context.Context, contract string, expected, next uint64) error {
	if next < expected {
		return fmt.Errorf("%w: %d -> %d", ErrCursorBackward, expected, next)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE indexer_state SET last_processed_block = ?, updated_at = ?
		WHERE contract_address = ? AND last_processed_block = ?`),
		next, s.now().UTC(), strings.ToLower(contract), expected)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if n == 0 {
		return ErrCursorConflict
	}
	return nil
}

// RecordGap stores a skipped range.
func (s *Store) RecordGap(ctx context.Context, g Gap) error {
	if g.RecordedAt.IsZero() {
		g.RecordedAt = s.now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO indexer_gaps (contract_address, from_block, to_block, reason, run_id, recorded_at)
		VALUES (:contract_address, :from_block, :to_block, :reason, :run_id, :recorded_at)`,
		Gap{
			ContractAddress: strings.ToLower(g.ContractAddress),
			FromBlock:       g.FromBlock,
			ToBlock:         g.ToBlock,
			Reason:          g.Reason,
			RunID:           g.RunID,
			RecordedAt:      g.RecordedAt,
		})
	if err != nil {
		return fmt.Errorf("record gap: %w", err)
	}
	return nil
}

// Gaps lists recorded gaps for contract, oldest first.
func (s *Store) Gaps(ctx context.Context, contract string) ([]Gap, error) {
	var gaps []Gap
	err := s.db.SelectContext(ctx, &gaps, s.rebind(`
		SELECT contract_address, from_block, to_block, reason, run_id, recorded_at
		FROM indexer_gaps WHERE contract_address = ? ORDER BY from_block`), strings.ToLower(contract))
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	return gaps, nil
}
