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

	"github.com/luxfi/ivtracker/otoken"
)

type termsRow struct {
	otoken.Terms
	CreatedAt time.Time `db:"created_at"`
}

// GetTerms loads the registry row for addr, nil when absent.
func (s *Store) GetTerms(ctx context.Context, addr string) (*otoken.Terms, error) {
	var t otoken.Terms
	err := s.db.GetContext(ctx, &t, s.rebind(`
		SELECT otoken_address, underlying, strike, expiry, expiry_timestamp, option_type, collateral, asset
		FROM otoken_registry WHERE otoken_address = ?`), strings.ToLower(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get otoken terms: %w", err)
	}
	return &t, nil
}

// InsertTerms writes t unless the address is already registered and reports
// whether a row was written. Existing rows are never updated.
func (s *Store) InsertTerms(ctx context.Context, t otoken.Terms) (bool, error) {
	t.Normalize()
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO otoken_registry (otoken_address, underlying, strike, expiry, expiry_timestamp, option_type, collateral, asset, created_at)
		VALUES (:otoken_address, :underlying, :strike, :expiry, :expiry_timestamp, :option_type, :collateral, :asset, :created_at)
		ON CONFLICT (otoken_address) DO NOTHING`,
		termsRow{Terms: t, CreatedAt: s.now().UTC()})
	if err != nil {
		return false, fmt.Errorf("insert otoken terms %s: %w", t.Address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert otoken terms %s: %w", t.Address, err)
	}
	return n > 0, nil
}
