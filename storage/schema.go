// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"fmt"
	"strings"
)

// Schema lists the tables and secondary indexes InitSchema creates. DDL is
// rendered per backend so one declaration serves PostgreSQL and SQLite.
type Schema struct {
	Tables  []Table
	Indexes []Index
}

type Table struct {
	Name    string
	Columns []Column
}

// Column is NOT NULL unless Nullable. Columns marked Primary form the
// table's primary key, in declaration order.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	Default  string
	Primary  bool
}

// ColumnType is a portable type, mapped by columnSQL.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInt       ColumnType = "int"
	TypeBigInt    ColumnType = "bigint"
	TypeFloat     ColumnType = "float"
	TypeDecimal   ColumnType = "decimal"
	TypeBool      ColumnType = "bool"
	TypeTimestamp ColumnType = "timestamp"
	TypeSerial    ColumnType = "serial" // auto-incrementing primary key
)

type Index struct {
	Name    string
	Table   string
	Columns []string
}

// TrackerSchema is every table the tracker reads or writes. iv_forecasts is
// produced by the forecasting job and only read here.
func TrackerSchema() Schema {
	return Schema{
		Tables: []Table{
			{
				Name: "iv_snapshots",
				Columns: []Column{
					{Name: "id", Type: TypeSerial, Primary: true},
					{Name: "timestamp", Type: TypeTimestamp},
					{Name: "asset", Type: TypeText},
					{Name: "strike", Type: TypeFloat},
					{Name: "expiry", Type: TypeText},
					{Name: "bid_iv", Type: TypeFloat, Nullable: true},
					{Name: "ask_iv", Type: TypeFloat, Nullable: true},
					{Name: "mid_iv", Type: TypeFloat, Nullable: true},
					{Name: "option_type", Type: TypeText},
					{Name: "apy", Type: TypeFloat, Nullable: true},
					{Name: "iv_calculated", Type: TypeBool, Default: "false"},
				},
			},
			{
				Name: "iv_forecasts",
				Columns: []Column{
					{Name: "id", Type: TypeSerial, Primary: true},
					{Name: "created_at", Type: TypeTimestamp},
					{Name: "asset", Type: TypeText},
					{Name: "strike", Type: TypeFloat},
					{Name: "expiry", Type: TypeText},
					{Name: "option_type", Type: TypeText},
					{Name: "horizon_hours", Type: TypeInt},
					{Name: "forecast_iv", Type: TypeFloat},
					{Name: "lower_iv", Type: TypeFloat, Nullable: true},
					{Name: "upper_iv", Type: TypeFloat, Nullable: true},
					{Name: "model", Type: TypeText, Default: "''"},
				},
			},
			{
				Name: "indexer_state",
				Columns: []Column{
					{Name: "contract_address", Type: TypeText, Primary: true},
					{Name: "last_processed_block", Type: TypeBigInt},
					{Name: "updated_at", Type: TypeTimestamp},
				},
			},
			{
				Name: "onchain_positions",
				Columns: []Column{
					{Name: "tx_hash", Type: TypeText, Primary: true},
					{Name: "block_number", Type: TypeBigInt},
					{Name: "block_timestamp", Type: TypeTimestamp, Nullable: true},
					{Name: "user_address", Type: TypeText},
					{Name: "asset", Type: TypeText},
					{Name: "strike", Type: TypeDecimal},
					{Name: "expiry", Type: TypeText},
					{Name: "option_type", Type: TypeText},
					{Name: "collateral_amount", Type: TypeDecimal, Nullable: true},
					{Name: "collateral_token", Type: TypeText, Default: "''"},
					{Name: "premium_amount", Type: TypeDecimal, Nullable: true},
					{Name: "fee_amount", Type: TypeDecimal, Nullable: true},
					{Name: "otoken_amount", Type: TypeDecimal, Nullable: true},
					{Name: "otoken_address", Type: TypeText, Default: "''"},
					{Name: "created_at", Type: TypeTimestamp},
				},
			},
			{
				Name: "otoken_registry",
				Columns: []Column{
					{Name: "otoken_address", Type: TypeText, Primary: true},
					{Name: "underlying", Type: TypeText, Default: "''"},
					{Name: "strike", Type: TypeDecimal},
					{Name: "expiry", Type: TypeText},
					{Name: "expiry_timestamp", Type: TypeBigInt, Nullable: true},
					{Name: "option_type", Type: TypeText},
					{Name: "collateral", Type: TypeText, Default: "''"},
					{Name: "asset", Type: TypeText},
					{Name: "created_at", Type: TypeTimestamp},
				},
			},
			{
				Name: "indexer_gaps",
				Columns: []Column{
					{Name: "id", Type: TypeSerial, Primary: true},
					{Name: "contract_address", Type: TypeText},
					{Name: "from_block", Type: TypeBigInt},
					{Name: "to_block", Type: TypeBigInt},
					{Name: "reason", Type: TypeText},
					{Name: "run_id", Type: TypeText},
					{Name: "recorded_at", Type: TypeTimestamp},
				},
			},
		},
		Indexes: []Index{
			{Name: "idx_iv_snapshots_asset_ts", Table: "iv_snapshots", Columns: []string{"asset", "timestamp"}},
			{Name: "idx_iv_snapshots_option", Table: "iv_snapshots", Columns: []string{"asset", "strike", "expiry", "option_type"}},
			{Name: "idx_iv_forecasts_asset", Table: "iv_forecasts", Columns: []string{"asset", "created_at"}},
			{Name: "idx_positions_block", Table: "onchain_positions", Columns: []string{"block_number"}},
			{Name: "idx_positions_user", Table: "onchain_positions", Columns: []string{"user_address"}},
			{Name: "idx_gaps_contract", Table: "indexer_gaps", Columns: []string{"contract_address", "from_block"}},
		},
	}
}

// InitSchema creates the tables and indexes of schema if missing.
func (s *Store) InitSchema(ctx context.Context, schema Schema) error {
	for _, table := range schema.Tables {
		if err := s.createTable(ctx, table); err != nil {
			return fmt.Errorf("create table %s: %w", table.Name, err)
		}
	}
	for _, idx := range schema.Indexes {
		if err := s.createIndex(ctx, idx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}
	}
	return nil
}

func (s *Store) createTable(ctx context.Context, table Table) error {
	_, err := s.db.ExecContext(ctx, s.tableSQL(table))
	return err
}

// tableSQL renders CREATE TABLE for the store's backend. A serial column
// carries its own primary key clause.
func (s *Store) tableSQL(table Table) string {
	defs := make([]string, 0, len(table.Columns)+1)
	var key []string
	for _, col := range table.Columns {
		if col.Type == TypeSerial {
			defs = append(defs, col.Name+" "+s.serialSQL())
			continue
		}
		def := col.Name + " " + s.columnSQL(col.Type)
		if !col.Nullable {
			def += " NOT NULL"
		}
		if col.Default != "" {
			def += " DEFAULT " + col.Default
		}
		if col.Primary {
			key = append(key, col.Name)
		}
		defs = append(defs, def)
	}
	if len(key) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(key, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table.Name, strings.Join(defs, ", "))
}

func (s *Store) serialSQL() string {
	if s.backend == BackendSQLite {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

func (s *Store) columnSQL(t ColumnType) string {
	sqlite := s.backend == BackendSQLite
	switch t {
	case TypeText:
		return "TEXT"
	case TypeInt:
		return "INTEGER"
	case TypeBigInt:
		return "BIGINT"
	case TypeFloat:
		if sqlite {
			return "REAL"
		}
		return "DOUBLE PRECISION"
	case TypeDecimal:
		// exact decimal text in sqlite
		if sqlite {
			return "TEXT"
		}
		return "NUMERIC"
	case TypeBool:
		return "BOOLEAN"
	case TypeTimestamp:
		if sqlite {
			return "TIMESTAMP"
		}
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (s *Store) createIndex(ctx context.Context, idx Index) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		idx.Name, idx.Table, strings.Join(idx.Columns, ", ")))
	return err
}
