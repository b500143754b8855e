// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package storage persists IV snapshots, indexed positions, otoken terms and
// indexer cursors in PostgreSQL (production) or SQLite (local runs, tests).
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Backend identifies the storage backend type
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Config for storage backend
type Config struct {
	Backend Backend
	URL     string // postgres:// DSN or sqlite file path
}

// Errors
var (
	ErrNotFound       = errors.New("not found")
	ErrCursorConflict = errors.New("cursor moved concurrently")
	ErrCursorBackward = errors.New("cursor cannot move backwards")
)

// Store implements every repository on one sqlx handle.
type Store struct {
	db      *sqlx.DB
	backend Backend
	now     func() time.Time
}

// ParseURL derives the backend from a database URL. postgres:// and
// postgresql:// select PostgreSQL; sqlite:// or a bare path select SQLite.
func ParseURL(url string) (Config, error) {
	switch {
	case url == "":
		return Config{}, fmt.Errorf("empty database url")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Config{Backend: BackendPostgres, URL: url}, nil
	case strings.HasPrefix(url, "sqlite://"):
		return Config{Backend: BackendSQLite, URL: strings.TrimPrefix(url, "sqlite://")}, nil
	default:
		return Config{Backend: BackendSQLite, URL: url}, nil
	}
}

// ParseBackend parses a backend string
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("unknown backend: %s", s)
	}
}

// New opens the backend named in cfg. Call Init before use.
func New(cfg Config) (*Store, error) {
	switch cfg.Backend {
	case BackendPostgres:
		db, err := sqlx.Open("postgres", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return &Store{db: db, backend: cfg.Backend, now: time.Now}, nil

	case BackendSQLite:
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&cache=shared", cfg.URL)
		db, err := sqlx.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		// single writer
		db.SetMaxOpenConns(1)
		return &Store{db: db, backend: cfg.Backend, now: time.Now}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Open parses url, opens the store and creates the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init checks connectivity and creates missing tables.
func (s *Store) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.backend, err)
	}
	return s.InitSchema(ctx, TrackerSchema())
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Backend reports which backend the store runs on.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}
