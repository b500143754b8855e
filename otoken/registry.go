// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package otoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"
	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/logger"
)

var prefixTerms = []byte("otk:")

// Store is the durable source of truth for terms.
type Store interface {
	// GetTerms returns nil, nil when addr is unknown.
	GetTerms(ctx context.Context, addr string) (*Terms, error)
	// InsertTerms inserts t unless a row for t.Address exists and reports
	// whether a row was written.
	InsertTerms(ctx context.Context, t Terms) (bool, error)
}

// Registry is a write-once map from otoken address to Terms, backed by a
// durable Store with an in-process cache in front of it. The cache never
// holds anything the store has not accepted.
type Registry struct {
	store Store
	cache database.Database
	log   *zap.Logger
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, log *zap.Logger) *Registry {
	return &Registry{
		store: store,
		cache: prefixdb.New(prefixTerms, memdb.New()),
		log:   logger.OrNop(log),
	}
}

// Get returns the terms for addr from the cache, then the store, or nil.
func (r *Registry) Get(ctx context.Context, addr string) (*Terms, error) {
	key := []byte(strings.ToLower(addr))

	if t, err := r.cached(key); err != nil || t != nil {
		return t, err
	}

	t, err := r.store.GetTerms(ctx, string(key))
	if err != nil {
		return nil, fmt.Errorf("load otoken %s: %w", addr, err)
	}
	if t == nil {
		return nil, nil
	}
	if err := r.remember(key, *t); err != nil {
		return nil, err
	}
	return t, nil
}

// Put records t if its address is unknown. Terms are immutable: when a row
// already exists the stored version wins and t is discarded.
func (r *Registry) Put(ctx context.Context, t Terms) error {
	t.Normalize()
	if t.Address == "" {
		return errors.New("otoken terms without address")
	}
	key := []byte(t.Address)

	if has, err := r.cache.Has(key); err != nil {
		return fmt.Errorf("otoken cache: %w", err)
	} else if has {
		return nil
	}

	inserted, err := r.store.InsertTerms(ctx, t)
	if err != nil {
		return fmt.Errorf("store otoken %s: %w", t.Address, err)
	}
	if inserted {
		return r.remember(key, t)
	}

	// lost to an existing row; cache what the store holds
	stored, err := r.store.GetTerms(ctx, t.Address)
	if err != nil {
		return fmt.Errorf("reload otoken %s: %w", t.Address, err)
	}
	if stored != nil {
		if !stored.Strike.Equal(t.Strike) || stored.Expiry != t.Expiry || stored.Side != t.Side {
			r.log.Warn("discarding conflicting otoken terms",
				zap.String("otoken", t.Address),
				zap.String("stored_strike", stored.Strike.String()),
				zap.String("new_strike", t.Strike.String()))
		}
		return r.remember(key, *stored)
	}
	return nil
}

func (r *Registry) cached(key []byte) (*Terms, error) {
	data, err := r.cache.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("otoken cache: %w", err)
	}
	var t Terms
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("otoken cache decode: %w", err)
	}
	return &t, nil
}

func (r *Registry) remember(key []byte, t Terms) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("otoken cache encode: %w", err)
	}
	if err := r.cache.Put(key, data); err != nil {
		return fmt.Errorf("otoken cache: %w", err)
	}
	return nil
}
