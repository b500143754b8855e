// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/evm"
	"github.com/luxfi/ivtracker/indexer"
	"github.com/luxfi/ivtracker/logger"
	"github.com/luxfi/ivtracker/market"
	"github.com/luxfi/ivtracker/metrics"
	"github.com/luxfi/ivtracker/otoken"
	"github.com/luxfi/ivtracker/position"
	"github.com/luxfi/ivtracker/storage"
)

var errIndexerDisabled = errors.New("indexer disabled: set CONTROLLER_ADDRESS and MARGIN_POOL_ADDRESS")

// app holds what every command needs.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *storage.Store
	metrics *metrics.Metrics
}

func newApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.databaseURL != "" {
		cfg.Database.URL = flags.databaseURL
	}
	if flags.logLevel != "" {
		cfg.App.LogLevel = flags.logLevel
	}

	log, err := logger.New(cfg.App.LogLevel, cfg.App.Env)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	log.Debug("store ready", zap.String("backend", string(store.Backend())))

	return &app{cfg: cfg, log: log, store: store, metrics: metrics.New()}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.log.Sync()
}

func (a *app) collector(newton bool) *market.Collector {
	c := market.NewCollector(a.cfg.Tracker, a.log)
	c.UseNewton(newton || a.cfg.Tracker.UseNewton)
	return c
}

func (a *app) rpcClient() *evm.Client {
	return evm.NewClient(a.cfg.Chain.RPCURL,
		evm.WithMinSpacing(a.cfg.Chain.MinCallSpacing),
		evm.WithHTTPClient(&http.Client{Timeout: a.cfg.Chain.HTTPTimeout}),
		evm.WithLogger(a.log),
		evm.WithObserver(a.metrics),
	)
}

// indexer wires the RPC client, registry and decoder for the configured
// controller. notifier may be nil.
func (a *app) indexer(notifier indexer.Notifier) (*indexer.Indexer, error) {
	if !a.cfg.IndexerEnabled() {
		return nil, errIndexerDisabled
	}
	client := a.rpcClient()
	registry := otoken.NewRegistry(a.store, a.log)
	contracts, topics := position.FromChainConfig(a.cfg.Chain)
	decoder := position.NewDecoder(contracts, topics, a.cfg.Tables, registry, client, a.log)

	opts := []indexer.Option{indexer.WithRecorder(a.metrics)}
	if notifier != nil {
		opts = append(opts, indexer.WithNotifier(notifier))
	}
	return indexer.New(indexer.Config{
		Contract:        contracts.Controller,
		Topic:           topics.ShortMinted,
		StartBlock:      a.cfg.Indexer.StartBlock,
		MaxBlocksPerRun: a.cfg.Indexer.MaxBlocksPerRun,
		WindowSize:      a.cfg.Indexer.WindowSize,
		TimeBudget:      a.cfg.Indexer.TimeBudget,
	}, client, decoder, a.store, a.log, opts...)
}
