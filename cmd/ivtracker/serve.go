// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/api"
	"github.com/luxfi/ivtracker/indexer"
)

func newIndexCmd(flags *rootFlags) *cobra.Command {
	var untilCaughtUp bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Run one bounded indexer sweep and print its report",
	}
	cmd.Flags().BoolVar(&untilCaughtUp, "until-caught-up", false, "repeat sweeps until the cursor reaches the head")
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		ix, err := a.indexer(nil)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		for {
			report, err := ix.Run(ctx)
			if report != nil {
				_ = enc.Encode(report)
			}
			if err != nil {
				return err
			}
			if !untilCaughtUp || ctx.Err() != nil || report.Error != "" {
				return nil
			}
			switch report.Status {
			case indexer.StatusCaughtUp, indexer.StatusConflict, indexer.StatusBusy:
				return nil
			case indexer.StatusComplete:
				if report.BlocksRemaining == 0 {
					return nil
				}
			}
		}
	})
	return cmd
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
	}
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		return a.server().Run(ctx)
	})
	return cmd
}

// server builds the API with every component the configuration enables.
func (a *app) server() *api.Server {
	stream := api.NewStream(a.log)
	opts := []api.Option{
		api.WithLogger(a.log),
		api.WithMetrics(a.metrics),
		api.WithStream(stream),
		api.WithCollector(a.collector(false)),
	}
	ix, err := a.indexer(stream)
	switch {
	case err == nil:
		opts = append(opts, api.WithIndexer(ix))
	case errors.Is(err, errIndexerDisabled):
		a.log.Info("position indexing disabled", zap.Error(err))
	default:
		a.log.Error("indexer setup failed", zap.Error(err))
	}
	return api.NewServer(a.cfg.HTTP, a.store, opts...)
}

func newDaemonCmd(flags *rootFlags) *cobra.Command {
	var serve, newton bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Collect snapshots and index positions on a schedule",
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "also serve the HTTP API")
	cmd.Flags().BoolVar(&newton, "newton", false, "fill missing IVs with the Newton solver")
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		d := &daemon{app: a, collector: a.collector(newton)}

		var stream *api.Stream
		if serve {
			stream = api.NewStream(a.log)
		}
		var notifier indexer.Notifier
		if stream != nil {
			notifier = stream
		}
		ix, err := a.indexer(notifier)
		switch {
		case err == nil:
			d.indexer = ix
		case !errors.Is(err, errIndexerDisabled):
			return err
		}

		c := cron.NewWithLocation(time.UTC)
		if err := c.AddFunc(fmt.Sprintf("@every %s", a.cfg.Tracker.Interval), func() { d.fetch(ctx) }); err != nil {
			return fmt.Errorf("schedule fetch: %w", err)
		}
		if d.indexer != nil {
			if err := c.AddFunc(a.cfg.Indexer.Schedule, func() { d.index(ctx) }); err != nil {
				return fmt.Errorf("schedule index %q: %w", a.cfg.Indexer.Schedule, err)
			}
		}

		a.log.Info("daemon started",
			zap.Duration("fetch_interval", a.cfg.Tracker.Interval),
			zap.String("index_schedule", a.cfg.Indexer.Schedule),
			zap.Bool("indexer", d.indexer != nil))

		d.fetch(ctx)
		if d.indexer != nil {
			d.index(ctx)
		}
		c.Start()
		defer c.Stop()

		if serve {
			opts := []api.Option{
				api.WithLogger(a.log),
				api.WithMetrics(a.metrics),
				api.WithStream(stream),
				api.WithCollector(d.collector),
			}
			if d.indexer != nil {
				opts = append(opts, api.WithIndexer(d.indexer))
			}
			return api.NewServer(a.cfg.HTTP, a.store, opts...).Run(ctx)
		}
		<-ctx.Done()
		a.log.Info("daemon stopped")
		return nil
	})
	return cmd
}

// daemon runs scheduled jobs. A job still running when its next tick fires
// is not started again; the indexer enforces this itself, including against
// runs started through the API.
type daemon struct {
	app       *app
	collector api.Collector
	indexer   *indexer.Indexer

	fetching sync.Mutex
}

func (d *daemon) fetch(ctx context.Context) {
	if !d.fetching.TryLock() {
		d.app.log.Warn("previous fetch still running, skipping")
		return
	}
	defer d.fetching.Unlock()

	n, err := d.collector.Run(ctx, d.app.store)
	d.app.metrics.ObserveCollection(n, err)
	if err != nil {
		d.app.log.Error("fetch failed", zap.Error(err))
	}
}

func (d *daemon) index(ctx context.Context) {
	report, err := d.indexer.Run(ctx)
	if err != nil {
		d.app.log.Error("index run failed", zap.Error(err))
		return
	}
	if report.Status == indexer.StatusBusy {
		d.app.log.Warn("previous index run still running, skipping")
		return
	}
	if report.Error != "" {
		d.app.log.Warn("index run stopped early", zap.String("status", string(report.Status)), zap.String("error", report.Error))
	}
}
