// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package indexer sweeps a contract's event logs in bounded, resumable runs
// and persists one Position per transaction.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/evm"
	"github.com/luxfi/ivtracker/logger"
	"github.com/luxfi/ivtracker/position"
	"github.com/luxfi/ivtracker/storage"
)

// Status of a finished run.
type Status string

const (
	// StatusCaughtUp means there was nothing past the cursor.
	StatusCaughtUp Status = "caught_up"
	// StatusComplete means the whole requested range was swept.
	StatusComplete Status = "complete"
	// StatusPartial means the run stopped early; the cursor marks how far it got.
	StatusPartial Status = "partial"
	// StatusConflict means another run moved the cursor first.
	StatusConflict Status = "conflict"
	// StatusBusy means a run of the same Indexer was still in progress and
	// nothing was done.
	StatusBusy Status = "busy"
)

// shrinkFactor narrows a sub-window after a transient getLogs failure.
const shrinkFactor = 10

// Chain is the RPC surface the indexer needs. The deadline is per client,
// so a Chain must not be shared between Indexers.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, from, to uint64, address string, topics ...string) ([]evm.Log, error)
	GetReceipt(ctx context.Context, txHash string) (*evm.Receipt, error)
	BlockTimestamp(ctx context.Context, n uint64) (time.Time, error)
	SetDeadline(t time.Time)
	Expired() bool
}

// Decoder turns a receipt into a position, nil when it is not one.
type Decoder interface {
	Decode(ctx context.Context, rcpt *evm.Receipt) (*position.Position, error)
}

// Store persists cursors, positions and gaps.
type Store interface {
	SeedCursor(ctx context.Context, contract string, block uint64) (storage.Cursor, error)
	AdvanceCursor(ctx context.Context, contract string, expected, next uint64) error
	PositionExists(ctx context.Context, txHash string) (bool, error)
	InsertPosition(ctx context.Context, p position.Position) (bool, error)
	RecordGap(ctx context.Context, g storage.Gap) error
}

// Notifier is told about every newly stored position.
type Notifier interface {
	PositionIndexed(p position.Position)
}

// Recorder observes finished runs.
type Recorder interface {
	ObserveRun(r *Report, elapsed time.Duration)
}

// Config for one watched contract.
type Config struct {
	Contract        string
	Topic           string
	StartBlock      uint64
	MaxBlocksPerRun uint64
	WindowSize      uint64
	TimeBudget      time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID           string        `json:"run_id"`
	Contract        string        `json:"contract"`
	FromBlock       uint64        `json:"from_block"`
	ToBlock         uint64        `json:"to_block"`
	PositionsFound  int           `json:"positions_found"`
	BlocksRemaining uint64        `json:"blocks_remaining"`
	Status          Status        `json:"status"`
	Gaps            []storage.Gap `json:"gaps,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Indexer runs bounded sweeps over one contract. Runs on the same Indexer
// do not overlap.
type Indexer struct {
	running sync.Mutex

	cfg      Config
	chain    Chain
	decoder  Decoder
	store    Store
	notifier Notifier
	recorder Recorder
	log      *zap.Logger
	now      func() time.Time
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithNotifier publishes new positions to n.
func WithNotifier(n Notifier) Option {
	return func(ix *Indexer) { ix.notifier = n }
}

// WithRecorder reports finished runs to r.
func WithRecorder(r Recorder) Option {
	return func(ix *Indexer) { ix.recorder = r }
}

// WithClock overrides time.Now for timestamps in reports and gaps. The time
// budget is always measured on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(ix *Indexer) { ix.now = now }
}

// New creates an indexer.
func New(cfg Config, chain Chain, decoder Decoder, store Store, log *zap.Logger, opts ...Option) (*Indexer, error) {
	if cfg.Contract == "" || cfg.Topic == "" {
		return nil, errors.New("indexer: contract and topic are required")
	}
	if cfg.WindowSize == 0 || cfg.MaxBlocksPerRun == 0 || cfg.TimeBudget <= 0 {
		return nil, errors.New("indexer: window, block budget and time budget must be positive")
	}
	cfg.Contract = strings.ToLower(cfg.Contract)
	cfg.Topic = strings.ToLower(cfg.Topic)

	ix := &Indexer{
		cfg:     cfg,
		chain:   chain,
		decoder: decoder,
		store:   store,
		log:     logger.OrNop(log).Named("indexer"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// run is the state of one invocation.
type run struct {
	report     *Report
	seen       map[string]struct{}
	timestamps map[uint64]time.Time
	log        *zap.Logger
}

// Run performs one bounded sweep. Only storage failures are returned as
// errors; RPC trouble ends the sweep early and is described in the report.
// A call made while another Run is in progress returns a StatusBusy report
// at once.
func (ix *Indexer) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), Contract: ix.cfg.Contract}
	if !ix.running.TryLock() {
		report.Status = StatusBusy
		ix.log.Info("run already in progress", zap.String("run_id", report.RunID))
		return report, nil
	}
	defer ix.running.Unlock()

	deadline := time.Now().Add(ix.cfg.TimeBudget)
	started := ix.now()
	r := &run{
		report:     report,
		seen:       make(map[string]struct{}),
		timestamps: make(map[uint64]time.Time),
		log:        ix.log.With(zap.String("run_id", report.RunID)),
	}
	defer func() {
		if ix.recorder != nil {
			ix.recorder.ObserveRun(report, ix.now().Sub(started))
		}
	}()

	cursor, err := ix.store.SeedCursor(ctx, ix.cfg.Contract, ix.cfg.StartBlock)
	if err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("load cursor: %w", err)
	}
	last := cursor.LastProcessedBlock

	ix.chain.SetDeadline(deadline)
	defer ix.chain.SetDeadline(time.Time{})

	head, err := ix.chain.BlockNumber(ctx)
	if err != nil {
		head = last + ix.cfg.MaxBlocksPerRun
		r.log.Warn("head lookup failed, assuming optimistic head", zap.Uint64("head", head), zap.Error(err))
	}

	from := last + 1
	report.FromBlock = from
	if from > head {
		report.ToBlock = last
		report.Status = StatusCaughtUp
		return report, nil
	}
	to := from + ix.cfg.MaxBlocksPerRun - 1
	if to > head {
		to = head
	}

	reached, err := ix.sweep(ctx, r, from, to)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	report.ToBlock = reached
	report.BlocksRemaining = head - reached
	if reached == to {
		report.Status = StatusComplete
	} else {
		report.Status = StatusPartial
	}

	if reached > last {
		// progress made before a cancellation is still kept
		err := ix.store.AdvanceCursor(context.WithoutCancel(ctx), ix.cfg.Contract, last, reached)
		switch {
		case errors.Is(err, storage.ErrCursorConflict):
			r.log.Warn("cursor moved by another run", zap.Uint64("expected", last), zap.Uint64("reached", reached))
			report.Status = StatusConflict
		case err != nil:
			report.Error = err.Error()
			return report, fmt.Errorf("advance cursor: %w", err)
		}
	}

	r.log.Info("run finished",
		zap.Uint64("from", from),
		zap.Uint64("to", reached),
		zap.Int("positions", report.PositionsFound),
		zap.Uint64("remaining", report.BlocksRemaining),
		zap.String("status", string(report.Status)))
	return report, nil
}

// sweep walks [from, to] in sub-windows and returns the last block fully
// processed, which is from-1 when nothing was.
func (ix *Indexer) sweep(ctx context.Context, r *run, from, to uint64) (uint64, error) {
	reached := from - 1
	for start := from; start <= to; {
		if ix.chain.Expired() || ctx.Err() != nil {
			r.log.Info("time budget spent", zap.Uint64("stopped_before", start))
			return reached, nil
		}

		end := start + ix.cfg.WindowSize - 1
		if end > to {
			end = to
		}

		logs, err := ix.chain.GetLogs(ctx, start, end, ix.cfg.Contract, ix.cfg.Topic)
		if err != nil {
			switch evm.KindOf(err) {
			case evm.KindBudget:
				return reached, nil
			case evm.KindTransient:
				end = start + (end-start+1)/shrinkFactor
				if end > start {
					end--
				}
				logs, err = ix.chain.GetLogs(ctx, start, end, ix.cfg.Contract, ix.cfg.Topic)
				if err != nil {
					if evm.IsBudget(err) {
						return reached, nil
					}
					if err := ix.skip(ctx, r, start, end, err); err != nil {
						return reached, err
					}
					reached, start = end, end+1
					continue
				}
			default:
				r.log.Error("getLogs failed", zap.Uint64("from", start), zap.Uint64("to", end), zap.Error(err))
				r.report.Error = err.Error()
				return reached, nil
			}
		}

		if err := ix.process(ctx, r, logs); err != nil {
			if isRPC(err) {
				r.log.Warn("stopping before window", zap.Uint64("from", start), zap.Error(err))
				if evm.KindOf(err) == evm.KindFatal {
					r.report.Error = err.Error()
				}
				return reached, nil
			}
			if ctx.Err() != nil {
				r.log.Info("run cancelled", zap.Uint64("stopped_before", start), zap.Error(err))
				return reached, nil
			}
			return reached, err
		}
		reached, start = end, end+1
	}
	return reached, nil
}

// skip records [from, to] as a gap after the narrowed retry failed.
func (ix *Indexer) skip(ctx context.Context, r *run, from, to uint64, cause error) error {
	gap := storage.Gap{
		ContractAddress: ix.cfg.Contract,
		FromBlock:       from,
		ToBlock:         to,
		Reason:          cause.Error(),
		RunID:           r.report.RunID,
		RecordedAt:      ix.now().UTC(),
	}
	r.log.Warn("skipping range after narrowed retry failed",
		zap.Uint64("from", from), zap.Uint64("to", to), zap.Error(cause))
	if err := ix.store.RecordGap(ctx, gap); err != nil {
		return fmt.Errorf("record gap: %w", err)
	}
	r.report.Gaps = append(r.report.Gaps, gap)
	return nil
}

// process handles every new transaction among logs.
func (ix *Indexer) process(ctx context.Context, r *run, logs []evm.Log) error {
	for _, l := range logs {
		tx := strings.ToLower(l.TxHash)
		if tx == "" || l.Removed {
			continue
		}
		if _, ok := r.seen[tx]; ok {
			continue
		}
		r.seen[tx] = struct{}{}

		exists, err := ix.store.PositionExists(ctx, tx)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if err := ix.index(ctx, r, tx); err != nil {
			// retry this transaction next run
			delete(r.seen, tx)
			return err
		}
	}
	return nil
}

func (ix *Indexer) index(ctx context.Context, r *run, tx string) error {
	rcpt, err := ix.chain.GetReceipt(ctx, tx)
	if err != nil {
		return err
	}
	if rcpt == nil {
		r.log.Debug("receipt not available", zap.String("tx", tx))
		return nil
	}

	p, err := ix.decoder.Decode(ctx, rcpt)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}

	ts, err := ix.blockTime(ctx, r, p.BlockNumber)
	if err != nil {
		return err
	}
	if !ts.IsZero() {
		p.BlockTimestamp = &ts
	}

	inserted, err := ix.store.InsertPosition(ctx, *p)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	r.report.PositionsFound++
	r.log.Debug("position indexed",
		zap.String("tx", p.TxHash),
		zap.String("asset", p.Asset),
		zap.String("strike", p.Strike.String()),
		zap.String("expiry", p.Expiry))
	if ix.notifier != nil {
		ix.notifier.PositionIndexed(*p)
	}
	return nil
}

// blockTime returns the timestamp of block n, cached for the run. A block the
// node cannot describe yields the zero time; load-related failures are
// returned.
func (ix *Indexer) blockTime(ctx context.Context, r *run, n uint64) (time.Time, error) {
	if ts, ok := r.timestamps[n]; ok {
		return ts, nil
	}
	ts, err := ix.chain.BlockTimestamp(ctx, n)
	if err != nil {
		if errors.Is(err, evm.ErrNotFound) || (isRPC(err) && evm.KindOf(err) == evm.KindFatal) {
			r.log.Warn("block timestamp unavailable", zap.Uint64("block", n), zap.Error(err))
			r.timestamps[n] = time.Time{}
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	r.timestamps[n] = ts
	return ts, nil
}

// isRPC reports whether err came from the chain client.
func isRPC(err error) bool {
	var rpcErr *evm.Error
	return errors.As(err, &rpcErr) || errors.Is(err, evm.ErrBudgetExceeded)
}
