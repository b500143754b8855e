// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package indexer_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/ivtracker/evm"
	"github.com/luxfi/ivtracker/indexer"
	"github.com/luxfi/ivtracker/otoken"
	"github.com/luxfi/ivtracker/position"
	"github.com/luxfi/ivtracker/storage"
)

const (
	controller = "0x00000000000000000000000000000000000000c1"
	topic      = "0x2cd4d0a5fdb1e12bd0e4d5e5e7a1b1f4c6d0f3a9b2d8e7f6a5b4c3d2e1f0a9b8"
)

func txHash(block uint64, i int) string {
	return fmt.Sprintf("0x%060x%04x", block, i)
}

// fakeChain serves logs for a fixed set of transactions.
type fakeChain struct {
	head        uint64
	headErr     error
	blocks      map[uint64][]string
	logsErr     func(from, to uint64) error
	receiptErr  map[string]error
	timeErr     error
	expireAfter int

	calls     [][2]uint64
	receipts  int
	deadline  time.Time
	deadlines []time.Time
}

func newChain(head uint64) *fakeChain {
	return &fakeChain{
		head:       head,
		blocks:     make(map[uint64][]string),
		receiptErr: make(map[string]error),
	}
}

// addTx emits n logs for a new transaction in block.
func (c *fakeChain) addTx(block uint64, n int) string {
	tx := txHash(block, len(c.blocks[block]))
	for i := 0; i < n; i++ {
		c.blocks[block] = append(c.blocks[block], tx)
	}
	return tx
}

// txsIn lists the distinct transactions in [from, to].
func (c *fakeChain) txsIn(from, to uint64) []string {
	seen := make(map[string]bool)
	var out []string
	for b, txs := range c.blocks {
		if b < from || b > to {
			continue
		}
		for _, tx := range txs {
			if !seen[tx] {
				seen[tx] = true
				out = append(out, tx)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) GetLogs(_ context.Context, from, to uint64, address string, topics ...string) ([]evm.Log, error) {
	c.calls = append(c.calls, [2]uint64{from, to})
	if c.logsErr != nil {
		if err := c.logsErr(from, to); err != nil {
			return nil, err
		}
	}
	var logs []evm.Log
	for b := from; b <= to; b++ {
		for i, tx := range c.blocks[b] {
			logs = append(logs, evm.Log{
				Address:     address,
				Topics:      []string{topics[0]},
				BlockNumber: b,
				TxHash:      tx,
				LogIndex:    uint64(i),
			})
		}
	}
	return logs, nil
}

func (c *fakeChain) GetReceipt(_ context.Context, tx string) (*evm.Receipt, error) {
	c.receipts++
	if err := c.receiptErr[tx]; err != nil {
		return nil, err
	}
	for b, txs := range c.blocks {
		for _, h := range txs {
			if h == tx {
				return &evm.Receipt{TxHash: tx, BlockNumber: b, Status: 1}, nil
			}
		}
	}
	return nil, nil
}

func (c *fakeChain) BlockTimestamp(_ context.Context, n uint64) (time.Time, error) {
	if c.timeErr != nil {
		return time.Time{}, c.timeErr
	}
	return time.Unix(1_760_000_000+int64(n)*2, 0).UTC(), nil
}

func (c *fakeChain) SetDeadline(t time.Time) {
	c.deadline = t
	c.deadlines = append(c.deadlines, t)
}

// Expired turns true once expireAfter getLogs calls have been made.
func (c *fakeChain) Expired() bool {
	return c.expireAfter > 0 && len(c.calls) >= c.expireAfter
}

// stubDecoder turns every receipt into a HYPE put unless told to skip it.
type stubDecoder struct {
	skip map[string]bool
}

func (d stubDecoder) Decode(_ context.Context, rcpt *evm.Receipt) (*position.Position, error) {
	if d.skip[rcpt.TxHash] {
		return nil, nil
	}
	return &position.Position{
		TxHash:      rcpt.TxHash,
		BlockNumber: rcpt.BlockNumber,
		UserAddress: position.UnknownUser,
		Asset:       "HYPE",
		Strike:      decimal.NewFromInt(40),
		Expiry:      "20FEB26",
		Side:        otoken.SidePut,
	}, nil
}

// memStore keeps indexer state in maps.
type memStore struct {
	mu            sync.Mutex
	cursors       map[string]uint64
	positions     map[string]position.Position
	inserts       map[string]int
	gaps          []storage.Gap
	insertErr     error
	beforeAdvance func()
}

func newMemStore() *memStore {
	return &memStore{
		cursors:   make(map[string]uint64),
		positions: make(map[string]position.Position),
		inserts:   make(map[string]int),
	}
}

func (s *memStore) cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[controller]
}

func (s *memStore) setCursor(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[controller] = block
}

func (s *memStore) hashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.positions))
	for tx := range s.positions {
		out = append(out, tx)
	}
	sort.Strings(out)
	return out
}

func (s *memStore) SeedCursor(_ context.Context, contract string, block uint64) (storage.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contract = strings.ToLower(contract)
	if _, ok := s.cursors[contract]; !ok {
		s.cursors[contract] = block
	}
	return storage.Cursor{ContractAddress: contract, LastProcessedBlock: s.cursors[contract]}, nil
}

func (s *memStore) AdvanceCursor(ctx context.Context, contract string, expected, next uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.beforeAdvance != nil {
		s.beforeAdvance()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if next < expected {
		return storage.ErrCursorBackward
	}
	if s.cursors[contract] != expected {
		return storage.ErrCursorConflict
	}
	s.cursors[contract] = next
	return nil
}

func (s *memStore) PositionExists(_ context.Context, tx string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[tx]
	return ok, nil
}

func (s *memStore) InsertPosition(ctx context.Context, p position.Position) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	s.inserts[p.TxHash]++
	if _, ok := s.positions[p.TxHash]; ok {
		return false, nil
	}
	s.positions[p.TxHash] = p
	return true, nil
}

func (s *memStore) RecordGap(_ context.Context, g storage.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, g)
	return nil
}

type collectNotifier struct {
	positions []position.Position
}

func (n *collectNotifier) PositionIndexed(p position.Position) {
	n.positions = append(n.positions, p)
}

type collectRecorder struct {
	reports []*indexer.Report
}

func (r *collectRecorder) ObserveRun(rep *indexer.Report, _ time.Duration) {
	r.reports = append(r.reports, rep)
}

func transient(msg string) error {
	return &evm.Error{Kind: evm.KindTransient, Method: "eth_getLogs", Code: -32005, Err: fmt.Errorf("%s", msg)}
}

func budget() error {
	return &evm.Error{Kind: evm.KindBudget, Method: "eth_getLogs", Err: evm.ErrBudgetExceeded}
}

func fatal(method string) error {
	return &evm.Error{Kind: evm.KindFatal, Method: method, Code: -32602, Err: fmt.Errorf("invalid params")}
}
