// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package indexer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/indexer"
	"github.com/luxfi/ivtracker/position"
	"github.com/luxfi/ivtracker/storage"
)

var _ = Describe("Indexer", func() {
	var (
		ctx     context.Context
		chain   *fakeChain
		store   *memStore
		decoder stubDecoder
		cfg     indexer.Config
	)

	newIndexer := func(opts ...indexer.Option) *indexer.Indexer {
		ix, err := indexer.New(cfg, chain, decoder, store, zap.NewNop(), opts...)
		Expect(err).NotTo(HaveOccurred())
		return ix
	}

	BeforeEach(func() {
		ctx = context.Background()
		chain = newChain(600)
		store = newMemStore()
		decoder = stubDecoder{skip: map[string]bool{}}
		cfg = indexer.Config{
			Contract:        controller,
			Topic:           topic,
			StartBlock:      100,
			MaxBlocksPerRun: 1000,
			WindowSize:      50,
			TimeBudget:      50 * time.Second,
		}
	})

	Describe("New", func() {
		It("should reject an incomplete config", func() {
			_, err := indexer.New(indexer.Config{Contract: controller}, chain, decoder, store, nil)
			Expect(err).To(HaveOccurred())

			bad := cfg
			bad.WindowSize = 0
			_, err = indexer.New(bad, chain, decoder, store, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("resumption", func() {
		BeforeEach(func() {
			for _, b := range []uint64{101, 149, 150, 151, 210, 260, 301, 450, 599, 600} {
				chain.addTx(b, 1)
			}
			chain.addTx(120, 2)
			chain.addTx(333, 3)
		})

		It("should cover the whole range exactly once across a truncated run and its successor", func() {
			chain.expireAfter = 4
			first, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(indexer.StatusPartial))
			Expect(first.FromBlock).To(Equal(uint64(101)))
			Expect(first.ToBlock).To(Equal(uint64(300)))
			Expect(first.BlocksRemaining).To(Equal(uint64(300)))
			Expect(store.cursor()).To(Equal(uint64(300)))

			chain.expireAfter = 0
			second, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Status).To(Equal(indexer.StatusComplete))
			Expect(second.FromBlock).To(Equal(uint64(301)))
			Expect(second.ToBlock).To(Equal(uint64(600)))
			Expect(second.BlocksRemaining).To(BeZero())
			Expect(store.cursor()).To(Equal(uint64(600)))

			all := chain.txsIn(101, 600)
			Expect(store.hashes()).To(Equal(all))
			Expect(first.PositionsFound + second.PositionsFound).To(Equal(len(all)))
			for tx, n := range store.inserts {
				Expect(n).To(Equal(1), "tx %s inserted %d times", tx, n)
			}

			reference := newMemStore()
			ix, err := indexer.New(cfg, chain, decoder, reference, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = ix.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(reference.hashes()).To(Equal(store.hashes()))
		})

		It("should fetch one receipt per transaction", func() {
			_, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(chain.receipts).To(Equal(len(chain.txsIn(101, 600))))
		})

		It("should skip transactions already stored", func() {
			stored := chain.txsIn(101, 101)[0]
			_, err := store.InsertPosition(ctx, position.Position{TxHash: stored, Asset: "HYPE"})
			Expect(err).NotTo(HaveOccurred())

			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.PositionsFound).To(Equal(len(chain.txsIn(101, 600)) - 1))
			Expect(store.inserts[stored]).To(Equal(1))
		})

		It("should stamp positions with their block time", func() {
			_, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			p := store.positions[chain.txsIn(210, 210)[0]]
			Expect(p.BlockTimestamp).NotTo(BeNil())
			Expect(p.BlockTimestamp.Unix()).To(Equal(int64(1_760_000_000 + 210*2)))
		})
	})

	Describe("range selection", func() {
		It("should report caught_up when the cursor is at head", func() {
			store.setCursor(600)
			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusCaughtUp))
			Expect(report.PositionsFound).To(BeZero())
			Expect(chain.calls).To(BeEmpty())
			Expect(store.cursor()).To(Equal(uint64(600)))
		})

		It("should cap a run at the block budget", func() {
			cfg.MaxBlocksPerRun = 120
			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusComplete))
			Expect(report.ToBlock).To(Equal(uint64(220)))
			Expect(report.BlocksRemaining).To(Equal(uint64(380)))
			Expect(chain.calls).To(Equal([][2]uint64{{101, 150}, {151, 200}, {201, 220}}))
		})

		It("should assume an optimistic head when the head lookup fails", func() {
			chain.headErr = transient("timeout")
			cfg.MaxBlocksPerRun = 200
			tx := chain.addTx(150, 1)

			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusComplete))
			Expect(report.ToBlock).To(Equal(uint64(300)))
			Expect(store.hashes()).To(ConsistOf(tx))
			Expect(store.cursor()).To(Equal(uint64(300)))
		})
	})

	Describe("getLogs failures", func() {
		It("should retry a transient failure on a narrower window", func() {
			chain.head = 300
			chain.logsErr = func(from, to uint64) error {
				if from == 101 && to-from+1 > 5 {
					return transient("query returned more than 10000 results")
				}
				return nil
			}
			early := chain.addTx(103, 1)
			later := chain.addTx(130, 1)

			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(chain.calls[:3]).To(Equal([][2]uint64{{101, 150}, {101, 105}, {106, 155}}))
			Expect(store.hashes()).To(ConsistOf(early, later))
			Expect(report.Gaps).To(BeEmpty())
			Expect(report.Status).To(Equal(indexer.StatusComplete))
		})

		It("should record a gap when the narrower window also fails", func() {
			chain.head = 300
			chain.logsErr = func(from, to uint64) error {
				if from <= 151 && 151 <= to {
					return transient("rate limited")
				}
				return nil
			}
			lost := chain.addTx(151, 1)
			kept := chain.addTx(160, 1)

			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusComplete))
			Expect(report.ToBlock).To(Equal(uint64(300)))
			Expect(report.Gaps).To(HaveLen(1))
			Expect(report.Gaps[0].FromBlock).To(Equal(uint64(151)))
			Expect(report.Gaps[0].ToBlock).To(Equal(uint64(155)))
			Expect(report.Gaps[0].RunID).To(Equal(report.RunID))
			Expect(store.gaps).To(HaveLen(1))
			Expect(store.hashes()).To(ConsistOf(kept))
			Expect(store.hashes()).NotTo(ContainElement(lost))
		})

		It("should truncate before the window when the budget runs out", func() {
			chain.logsErr = func(from, to uint64) error {
				if from >= 201 {
					return budget()
				}
				return nil
			}
			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusPartial))
			Expect(report.ToBlock).To(Equal(uint64(200)))
			Expect(report.Error).To(BeEmpty())
			Expect(store.cursor()).To(Equal(uint64(200)))
		})

		It("should stop and report a fatal failure", func() {
			chain.logsErr = func(from, to uint64) error {
				if from >= 151 {
					return fatal("eth_getLogs")
				}
				return nil
			}
			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusPartial))
			Expect(report.ToBlock).To(Equal(uint64(150)))
			Expect(report.Error).To(ContainSubstring("invalid params"))
			Expect(store.cursor()).To(Equal(uint64(150)))
		})
	})

	Describe("transaction failures", func() {
		It("should leave a window whose receipt failed for the next run", func() {
			before := chain.addTx(149, 1)
			failing := chain.addTx(160, 1)
			chain.receiptErr[failing] = transient("rate limited")

			first, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(indexer.StatusPartial))
			Expect(first.ToBlock).To(Equal(uint64(150)))
			Expect(store.hashes()).To(ConsistOf(before))

			delete(chain.receiptErr, failing)
			second, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Status).To(Equal(indexer.StatusComplete))
			Expect(store.hashes()).To(ConsistOf(before, failing))
			Expect(store.inserts[failing]).To(Equal(1))
		})

		It("should store positions without a timestamp the node cannot give", func() {
			tx := chain.addTx(150, 1)
			chain.timeErr = fatal("eth_getBlockByNumber")

			_, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.positions[tx].BlockTimestamp).To(BeNil())
		})

		It("should stop when a timestamp lookup is rate limited", func() {
			chain.addTx(150, 1)
			chain.timeErr = transient("rate limited")

			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusPartial))
			Expect(report.ToBlock).To(Equal(uint64(100)))
			Expect(store.hashes()).To(BeEmpty())
		})

		It("should skip receipts that do not decode to a position", func() {
			skipped := chain.addTx(120, 1)
			kept := chain.addTx(121, 1)
			decoder.skip[skipped] = true

			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.PositionsFound).To(Equal(1))
			Expect(store.hashes()).To(ConsistOf(kept))
		})

		It("should fail the run on a storage error", func() {
			chain.addTx(120, 1)
			store.insertErr = errors.New("disk full")

			report, err := newIndexer().Run(ctx)
			Expect(err).To(MatchError(ContainSubstring("disk full")))
			Expect(report.Error).To(ContainSubstring("disk full"))
			Expect(store.cursor()).To(Equal(uint64(100)))
		})
	})

	Describe("cursor", func() {
		It("should report a conflict when another run moved the cursor", func() {
			chain.addTx(120, 1)
			store.beforeAdvance = func() { store.setCursor(250) }

			report, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusConflict))
			Expect(store.cursor()).To(Equal(uint64(250)))
			Expect(store.hashes()).To(HaveLen(1))
		})

		It("should seed the cursor at the start block", func() {
			_, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(chain.calls[0][0]).To(Equal(uint64(101)))
		})

		It("should keep the progress made before the context was cancelled", func() {
			kept := chain.addTx(120, 1)
			chain.addTx(160, 1)
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			chain.logsErr = func(from, to uint64) error {
				if from == 151 {
					cancel()
				}
				return nil
			}

			report, err := newIndexer().Run(runCtx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(indexer.StatusPartial))
			Expect(report.ToBlock).To(Equal(uint64(150)))
			Expect(store.cursor()).To(Equal(uint64(150)))
			Expect(store.hashes()).To(ConsistOf(kept))
		})
	})

	Describe("concurrent runs", func() {
		It("should answer busy while a run is in progress and leave its deadline alone", func() {
			chain.addTx(120, 1)
			entered := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			chain.logsErr = func(from, to uint64) error {
				once.Do(func() {
					close(entered)
					<-release
				})
				return nil
			}
			recorder := &collectRecorder{}
			ix := newIndexer(indexer.WithRecorder(recorder))

			done := make(chan *indexer.Report, 1)
			go func() {
				defer GinkgoRecover()
				report, err := ix.Run(ctx)
				Expect(err).NotTo(HaveOccurred())
				done <- report
			}()
			Eventually(entered).Should(BeClosed())

			busy, err := ix.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(busy.Status).To(Equal(indexer.StatusBusy))
			Expect(chain.deadline.IsZero()).To(BeFalse())

			close(release)
			var first *indexer.Report
			Eventually(done).Should(Receive(&first))
			Expect(first.Status).To(Equal(indexer.StatusComplete))
			Expect(store.cursor()).To(Equal(uint64(600)))
			Expect(chain.deadlines).To(HaveLen(2))
			Expect(recorder.reports).To(ConsistOf(first))

			again, err := ix.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Status).To(Equal(indexer.StatusCaughtUp))
		})
	})

	Describe("hooks", func() {
		It("should notify new positions and record the run", func() {
			chain.addTx(120, 1)
			chain.addTx(420, 1)
			notifier := &collectNotifier{}
			recorder := &collectRecorder{}

			report, err := newIndexer(indexer.WithNotifier(notifier), indexer.WithRecorder(recorder)).Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(notifier.positions).To(HaveLen(2))
			Expect(recorder.reports).To(ConsistOf(report))
			Expect(report.RunID).NotTo(BeEmpty())
		})

		It("should clear the client deadline after the run", func() {
			_, err := newIndexer().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(chain.deadline.IsZero()).To(BeTrue())
		})

		It("should measure the time budget on the wall clock", func() {
			stale := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
			before := time.Now()
			_, err := newIndexer(indexer.WithClock(func() time.Time { return stale })).Run(ctx)
			after := time.Now()
			Expect(err).NotTo(HaveOccurred())

			Expect(chain.deadlines).NotTo(BeEmpty())
			Expect(chain.deadlines[0]).To(BeTemporally(">=", before.Add(cfg.TimeBudget)))
			Expect(chain.deadlines[0]).To(BeTemporally("<=", after.Add(cfg.TimeBudget)))
		})
	})
})

var _ = Describe("Indexer over SQLite", func() {
	It("should resume from the persisted cursor without double counting", func() {
		ctx := context.Background()
		dir, err := os.MkdirTemp("", "indexer")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		store, err := storage.Open(ctx, "sqlite://"+filepath.Join(dir, "iv.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		chain := newChain(400)
		for b := uint64(101); b <= 400; b += 7 {
			chain.addTx(b, 1)
		}
		cfg := indexer.Config{
			Contract:        controller,
			Topic:           topic,
			StartBlock:      100,
			MaxBlocksPerRun: 1000,
			WindowSize:      25,
			TimeBudget:      time.Minute,
		}

		total := 0
		for i, limit := range []int{3, 5, 0} {
			chain.expireAfter = len(chain.calls) + limit
			if limit == 0 {
				chain.expireAfter = 0
			}
			ix, err := indexer.New(cfg, chain, stubDecoder{}, store, nil)
			Expect(err).NotTo(HaveOccurred())
			report, err := ix.Run(ctx)
			Expect(err).NotTo(HaveOccurred(), "run %d", i)
			total += report.PositionsFound
		}

		cursor, err := store.Cursor(ctx, controller)
		Expect(err).NotTo(HaveOccurred())
		Expect(cursor.LastProcessedBlock).To(Equal(uint64(400)))

		all := chain.txsIn(101, 400)
		Expect(total).To(Equal(len(all)))
		for _, tx := range all {
			exists, err := store.PositionExists(ctx, tx)
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeTrue(), tx)
		}
	})
})
