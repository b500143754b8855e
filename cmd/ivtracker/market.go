// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"github.com/luxfi/ivtracker/analysis"
	"github.com/luxfi/ivtracker/market"
	"github.com/luxfi/ivtracker/storage"
)

// run loads the app around fn.
func run(flags *rootFlags, fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a)
	}
}

func newFetchCmd(flags *rootFlags) *cobra.Command {
	var newton bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Collect one round of IV snapshots",
	}
	cmd.Flags().BoolVar(&newton, "newton", false, "fill missing IVs with the Newton solver")
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		n, err := a.collector(newton).Run(ctx, a.store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %d snapshots\n", n)
		return nil
	})
	return cmd
}

func newLatestCmd(flags *rootFlags) *cobra.Command {
	var asset string
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the latest IV of every option with its pricing indicator",
	}
	cmd.Flags().StringVar(&asset, "asset", "", "limit to one asset")
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		asset = strings.ToUpper(asset)
		latest, err := a.store.Latest(ctx, asset)
		if err != nil {
			return err
		}
		history, err := a.store.History(ctx, storage.HistoryFilter{
			Asset: asset,
			Since: time.Now().Add(-analysis.HistoryWindow),
		})
		if err != nil {
			return err
		}
		quotes := analysis.Annotate(latest, history)
		if len(quotes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No data found.")
			return nil
		}
		return printQuotes(cmd.OutOrStdout(), quotes)
	})
	return cmd
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		asset, expiry string
		strike        float64
		days          int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored snapshots, newest first",
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset")
	cmd.Flags().Float64Var(&strike, "strike", 0, "strike")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry code, e.g. 27FEB26")
	cmd.Flags().IntVar(&days, "days", 7, "days of history")
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		snaps, err := a.store.History(ctx, storage.HistoryFilter{
			Asset:  strings.ToUpper(asset),
			Strike: strike,
			Expiry: strings.ToUpper(expiry),
			Since:  time.Now().AddDate(0, 0, -days),
		})
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No data found.")
			return nil
		}
		return printSnapshots(cmd.OutOrStdout(), snaps)
	})
	return cmd
}

func newAssetsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List tracked assets with their strikes and expiries",
	}
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		assets, err := a.store.Assets(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ASSET\tSTRIKES\tEXPIRIES")
		for _, asset := range assets {
			strikes, expiries, err := a.store.StrikesAndExpiries(ctx, asset)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", asset, len(strikes), strings.Join(expiries, ","))
		}
		return w.Flush()
	})
	return cmd
}

func newExportCmd(flags *rootFlags) *cobra.Command {
	var (
		out, asset string
		days       int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export snapshots as CSV",
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&asset, "asset", "", "limit to one asset")
	cmd.Flags().IntVar(&days, "days", 30, "days of history")
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		snaps, err := a.store.History(ctx, storage.HistoryFilter{
			Asset:     strings.ToUpper(asset),
			Since:     time.Now().AddDate(0, 0, -days),
			Ascending: true,
		})
		if err != nil {
			return err
		}
		if out == "" {
			return gocsv.Marshal(&snaps, cmd.OutOrStdout())
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := gocsv.MarshalFile(&snaps, f); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d records to %s\n", len(snaps), out)
		return nil
	})
	return cmd
}

func newAnalyzeCmd(flags *rootFlags) *cobra.Command {
	var (
		asset string
		days  int
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Compare σ√T with raw IV over stored history",
	}
	cmd.Flags().StringVar(&asset, "asset", "", "limit to one asset")
	cmd.Flags().IntVar(&days, "days", 30, "days of history")
	cmd.RunE = run(flags, func(ctx context.Context, a *app) error {
		snaps, err := a.store.History(ctx, storage.HistoryFilter{
			Asset:     strings.ToUpper(asset),
			Since:     time.Now().AddDate(0, 0, -days),
			Ascending: true,
		})
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), analysis.Summarize(snaps))
		return nil
	})
	return cmd
}

func printQuotes(out io.Writer, quotes []analysis.Quote) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ASSET\tSTRIKE\tEXPIRY\tTYPE\tBID\tASK\tMID\tAPY\tPRICING")
	for _, q := range quotes {
		pricing := "-"
		if q.Pricing != nil {
			pricing = fmt.Sprintf("%s (%.0f%%ile)", *q.Pricing, *q.IVPercentile)
		}
		fmt.Fprintf(w, "%s\t%g\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			q.Asset, q.Strike, q.Expiry, q.Side,
			pct(q.BidIV), pct(q.AskIV), pct(q.MidIV), pct(q.APY), pricing)
	}
	return w.Flush()
}

func printSnapshots(out io.Writer, snaps []market.Snapshot) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tASSET\tSTRIKE\tEXPIRY\tTYPE\tMID\tAPY\tCALC")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%g\t%s\t%s\t%s\t%s\t%t\n",
			s.CapturedAt.UTC().Format(time.RFC3339), s.Asset, s.Strike, s.Expiry, s.Side,
			pct(s.MidIV), pct(s.APY), s.IVCalculated)
	}
	return w.Flush()
}

func printSummary(out io.Writer, s analysis.Summary) {
	fmt.Fprintf(out, "Records: %d  Options: %d  With %d+ points: %d\n",
		s.Records, s.Options, analysis.MinTrendPoints, s.Eligible)
	if s.Eligible == 0 {
		fmt.Fprintln(out, "Not enough data for analysis.")
		return
	}
	total := float64(s.Rising + s.Falling + s.Flat)
	fmt.Fprintf(out, "σ√T trends (±%.0f%%): rising %d (%.1f%%), falling %d (%.1f%%), flat %d (%.1f%%)\n",
		analysis.TrendThreshold,
		s.Rising, float64(s.Rising)/total*100,
		s.Falling, float64(s.Falling)/total*100,
		s.Flat, float64(s.Flat)/total*100)
	if s.SRTCV > 0 && s.IVCV > 0 {
		fmt.Fprintf(out, "Average CV: σ√T %.4f, IV %.4f\n", s.SRTCV, s.IVCV)
	}
	if n := s.Reverting + s.Continuing; n > 0 {
		fmt.Fprintf(out, "Mean reversion: reverted %d, continued %d\n", s.Reverting, s.Continuing)
	}
	if !math.IsNaN(s.Correlation) {
		fmt.Fprintf(out, "Correlation of σ√T and IV changes: %.3f\n", s.Correlation)
	}
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *v)
}
