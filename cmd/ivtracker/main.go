// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package main provides the ivtracker CLI: IV snapshot collection, on-chain
// position indexing and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	databaseURL string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "ivtracker",
		Short:         "Track option implied volatility and on-chain option positions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.databaseURL, "db", "", "database URL (overrides DATABASE_URL)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	root.AddCommand(
		newFetchCmd(flags),
		newLatestCmd(flags),
		newHistoryCmd(flags),
		newAssetsCmd(flags),
		newExportCmd(flags),
		newAnalyzeCmd(flags),
		newIndexCmd(flags),
		newServeCmd(flags),
		newDaemonCmd(flags),
	)
	return root
}
