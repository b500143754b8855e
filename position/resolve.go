// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package position

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/evm"
	"github.com/luxfi/ivtracker/logger"
	"github.com/luxfi/ivtracker/otoken"
)

// Resolver finds the terms of an otoken. It returns nil, nil when it has no
// answer so the next resolver can be tried.
type Resolver interface {
	Resolve(ctx context.Context, addr string) (*otoken.Terms, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, addr string) (*otoken.Terms, error)

func (f ResolverFunc) Resolve(ctx context.Context, addr string) (*otoken.Terms, error) {
	return f(ctx, addr)
}

// RegistryResolver reads the registry cache and store.
type RegistryResolver struct {
	Registry *otoken.Registry
}

func (r RegistryResolver) Resolve(ctx context.Context, addr string) (*otoken.Terms, error) {
	return r.Registry.Get(ctx, addr)
}

// OnChainResolver queries the otoken contract and records what it learns in
// the registry. Node errors that a later run would hit again are logged and
// treated as no answer; rate limits and the run deadline are returned so the
// caller can stop without losing the transaction.
type OnChainResolver struct {
	Caller   otoken.ContractCaller
	Tables   *config.Tables
	Registry *otoken.Registry
	Log      *zap.Logger
}

func (r OnChainResolver) Resolve(ctx context.Context, addr string) (*otoken.Terms, error) {
	t, err := otoken.QueryOnChain(ctx, addr, r.Caller, r.Tables)
	if err != nil {
		var rpcErr *evm.Error
		if errors.As(err, &rpcErr) && rpcErr.Kind == evm.KindFatal {
			logger.OrNop(r.Log).Warn("otoken query failed", zap.String("otoken", addr), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	if r.Registry != nil {
		if err := r.Registry.Put(ctx, *t); err != nil {
			return nil, err
		}
	}
	return t, nil
}
