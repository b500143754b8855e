// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package otoken

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/evm"
)

// Accessors read from an otoken contract.
var (
	SelectorName        = evm.Selector("name()")
	SelectorStrikePrice = evm.Selector("strikePrice()")
)

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, to, data string) (string, error)
}

// QueryOnChain reads name() and strikePrice() from the otoken at addr and
// derives its terms. It returns nil, nil when the contract answers but the
// name cannot be parsed; RPC failures are returned as errors.
func QueryOnChain(ctx context.Context, addr string, caller ContractCaller, tables *config.Tables) (*Terms, error) {
	addr = strings.ToLower(addr)

	nameHex, err := caller.CallContract(ctx, addr, SelectorName)
	if err != nil {
		return nil, fmt.Errorf("otoken %s name(): %w", addr, err)
	}
	name, ok := evm.DecodeString(nameHex)
	if !ok {
		return nil, nil
	}

	info, err := ParseName(name, tables)
	if err != nil {
		return nil, nil
	}

	strikeHex, err := caller.CallContract(ctx, addr, SelectorStrikePrice)
	if err != nil {
		return nil, fmt.Errorf("otoken %s strikePrice(): %w", addr, err)
	}
	raw, ok := evm.WordBig(strikeHex, 0)
	if !ok || raw.Sign() <= 0 {
		return nil, nil
	}

	unix := info.ExpiryUnix
	return &Terms{
		Address:    addr,
		Strike:     ScaleStrike(decimal.NewFromBigInt(raw, 0)),
		Expiry:     info.Expiry,
		ExpiryUnix: &unix,
		Side:       info.Side,
		Asset:      info.Asset,
	}, nil
}
