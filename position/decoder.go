// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package position

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/evm"
	"github.com/luxfi/ivtracker/logger"
	"github.com/luxfi/ivtracker/otoken"
)

// Decoder folds the logs of one receipt into a Position.
type Decoder struct {
	contracts Contracts
	topics    Topics
	tables    *config.Tables
	registry  *otoken.Registry
	resolvers []Resolver
	log       *zap.Logger
}

// NewDecoder creates a decoder. Terms missing from the receipt are looked up
// in the registry and then, when caller is not nil, on chain.
func NewDecoder(contracts Contracts, topics Topics, tables *config.Tables, registry *otoken.Registry, caller otoken.ContractCaller, log *zap.Logger) *Decoder {
	log = logger.OrNop(log).Named("decoder")
	d := &Decoder{
		contracts: contracts,
		topics:    topics,
		tables:    tables,
		registry:  registry,
		log:       log,
	}
	d.resolvers = append(d.resolvers, RegistryResolver{Registry: registry})
	if caller != nil {
		d.resolvers = append(d.resolvers, OnChainResolver{Caller: caller, Tables: tables, Registry: registry, Log: log})
	}
	return d
}

// WithResolvers replaces the fallback chain.
func (d *Decoder) WithResolvers(rs ...Resolver) *Decoder {
	d.resolvers = rs
	return d
}

// Decode returns the position written by rcpt, or nil when the receipt does
// not resolve to one. Errors are registry failures or RPC failures from the
// on-chain tier that the caller should stop on.
func (d *Decoder) Decode(ctx context.Context, rcpt *evm.Receipt) (*Position, error) {
	b := &builder{txHash: strings.ToLower(rcpt.TxHash), block: rcpt.BlockNumber}

	for i := range rcpt.Logs {
		d.apply(b, &rcpt.Logs[i])
	}

	if b.created != nil {
		if err := d.registry.Put(ctx, *b.created); err != nil {
			return nil, fmt.Errorf("stage otoken terms: %w", err)
		}
	}

	if (b.strike == nil || b.asset == "") && b.otokenAdr != "" {
		for _, r := range d.resolvers {
			t, err := r.Resolve(ctx, b.otokenAdr)
			if err != nil {
				return nil, fmt.Errorf("resolve otoken %s: %w", b.otokenAdr, err)
			}
			if t != nil {
				b.applyTerms(t)
				break
			}
		}
	}

	p, ok := b.build()
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (d *Decoder) apply(b *builder, l *evm.Log) {
	if len(l.Topics) == 0 || l.Removed {
		return
	}
	addr := strings.ToLower(l.Address)
	topic0 := strings.ToLower(l.Topics[0])

	switch {
	case addr == d.contracts.Factory && topic0 == d.topics.OtokenCreated:
		d.otokenCreated(b, l)
	case addr == d.contracts.Controller && topic0 == d.topics.ShortMinted:
		d.shortMinted(b, l)
	case addr == d.contracts.Controller && topic0 == d.topics.CollateralDeposited:
		d.collateralDeposited(b, l)
	case addr == d.contracts.MarginPool && topic0 == d.topics.TransferToUser:
		d.transferToUser(b, l)
	}
}

// otokenCreated handles
// OtokenCreated(address tokenAddress, address creator, address indexed underlying,
// address indexed strike, address indexed collateral, uint256 strikePrice,
// uint256 expiry, bool isPut)
func (d *Decoder) otokenCreated(b *builder, l *evm.Log) {
	if len(l.Topics) < 4 {
		return
	}
	token, ok1 := evm.WordAddress(l.Data, 0)
	strikeRaw, ok2 := evm.WordBig(l.Data, 2)
	expiryRaw, ok3 := evm.WordBig(l.Data, 3)
	isPut, ok4 := evm.WordBool(l.Data, 4)
	if !ok1 || !ok2 || !ok3 || !ok4 || !expiryRaw.IsInt64() {
		d.log.Debug("malformed OtokenCreated", zap.String("tx", b.txHash))
		return
	}

	underlying := evm.TopicToAddress(l.Topics[1])
	asset, _ := d.tables.Underlying(underlying)
	expiryUnix := expiryRaw.Int64()

	t := otoken.Terms{
		Address:    token,
		Underlying: underlying,
		Strike:     otoken.ScaleStrike(decimal.NewFromBigInt(strikeRaw, 0)),
		Expiry:     otoken.ExpiryFromUnix(expiryUnix),
		ExpiryUnix: &expiryUnix,
		Side:       otoken.SideOf(isPut),
		Collateral: evm.TopicToAddress(l.Topics[3]),
		Asset:      asset,
	}
	b.applyTerms(&t)
	if b.otokenAdr == "" {
		b.otokenAdr = token
	}
	// terms without an asset would be immutable and useless
	if asset != "" {
		b.created = &t
	}
}

// shortMinted handles
// ShortOtokenMinted(address indexed otoken, address indexed AccountOwner,
// address indexed to, uint256 vaultId, uint256 amount)
func (d *Decoder) shortMinted(b *builder, l *evm.Log) {
	if len(l.Topics) < 2 {
		return
	}
	amount, ok := evm.WordBig(l.Data, 1)
	if !ok {
		return
	}
	b.otokenAdr = evm.TopicToAddress(l.Topics[1])
	b.otokenAmount = add(b.otokenAmount, decimal.NewFromBigInt(amount, -OtokenDecimals))
}

// collateralDeposited handles
// CollateralAssetDeposited(address indexed asset, address indexed AccountOwner,
// address indexed from, uint256 vaultId, uint256 amount)
func (d *Decoder) collateralDeposited(b *builder, l *evm.Log) {
	if len(l.Topics) < 2 {
		return
	}
	token := evm.TopicToAddress(l.Topics[1])
	amount, ok := d.scaled(token, l.Data, 1)
	if !ok {
		return
	}
	b.collateralAmount = add(b.collateralAmount, amount)
	b.collateralToken = token
}

// transferToUser handles
// TransferToUser(address indexed asset, address indexed user, uint256 amount)
func (d *Decoder) transferToUser(b *builder, l *evm.Log) {
	if len(l.Topics) < 3 {
		return
	}
	token := evm.TopicToAddress(l.Topics[1])
	user := evm.TopicToAddress(l.Topics[2])
	amount, ok := d.scaled(token, l.Data, 0)
	if !ok {
		return
	}
	if d.contracts.FeeRecipient != "" && user == d.contracts.FeeRecipient {
		b.addFee(amount)
		return
	}
	b.addPremium(amount, user)
}

// scaled reads word i as an amount of token. Unknown tokens are skipped.
func (d *Decoder) scaled(token, data string, i int) (decimal.Decimal, bool) {
	info, ok := d.tables.Token(token)
	if !ok {
		return decimal.Decimal{}, false
	}
	raw, ok := evm.WordBig(data, i)
	if !ok {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromBigInt(raw, -info.Decimals), true
}
