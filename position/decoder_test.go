// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package position

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/evm"
	"github.com/luxfi/ivtracker/otoken"
)

const (
	factory      = "0x00000000000000000000000000000000000000f1"
	controller   = "0x00000000000000000000000000000000000000c1"
	marginPool   = "0x00000000000000000000000000000000000000a1"
	feeRecipient = "0x00000000000000000000000000000000000000fe"
	usdt0        = "0x00000000000000000000000000000000000000d6"
	unknownToken = "0x00000000000000000000000000000000000000bb"
	otokenAddr   = "0x00000000000000000000000000000000000000ee"
	user         = "0x00000000000000000000000000000000000000aa"
	creator      = "0x00000000000000000000000000000000000000cc"
)

type memStore struct {
	rows map[string]otoken.Terms
}

func (m *memStore) GetTerms(_ context.Context, addr string) (*otoken.Terms, error) {
	t, ok := m.rows[strings.ToLower(addr)]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *memStore) InsertTerms(_ context.Context, t otoken.Terms) (bool, error) {
	if _, ok := m.rows[t.Address]; ok {
		return false, nil
	}
	m.rows[t.Address] = t
	return true, nil
}

type fakeCaller struct {
	results map[string]string
	err     error
	calls   int
}

func (f *fakeCaller) CallContract(_ context.Context, _, data string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.results[data], nil
}

func testTables() *config.Tables {
	t := config.DefaultTables()
	t.Tokens[usdt0] = config.TokenInfo{Symbol: "USDT0", Decimals: 6}
	return t
}

type fixture struct {
	store   *memStore
	caller  *fakeCaller
	decoder *Decoder
}

func newFixture(caller *fakeCaller) *fixture {
	store := &memStore{rows: make(map[string]otoken.Terms)}
	reg := otoken.NewRegistry(store, nil)
	contracts := Contracts{Factory: factory, Controller: controller, MarginPool: marginPool, FeeRecipient: feeRecipient}
	var c otoken.ContractCaller
	if caller != nil {
		c = caller
	}
	return &fixture{
		store:   store,
		caller:  caller,
		decoder: NewDecoder(contracts, DefaultTopics(), testTables(), reg, c, nil),
	}
}

func words(vals ...*big.Int) string {
	var b strings.Builder
	b.WriteString("0x")
	for _, v := range vals {
		b.WriteString(evm.EncodeWord(v))
	}
	return b.String()
}

func addrWord(addr string) *big.Int {
	n, _ := new(big.Int).SetString(strings.TrimPrefix(addr, "0x"), 16)
	return n
}

func createdLog(strikeRaw int64, expiry time.Time, isPut bool) evm.Log {
	put := int64(0)
	if isPut {
		put = 1
	}
	return evm.Log{
		Address: factory,
		Topics: []string{
			evm.EventTopic(SigOtokenCreated),
			evm.AddressToTopic(config.WHYPE),
			evm.AddressToTopic(usdt0),
			evm.AddressToTopic(usdt0),
		},
		Data: words(addrWord(otokenAddr), addrWord(creator), big.NewInt(strikeRaw),
			big.NewInt(expiry.Unix()), big.NewInt(put)),
	}
}

func mintedLog(amount int64) evm.Log {
	return evm.Log{
		Address: controller,
		Topics: []string{
			evm.EventTopic(SigShortOtokenMinted),
			evm.AddressToTopic(otokenAddr),
			evm.AddressToTopic(user),
			evm.AddressToTopic(user),
		},
		Data: words(big.NewInt(1), big.NewInt(amount)),
	}
}

func depositLog(token string, amount int64) evm.Log {
	return evm.Log{
		Address: controller,
		Topics: []string{
			evm.EventTopic(SigCollateralDeposited),
			evm.AddressToTopic(token),
			evm.AddressToTopic(user),
			evm.AddressToTopic(user),
		},
		Data: words(big.NewInt(1), big.NewInt(amount)),
	}
}

func transferLog(token, to string, amount int64) evm.Log {
	return evm.Log{
		Address: marginPool,
		Topics: []string{
			evm.EventTopic(SigTransferToUser),
			evm.AddressToTopic(token),
			evm.AddressToTopic(to),
		},
		Data: words(big.NewInt(amount)),
	}
}

func receipt(logs ...evm.Log) *evm.Receipt {
	return &evm.Receipt{TxHash: "0xTX01", BlockNumber: 42, Logs: logs}
}

var feb20 = time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)

func TestDecodeCollateralOnly(t *testing.T) {
	fx := newFixture(nil)
	p, err := fx.decoder.Decode(context.Background(), receipt(depositLog(usdt0, 1_000_000)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p != nil {
		t.Errorf("Expected no position, got %+v", p)
	}
}

func TestDecodeCreatedPut(t *testing.T) {
	fx := newFixture(nil)
	p, err := fx.decoder.Decode(context.Background(), receipt(createdLog(175000000000, feb20, true)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p == nil {
		t.Fatal("Expected a position")
	}
	if !p.Strike.Equal(decimal.NewFromInt(1750)) {
		t.Errorf("Expected strike 1750, got %s", p.Strike)
	}
	if p.Expiry != "20FEB26" {
		t.Errorf("Expected expiry 20FEB26, got %s", p.Expiry)
	}
	if !p.IsPut() {
		t.Error("Expected a put")
	}
	if p.Asset != "HYPE" {
		t.Errorf("Expected asset HYPE, got %s", p.Asset)
	}
	if p.UserAddress != UnknownUser {
		t.Errorf("Expected unknown user, got %s", p.UserAddress)
	}
	if p.TxHash != "0xtx01" || p.BlockNumber != 42 || p.OtokenAddress != otokenAddr {
		t.Errorf("Unexpected identity %s %d %s", p.TxHash, p.BlockNumber, p.OtokenAddress)
	}

	// creation terms are staged in the registry
	stored, ok := fx.store.rows[otokenAddr]
	if !ok {
		t.Fatal("Expected created terms in the registry store")
	}
	if !stored.Strike.Equal(decimal.NewFromInt(1750)) || stored.Collateral != usdt0 || stored.Underlying != config.WHYPE {
		t.Errorf("Unexpected staged terms %+v", stored)
	}
	if stored.ExpiryUnix == nil || *stored.ExpiryUnix != feb20.Unix() {
		t.Errorf("Unexpected staged expiry %v", stored.ExpiryUnix)
	}
}

func TestDecodePremiumAndFee(t *testing.T) {
	fx := newFixture(nil)
	p, err := fx.decoder.Decode(context.Background(), receipt(
		createdLog(175000000000, feb20, true),
		mintedLog(250000000),
		depositLog(usdt0, 4_375_000_000),
		transferLog(usdt0, user, 12_500_000),
		transferLog(usdt0, feeRecipient, 250_000),
		transferLog(usdt0, feeRecipient, 125_000),
	))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p == nil {
		t.Fatal("Expected a position")
	}
	if !p.PremiumAmount.Valid || !p.PremiumAmount.Decimal.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Expected premium 12.5, got %+v", p.PremiumAmount)
	}
	if p.UserAddress != user {
		t.Errorf("Expected user %s, got %s", user, p.UserAddress)
	}
	if !p.FeeAmount.Valid || !p.FeeAmount.Decimal.Equal(decimal.RequireFromString("0.375")) {
		t.Errorf("Expected fee 0.375, got %+v", p.FeeAmount)
	}
	if !p.CollateralAmount.Valid || !p.CollateralAmount.Decimal.Equal(decimal.NewFromInt(4375)) || p.CollateralToken != usdt0 {
		t.Errorf("Unexpected collateral %+v %s", p.CollateralAmount, p.CollateralToken)
	}
	if !p.OtokenAmount.Valid || !p.OtokenAmount.Decimal.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("Expected otoken amount 2.5, got %+v", p.OtokenAmount)
	}
}

func TestDecodeSkipsUnknownTokens(t *testing.T) {
	fx := newFixture(nil)
	p, err := fx.decoder.Decode(context.Background(), receipt(
		createdLog(175000000000, feb20, false),
		depositLog(unknownToken, 1_000_000),
		transferLog(unknownToken, user, 1_000_000),
	))
	if err != nil || p == nil {
		t.Fatalf("Decode = %v, %v", p, err)
	}
	if p.CollateralAmount.Valid || p.CollateralToken != "" {
		t.Errorf("Expected no collateral, got %+v %s", p.CollateralAmount, p.CollateralToken)
	}
	if p.PremiumAmount.Valid || p.UserAddress != UnknownUser {
		t.Errorf("Expected no premium, got %+v %s", p.PremiumAmount, p.UserAddress)
	}
	if p.IsPut() {
		t.Error("Expected a call")
	}
}

func TestDecodeIgnoresForeignContracts(t *testing.T) {
	fx := newFixture(nil)
	l := createdLog(175000000000, feb20, true)
	l.Address = "0x0000000000000000000000000000000000000999"
	p, err := fx.decoder.Decode(context.Background(), receipt(l))
	if err != nil || p != nil {
		t.Errorf("Decode = %v, %v", p, err)
	}
}

func TestDecodeRegistryTier(t *testing.T) {
	fx := newFixture(&fakeCaller{})
	fx.store.rows[otokenAddr] = otoken.Terms{
		Address: otokenAddr, Strike: decimal.NewFromInt(40), Expiry: "27MAR26", Side: otoken.SideCall, Asset: "HYPE",
	}

	p, err := fx.decoder.Decode(context.Background(), receipt(mintedLog(100000000), transferLog(usdt0, user, 3_000_000)))
	if err != nil || p == nil {
		t.Fatalf("Decode = %v, %v", p, err)
	}
	if !p.Strike.Equal(decimal.NewFromInt(40)) || p.Expiry != "27MAR26" || p.IsPut() || p.Asset != "HYPE" {
		t.Errorf("Unexpected terms on position %+v", p)
	}
	if fx.caller.calls != 0 {
		t.Errorf("Expected no on-chain calls, got %d", fx.caller.calls)
	}
}

func TestDecodeOnChainTier(t *testing.T) {
	caller := &fakeCaller{results: map[string]string{
		otoken.SelectorName:        evm.EncodeString("WHYPE-USDT0 20-February-2026 1750Put USDT0 Collateral"),
		otoken.SelectorStrikePrice: "0x" + evm.EncodeWord(big.NewInt(175000000000)),
	}}
	fx := newFixture(caller)

	p, err := fx.decoder.Decode(context.Background(), receipt(mintedLog(100000000)))
	if err != nil || p == nil {
		t.Fatalf("Decode = %v, %v", p, err)
	}
	if !p.Strike.Equal(decimal.NewFromInt(1750)) || p.Expiry != "20FEB26" || !p.IsPut() || p.Asset != "HYPE" {
		t.Errorf("Unexpected terms on position %+v", p)
	}
	if _, ok := fx.store.rows[otokenAddr]; !ok {
		t.Error("Expected on-chain terms to be written to the registry")
	}

	// the second decode is served by the registry
	if _, err := fx.decoder.Decode(context.Background(), receipt(mintedLog(100000000))); err != nil {
		t.Fatal(err)
	}
	if caller.calls != 2 {
		t.Errorf("Expected 2 contract calls in total, got %d", caller.calls)
	}
}

func TestDecodeOnChainErrors(t *testing.T) {
	tests := []struct {
		name    string
		kind    evm.Kind
		wantErr bool
	}{
		{"fatal is swallowed", evm.KindFatal, false},
		{"transient propagates", evm.KindTransient, true},
		{"budget propagates", evm.KindBudget, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(&fakeCaller{err: &evm.Error{Kind: tt.kind, Method: "eth_call", Err: errors.New("boom")}})
			p, err := fx.decoder.Decode(context.Background(), receipt(mintedLog(100000000)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode error = %v, wantErr %v", err, tt.wantErr)
			}
			if p != nil {
				t.Errorf("Expected no position, got %+v", p)
			}
			if tt.wantErr && evm.KindOf(err) != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, evm.KindOf(err))
			}
		})
	}
}

func TestFromChainConfig(t *testing.T) {
	contracts, topics := FromChainConfig(config.ChainConfig{
		Controller:       "0x00000000000000000000000000000000000000C1",
		TopicShortMinted: "0xABC",
	})
	if contracts.Controller != controller {
		t.Errorf("Expected lower-cased controller, got %s", contracts.Controller)
	}
	if topics.ShortMinted != "0xabc" {
		t.Errorf("Expected topic override, got %s", topics.ShortMinted)
	}
	if topics.OtokenCreated != evm.EventTopic(SigOtokenCreated) {
		t.Errorf("Expected default OtokenCreated topic, got %s", topics.OtokenCreated)
	}
}
