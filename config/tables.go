// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// WHYPE is the wrapped HYPE token on HyperEVM.
const WHYPE = "0x5555555555555555555555555555555555555555"

// TokenInfo describes an ERC20 the decoder knows how to scale.
type TokenInfo struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
}

// Tables holds the static address and symbol lookups used when decoding
// on-chain activity. Addresses are stored lower-cased.
type Tables struct {
	Tokens      map[string]TokenInfo `yaml:"tokens"`
	Underlyings map[string]string    `yaml:"underlyings"`
	// Symbols maps an otoken name prefix (e.g. "UBTC") to the tracked asset.
	Symbols map[string]string `yaml:"symbols"`

	prefixes []string
}

// DefaultTables returns the built-in tables.
func DefaultTables() *Tables {
	t := &Tables{
		Tokens: map[string]TokenInfo{
			WHYPE: {Symbol: "WHYPE", Decimals: 18},
		},
		Underlyings: map[string]string{
			WHYPE: "HYPE",
		},
		Symbols: map[string]string{
			"WHYPE": "HYPE",
			"HYPE":  "HYPE",
			"UBTC":  "BTC",
			"BTC":   "BTC",
			"UETH":  "ETH",
			"ETH":   "ETH",
			"USOL":  "SOL",
			"SOL":   "SOL",
			"UPUMP": "PUMP",
			"PUMP":  "PUMP",
			"PURR":  "PURR",
		},
	}
	t.index()
	return t
}

// LoadTables merges the YAML file at path over the defaults. An empty path
// returns the defaults. ${VAR} references in the file are expanded.
func LoadTables(path string) (*Tables, error) {
	t := DefaultTables()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokens file: %w", err)
	}

	var file Tables
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("parse tokens file: %w", err)
	}

	for addr, info := range file.Tokens {
		if info.Decimals < 0 || info.Decimals > 36 {
			return nil, fmt.Errorf("token %s: decimals %d out of range", addr, info.Decimals)
		}
		t.Tokens[strings.ToLower(addr)] = info
	}
	for addr, asset := range file.Underlyings {
		t.Underlyings[strings.ToLower(addr)] = strings.ToUpper(asset)
	}
	for prefix, asset := range file.Symbols {
		t.Symbols[strings.ToUpper(prefix)] = strings.ToUpper(asset)
	}
	t.index()
	return t, nil
}

// Token looks up a token by address.
func (t *Tables) Token(addr string) (TokenInfo, bool) {
	info, ok := t.Tokens[strings.ToLower(addr)]
	return info, ok
}

// Underlying maps an underlying token address to its asset symbol.
func (t *Tables) Underlying(addr string) (string, bool) {
	asset, ok := t.Underlyings[strings.ToLower(addr)]
	return asset, ok
}

// MatchSymbol returns the asset for the longest symbol prefix of name.
// It only reads the index built by DefaultTables and LoadTables, so a
// *Tables may be shared between goroutines.
func (t *Tables) MatchSymbol(name string) (string, bool) {
	upper := strings.ToUpper(name)
	for _, p := range t.prefixes {
		if strings.HasPrefix(upper, p) {
			return t.Symbols[p], true
		}
	}
	return "", false
}

// index rebuilds the longest-first prefix list. It allocates a fresh slice
// so readers holding the previous one are unaffected.
func (t *Tables) index() {
	prefixes := make([]string, 0, len(t.Symbols))
	for p := range t.Symbols {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	t.prefixes = prefixes
}
