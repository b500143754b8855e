// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package market

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/valyala/fastjson"

	"github.com/luxfi/ivtracker/otoken"
)

// Assets the venue lists, in the order the fallback parser looks for them.
var Assets = []string{"BTC", "ETH", "SOL", "HYPE", "PURR", "PUMP", "ZEC", "XRP"}

const (
	inventoryMarker = `"serverInventory":`
	// upper bound of the last asset section for the regex fallback
	fallbackChunk = 20000
)

var entryPattern = regexp.MustCompile(`"([\d.]+)-(\d+)":\{` +
	`"expiry":"([^"]+)"[^}]*?` +
	`"strike":([\d.]+)[^}]*?` +
	`"isPut":(true|false)[^}]*?` +
	`"bidIv":([\d.]+)[^}]*?` +
	`"askIv":([\d.]+)[^}]*?` +
	`"apy":([\d.]+)`)

// Quotes is everything read from one page.
type Quotes struct {
	Snapshots []Snapshot
	// Spots are index prices keyed by asset.
	Spots map[string]float64
}

// Unescape undoes the string escaping of an embedded RSC payload.
func Unescape(page string) string {
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(page)
}

// Parse extracts quotes from a page. It decodes the serverInventory object
// with fastjson and falls back to pattern matching when the object is
// truncated or malformed.
func Parse(page string) Quotes {
	text := Unescape(page)
	if q, ok := parseInventory(text); ok && len(q.Snapshots) > 0 {
		return q
	}
	return parseFallback(text)
}

func parseInventory(text string) (Quotes, bool) {
	raw, ok := inventoryObject(text)
	if !ok {
		return Quotes{}, false
	}
	var p fastjson.Parser
	v, err := p.Parse(raw)
	if err != nil {
		return Quotes{}, false
	}
	inv, err := v.Object()
	if err != nil {
		return Quotes{}, false
	}

	q := Quotes{Spots: make(map[string]float64)}
	inv.Visit(func(key []byte, section *fastjson.Value) {
		asset := string(key)
		combos := section.GetObject("combinations")
		if combos == nil {
			return
		}
		combos.Visit(func(_ []byte, c *fastjson.Value) {
			if _, seen := q.Spots[asset]; !seen {
				if idx := c.GetFloat64("index"); idx > 0 {
					q.Spots[asset] = idx
				}
			}
			expiry := string(c.GetStringBytes("expiry"))
			strike := c.GetFloat64("strike")
			if expiry == "" || strike <= 0 {
				return
			}
			q.Snapshots = append(q.Snapshots, quote(asset, expiry, strike,
				c.GetBool("isPut"), c.GetFloat64("bidIv"), c.GetFloat64("askIv"), c.GetFloat64("apy")))
		})
	})
	return q, true
}

// inventoryObject returns the JSON object following the serverInventory key.
func inventoryObject(text string) (string, bool) {
	i := strings.Index(text, inventoryMarker)
	if i < 0 {
		return "", false
	}
	start := strings.IndexByte(text[i+len(inventoryMarker):], '{')
	if start < 0 {
		return "", false
	}
	start += i + len(inventoryMarker)

	depth := 0
	inString, escaped := false, false
	for j := start; j < len(text); j++ {
		ch := text[j]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : j+1], true
			}
		}
	}
	return "", false
}

type section struct {
	asset string
	start int
}

func parseFallback(text string) Quotes {
	q := Quotes{Spots: SpotPrices(text)}

	var sections []section
	for _, asset := range Assets {
		if pos := strings.Index(text, `"`+asset+`":{"combinations":`); pos >= 0 {
			sections = append(sections, section{asset, pos})
		}
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].start < sections[j].start })

	for i, s := range sections {
		end := s.start + fallbackChunk
		if i+1 < len(sections) {
			end = sections[i+1].start
		}
		if end > len(text) {
			end = len(text)
		}
		for _, m := range entryPattern.FindAllStringSubmatch(text[s.start:end], -1) {
			strike, _ := strconv.ParseFloat(m[4], 64)
			bid, _ := strconv.ParseFloat(m[6], 64)
			ask, _ := strconv.ParseFloat(m[7], 64)
			apy, _ := strconv.ParseFloat(m[8], 64)
			if strike <= 0 {
				continue
			}
			q.Snapshots = append(q.Snapshots, quote(s.asset, m[3], strike, m[5] == "true", bid, ask, apy))
		}
	}
	return q
}

// SpotPrices reads the index price of every known asset.
func SpotPrices(text string) map[string]float64 {
	spots := make(map[string]float64)
	for _, asset := range Assets {
		re := regexp.MustCompile(`"` + asset + `":\{"combinations":\{[^}]*?"index":([\d.]+)`)
		if m := re.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
				spots[asset] = v
			}
		}
	}
	return spots
}

func quote(asset, expiry string, strike float64, isPut bool, bid, ask, apy float64) Snapshot {
	s := Snapshot{
		Asset:  asset,
		Strike: strike,
		Expiry: strings.ToUpper(expiry),
		Side:   otoken.SideOf(isPut),
		BidIV:  optional(bid),
		AskIV:  optional(ask),
		APY:    optional(apy),
	}
	if bid > 0 && ask > 0 {
		s.MidIV = ptr((bid + ask) / 2)
	}
	return s
}
