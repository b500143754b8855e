// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes data with the legacy Keccak used by the EVM.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// EventTopic returns topic0 for an event signature such as
// "Transfer(address,address,uint256)".
func EventTopic(signature string) string {
	return "0x" + hex.EncodeToString(Keccak256([]byte(signature)))
}

// Selector returns the 4 byte function selector for signature, 0x prefixed.
func Selector(signature string) string {
	return "0x" + hex.EncodeToString(Keccak256([]byte(signature))[:4])
}

// EncodeUint64 renders n as a JSON-RPC quantity.
func EncodeUint64(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

// Word returns the i-th 32 byte word of hex encoded ABI data, without prefix.
func Word(data string, i int) (string, bool) {
	data = strings.TrimPrefix(data, "0x")
	if i < 0 || i >= len(data)/64 {
		return "", false
	}
	return data[i*64 : (i+1)*64], true
}

// WordBig decodes word i as an unsigned integer.
func WordBig(data string, i int) (*big.Int, bool) {
	w, ok := Word(data, i)
	if !ok {
		return nil, false
	}
	n, ok := new(big.Int).SetString(w, 16)
	return n, ok
}

// WordAddress decodes word i as an address.
func WordAddress(data string, i int) (string, bool) {
	w, ok := Word(data, i)
	if !ok {
		return "", false
	}
	return TopicToAddress(w), true
}

// WordBool decodes word i as a bool.
func WordBool(data string, i int) (bool, bool) {
	n, ok := WordBig(data, i)
	if !ok {
		return false, false
	}
	return n.Sign() != 0, true
}

// TopicToAddress extracts the address stored in the low 20 bytes of a topic.
func TopicToAddress(topic string) string {
	topic = strings.TrimPrefix(topic, "0x")
	if len(topic) >= 40 {
		return strings.ToLower("0x" + topic[len(topic)-40:])
	}
	return ""
}

// AddressToTopic left-pads an address to a 32 byte topic.
func AddressToTopic(addr string) string {
	addr = strings.TrimPrefix(strings.ToLower(addr), "0x")
	return "0x" + strings.Repeat("0", 64-len(addr)) + addr
}

// DecodeString decodes an ABI encoded dynamic string return value.
// Offsets and lengths that point outside data are rejected.
func DecodeString(data string) (string, bool) {
	data = strings.TrimPrefix(data, "0x")
	size := big.NewInt(int64(len(data) / 2))
	offset, ok := WordBig(data, 0)
	if !ok || offset.Cmp(size) >= 0 || offset.Int64()%32 != 0 {
		return "", false
	}
	lenWord := int(offset.Int64() / 32)
	length, ok := WordBig(data, lenWord)
	if !ok {
		return "", false
	}

	start := (lenWord + 1) * 64
	if length.Sign() == 0 || length.Cmp(big.NewInt(int64((len(data)-start)/2))) > 0 {
		return "", false
	}
	n := int(length.Int64())
	decoded, err := hex.DecodeString(data[start : start+n*2])
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// EncodeString ABI encodes s as a single dynamic string return value.
func EncodeString(s string) string {
	var b strings.Builder
	b.WriteString("0x")
	b.WriteString(fmt.Sprintf("%064x", 32))
	b.WriteString(fmt.Sprintf("%064x", len(s)))
	enc := hex.EncodeToString([]byte(s))
	b.WriteString(enc)
	if pad := len(enc) % 64; pad != 0 {
		b.WriteString(strings.Repeat("0", 64-pad))
	}
	return b.String()
}

// EncodeWord left-pads n to a 32 byte hex word without prefix.
func EncodeWord(n *big.Int) string {
	return fmt.Sprintf("%064x", n)
}

func hexToUint64(s string) uint64 {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0
	}
	n := new(big.Int)
	n.SetString(s, 16)
	return n.Uint64()
}
