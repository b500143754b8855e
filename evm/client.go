// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package evm is a small JSON-RPC client for EVM nodes that enforces a
// minimum spacing between calls and a per-run deadline, plus the ABI helpers
// needed to decode option protocol events.
package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultMinSpacing between two consecutive calls.
	DefaultMinSpacing = 600 * time.Millisecond
	// DefaultHTTPTimeout bounds a single request.
	DefaultHTTPTimeout = 30 * time.Second
)

// ErrNotFound is returned when the node answers null for a block.
var ErrNotFound = errors.New("not found")

// Log is an event log as returned by eth_getLogs or inside a receipt.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"blockNumber"`
	TxHash      string   `json:"txHash"`
	LogIndex    uint64   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// Receipt is the subset of a transaction receipt the decoder needs.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	From        string `json:"from"`
	To          string `json:"to"`
	Status      uint8  `json:"status"` // 1 = success, 0 = fail
	Logs        []Log  `json:"logs"`
}

// Observer receives one event per call. Outcome is "ok" or an error kind.
type Observer interface {
	ObserveRPC(method, outcome string, elapsed time.Duration)
}

// Client talks to a single node. Calls are serialized and spaced by at least
// the configured interval; once the deadline passes every call fails with
// KindBudget without reaching the network.
type Client struct {
	rpcEndpoint string
	httpClient  *http.Client
	limiter     *rate.Limiter
	log         *zap.Logger
	observer    Observer

	mu       sync.Mutex // serializes calls
	deadline time.Time
	dmu      sync.RWMutex
	nextID   uint64
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithMinSpacing sets the minimum interval between calls.
func WithMinSpacing(d time.Duration) ClientOption {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver reports every call to o.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient creates a client for rpcEndpoint.
func NewClient(rpcEndpoint string, opts ...ClientOption) *Client {
	c := &Client{
		rpcEndpoint: rpcEndpoint,
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(DefaultMinSpacing), 1),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDeadline sets the instant after which calls fail with KindBudget. The
// zero time clears it.
func (c *Client) SetDeadline(t time.Time) {
	c.dmu.Lock()
	c.deadline = t
	c.dmu.Unlock()
}

// Deadline returns the current deadline, zero when unset.
func (c *Client) Deadline() time.Time {
	c.dmu.RLock()
	defer c.dmu.RUnlock()
	return c.deadline
}

// Expired reports whether the deadline has passed.
func (c *Client) Expired() bool {
	d := c.Deadline()
	return !d.IsZero() && !time.Now().Before(d)
}

// Call performs a raw JSON-RPC call.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	result, err := c.call(ctx, method, params)
	if c.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
		}
		c.observer.ObserveRPC(method, outcome, time.Since(start))
	}
	if err != nil {
		c.log.Debug("rpc call failed", zap.String("method", method), zap.Error(err))
	}
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.Expired() {
		return nil, &Error{Kind: KindBudget, Method: method, Err: ErrBudgetExceeded}
	}

	parent := ctx
	if d := c.Deadline(); !d.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, d)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if parent.Err() != nil {
			return nil, &Error{Kind: KindFatal, Method: method, Err: parent.Err()}
		}
		// the next slot falls after the deadline
		return nil, &Error{Kind: KindBudget, Method: method, Err: fmt.Errorf("%w: %v", ErrBudgetExceeded, err)}
	}

	c.nextID++
	reqBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      c.nextID,
	})
	if err != nil {
		return nil, &Error{Kind: KindFatal, Method: method, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &Error{Kind: KindFatal, Method: method, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if parent.Err() == nil && c.Expired() {
			return nil, &Error{Kind: KindBudget, Method: method, Err: fmt.Errorf("%w: %v", ErrBudgetExceeded, err)}
		}
		return nil, &Error{Kind: classifyTransport(err), Method: method, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{
			Kind:   classifyHTTP(resp.StatusCode),
			Method: method,
			Err:    fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var result struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Kind: classifyTransport(err), Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}

	if result.Error != nil {
		return nil, &Error{
			Kind:   classifyRPC(result.Error.Code, result.Error.Message),
			Method: method,
			Code:   result.Error.Code,
			Err:    errors.New(result.Error.Message),
		}
	}

	return result.Result, nil
}

// BlockNumber returns the chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, err
	}
	var numHex string
	if err := json.Unmarshal(result, &numHex); err != nil {
		return 0, &Error{Kind: KindFatal, Method: "eth_blockNumber", Err: err}
	}
	return hexToUint64(numHex), nil
}

// GetLogs returns logs emitted by address in [from, to]. Each entry of
// topics constrains the topic at that position; an empty string is a wildcard.
func (c *Client) GetLogs(ctx context.Context, from, to uint64, address string, topics ...string) ([]Log, error) {
	filter := map[string]interface{}{
		"fromBlock": EncodeUint64(from),
		"toBlock":   EncodeUint64(to),
		"address":   address,
	}
	if len(topics) > 0 {
		tf := make([]interface{}, len(topics))
		for i, t := range topics {
			if t != "" {
				tf[i] = t
			}
		}
		filter["topics"] = tf
	}

	result, err := c.Call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, err
	}

	var raw []rawLog
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, &Error{Kind: KindFatal, Method: "eth_getLogs", Err: fmt.Errorf("parse logs: %w", err)}
	}
	logs := make([]Log, 0, len(raw))
	for _, l := range raw {
		logs = append(logs, l.toLog(l.TransactionHash, hexToUint64(l.BlockNumber)))
	}
	return logs, nil
}

// GetReceipt fetches a transaction receipt. A pending or unknown transaction
// returns nil without error.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return nil, err
	}
	if isNull(result) {
		return nil, nil
	}

	var receipt struct {
		TransactionHash string   `json:"transactionHash"`
		BlockNumber     string   `json:"blockNumber"`
		From            string   `json:"from"`
		To              string   `json:"to"`
		Status          string   `json:"status"`
		Logs            []rawLog `json:"logs"`
	}
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, &Error{Kind: KindFatal, Method: "eth_getTransactionReceipt", Err: fmt.Errorf("parse receipt: %w", err)}
	}

	r := &Receipt{
		TxHash:      strings.ToLower(receipt.TransactionHash),
		BlockNumber: hexToUint64(receipt.BlockNumber),
		From:        strings.ToLower(receipt.From),
		To:          strings.ToLower(receipt.To),
	}
	if receipt.Status == "0x1" {
		r.Status = 1
	}
	for _, l := range receipt.Logs {
		r.Logs = append(r.Logs, l.toLog(r.TxHash, r.BlockNumber))
	}
	return r, nil
}

// BlockTimestamp returns the timestamp of block n.
func (c *Client) BlockTimestamp(ctx context.Context, n uint64) (time.Time, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []interface{}{EncodeUint64(n), false})
	if err != nil {
		return time.Time{}, err
	}
	if isNull(result) {
		return time.Time{}, fmt.Errorf("block %d: %w", n, ErrNotFound)
	}

	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return time.Time{}, &Error{Kind: KindFatal, Method: "eth_getBlockByNumber", Err: fmt.Errorf("parse block: %w", err)}
	}
	return time.Unix(int64(hexToUint64(block.Timestamp)), 0).UTC(), nil
}

// CallContract makes an eth_call against the latest block and returns the
// hex encoded return data.
func (c *Client) CallContract(ctx context.Context, to, data string) (string, error) {
	result, err := c.Call(ctx, "eth_call", []interface{}{
		map[string]string{"to": to, "data": data},
		"latest",
	})
	if err != nil {
		return "", err
	}

	var resultHex string
	if err := json.Unmarshal(result, &resultHex); err != nil {
		return "", &Error{Kind: KindFatal, Method: "eth_call", Err: err}
	}
	return resultHex, nil
}

type rawLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

func (l rawLog) toLog(txHash string, block uint64) Log {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = strings.ToLower(t)
	}
	return Log{
		Address:     strings.ToLower(l.Address),
		Topics:      topics,
		Data:        l.Data,
		BlockNumber: block,
		TxHash:      strings.ToLower(txHash),
		LogIndex:    hexToUint64(l.LogIndex),
		Removed:     l.Removed,
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
