// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/logger"
	"github.com/luxfi/ivtracker/position"
)

const (
	heartbeatInterval = 30 * time.Second
	streamQueue       = 100
)

// event is the envelope of every websocket message.
type event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Stream pushes newly indexed positions to websocket clients. It implements
// indexer.Notifier.
type Stream struct {
	clients    map[*websocket.Conn]struct{}
	events     chan event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewStream creates a stream. Call Run before serving clients.
func NewStream(log *zap.Logger) *Stream {
	return &Stream{
		clients:    make(map[*websocket.Conn]struct{}),
		events:     make(chan event, streamQueue),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:        logger.OrNop(log).Named("stream"),
	}
}

// Run owns the client set until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	defer func() {
		close(s.done)
		s.mu.Lock()
		for c := range s.clients {
			c.Close()
			delete(s.clients, c)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = struct{}{}
			s.mu.Unlock()
		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.Close()
			}
			s.mu.Unlock()
		case ev := <-s.events:
			s.send(ev)
		case <-heartbeat.C:
			s.send(event{Type: "heartbeat"})
		}
	}
}

func (s *Stream) send(ev event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if err := c.WriteJSON(ev); err != nil {
			go s.drop(c)
		}
	}
}

func (s *Stream) drop(c *websocket.Conn) {
	select {
	case s.unregister <- c:
	case <-s.done:
	}
}

// HandleWebSocket upgrades the request and subscribes the client.
func (s *Stream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	_ = conn.WriteJSON(event{Type: "connected"})

	select {
	case s.register <- conn:
	case <-s.done:
		conn.Close()
		return
	}

	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// PositionIndexed queues p for every client. The position is dropped when
// the queue is full.
func (s *Stream) PositionIndexed(p position.Position) {
	select {
	case s.events <- event{Type: "position_added", Data: p}:
	default:
		s.log.Warn("stream queue full, dropping position", zap.String("tx", p.TxHash))
	}
}

// ClientCount returns the number of connected clients.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
