// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package api serves stored IV snapshots and positions over HTTP and exposes
// the cron endpoints that trigger collection and indexing.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/luxfi/ivtracker/analysis"
	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/indexer"
	"github.com/luxfi/ivtracker/logger"
	"github.com/luxfi/ivtracker/market"
	"github.com/luxfi/ivtracker/metrics"
	"github.com/luxfi/ivtracker/position"
	"github.com/luxfi/ivtracker/storage"
)

const (
	defaultDays       = 7
	defaultLimit      = 50
	maxLimit          = 500
	forecastLimit     = 100
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Store is the read side plus snapshot writes.
type Store interface {
	market.Saver
	Ping(ctx context.Context) error
	Assets(ctx context.Context) ([]string, error)
	Latest(ctx context.Context, asset string) ([]market.Snapshot, error)
	History(ctx context.Context, f storage.HistoryFilter) ([]market.Snapshot, error)
	StrikesAndExpiries(ctx context.Context, asset string) ([]float64, []string, error)
	Forecasts(ctx context.Context, asset string, limit int) ([]storage.Forecast, error)
	RecentPositions(ctx context.Context, limit int) ([]position.Position, error)
}

// Collector fetches and stores one round of snapshots.
type Collector interface {
	Run(ctx context.Context, saver market.Saver) (int, error)
}

// Indexer runs one bounded sweep.
type Indexer interface {
	Run(ctx context.Context) (*indexer.Report, error)
}

// Server routes HTTP requests to the store, collector and indexer.
type Server struct {
	cfg       config.HTTPConfig
	store     Store
	collector Collector
	indexer   Indexer
	stream    *Stream
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCollector enables the fetch endpoints.
func WithCollector(c Collector) Option { return func(s *Server) { s.collector = c } }

// WithIndexer enables the index endpoint.
func WithIndexer(ix Indexer) Option { return func(s *Server) { s.indexer = ix } }

// WithStream enables the position websocket.
func WithStream(st *Stream) Option { return func(s *Server) { s.stream = st } }

// WithMetrics serves /metrics and records collections.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// NewServer creates a server over store.
func NewServer(cfg config.HTTPConfig, store Store, opts ...Option) *Server {
	s := &Server{cfg: cfg, store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log).Named("api")
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/assets", s.handleAssets).Methods("GET")
	api.HandleFunc("/latest", s.handleLatest).Methods("GET")
	api.HandleFunc("/iv/{asset}", s.handleHistory).Methods("GET")
	api.HandleFunc("/strikes/{asset}", s.handleStrikes).Methods("GET")
	api.HandleFunc("/forecasts/{asset}", s.handleForecasts).Methods("GET")
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	if s.stream != nil {
		api.HandleFunc("/positions/subscribe", s.stream.HandleWebSocket)
	}

	api.HandleFunc("/cron/fetch", s.cronAuth(true, s.handleFetch)).Methods("GET")
	api.HandleFunc("/fetch", s.cronAuth(false, s.handleFetch)).Methods("POST")
	api.HandleFunc("/cron/index", s.cronAuth(false, s.handleIndex)).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.HandleFunc("/health", s.handleHealth)

	return corsMiddleware(r)
}

// Run serves until ctx is done. The stream, if any, runs alongside.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.CronSecret == "" {
		s.log.Warn("CRON_SECRET is not set, cron endpoints are open")
	}
	if s.stream != nil {
		go s.stream.Run(ctx)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("API listening", zap.Int("port", s.cfg.Port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Content-Type", "application/json")
		if r.Method == "OPTIONS" {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cronAuth requires the bearer secret when one is configured. Scheduler
// requests marked with x-vercel-cron pass when allowScheduler is set.
func (s *Server) cronAuth(allowScheduler bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret != "" {
			want := "Bearer " + s.cfg.CronSecret
			got := r.Header.Get("Authorization")
			ok := subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
			if !ok && !(allowScheduler && r.Header.Get("x-vercel-cron") == "1") {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.Assets(r.Context())
	if err != nil {
		s.fail(w, "assets", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(assets))
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(r.URL.Query().Get("asset"))
	latest, err := s.store.Latest(r.Context(), asset)
	if err != nil {
		s.fail(w, "latest", err)
		return
	}
	history, err := s.store.History(r.Context(), storage.HistoryFilter{
		Asset: asset,
		Since: s.now().Add(-analysis.HistoryWindow),
	})
	if err != nil {
		s.fail(w, "latest history", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis.Annotate(latest, history))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", defaultDays, 1, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snaps, err := s.store.History(r.Context(), storage.HistoryFilter{
		Asset:     strings.ToUpper(mux.Vars(r)["asset"]),
		Since:     s.now().Add(-time.Duration(days) * 24 * time.Hour),
		Ascending: true,
	})
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(snaps))
}

func (s *Server) handleStrikes(w http.ResponseWriter, r *http.Request) {
	strikes, expiries, err := s.store.StrikesAndExpiries(r.Context(), strings.ToUpper(mux.Vars(r)["asset"]))
	if err != nil {
		s.fail(w, "strikes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strikes":  nonNil(strikes),
		"expiries": nonNil(expiries),
	})
}

func (s *Server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	forecasts, err := s.store.Forecasts(r.Context(), strings.ToUpper(mux.Vars(r)["asset"]), forecastLimit)
	if err != nil {
		s.fail(w, "forecasts", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(forecasts))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLimit, 1, maxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := s.store.RecentPositions(r.Context(), limit)
	if err != nil {
		s.fail(w, "positions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "collector disabled")
		return
	}
	n, err := s.collector.Run(r.Context(), s.store)
	if s.metrics != nil {
		s.metrics.ObserveCollection(n, err)
	}
	if err != nil {
		s.fail(w, "fetch", err)
		return
	}
	resp := map[string]interface{}{"success": true, "records": n}
	if n == 0 {
		resp["message"] = "No data found"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "indexer disabled")
		return
	}
	report, err := s.indexer.Run(r.Context())
	if err != nil {
		s.log.Error("index run failed", zap.Error(err))
		if report == nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusInternalServerError, report)
		return
	}
	if report.Status == indexer.StatusBusy {
		writeJSON(w, http.StatusConflict, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "service": "ivtracker"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.stream != nil {
		resp["subscribers"] = s.stream.ClientCount()
	}
	writeJSON(w, code, resp)
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.log.Error("request failed", zap.String("op", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer in [%d, %d]", name, lo, hi)
	}
	return n, nil
}

// nonNil keeps empty results encoding as [] rather than null.
func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
