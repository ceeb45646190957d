// Package ops exposes a read-only HTTP surface over a running trading
// loop: health, loop status, open positions, the trade ledger, and recent
// events. It never accepts commands; operational control stays with the
// process signals.
package ops

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/quantfoundry/tradepilot/internal/engine"
	"github.com/quantfoundry/tradepilot/internal/exit"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/reporter"
	"github.com/quantfoundry/tradepilot/internal/store"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"go.uber.org/zap"
)

const defaultTradeLimit = 50

// Server serves the status API.
type Server struct {
	loop   engine.TradingLoop
	exits  *exit.Manager
	store  store.Store
	events *reporter.CollectingReporter
	log    *logger.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the status server. events may be nil when event
// buffering is not configured; the events endpoint then returns an empty
// list.
func NewServer(
	loop engine.TradingLoop,
	exits *exit.Manager,
	st store.Store,
	events *reporter.CollectingReporter,
	log *logger.Logger,
) *Server {
	return &Server{
		loop:   loop,
		exits:  exits,
		store:  st,
		events: events,
		log:    log,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeLoopInitFailed, err, "failed to listen on %s", address)
	}

	s.listener = listener

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	router.HandleFunc("/api/v1/trades", s.handleTrades).Methods("GET")
	router.HandleFunc("/api/v1/events", s.handleEvents).Methods("GET")

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.log.Error("ops server error", zap.Error(err))
		}
	}()

	s.log.Info("ops server listening", zap.String("address", listener.Addr().String()))

	return nil
}

// Addr returns the bound address, useful when Start was given ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.exits.Positions()
	if positions == nil {
		positions = []types.Position{}
	}

	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = parsed
	}

	trades, err := s.store.RecentTrades(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to load trades", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load trades")

		return
	}

	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeJSON(w, http.StatusOK, []reporter.Event{})

		return
	}

	if kind := r.URL.Query().Get("kind"); kind != "" {
		s.writeJSON(w, http.StatusOK, s.events.EventsOfKind(reporter.EventKind(kind)))

		return
	}

	s.writeJSON(w, http.StatusOK, s.events.Events())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
