// Package api exposes the WebSocket stream endpoints and the small HTTP
// surface (health, summary, stats, metrics).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketsim/internal/config"
	"marketsim/internal/hub"
	"marketsim/internal/store"
	"marketsim/pkg/types"
)

// SummaryProvider supplies the market breadth summary.
type SummaryProvider interface {
	MarketSummary(ctx context.Context) (store.Summary, error)
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	cfg      config.ServerConfig
	hub      *hub.Hub
	summary  SummaryProvider
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(cfg config.ServerConfig, h *hub.Hub, summary SummaryProvider, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     h,
		summary: summary,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The stream is public read-only simulated data.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/summary", s.handleSummary)
	mux.HandleFunc("/ws/stats", s.handleStats)
	mux.HandleFunc("/ws/market", s.handleMarket)
	mux.HandleFunc("/ws/indices", s.handleIndices)
	mux.HandleFunc("/ws/stock/{symbol}", s.handleStock)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.summary.MarketSummary(r.Context())
	if err != nil {
		s.logger.Error("market summary failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "summary unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

// handleMarket streams the aggregate market channel. An optional
// symbols=AAA,BBB query narrows the stream to those instruments.
func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	filters := hub.Filters{Symbols: splitSymbols(r.URL.Query().Get("symbols"))}
	s.serveChannel(w, r, types.ChannelStocks, filters)
}

func (s *Server) handleIndices(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r, types.ChannelIndices, hub.Filters{})
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if symbol == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}
	s.serveChannel(w, r, types.StockChannel(symbol), hub.Filters{})
}

// serveChannel upgrades the connection, subscribes the new session to
// channel and runs its read loop until disconnect.
func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request, channel string, filters hub.Filters) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := s.hub.Accept(&wsTransport{conn: conn, writeTimeout: s.cfg.WriteTimeout})
	if err := s.hub.Subscribe(session.ID, channel, filters); err != nil {
		s.logger.Error("auto-subscribe failed", "channel", channel, "error", err)
		s.hub.Disconnect(session.ID)
		return
	}

	welcome, _ := json.Marshal(map[string]any{
		"type":    "welcome",
		"channel": channel,
		"message": "Subscribed to " + channel,
	})
	session.Enqueue(welcome)

	s.hub.Serve(session)
}

func splitSymbols(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
