// Package api provides an optional local HTTP endpoint for inspecting
// the sync client: connection state, entity graph contents and gateway
// signal strength. It is a diagnostics surface, not a control surface;
// all write operations go through the bridge.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"wisersync/internal/dispatch"
	"wisersync/internal/gateway"
	"wisersync/internal/graph"
)

// Server serves the diagnostics endpoints.
type Server struct {
	graph      *graph.Graph
	dispatcher *dispatch.Dispatcher
	client     *gateway.Client
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a diagnostics server on the given port.
func NewServer(g *graph.Graph, d *dispatch.Dispatcher, client *gateway.Client, logger *zap.Logger, port int) *Server {
	s := &Server{
		graph:      g,
		dispatcher: d,
		client:     client,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/graph", s.handleGraph)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// StatusResponse is the JSON body of /api/status.
type StatusResponse struct {
	State      string `json:"state"`
	GraphStale bool   `json:"graph_stale"`
	Devices    int    `json:"devices"`
	Loads      int    `json:"loads"`
	Scenes     int    `json:"scenes"`
	RSSI       *int   `json:"rssi,omitempty"`
}

// LoadEntry is one load in the /api/graph response.
type LoadEntry struct {
	ID       int                    `json:"id"`
	Name     string                 `json:"name,omitempty"`
	Kind     string                 `json:"kind"`
	DeviceID string                 `json:"device"`
	Channel  int                    `json:"channel"`
	State    map[string]interface{} `json:"state"`
}

// DeviceEntry is one device in the /api/graph response.
type DeviceEntry struct {
	ID           string `json:"id"`
	SerialNumber string `json:"serial_number"`
	Loads        []int  `json:"loads,omitempty"`
	IsGateway    bool   `json:"is_gateway,omitempty"`
}

// GraphResponse is the JSON body of /api/graph.
type GraphResponse struct {
	Stale   bool          `json:"stale"`
	Devices []DeviceEntry `json:"devices"`
	Loads   []LoadEntry   `json:"loads"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// handleStatus reports the stream state and graph summary. The RSSI
// probe is best-effort: a failed call leaves the field out rather than
// failing the whole response.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		State:      s.dispatcher.State().String(),
		GraphStale: s.graph.Stale(),
		Devices:    len(s.graph.Devices()),
		Loads:      len(s.graph.Loads()),
		Scenes:     len(s.graph.Scenes()),
	}

	if rssi, err := s.client.RSSI(r.Context()); err == nil {
		resp.RSSI = &rssi
	} else {
		s.logger.Debug("RSSI probe failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleGraph dumps the entity graph with current load states.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := GraphResponse{Stale: s.graph.Stale()}

	for _, d := range s.graph.Devices() {
		resp.Devices = append(resp.Devices, DeviceEntry{
			ID:           d.ID,
			SerialNumber: d.SerialNumber(),
			Loads:        d.LoadIDs,
			IsGateway:    d.IsGateway,
		})
	}
	for _, l := range s.graph.Loads() {
		resp.Loads = append(resp.Loads, LoadEntry{
			ID:       l.ID,
			Name:     l.Name,
			Kind:     string(l.Kind),
			DeviceID: l.DeviceID,
			Channel:  l.Channel,
			State:    l.State(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleSitemap lists the endpoints. Returns 404 so probes against
// unknown paths still fail, with a helpful body for humans.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "Gateway sync diagnostics\n")
	fmt.Fprintf(w, "========================\n\n")
	fmt.Fprintf(w, "  GET  /health      liveness check\n")
	fmt.Fprintf(w, "  GET  /api/status  stream state, graph summary, gateway RSSI\n")
	fmt.Fprintf(w, "  GET  /api/graph   entity graph with current load states\n")
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting diagnostics server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Diagnostics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping diagnostics server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown diagnostics server: %w", err)
	}

	return nil
}
