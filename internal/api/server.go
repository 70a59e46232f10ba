// Package api serves the root server's HTTP surface: a WebSocket feed of
// relayed files, a small REST API over the registry and ring, and /health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/zde37/srbnfs/internal/coordinator"
	"github.com/zde37/srbnfs/internal/ring"
	"github.com/zde37/srbnfs/pkg"
)

// ClientSource is the part of the root server the API reads from.
type ClientSource interface {
	Clients(ctx context.Context) ([]coordinator.ClientInfo, error)
	Ring() []string
	Links() []ring.Link
}

// HealthChecker answers health requests, typically a transport.HealthServer.
type HealthChecker interface {
	Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error)
}

// Config holds the HTTP server configuration.
type Config struct {
	Address       string // host:port, port 0 picks a free one
	HealthService string // service name passed to the HealthChecker
}

// Server represents the HTTP API server.
type Server struct {
	config     *Config
	source     ClientSource
	health     HealthChecker
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger
}

// NewServer creates an HTTP API server. health may be nil, in which case
// /health reports SERVING whenever the server answers.
func NewServer(cfg *Config, source ClientSource, health HealthChecker, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("client source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		config: cfg,
		source: source,
		health: health,
		wsHub:  NewWebSocketHub(logger),
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
	}, nil
}

// Hub returns the WebSocket hub; register it as the root server's broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	// The gateway mux only routes; handlers write their own JSON and the
	// default marshaler renders routing errors.
	mux := runtime.NewServeMux()

	// HandlePath only fails on malformed patterns.
	_ = mux.HandlePath(http.MethodGet, "/api/clients", s.clientsHandler)
	_ = mux.HandlePath(http.MethodGet, "/api/ring", s.ringHandler)

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	return httpMux
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.httpServer != nil {
		s.wsHub.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type clientsResponse struct {
	Count   int                      `json:"count"`
	Clients []coordinator.ClientInfo `json:"clients"`
}

type ringResponse struct {
	RootServer string      `json:"root_server"`
	Addresses  []string    `json:"addresses"`
	Links      []ring.Link `json:"links"`
}

func (s *Server) clientsHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clients, err := s.source.Clients(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read client registry")
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, clientsResponse{Count: len(clients), Clients: clients})
}

func (s *Server) ringHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	addrs := s.source.Ring()
	resp := ringResponse{Addresses: addrs, Links: s.source.Links()}
	if len(addrs) > 0 {
		resp.RootServer = addrs[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// healthHandler renders the gRPC health response as JSON.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	if s.health != nil {
		var err error
		resp, err = s.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: s.config.HealthService})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}

	body, err := protojson.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	code := http.StatusOK
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
