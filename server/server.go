// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"racebot/pkg/racebot"

	"github.com/gorilla/mux"
)

// Store interface for driver preference access.
type Store interface {
	Load(ctx context.Context, driverID int) (*racebot.Driver, error)
	List(ctx context.Context) ([]*racebot.Driver, error)
	Update(ctx context.Context, driverID int, fn func(d *racebot.Driver)) (*racebot.Driver, error)
	Profile(ctx context.Context, driverID int) (*racebot.Driver, error)
}

// Drivers interface for reading live driver state.
type Drivers interface {
	Online() []*racebot.DriverState
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Feed interface for websocket alert subscriptions.
type Feed interface {
	ServeWS(w http.ResponseWriter, r *http.Request, channelID string)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store      Store
	drivers    Drivers
	poller     Poller
	feed       Feed
	logger     *slog.Logger
	isNotFound IsNotFound
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Drivers    Drivers
	Poller     Poller
	Feed       Feed
	Logger     *slog.Logger
	IsNotFound IsNotFound
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:      cfg.Store,
		drivers:    cfg.Drivers,
		poller:     cfg.Poller,
		feed:       cfg.Feed,
		logger:     cfg.Logger,
		isNotFound: cfg.IsNotFound,
	}
}

// Handler returns the routed handler for all endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/pollz", s.handlePoll).Methods(http.MethodPost)
	r.HandleFunc("/racers", s.handleRacers).Methods(http.MethodGet)
	r.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	r.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	r.HandleFunc("/drivers/{id}", s.handlePutDriver).Methods(http.MethodPut)
	if s.feed != nil {
		r.HandleFunc("/ws/{channel}", s.handleFeed).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe starts the server on port and blocks until ctx is done or the server fails.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.feed.ServeWS(w, r, mux.Vars(r)["channel"])
}
