package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mExOms/gateway/internal/gateway"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Error codes that do not come from the venue error taxonomy
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeVenueNotFound  = "VENUE_NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"

	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// Gateway is the part of the gateway the admin surface drives
type Gateway interface {
	Report() gateway.Report
	GetBestPrice(ctx context.Context, symbol string) (*types.BestPrice, error)
	SetVenueActive(venue string, active bool) error
	SetMaintenance(venue string, until time.Time) error
	ClearMaintenance(venue string) error
}

// Options configures the admin server
type Options struct {
	Address string
	// Gatherer backs /metrics; the default registry when nil
	Gatherer prometheus.Gatherer
	// MaintenanceWindow is used when a maintenance request has no duration
	MaintenanceWindow time.Duration
}

// Server is the operator HTTP surface
type Server struct {
	gateway Gateway
	opts    Options
	router  *mux.Router
	srv     *http.Server
	logger  *logrus.Entry
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// MaintenanceResponse confirms a maintenance window
type MaintenanceResponse struct {
	Venue string    `json:"venue"`
	Until time.Time `json:"until,omitempty"`
}

// VenueResponse confirms an activation change
type VenueResponse struct {
	Venue  string `json:"venue"`
	Active bool   `json:"active"`
}

// NewServer creates the admin server
func NewServer(gw Gateway, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaintenanceWindow <= 0 {
		opts.MaintenanceWindow = 5 * time.Minute
	}
	s := &Server{
		gateway: gw,
		opts:    opts,
		router:  mux.NewRouter(),
		logger:  logrus.WithField("component", "api"),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         opts.Address,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.status).Methods(http.MethodGet)
	s.router.HandleFunc("/prices/{symbol}", s.bestPrice).Methods(http.MethodGet)

	s.router.HandleFunc("/venues/{id}/activate", s.setActive(true)).Methods(http.MethodPost)
	s.router.HandleFunc("/venues/{id}/deactivate", s.setActive(false)).Methods(http.MethodPost)
	s.router.HandleFunc("/venues/{id}/maintenance", s.startMaintenance).Methods(http.MethodPost)
	s.router.HandleFunc("/venues/{id}/maintenance", s.endMaintenance).Methods(http.MethodDelete)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	s.logger.WithField("address", s.srv.Addr).Info("Admin API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin api: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Report())
}

func (s *Server) bestPrice(w http.ResponseWriter, r *http.Request) {
	best, err := s.gateway.GetBestPrice(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, best)
}

func (s *Server) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		venue := mux.Vars(r)["id"]
		if err := s.gateway.SetVenueActive(venue, active); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.WithFields(logrus.Fields{"venue": venue, "active": active}).Info("Venue activation changed by operator")
		writeJSON(w, http.StatusOK, VenueResponse{Venue: venue, Active: active})
	}
}

func (s *Server) startMaintenance(w http.ResponseWriter, r *http.Request) {
	venue := mux.Vars(r)["id"]
	window := s.opts.MaintenanceWindow
	if raw := r.URL.Query().Get("for"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("invalid maintenance duration %q", raw))
			return
		}
		window = d
	}

	until := time.Now().Add(window)
	if err := s.gateway.SetMaintenance(venue, until); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.WithFields(logrus.Fields{"venue": venue, "until": until}).Warn("Venue put into maintenance by operator")
	writeJSON(w, http.StatusOK, MaintenanceResponse{Venue: venue, Until: until})
}

func (s *Server) endMaintenance(w http.ResponseWriter, r *http.Request) {
	venue := mux.Vars(r)["id"]
	if err := s.gateway.ClearMaintenance(venue); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.WithField("venue", venue).Info("Venue maintenance cleared by operator")
	writeJSON(w, http.StatusOK, MaintenanceResponse{Venue: venue})
}

// writeError maps gateway errors onto status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrVenueNotFound):
		writeError(w, http.StatusNotFound, CodeVenueNotFound, err.Error())
	case errors.Is(err, types.ErrNoPriceAvailable):
		writeError(w, http.StatusNotFound, types.CodeNoPriceAvailable, err.Error())
	case errors.Is(err, types.ErrAllExchangesUnavailable):
		writeError(w, http.StatusServiceUnavailable, types.CodeAllExchangesUnavailable, err.Error())
	default:
		s.logger.WithError(err).Error("Request failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
