package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

// Server is the schedule mode HTTP server. It exposes /health, /metrics
// and, when a trigger secret is configured, a signed POST /run.
type Server struct {
	options        ServerOptions
	server         *http.Server
	listener       net.Listener
	rateLimiter    *RateLimiter
	trigger        TriggerFunc
	status         StatusFunc
	metrics        http.Handler
	logger         zerolog.Logger
	startTime      time.Time
	now            func() time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new server. metrics and status may be nil; trigger
// is required when a trigger secret is set.
func NewServer(options ServerOptions, trigger TriggerFunc, status StatusFunc, metrics http.Handler, logger zerolog.Logger) (*Server, error) {
	// Set defaults
	if options.Addr == "" {
		options.Addr = "127.0.0.1:9464"
	}
	if options.RateLimitPerMinute <= 0 {
		options.RateLimitPerMinute = 10
	}
	if options.SignatureMaxAge <= 0 {
		options.SignatureMaxAge = 5 * time.Minute
	}

	if options.TriggerSecret != "" && trigger == nil {
		return nil, fmt.Errorf("trigger is required when a trigger secret is set")
	}

	s := &Server{
		options:     options,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		trigger:     trigger,
		status:      status,
		metrics:     metrics,
		logger:      logger,
		startTime:   time.Now(),
		now:         time.Now,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the routes served by the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/run", s.handleRun)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Listen binds the listen address. Addr is valid afterwards.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.options.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.options.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.options.Addr
}

// Serve accepts connections until Stop. It binds first if Listen was not called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.Info().
		Str("addr", s.Addr()).
		Bool("trigger", s.options.TriggerSecret != "").
		Msg("Starting HTTP server")

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop waits for in-flight requests up to ctx and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down HTTP server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// handleHealth reports uptime and scheduler state
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": s.now().UnixMilli(),
	}
	if s.status != nil {
		response["scheduler"] = s.status()
	}

	s.sendJSON(w, http.StatusOK, response)
}

// handleRun starts an out-of-schedule run
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	// Check if shutting down
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.inFlightReqs.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlightReqs.Done()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.options.TriggerSecret == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ip := s.getClientIP(r)

	if !s.rateLimiter.CheckLimit(ip) {
		retryAfter := s.rateLimiter.GetRetryAfter(ip)
		s.logger.Warn().
			Str("ip", ip).
			Int("retryAfter", retryAfter).
			Msg("Rate limit exceeded")

		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read request body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(SignatureHeader)
	timestamp := r.Header.Get(TimestampHeader)
	if signature == "" || timestamp == "" {
		s.logger.Warn().Str("ip", ip).Msg("Missing run trigger signature")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := verifySignature(rawBody, timestamp, signature, s.options.TriggerSecret, s.now(), s.options.SignatureMaxAge); err != nil {
		s.logger.Warn().Err(err).Str("ip", ip).Msg("Invalid run trigger signature")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.trigger() {
		s.logger.Info().Str("ip", ip).Msg("Run trigger ignored, a run is in progress")
		s.sendJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}

	s.logger.Info().Str("ip", ip).Msg("Run triggered")
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// getClientIP returns the peer address. Forwarding headers are only
// honoured with TrustProxyHeaders, since any client can set them.
func (s *Server) getClientIP(r *http.Request) string {
	if s.options.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
