// Package transport exposes the agent service over HTTP: JSON endpoints for
// sessions and approvals, server-sent events and a WebSocket for turns.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/LanternOps/breeze-sub012/internal/agent"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/observability"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// Service is the agent API the handlers call.
type Service interface {
	CreateSession(ctx context.Context, ac *auth.Context, in agent.CreateSessionInput) (*models.Session, error)
	GetSession(ctx context.Context, id string, ac *auth.Context) (*models.Session, error)
	ListSessions(ctx context.Context, ac *auth.Context, in agent.ListInput) ([]*models.Session, error)
	SearchSessions(ctx context.Context, ac *auth.Context, query string, in agent.ListInput) ([]*models.Session, error)
	CloseSession(ctx context.Context, id string, ac *auth.Context) (*models.Session, error)
	GetSessionMessages(ctx context.Context, id string, ac *auth.Context) (*models.Session, []*models.Turn, error)
	HandleApproval(ctx context.Context, executionID string, approved bool, ac *auth.Context) (*models.ToolExecution, error)
	SendMessage(ctx context.Context, sessionID, text string, ac *auth.Context, page *models.PageContext) <-chan *models.Event
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MetricsPath     string
}

// Server serves the agent API.
type Server struct {
	service  Service
	jwt      *auth.JWTService
	config   Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	validate *validator.Validate
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request durations and serves the metrics endpoint.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer starts a server span per request.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewServer builds a server over service. Requests to /v1 must carry a token
// issued by jwt.
func NewServer(service Service, jwt *auth.JWTService, config Config, opts ...Option) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	s := &Server{
		service:  service,
		jwt:      jwt,
		config:   config,
		logger:   slog.Default().With("component", "transport"),
		tracer:   observability.NewNoopTracer("breeze/transport"),
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     originChecker(config.AllowedOrigins),
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authn := auth.Middleware(s.jwt, s.logger)

	s.route(mux, "GET /healthz", http.HandlerFunc(s.handleHealthz))
	if s.metrics != nil {
		s.route(mux, "GET "+s.config.MetricsPath, s.metrics.Handler())
	}

	api := func(pattern string, h http.HandlerFunc) {
		s.route(mux, pattern, authn(h))
	}
	api("POST /v1/sessions", s.handleCreateSession)
	api("GET /v1/sessions", s.handleListSessions)
	api("GET /v1/sessions/search", s.handleSearchSessions)
	api("GET /v1/sessions/{id}", s.handleGetSession)
	api("POST /v1/sessions/{id}/close", s.handleCloseSession)
	api("GET /v1/sessions/{id}/messages", s.handleGetMessages)
	api("POST /v1/sessions/{id}/messages", s.handleSendMessage)
	api("GET /v1/sessions/{id}/stream", s.handleStream)
	api("POST /v1/executions/{id}/approval", s.handleApproval)

	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to the shutdown timeout for
// in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
