// Package server exposes enrichment and summarization over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"EventLens/internal/enrich"
	"EventLens/internal/events"
	"EventLens/internal/pipeline"
)

// Service is the part of the pipeline the server drives.
type Service interface {
	Enrich(ctx context.Context, s events.Session) ([]events.EnrichedEvent, error)
	Summarize(ctx context.Context, s events.Session, maxWords int) (pipeline.Result, error)
	Backend() string
}

// SessionRequest carries one session. Events are re-ordered by timestamp.
type SessionRequest struct {
	DistinctID string          `json:"distinct_id"`
	Events     []events.Record `json:"events" binding:"required"`
	MaxWords   int             `json:"max_words,omitempty"`
}

// EnrichResponse is returned by POST /v1/enrich.
type EnrichResponse struct {
	DistinctID string                 `json:"distinct_id"`
	Events     []events.EnrichedEvent `json:"events"`
}

// ErrorResponse reports a failed request with a stable kind.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Uptime  string `json:"uptime"`
}

// Options configures an HTTPServer.
type Options struct {
	Address string
	Port    int
	// Mode is the gin mode: debug, release or test.
	Mode string
	// Gatherer backs GET /metrics. Nil serves the default registry.
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// HTTPServer serves the enrichment API.
type HTTPServer struct {
	Address string
	Port    int

	svc        Service
	engine     *gin.Engine
	httpServer *http.Server
	timeout    time.Duration
	logger     *zap.Logger
	startTime  time.Time
	mu         sync.RWMutex
}

// NewHTTPServer creates a new HTTP server instance and registers its routes.
func NewHTTPServer(svc Service, opts Options) *HTTPServer {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &HTTPServer{
		Address:   opts.Address,
		Port:      opts.Port,
		svc:       svc,
		timeout:   opts.RequestTimeout,
		logger:    logger.Named("server"),
		startTime: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	v1 := r.Group("/v1")
	v1.POST("/enrich", s.enrich)
	v1.POST("/summarize", s.summarize)
	s.engine = r
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// Start begins listening for HTTP requests
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP server starting", zap.String("addr", addr))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.httpServer = nil
	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning returns true if the server is running
func (s *HTTPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Backend: s.svc.Backend(),
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *HTTPServer) enrich(c *gin.Context) {
	session, _, ok := s.bindSession(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	out, err := s.svc.Enrich(ctx, session)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, EnrichResponse{DistinctID: session.DistinctID, Events: out})
}

func (s *HTTPServer) summarize(c *gin.Context) {
	session, maxWords, ok := s.bindSession(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.Summarize(ctx, session, maxWords)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) bindSession(c *gin.Context) (events.Session, int, bool) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error(), Kind: "bad_request"})
		return events.Session{}, 0, false
	}
	if req.MaxWords < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "max_words must not be negative", Kind: "bad_request"})
		return events.Session{}, 0, false
	}
	id := req.DistinctID
	if id == "" && len(req.Events) > 0 {
		id = req.Events[0].DistinctID
	}
	return events.NewSession(id, req.Events), req.MaxWords, true
}

// requestContext ties work to the client connection plus the server timeout.
func (s *HTTPServer) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.timeout)
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	kind := enrich.Kind(err)
	status := statusFor(kind, err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.String("kind", kind), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// statusClientClosed is the conventional status for a request the client
// abandoned.
const statusClientClosed = 499

func statusFor(kind string, err error) int {
	switch kind {
	case "index_unavailable":
		return http.StatusServiceUnavailable
	case "embedding_failure":
		return http.StatusBadGateway
	case "canceled":
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
