package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"papertrade/internal/lock"
	"papertrade/internal/observability"
	"papertrade/internal/trading"
)

// TradeLister serves trade history reads; *store.Store implements it.
type TradeLister interface {
	ListTrades(ctx context.Context, symbol string, limit int) ([]*trading.Trade, error)
}

// LockInspector exposes the advisory-lock snapshot; *lock.Manager implements it.
type LockInspector interface {
	ListActiveLocks(ctx context.Context) ([]lock.ActiveLock, error)
}

// Deps wires the API surface to the core. Trades and Locks may be nil; their
// routes then respond 501.
type Deps struct {
	Coordinator *trading.Coordinator
	Trades      TradeLister
	Locks       LockInspector
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Server is the HTTP/JSON API in front of the mutation coordinator. Input
// here is schema-checked only; trade semantics are enforced under lock by the
// coordinator.
type Server struct {
	addr   string
	router *gin.Engine
	deps   Deps
}

func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestTelemetry(deps.Logger, deps.Metrics))

	s := &Server{addr: addr, router: router, deps: deps}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	if s.deps.Health != nil {
		s.router.GET("/healthz", gin.WrapF(s.deps.Health.LivenessHandler))
		s.router.GET("/readyz", gin.WrapF(s.deps.Health.ReadinessHandler))
	}

	api := s.router.Group("/api")
	api.POST("/trades", s.handleExecuteTrade)
	api.GET("/trades", s.handleListTrades)
	api.GET("/positions", s.handleListPositions)
	api.GET("/positions/:symbol", s.handleGetPosition)
	api.POST("/positions/:symbol/close", s.handleClosePosition)
	api.GET("/cache/stats", s.handleCacheStats)
	api.DELETE("/cache", s.handleClearCache)
	api.GET("/locks", s.handleListLocks)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type executeTradeRequest struct {
	Symbol   string  `json:"symbol" binding:"required"`
	Side     string  `json:"side" binding:"required,oneof=buy sell"`
	Quantity float64 `json:"quantity" binding:"required,gt=0"`
	Price    float64 `json:"price" binding:"required,gt=0"`
}

func (s *Server) handleExecuteTrade(c *gin.Context) {
	var req executeTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trade, err := s.deps.Coordinator.ExecuteTrade(c.Request.Context(), req.Symbol, trading.Side(req.Side), req.Quantity, req.Price)
	if err != nil {
		s.writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trade)
}

type closePositionRequest struct {
	Price float64 `json:"price" binding:"required,gt=0"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trade, err := s.deps.Coordinator.ClosePosition(c.Request.Context(), c.Param("symbol"), req.Price)
	if err != nil {
		s.writeTradeError(c, err)
		return
	}
	if trade == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open position"})
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) handleGetPosition(c *gin.Context) {
	pos, err := s.deps.Coordinator.GetPosition(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "position lookup failed"})
		return
	}
	if pos == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no position"})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.deps.Coordinator.GetAllPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "position listing failed"})
		return
	}
	if positions == nil {
		positions = []*trading.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleListTrades(c *gin.Context) {
	if s.deps.Trades == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "trade history not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.deps.Trades.ListTrades(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade listing failed"})
		return
	}
	if trades == nil {
		trades = []*trading.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Coordinator.CacheStats())
}

func (s *Server) handleClearCache(c *gin.Context) {
	s.deps.Coordinator.ClearCache(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleListLocks(c *gin.Context) {
	if s.deps.Locks == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "lock introspection not configured"})
		return
	}

	locks, err := s.deps.Locks.ListActiveLocks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock listing failed"})
		return
	}
	if locks == nil {
		locks = []lock.ActiveLock{}
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

// writeTradeError maps coordinator failures: contention is a retryable 503,
// bad input a 400, everything else an opaque 500. Internal detail stays out
// of response bodies.
func (s *Server) writeTradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lock.ErrLockUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "symbol busy, retry",
			"retryable": true,
		})
	case errors.Is(err, trading.ErrInvalidTrade):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.deps.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("trade request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade execution failed"})
	}
}

func requestTelemetry(logger zerolog.Logger, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		if metrics != nil {
			metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(elapsed.Seconds())
		}

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request")
	}
}
