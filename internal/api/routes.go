package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utxoracle/utxoracle-live/internal/config"
	"github.com/utxoracle/utxoracle-live/internal/db"
	"github.com/utxoracle/utxoracle-live/internal/tracker"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Store is the persistence surface the read API needs.
type Store interface {
	HistoricalPrices(ctx context.Context, days int) ([]models.DailyPrice, error)
	WhaleTransactions(ctx context.Context, f db.WhaleFilter) ([]models.WhaleAlert, error)
	WhaleByTxid(ctx context.Context, txid string) (*models.WhaleAlert, error)
	WhaleSummary(ctx context.Context, since time.Time) (*db.WhaleSummary, error)
}

// PriceSource exposes the most recent in-memory tick.
type PriceSource interface {
	LatestPrice() (models.PriceEstimate, bool)
}

// HealthSource reports component health for /health.
type HealthSource interface {
	Health() map[string]interface{}
}

type APIHandler struct {
	store   Store
	prices  PriceSource
	health  HealthSource
	monitor *tracker.Monitor
}

// Server is the HTTP read API.
type Server struct {
	http *http.Server
}

func NewServer(cfg config.HTTPConfig, store Store, prices PriceSource, health HealthSource, monitor *tracker.Monitor) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(NewRateLimiter(cfg.RatePerMin, cfg.RateBurst).Middleware())

	handler := &APIHandler{store: store, prices: prices, health: health, monitor: monitor}

	r.GET("/health", handler.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := r.Group("/", AuthMiddleware(cfg.AuthToken))
	{
		protected.GET("/prices/latest", handler.handleLatestPrice)
		protected.GET("/prices/historical", handler.handleHistoricalPrices)
		protected.GET("/whale/transactions", handler.handleWhaleTransactions)
		protected.GET("/whale/summary", handler.handleWhaleSummary)
		protected.GET("/whale/transaction/:txid", handler.handleWhaleByTxid)
		protected.GET("/alerts/recent", handler.handleRecentAlerts)
	}

	return &Server{http: &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}}
}

// Start blocks until Shutdown. A bind failure is fatal to the orchestrator.
func (s *Server) Start() error {
	log.Printf("[API] HTTP server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Health())
}

func (h *APIHandler) handleLatestPrice(c *gin.Context) {
	if !rejectUnknownParams(c) {
		return
	}
	est, ok := h.prices.LatestPrice()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No price estimate available yet"})
		return
	}
	c.JSON(http.StatusOK, est)
}

// rejectUnknownParams enforces strict query validation: any parameter
// outside the allowed set is a 400.
func rejectUnknownParams(c *gin.Context, allowed ...string) bool {
	for key := range c.Request.URL.Query() {
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown query parameter: " + key})
			return false
		}
	}
	return true
}

func (h *APIHandler) handleHistoricalPrices(c *gin.Context) {
	if !rejectUnknownParams(c, "days") {
		return
	}
	days := 30
	if raw := c.Query("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be an integer in [1, 365]"})
			return
		}
		days = v
	}
	prices, err := h.store.HistoricalPrices(c.Request.Context(), days)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "prices": prices})
}

// parseHours validates an hours window parameter, defaulting when absent.
func parseHours(c *gin.Context, def int) (int, bool) {
	raw := c.Query("hours")
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > 24*365 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be an integer in [1, 8760]"})
		return 0, false
	}
	return v, true
}

func (h *APIHandler) handleWhaleTransactions(c *gin.Context) {
	if !rejectUnknownParams(c, "hours", "min_btc", "flow_type", "rbf_only", "limit") {
		return
	}
	filter := db.WhaleFilter{Limit: 100}

	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in [1, 1000]"})
			return
		}
		filter.Limit = v
	}
	if raw := c.Query("min_btc"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_btc must be a non-negative number"})
			return
		}
		filter.MinBTC = v
	}
	if raw := c.Query("flow_type"); raw != "" {
		switch models.FlowType(raw) {
		case models.FlowExchangeInflow, models.FlowExchangeOutflow, models.FlowWhaleTransfer, models.FlowUnknown:
			filter.FlowType = models.FlowType(raw)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown flow_type"})
			return
		}
	}
	if raw := c.Query("rbf_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rbf_only must be a boolean"})
			return
		}
		filter.RBFOnly = v
	}
	if hours, ok := parseHours(c, 0); !ok {
		return
	} else if hours > 0 {
		filter.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	whales, err := h.store.WhaleTransactions(c.Request.Context(), filter)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(whales), "transactions": whales})
}

func (h *APIHandler) handleWhaleSummary(c *gin.Context) {
	if !rejectUnknownParams(c, "hours") {
		return
	}
	hours, ok := parseHours(c, 24)
	if !ok {
		return
	}
	sum, err := h.store.WhaleSummary(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *APIHandler) handleWhaleByTxid(c *gin.Context) {
	if !rejectUnknownParams(c) {
		return
	}
	txid := c.Param("txid")
	if len(txid) != 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "txid must be 64 hex characters"})
		return
	}
	whale, err := h.store.WhaleByTxid(c.Request.Context(), txid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
			return
		}
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, whale)
}

func (h *APIHandler) handleRecentAlerts(c *gin.Context) {
	if !rejectUnknownParams(c, "limit") {
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": h.monitor.RecentAlerts(limit)})
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, models.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store temporarily unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
