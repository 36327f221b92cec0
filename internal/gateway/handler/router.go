package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/paygate/pkg/client"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

// RouterConfig holds the HTTP surface's settings and collaborators.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int // 0 disables rate limiting
	MaxBodyBytes int64

	Paywall  *Paywall
	Upstream *Upstream
	Admin    *AdminHandler
	Ready    func() bool // reported by /healthz; nil means always ready

	// UpstreamHealthy gates paid requests; nil means always healthy.
	UpstreamHealthy func() bool
}

// NewRouter builds the gateway's Gin engine. Admin, health and metrics
// routes are served directly; every other route goes through the paywall
// to the upstream.
func NewRouter(ctx context.Context, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", voucher.HeaderVoucher},
		ExposeHeaders:    []string{"Content-Length", voucher.HeaderCost, voucher.HeaderTotal, voucher.HeaderRemaining, voucher.HeaderChannel, voucher.HeaderPrice},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	if cfg.MaxBodyBytes > 0 {
		router.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)
			c.Next()
		})
	}

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if cfg.Ready != nil && !cfg.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_serving"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	if cfg.Admin != nil {
		cfg.Admin.Register(&router.RouterGroup)
	}

	router.NoRoute(upstreamGuard(cfg.UpstreamHealthy), cfg.Paywall.Middleware(), cfg.Upstream.Handle)
	return router
}

// upstreamGuard answers 503 before the paywall while the upstream is down so
// no voucher is charged for a request that cannot be served.
func upstreamGuard(healthy func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if healthy != nil && !healthy() {
			c.Header("Retry-After", "5")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, client.ErrorResponse{
				Error:  "upstream unavailable",
				Reason: "upstream_unavailable",
			})
			return
		}
		c.Next()
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if acc := AcceptedFromCtx(c); acc != nil {
			fields = append(fields,
				zap.String("channel", acc.Voucher.ChannelID.Hex()),
				zap.String("charged", acc.DeltaCharged.String()),
			)
		}
		logger.Info("request", fields...)
	}
}
