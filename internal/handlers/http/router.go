package http

import (
	"net/http"

	"voxmesh/internal/core/ports"
	"voxmesh/internal/infrastructure/middleware"
	"voxmesh/pkg/config"
	"voxmesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps gathers what the HTTP surface needs.
type RouterDeps struct {
	Config   *config.Config
	Rooms    *RoomHandler
	Metrics  ports.RelayMetrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	sugar := deps.Logger.Sugar()

	router := gin.New()
	if err := router.SetTrustedProxies(deps.Config.Server.TrustedProxies); err != nil {
		sugar.Warnw("Ignoring invalid trusted proxies", "proxies", deps.Config.Server.TrustedProxies, "error", err)
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(
		middleware.RecoveryMiddleware(sugar),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(deps.Logger)),
		middleware.ErrorHandlerMiddleware(sugar),
	)

	router.GET("/rooms/:room/ws",
		middleware.NewUpgradeRateLimitMiddleware(deps.Config, deps.Metrics),
		deps.Rooms.Connect,
	)

	api := router.Group("/api/v1")
	{
		api.GET("/rooms", deps.Rooms.ListRooms)
		api.GET("/rooms/:room", deps.Rooms.GetRoom)
	}

	router.GET("/health", deps.Rooms.Health)
	router.GET("/ready", deps.Rooms.Ready)

	if deps.Config.Monitoring.PrometheusEnabled && deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "no such route"})
	})
	return router
}
