package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxmesh/internal/core/services"
	httphandlers "voxmesh/internal/handlers/http"
	"voxmesh/internal/infrastructure/monitoring"
	"voxmesh/internal/infrastructure/repositories"
	signalinfra "voxmesh/internal/infrastructure/signal"
	"voxmesh/pkg/config"
	"voxmesh/pkg/logger"
	"voxmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxmesh: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "voxmesh-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewPrometheusCollector(registry)

	directory := repositories.NewRoomDirectory(cfg, log)

	rooms := services.NewRoomManager(directory, services.RelayConfig{
		RateLimitMessages: cfg.RateLimiting.Messages.Limit,
		RateLimitWindow:   cfg.RateLimiting.Messages.Window,
		InboxSize:         cfg.Signal.InboxSize,
		PruneInterval:     time.Minute,
	}, metrics, log)

	wsServer := signalinfra.NewWebSocketServer(rooms,
		signalinfra.NewOriginPolicy(cfg.Signal.AllowedOrigins, cfg.Signal.AllowLocalDev),
		signalinfra.ServerConfig{
			PingInterval:   cfg.Signal.PingInterval,
			PongTimeout:    cfg.Signal.PongTimeout,
			WriteTimeout:   cfg.Signal.WriteTimeout,
			MaxMessageSize: cfg.Signal.MaxMessageSize,
			SendBuffer:     cfg.Signal.SendBuffer,
		},
		metrics, log)

	health := monitoring.NewHealthChecker()
	health.AddDirectoryCheck(directory, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.AddCapacityCheck(func() int { return len(rooms.Rooms()) }, cfg.Monitoring.MaxRooms, cfg.Monitoring.HealthCheckInterval)

	checksCtx, stopChecks := context.WithCancel(context.Background())
	defer stopChecks()
	health.StartBackgroundChecks(checksCtx, func(name string, err error) {
		if err != nil {
			log.Warnw("Health check failing", "check", name, "error", err)
			return
		}
		log.Infow("Health check recovered", "check", name)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:   cfg,
		Rooms:    httphandlers.NewRoomHandler(rooms, wsServer, health),
		Metrics:  metrics,
		Gatherer: registry,
		Logger:   zapLogger,
	})

	// WriteTimeout stays zero: hijacked control channels manage their own deadlines.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting voxmesh signaling relay",
			"address", cfg.Server.Address,
			"advertise", directory.Self(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Control channels are hijacked, so the HTTP server will not wait for them.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Control channels did not close in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		srv.Close()
	}

	rooms.Shutdown()
	if err := directory.Close(); err != nil {
		log.Errorw("Error closing room directory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("voxmesh signaling relay stopped")
}
