package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/cache"
	"github.com/thesis-rbk/Wassalha-sub003/circuitbreaker"
	"github.com/thesis-rbk/Wassalha-sub003/config"
	"github.com/thesis-rbk/Wassalha-sub003/database"
	"github.com/thesis-rbk/Wassalha-sub003/escrow"
	"github.com/thesis-rbk/Wassalha-sub003/handlers"
	"github.com/thesis-rbk/Wassalha-sub003/kafka"
	"github.com/thesis-rbk/Wassalha-sub003/middleware"
	"github.com/thesis-rbk/Wassalha-sub003/process"
	"github.com/thesis-rbk/Wassalha-sub003/realtime"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	grpcLib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "process-service"

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.InternalToken == "" {
		logger.Warn("INTERNAL_TOKEN is not set, internal endpoints are disabled")
	}

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing(serviceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Initialize database
	db, err := database.InitDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	store := database.NewPostgresStore(db, logger)

	// Initialize Redis
	rdb, err := cache.InitRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer rdb.Close()
	snapshots := cache.NewProcessCache(rdb, cfg.ProcessCacheTTL, logger)
	presence := realtime.NewRedisPresence(rdb, 2*time.Minute)

	// Escrow provider behind a circuit breaker
	var provider escrow.Gateway
	switch cfg.Escrow.Provider {
	case "stripe":
		provider = escrow.NewStripe(cfg.Escrow.StripeSecretKey, logger)
	default:
		logger.Warn("Using the sandbox escrow gateway, no real funds are held")
		provider = escrow.NewSandbox(logger)
	}
	breaker := circuitbreaker.NewCircuitBreaker("escrow", cfg.Escrow.BreakerMaxFailures, cfg.Escrow.BreakerReset,
		circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
			middleware.RecordBreakerState(name, int(to))
			logger.Warn("Escrow circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
	)
	gateway := escrow.NewGuarded(provider, breaker, logger)

	// Realtime hub, fanned out to the other instances through Kafka
	hub := realtime.NewHub(cfg.InstanceID, logger)

	producer, err := kafka.InitProducer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	publisher := kafka.NewPublisher(producer, cfg.Kafka.Topic, logger)
	defer publisher.Close()
	hub.SetRemote(publisher)

	consumer, err := kafka.InitConsumer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	relay := kafka.NewRelay(consumer, cfg.Kafka.Topic, hub, logger)
	go func() {
		if err := relay.Run(relayCtx); err != nil {
			logger.Error("Room relay stopped", zap.Error(err))
		}
	}()

	// State machine; the cache observer runs before the room broadcast
	machine := process.NewMachine(store, gateway, logger,
		process.WithCurrency(cfg.Escrow.Currency),
		process.WithMaxCaptureFailures(cfg.Escrow.MaxCaptureFailures),
		process.WithObservers(snapshots, realtime.NewBroadcaster(hub, logger)),
	)
	reaper := process.NewReaper(machine, logger)
	wsServer := realtime.NewServer(hub, presence, machine, cfg.WSOrigins, logger)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	api := router.Group("/")
	api.Use(middleware.AuthMiddleware([]byte(cfg.JWTSecret), cfg.AuthRequired))

	processHandler := handlers.NewProcessHandler(machine, snapshots, presence, logger)
	api.POST("/processes", processHandler.CreateProcess)
	api.GET("/processes/:id", processHandler.GetProcess)
	api.PATCH("/processes/:id/status", processHandler.UpdateStatus)
	api.POST("/processes/:id/proof", processHandler.SubmitProof)
	api.GET("/processes/:id/events", processHandler.ListEvents)
	api.GET("/orders/:orderId/process", processHandler.GetByOrder)
	api.GET("/sponsorships/:sponsorshipId/process", processHandler.GetBySponsorship)

	paymentHandler := handlers.NewPaymentHandler(machine, logger)
	api.POST("/payments/escrow", paymentHandler.CreateEscrow)
	api.POST("/payments/escrow/capture", paymentHandler.CaptureEscrow)
	api.POST("/payments/escrow/cancel", paymentHandler.CancelEscrow)

	api.GET("/ws", handlers.NewRealtimeHandler(wsServer, logger).Connect)

	// called by the external scheduler with the shared internal token
	internal := router.Group("/internal")
	internal.Use(middleware.InternalAuthMiddleware(cfg.InternalToken))
	internal.POST("/reaper/sweep", handlers.NewReaperHandler(reaper, cfg.ReaperStaleAfter, logger).Sweep)

	// Start REST server
	restSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Process Service REST API started", zap.String("addr", cfg.HTTPAddr))

	// Start gRPC health server
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	grpcServer := grpcLib.NewServer(
		grpcLib.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Fatal("Failed to start gRPC server", zap.Error(err))
		}
	}()

	logger.Info("Process Service gRPC health server started", zap.String("addr", cfg.GRPCAddr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := restSrv.Shutdown(ctx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	}
	// sessions publish presence on disconnect, so they go before the publisher
	if err := wsServer.Shutdown(ctx); err != nil {
		logger.Error("Realtime sessions did not close in time", zap.Error(err))
	}

	grpcServer.GracefulStop()
	stopRelay()

	logger.Info("Servers exited")
}
