package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-svc/cache"
	"storefront-svc/checkout"
	"storefront-svc/circuitbreaker"
	"storefront-svc/config"
	"storefront-svc/database"
	"storefront-svc/handlers"
	"storefront-svc/kafka"
	"storefront-svc/middleware"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type dependencies struct {
	cfg       *config.Config
	db        *sqlx.DB
	products  *cache.ProductCache
	publisher *kafka.Publisher
	logger    *zap.Logger
}

func runServe(cfg *config.Config, logger *zap.Logger) {
	db, err := database.InitDB(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	if err := database.Migrate(db, logger); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	shutdownTracing, err := middleware.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Redis and Kafka are optional: checkout only needs Postgres.
	redisClient, err := cache.InitRedis(cfg.RedisAddr(), cfg.RedisPassword, logger)
	if err != nil {
		logger.Warn("Running without product cache", zap.Error(err))
	}

	producer, err := kafka.InitProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Warn("Running without order event publishing", zap.Error(err))
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	consumer, err := kafka.InitConsumer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Warn("Running without payment event consumer", zap.Error(err))
		close(consumerDone)
	} else {
		go func() {
			defer close(consumerDone)
			if err := kafka.StartConsumer(consumerCtx, consumer, cfg.KafkaTopic, db, logger); err != nil {
				logger.Error("Kafka consumer error", zap.Error(err))
			}
		}()
	}

	deps := dependencies{
		cfg:       cfg,
		db:        db,
		products:  cache.NewProductCache(redisClient, cfg.ProductCacheTTL, logger),
		publisher: kafka.NewPublisher(producer, cfg.KafkaTopic, circuitbreaker.NewCircuitBreaker(5, 30*time.Second), logger),
		logger:    logger,
	}

	restSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: buildRouter(deps),
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()
	logger.Info("Storefront Service REST API started", zap.String("addr", cfg.HTTPAddr))

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Fatal("Failed to start gRPC server", zap.Error(err))
		}
	}()
	logger.Info("Storefront Service gRPC health server started", zap.String("addr", cfg.GRPCAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received. Exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := restSrv.Shutdown(ctx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	} else {
		logger.Info("REST server stopped gracefully")
	}

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped gracefully")

	stopConsumer()
	<-consumerDone
	closeKafka(producer, consumer, logger)

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close Redis cache", zap.Error(err))
		}
	}

	if err := db.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	} else {
		logger.Info("Database connection closed gracefully")
	}

	shutdownTracing()
	logger.Info("Storefront Service exited gracefully")
}

func buildRouter(deps dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	// otelgin goes first so later middleware sees the request span
	router.Use(otelgin.Middleware(deps.cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(deps.logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	placer := checkout.NewService(deps.db, deps.logger,
		checkout.WithLockTimeout(deps.cfg.LockTimeout),
		checkout.WithOrderNumberAttempts(deps.cfg.OrderNumberAttempts),
	)
	orderHandler := handlers.NewOrderHandler(deps.db, placer, deps.publisher, deps.products, deps.logger)
	dashboardHandler := handlers.NewDashboardHandler(deps.db, deps.logger)
	cartHandler := handlers.NewCartHandler(deps.db, deps.logger)
	productHandler := handlers.NewProductHandler(deps.db, deps.products,
		circuitbreaker.NewCircuitBreaker(5, 30*time.Second), deps.logger)

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware([]byte(deps.cfg.JWTSecret)))
	{
		protected.POST("/orders", orderHandler.CreateOrder)
		protected.GET("/orders", orderHandler.ListOrders)
		protected.GET("/orders/:id", orderHandler.GetOrder)

		protected.GET("/dashboard", dashboardHandler.Stats)

		protected.GET("/cart", cartHandler.GetCart)
		protected.POST("/cart", cartHandler.AddItem)
		protected.DELETE("/cart", cartHandler.ClearCart)
		protected.PUT("/cart/items/:id", cartHandler.UpdateItem)
		protected.DELETE("/cart/items/:id", cartHandler.RemoveItem)

		protected.GET("/products", productHandler.ListProducts)
		protected.GET("/products/:id", productHandler.GetProduct)
	}

	return router
}

func closeKafka(producer sarama.SyncProducer, consumer sarama.Consumer, logger *zap.Logger) {
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("Failed to close Kafka producer", zap.Error(err))
		}
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Error("Failed to close Kafka consumer", zap.Error(err))
		}
	}
}
