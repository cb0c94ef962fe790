package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatcall-backend/internal/database"
	callHandler "chatcall-backend/internal/handler/http/call"
	pushHandler "chatcall-backend/internal/handler/http/push"
	wsHandler "chatcall-backend/internal/handler/ws"
	"chatcall-backend/internal/hub"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/repository/cockroach"
	"chatcall-backend/internal/repository/memory"
	redisRepo "chatcall-backend/internal/repository/redis"
	callService "chatcall-backend/internal/service/call"
	"chatcall-backend/pkg/audit"
	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/constants"
	pkgDatabase "chatcall-backend/pkg/database"
	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/push"
)

const (
	dbMaxRetries            = 5
	dbBaseDelay             = time.Second
	dbMaxDelay              = 30 * time.Second
	redisHealthInterval     = 10 * time.Second
	accessTokenDuration     = 15 * time.Minute
	serverReadHeaderTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("Call service stopped with error", zap.Error(err))
	}
	logger.Info("Call service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, accessTokenDuration)

	// 1. Call store: CockroachDB, or the in-memory store in limited mode
	callRepo, convRepo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Redis backs presence, push tokens, revocation and the audit trail
	redisClient := database.NewRedisClient(&cfg.Redis, appMetrics)
	defer redisClient.Close()
	if err := redisClient.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
	}

	presenceRepo := redisRepo.NewPresenceRepository(redisClient)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisClient)

	// 3. Push notifications for receivers without a live connection
	pushProvider, err := newPushProvider(ctx, cfg)
	if err != nil {
		return err
	}
	pushSvc := push.NewService(pushProvider, pushTokenRepo, appMetrics)

	// 4. Hub, state machine, gateway
	connHub := hub.New(appMetrics)
	callSvc := callService.NewService(callRepo, convRepo, connHub, pushSvc, presenceRepo, appMetrics, cfg.Call.RingTimeout)
	callSvc.SetAuditor(audit.NewLogger(redisClient.Client))
	gateway := wsHandler.NewGateway(connHub, callSvc, convRepo, presenceRepo, appMetrics,
		cfg.CORS.AllowedOrigins, cfg.Call.MaxConnections)

	router := newRouter(cfg, appMetrics, jwtManager,
		middleware.NewRedisRevocationChecker(redisClient),
		middleware.NewRedisRateCounter(redisClient),
		callHandler.NewHandler(callSvc),
		pushHandler.NewHandler(pushSvc),
		gateway)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	redisClient.StartHealthCheck(gctx, redisHealthInterval)

	g.Go(func() error {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
			zap.Duration("ring_timeout", cfg.Call.RingTimeout))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down call service")

		// pending ring timeouts must not write into a closing store
		callSvc.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newRouter(
	cfg *config.Config,
	appMetrics *metrics.Metrics,
	jwtManager *jwt.JWTManager,
	revocation middleware.RevocationChecker,
	rateCounter middleware.RateCounter,
	calls *callHandler.Handler,
	pushTokens *pushHandler.Handler,
	gateway *wsHandler.Gateway,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	auth := middleware.AuthMiddleware(jwtManager, revocation)
	timeout := middleware.RequestTimeout(constants.DefaultTimeout)

	// Redis budgets are shared across instances; the memory counter covers
	// degraded Redis per instance
	limits := cfg.RateLimit
	fallback := middleware.NewMemoryRateCounter()
	limit := func(name string, requests int) gin.HandlerFunc {
		return middleware.NewRateLimiter(name, requests, limits.Window, rateCounter, fallback).Middleware()
	}

	router.GET("/ws", auth, limit("ws_connect", limits.WSConnect), gateway.ServeWS)

	chat := router.Group("/chat", auth, timeout)
	{
		chat.POST("/:conversationId/call", limit("call_initiate", limits.CallInitiate), calls.InitiateCall)
		chat.GET("/calls", calls.GetCallHistory)
		chat.GET("/calls/:callId", calls.GetCall)
		chat.POST("/calls/:callId/:action", limit("call_action", limits.CallAction), calls.ApplyAction)
	}

	pushGroup := router.Group("/v1/push", auth, timeout)
	{
		pushGroup.POST("/tokens", pushTokens.RegisterToken)
		pushGroup.DELETE("/tokens", pushTokens.UnregisterToken)
		pushGroup.GET("/tokens", pushTokens.GetTokens)
	}

	return router
}

// openStore connects to CockroachDB with exponential backoff. Outside
// production an unreachable database drops the service into limited mode on
// the in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (callService.CallRepository, callService.ConversationRepository, func(), error) {
	var (
		db  *pkgDatabase.CockroachDB
		err error
	)
	for attempt := 1; attempt <= dbMaxRetries; attempt++ {
		db, err = pkgDatabase.NewCockroachDB(ctx, &cfg.Database)
		if err == nil {
			break
		}
		if attempt == dbMaxRetries {
			break
		}

		delay := time.Duration(float64(dbBaseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > dbMaxDelay {
			delay = dbMaxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err == nil {
		if err := cockroach.EnsureSchema(ctx, db.Pool); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		logger.Info("Connected to CockroachDB", zap.String("host", cfg.Database.Host))
		return cockroach.NewCallRepository(db.Pool), cockroach.NewConversationRepository(db.Pool), db.Close, nil
	}

	if cfg.IsProduction() {
		return nil, nil, nil, fmt.Errorf("failed to connect to CockroachDB after %d attempts: %w", dbMaxRetries, err)
	}

	logger.Warn("Running in limited mode on the in-memory store", zap.Error(err))
	convRepo := memory.NewConversationRepository()
	if path := cfg.Call.ConversationsSeedPath; path != "" {
		if convRepo, err = memory.LoadConversations(path); err != nil {
			return nil, nil, nil, err
		}
		logger.Info("Loaded conversations seed", zap.String("path", path))
	}
	return memory.NewCallRepository(), convRepo, func() {}, nil
}

func newPushProvider(ctx context.Context, cfg *config.Config) (push.Provider, error) {
	switch cfg.Push.Provider {
	case "firebase":
		provider, err := push.NewFirebaseProvider(ctx, cfg.Push.ProjectID, cfg.Push.CredentialsPath)
		if err != nil {
			if cfg.IsProduction() {
				return nil, fmt.Errorf("firebase provider required in production: %w", err)
			}
			logger.Warn("Firebase unavailable, falling back to mock push provider", zap.Error(err))
			return &push.MockProvider{}, nil
		}
		return provider, nil
	case "mock", "":
		logger.Info("Using mock push provider")
		return &push.MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider, falling back to mock", zap.String("provider", cfg.Push.Provider))
		return &push.MockProvider{}, nil
	}
}
