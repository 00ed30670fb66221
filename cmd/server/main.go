package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/libris/libris/internal/config"
	"github.com/libris/libris/internal/dynamo"
	"github.com/libris/libris/internal/handlers"
	"github.com/libris/libris/internal/middleware"
	"github.com/libris/libris/internal/repository"
	"github.com/libris/libris/internal/service"
	"github.com/libris/libris/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.Server.LogLevel).Warn("Unknown log level, using info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dynamoClient *dynamodb.Client
	if cfg.Security.StoreBackend == config.BackendDynamoDB || cfg.Security.UserBackend == config.BackendDynamoDB {
		dynamoClient, err = dynamo.NewClient(ctx, &cfg.DynamoDB, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize DynamoDB")
		}
	}

	securityStore, err := newSecurityStore(ctx, cfg, dynamoClient, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize security store")
	}

	var users service.UserRepository
	if cfg.Security.UserBackend == config.BackendMemory {
		users = repository.NewMemoryUserRepository()
	} else {
		users = repository.NewUserRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	}

	// Initialize services
	jwtService, err := service.NewJWTService(&cfg.JWT, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	refreshService := service.NewRefreshService(jwtService, securityStore, users, logger)
	authService := service.NewAuthService(users, securityStore, refreshService, logger)

	authHandlers := handlers.NewAuthHandlers(
		authService,
		refreshService,
		handlers.NewCookieTransport(cfg),
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(jwtService, logger)
	router := handlers.NewRouter(authHandlers, authMiddleware, cfg.Server.AllowedOrigins, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":           cfg.Server.Port,
			"env":            cfg.Server.Environment,
			"security_store": cfg.Security.StoreBackend,
			"user_store":     cfg.Security.UserBackend,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func newSecurityStore(ctx context.Context, cfg *config.Config, dynamoClient *dynamodb.Client, logger *logrus.Logger) (store.SecurityStore, error) {
	policy := store.LockoutPolicy{
		Threshold: cfg.Security.LockoutThreshold,
		Window:    cfg.Security.LockoutWindow,
		Duration:  cfg.Security.LockoutDuration,
	}

	switch cfg.Security.StoreBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
		return store.NewRedis(client, "libris:", policy, cfg.JWT.RefreshExpiry, logger), nil

	case config.BackendDynamoDB:
		return store.NewDynamoDB(dynamoClient, cfg.DynamoDB.TableName, policy, cfg.JWT.RefreshExpiry, logger), nil

	case config.BackendMemory:
		logger.Warn("Using in-memory security store; state is lost on restart")
		mem := store.NewMemory(policy, cfg.JWT.RefreshExpiry, time.Now)
		go mem.RunSweeper(ctx, cfg.Security.SweepInterval, logger)
		return mem, nil
	}

	return nil, fmt.Errorf("unknown security store %q", cfg.Security.StoreBackend)
}
