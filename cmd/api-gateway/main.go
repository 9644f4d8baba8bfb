package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/chat"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/database"
	"github.com/trialbridge/portal/pkg/common/kafka"
	"github.com/trialbridge/portal/pkg/common/logger"
	"github.com/trialbridge/portal/pkg/docstore"
	"github.com/trialbridge/portal/pkg/gateway/auth"
	"github.com/trialbridge/portal/pkg/gateway/routes"
	"github.com/trialbridge/portal/pkg/identity"
	"github.com/trialbridge/portal/pkg/syncer"
	"github.com/trialbridge/portal/pkg/workflow"
)

func main() {
	logger.Init()
	cfg := config.Load()

	store, closeStore, err := docstore.Open(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open document store")
	}
	defer closeStore()

	readyChecks := map[string]func(context.Context) error{}
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		readyChecks["docstore"] = pinger.Ping
	}

	// Verifier: local JWTs when a secret is configured, the identity service otherwise
	var verifier auth.Verifier
	if cfg.JWTSecret != "" {
		jwtManager, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, time.Hour)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid JWT configuration")
		}
		verifier = jwtManager
	} else {
		if cfg.IdentityBaseURL == "" {
			logger.Log.Warn("neither JWT_SECRET nor IDENTITY_BASE_URL set, bearer-authenticated functions will reject every call")
		}
		verifier = identity.NewClient(cfg)
	}

	// Workflow de-duplication lock
	var locker workflow.Locker = workflow.NewMemoryLocker()
	if rdb := database.OpenRedis(cfg); rdb != nil {
		defer rdb.Close()
		locker = workflow.NewRedisLocker(rdb)
		readyChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Log.Info("redis not configured, workflow runs are de-duplicated per process only")
	}

	events := kafka.NewPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
	defer events.Close()

	plan, err := syncer.LoadPlan(cfg.SyncPlanPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load sync plan")
	}

	agent := agentapi.New(cfg)
	router := routes.NewRouter(routes.Deps{
		Config:      cfg,
		Store:       store,
		Agent:       agent,
		Verifier:    verifier,
		Workflow:    workflow.NewService(cfg, agent, store, locker, events),
		Syncer:      syncer.NewService(cfg, plan, agent, store, events),
		Chat:        chat.NewBridge(cfg),
		ReadyChecks: readyChecks,
	})

	// Server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":     cfg.ServerHost,
			"port":     cfg.ServerPort,
			"docstore": cfg.DocStoreBackend,
		}).Info("API Gateway started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down API Gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("API Gateway stopped")
}
