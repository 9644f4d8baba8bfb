package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/kafka"
	"github.com/trialbridge/portal/pkg/common/logger"
	"github.com/trialbridge/portal/pkg/docstore"
	"github.com/trialbridge/portal/pkg/observability/metrics"
	"github.com/trialbridge/portal/pkg/recorder"
)

func main() {
	logger.Init()
	cfg := config.Load()

	if len(cfg.KafkaBrokers) == 0 {
		logger.Log.Fatal("KAFKA_BROKERS is required for the metrics recorder")
	}

	store, closeStore, err := docstore.Open(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open document store")
	}
	defer closeStore()

	rec := recorder.New(store, cfg.Collections.Metrics)
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.EventsTopic, cfg.KafkaGroupID+"-metrics-recorder")
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Consume(ctx, rec.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, getPort()),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"topic": cfg.EventsTopic,
			"addr":  server.Addr,
		}).Info("Metrics recorder started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down metrics recorder...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Metrics recorder stopped")
}

func getPort() string {
	if port := os.Getenv("RECORDER_PORT"); port != "" {
		return port
	}
	return "8091"
}
