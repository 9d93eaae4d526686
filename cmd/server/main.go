package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payswap-backend/internal/app"
	"payswap-backend/internal/config"
	"payswap-backend/internal/db"
	"payswap-backend/internal/router"

	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 20 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default config.local.yaml or config.yaml)")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.AppConfig
	log := setupLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.WithField("signal", sig.String()).Info("🛑 Shutting down...")
		cancel()
	}()

	conn, err := db.InitDB(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to initialize database")
	}

	container, err := app.NewServiceContainer(cfg, conn, log)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to initialize services")
	}

	container.StartWorkers(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(container),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("🚀 HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("❌ HTTP server error")
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("⚠️ HTTP server shutdown error")
	}

	log.Info("Stopping workers and closing resources...")
	container.Close()
	log.Info("✅ Service stopped")
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Server.Mode == "release" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
