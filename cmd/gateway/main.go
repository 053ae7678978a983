package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mExOms/gateway/internal/api"
	"github.com/mExOms/gateway/internal/config"
	"github.com/mExOms/gateway/internal/gateway"
	"github.com/mExOms/gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to the gateway config file")
	envFile := flag.String("env-file", ".env", "dotenv file with credential variables")
	flag.Parse()

	// A missing .env is normal outside local development
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to load env file")
	}

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	cfg, err := loader.Config()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	defer logCloser.Close()

	logger := logging.Component("main")
	logger.WithFields(logrus.Fields{
		"config": loader.File(),
		"mode":   cfg.Mode,
	}).Info("Starting gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw, err := gateway.New(ctx, cfg, gateway.Deps{Registerer: registry})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build gateway")
	}
	if err := gw.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start gateway")
	}

	loader.Watch(func(next *config.Config) {
		if err := gw.ReloadRouting(next); err != nil {
			logger.WithError(err).Warn("Routing reload rejected")
		}
	})

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(gw, api.Options{
			Address:           cfg.API.Address,
			Gatherer:          registry,
			MaintenanceWindow: cfg.Execution.MaintenanceCooldown,
		})
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.WithError(err).Error("Admin API stopped")
				cancel()
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-ctx.Done():
	}

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Admin API shutdown error")
		}
		done()
	}
	gw.Stop()
	logger.Info("Gateway stopped")
}
