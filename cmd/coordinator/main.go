package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/handler"
	"github.com/warmfleet/coordinator/internal/manager"
	"github.com/warmfleet/coordinator/pkg/logger"
)

const adminShutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting inference cluster coordinator")

	m, err := manager.Initialize(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize cluster manager")
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		r := mux.NewRouter()
		handler.NewAdminHandler(m, log).RegisterRoutes(r)

		adminServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Infof("Admin API listening on :%d", cfg.Admin.Port)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Admin server failed")
			}
		}()
	}

	// Wait for a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("Received signal %v, shutting down", sig)

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		if err := adminServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Admin server shutdown failed")
		}
		cancel()
	}

	m.Shutdown()
	log.Info("Coordinator stopped")
}
