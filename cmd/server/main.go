package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/api/rest"
	"github.com/arohanajit/simplecql/internal/config"
	"github.com/arohanajit/simplecql/internal/session"
)

const (
	defaultAdminAddr = ":8080"
	requestTimeout   = 10 * time.Second
	shutdownTimeout  = 30 * time.Second
)

func main() {
	configFile := flag.String("config", "", "Optional configuration file; CQL_* environment variables take precedence")
	adminAddr := flag.String("admin-addr", defaultAdminAddr, "Listen address of the admin HTTP API")
	flag.Parse()

	cfg := config.LoadConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfigFile(*configFile); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := config.InitLogger(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer config.Sync()
	logger := config.GetLogger()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout*time.Duration(len(cfg.Seeds)+1))
	s, err := session.Connect(connectCtx, cfg, session.WithLogger(logger))
	connectCancel()
	if err != nil {
		logger.Fatal("Failed to connect to cluster", zap.Strings("seeds", cfg.Seeds), zap.Error(err))
	}

	server := &http.Server{
		Addr:         *adminAddr,
		Handler:      rest.NewRouter(rest.NewAdminHandler(s, logger), requestTimeout),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// Setup signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}()

	md := s.Metadata()
	logger.Info("Admin server started",
		zap.String("address", *adminAddr),
		zap.String("cluster", md.ClusterName),
		zap.Int("hosts", len(md.Hosts)))

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	exitCode := 0
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down admin server", zap.Error(err))
		exitCode = 1
	}
	if err := s.Close(); err != nil {
		logger.Error("Error closing session", zap.Error(err))
		exitCode = 1
	}

	logger.Info("Shutdown completed")
	if exitCode != 0 {
		config.Sync()
		os.Exit(exitCode)
	}
}
