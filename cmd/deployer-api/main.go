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

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/api"
	"github.com/rossigee/cms-deployer/internal/app"
	"github.com/rossigee/cms-deployer/internal/auth"
	"github.com/rossigee/cms-deployer/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("DEPLOYER_CONFIG"), "optional config file (env, yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize components
	a, err := app.Open(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	defer a.Close()

	authValidator, err := auth.NewValidator(cfg.Server)
	if err != nil {
		logrus.Fatalf("Failed to initialize auth validator: %v", err)
	}

	opts := api.Options{
		Migrator: a.Migrator(),
		Ping:     a.DB.PingContext,
		Metrics:  a.Metrics.Handler(),
		Version:  version,
	}
	if masterPath := os.Getenv("MASTER_DB_CONFIG"); masterPath != "" {
		syncer, closeMaster, err := a.OpenSyncer(ctx, masterPath)
		if err != nil {
			logrus.Fatalf("Failed to open master database: %v", err)
		}
		defer closeMaster()
		opts.Schema = syncer
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	apiHandler := api.NewHandler(a.Deploy, a.Store, opts)
	api.SetupRoutes(router, apiHandler, authValidator.Middleware())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		TLSConfig:         authValidator.TLSConfig(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Release scripts run inside the request for /deploy/run.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log := logrus.WithFields(logrus.Fields{
			"addr":       srv.Addr,
			"tls":        cfg.Server.TLSCert != "",
			"client_ca":  authValidator.IsClientCALoaded(),
			"api_tokens": authValidator.TokenCount(),
		})
		log.Info("Starting cms-deployer API server")

		var err error
		if cfg.Server.TLSCert != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
		return
	}

	logrus.Info("Server exited")
}
