package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	isekwebui "github.com/MegaGrindStone/isek-web-ui"
	"github.com/MegaGrindStone/isek-web-ui/internal/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const errLoggerKey = "err"

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "isekwebui")

	cfgFilePath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path to the config file")
	flag.Parse()

	if err := os.MkdirAll(appDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFile, err := os.Open(*cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	cfg, err := loadConfig(cfgFile)
	cfgFile.Close()
	if err != nil {
		log.Fatal(err)
	}

	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	backend, backendCloser, err := cfg.Backend.backend(cfg.SystemPrompt, defaultDBPath(*cfgFilePath), logger)
	if err != nil {
		logger.Error("Failed to create backend", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	if backendCloser != nil {
		defer backendCloser.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := handlers.NewMetrics(reg)
	if err != nil {
		logger.Error("Failed to register metrics", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	m, err := handlers.NewMain(backend, handlers.Options{
		StreamTimeout:   cfg.StreamTimeout,
		ThreadCacheSize: cfg.ThreadCacheSize,
		DefaultAgentID:  cfg.DefaultAgentID,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("Failed to create handlers", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(isekwebui.StaticFS, "static")
	if err != nil {
		logger.Error("Failed to open static files", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/sessions", m.HandleSessions)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/chats/reload", m.HandleReload)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/sessions", m.HandleSSE)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}
