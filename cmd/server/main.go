package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Crazynotdev/verbose-waffle/internal/antiban"
	"github.com/Crazynotdev/verbose-waffle/internal/api"
	"github.com/Crazynotdev/verbose-waffle/internal/auth"
	"github.com/Crazynotdev/verbose-waffle/internal/billing"
	"github.com/Crazynotdev/verbose-waffle/internal/command"
	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/events"
	"github.com/Crazynotdev/verbose-waffle/internal/gate"
	"github.com/Crazynotdev/verbose-waffle/internal/session"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
	"github.com/Crazynotdev/verbose-waffle/internal/telegram"
	"github.com/Crazynotdev/verbose-waffle/internal/whatsapp"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "verbose-waffle",
		Short:         "Multi-tenant WhatsApp session service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and session workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func requestLogger(next http.Handler) http.Handler {
	log := logrus.WithField("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request served")
	})
}

func serve() error {
	// .env is for local development; in deployment the environment is set
	// by the supervisor.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)
	log := logrus.WithField("component", "server")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "app.db"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	registry := session.NewRegistry()
	bus := events.NewBus()
	inbox := whatsapp.NewInbox(0)
	dispatcher := command.NewDispatcher(cfg, st, registry, antiban.NewEngine())
	notifier := telegram.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)

	manager := whatsapp.NewManager(cfg, st, registry, bus, whatsapp.NewDialer(cfg), dispatcher, inbox, notifier)
	scheduler := billing.NewScheduler(cfg, st, manager, notifier, clockwork.NewRealClock())
	heartbeat := whatsapp.NewHeartbeat(registry, whatsapp.HeartbeatInterval)
	monitor := whatsapp.NewLinkMonitor(registry, whatsapp.LinkProbeInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recoverCtx, cancelRecover := context.WithTimeout(ctx, 2*time.Minute)
	err = manager.RecoverState(recoverCtx)
	cancelRecover()
	if err != nil {
		return fmt.Errorf("failed to recover state: %w", err)
	}

	scheduler.Start()
	heartbeat.Start()
	monitor.Start()

	srv := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      st,
		Auth:       auth.New(cfg.JWTSecret, cfg.TokenLifetime),
		Gate:       gate.New(cfg, st),
		Manager:    manager,
		Registry:   registry,
		Bus:        bus,
		Inbox:      inbox,
		Dispatcher: dispatcher,
		Monitor:    monitor,
	})

	router := mux.NewRouter()
	router.Use(requestLogger)
	srv.RegisterRoutes(router)

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Addr,
			"version": version,
		}).Info("api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	notifier.ServiceStarted(cfg.Addr, registry.Count())

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	scheduler.Stop()
	heartbeat.Stop()
	monitor.Stop()
	manager.Shutdown(shutdownCtx)

	log.Info("shutdown complete")
	return serveErr
}
