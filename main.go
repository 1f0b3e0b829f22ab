package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard-sync/api"
	"taskboard-sync/broadcast"
	"taskboard-sync/config"
	"taskboard-sync/dispatch"
	"taskboard-sync/relay"
	"taskboard-sync/session"
	"taskboard-sync/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:           "taskboard-sync",
		Short:         "Real-time task board synchronization server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, ln)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file")
	return cmd
}

// run serves on ln until ctx is done. The dispatcher is stopped before the HTTP
// server so open WebSocket sessions are closed instead of waited on.
func run(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	store := storage.New(storage.Options{MaxAttachmentBytes: cfg.MaxUploadBytes})
	sessions := session.NewRegistry()

	var (
		rc      *redis.Client
		pub     *relay.Publisher
		deduper api.Deduper
		// nil unless redis is configured; must stay a nil interface
		eventRelay broadcast.Relay
	)
	if cfg.RedisEnabled() {
		opts, err := relay.ParseOptions(cfg.RedisConnectionString)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rc = redis.NewClient(opts)
		defer func() {
			if err := rc.Close(); err != nil {
				logger.WithError(err).Warn("redis close")
			}
		}()
		pub = relay.New(rc, cfg.RelayChannel, cfg.RelayBuffer, logger)
		pub.Start(ctx)
		defer pub.Stop()
		eventRelay = pub
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	} else {
		logger.Info("redis not configured; relay and idempotency checks disabled")
	}

	bc := broadcast.New(sessions, eventRelay, logger)
	d := dispatch.New(store, sessions, bc, cfg.DispatchInbox, logger)

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- d.Run(dispatchCtx) }()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding, "Idempotency-Key"},
	}))
	api.Register(e, d, api.Options{
		SessionBuffer:  cfg.SessionBuffer,
		HandoffTimeout: cfg.SessionHandoffTimeout,
		WriteTimeout:   cfg.WSWriteTimeout,
		PingInterval:   cfg.WSPingInterval,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.AllowedOrigins,
		Deduper:        deduper,
	}, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", ln.Addr().String()).Info("listening")
		if err := e.Start(ln.Addr().String()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	stopDispatch()
	if err := <-dispatchDone; err != nil {
		logger.WithError(err).Error("dispatcher")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	return runErr
}
