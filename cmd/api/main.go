package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/ledgerhooks/internal/api"
	"github.com/punchamoorthee/ledgerhooks/internal/clock"
	"github.com/punchamoorthee/ledgerhooks/internal/config"
	"github.com/punchamoorthee/ledgerhooks/internal/service"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"github.com/punchamoorthee/ledgerhooks/internal/store/memory"
	"github.com/punchamoorthee/ledgerhooks/internal/store/mysql"
	"github.com/punchamoorthee/ledgerhooks/internal/store/postgres"
	"github.com/punchamoorthee/ledgerhooks/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// Initialize Layers
	c := clock.Real{}
	dispatcher := webhook.New(db, webhook.NewHTTPSender(nil), webhook.Config{
		Workers:     cfg.Webhook.Workers,
		QueueSize:   cfg.Webhook.QueueSize,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Backoff: webhook.Backoff{
			Base:      cfg.Webhook.BaseBackoff,
			MaxJitter: cfg.Webhook.MaxJitter,
			Max:       time.Hour,
		},
		AttemptTimeout: cfg.Webhook.AttemptTimeout,
		LeaseTTL:       cfg.Webhook.LeaseTTL,
		PollInterval:   cfg.Webhook.PollInterval,
	}, webhook.WithLogger(logger))

	engine := service.NewEngine(db,
		service.WithLogger(logger),
		service.WithMaxRetries(cfg.Ledger.MaxRetries),
		service.WithOpTimeout(cfg.Ledger.OpTimeout),
		service.WithPublisher(dispatcher),
	)
	handler := api.NewHandler(api.Deps{
		Engine:        engine,
		Accounts:      service.NewAccounts(db, c, logger),
		Subscriptions: service.NewSubscriptions(db, c, logger),
		Deliveries:    dispatcher,
		Health:        db,
	}, api.WithLogger(logger), api.WithAuthToken(cfg.AuthToken))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	dispatcher.Start()
	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "driver", cfg.DBDriver, "environment", cfg.Env)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			dispatcher.Stop(context.Background())
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Stop after the server so in-flight requests can still enqueue.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
	}
	logger.Info("server stopped")
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil

	case config.DriverMySQL:
		client, err := mysql.NewClient(ctx, mysql.Config{
			Source:          cfg.DBSource,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			LogLevel:        cfg.MySQL.LogLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect mysql: %w", err)
		}
		s := mysql.NewStore(client)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate mysql: %w", err)
		}
		return s, nil

	default:
		s, err := postgres.NewStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	}
}
