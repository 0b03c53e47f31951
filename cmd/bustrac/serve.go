package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bustrac/internal/api"
	"bustrac/internal/auth"
	"bustrac/internal/config"
	"bustrac/internal/db"
	"bustrac/internal/live"
	"bustrac/internal/logging"
	"bustrac/internal/metrics"
	"bustrac/internal/publisher"
	"bustrac/internal/supervisor"
	"bustrac/internal/trip"
)

const shutdownTimeout = 10 * time.Second

type registries interface {
	trip.DriverRegistry
	trip.BusRegistry
}

func serveCmd() *cobra.Command {
	var (
		drivers []string
		buses   []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live feed and idle supervisor",
		Long: `Run the trip service.

With STORE_BACKEND=memory nothing is persisted; seed the registry with
--driver id,name,city,bus and --bus id,plate,city,capacity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return serve(cmd.Context(), cfg, drivers, buses)
		},
	}
	cmd.Flags().StringArrayVar(&drivers, "driver", nil, "Seed a driver (memory store only): id,name,city,bus")
	cmd.Flags().StringArrayVar(&buses, "bus", nil, "Seed a bus (memory store only): id,plate,city,capacity")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, seedDrivers, seedBuses []string) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewStructuredLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	tokens, err := auth.NewManager(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return fmt.Errorf("auth error: %w", err)
	}

	mcol := metrics.NewCollector(cfg.IdleTimeout)

	// Storage
	var (
		store  trip.Store
		reg    registries
		health func(context.Context) error
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		if len(seedDrivers) == 0 && len(seedBuses) == 0 {
			logger.Warn("memory_store_empty", slog.String("hint", "seed with --driver and --bus"))
		}
		mem := trip.NewMemoryRegistry()
		for _, raw := range seedDrivers {
			d, err := parseDriver(raw)
			if err != nil {
				return err
			}
			mem.PutDriver(d)
		}
		for _, raw := range seedBuses {
			b, err := parseBus(raw)
			if err != nil {
				return err
			}
			mem.PutBus(b)
		}
		store, reg = trip.NewMemoryStore(), mem
		logging.LogOperation(logger, "store_selected", slog.String("backend", config.StoreMemory))
	default:
		if len(seedDrivers) > 0 || len(seedBuses) > 0 {
			return errors.New("--driver and --bus are only valid with STORE_BACKEND=memory; use `bustrac registry` instead")
		}
		sqlDB, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer logging.SafeClose(sqlDB, logger, "close database")
		ts := db.NewTripStore(sqlDB)
		store, reg = ts, db.NewRegistry(sqlDB)
		health = func(ctx context.Context) error { return db.Ping(ctx, sqlDB) }
		if n, err := ts.CountOngoing(ctx); err != nil {
			logging.LogError(logger, "count_ongoing_failed", err)
		} else {
			mcol.SetOngoing(n)
		}
		logging.LogOperation(logger, "store_selected",
			slog.String("backend", config.StorePostgres),
			slog.String("dsn", db.Redact(cfg.DatabaseURL)))
	}

	// Metrics
	if cfg.MetricsAddr != "" {
		msrv := mcol.Serve(cfg.MetricsAddr, logger)
		defer shutdownServer(msrv, logger, "metrics")
	}

	// Events: the live hub always, plus the configured broker.
	hub := live.NewHub(live.WithMetrics(mcol))
	notifiers := publisher.Fanout{hub}
	switch cfg.Broker {
	case config.BrokerNATS:
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, mcol, logger)
		if err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	case config.BrokerAMQP:
		pub, err := publisher.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, mcol, logger)
		if err != nil {
			return fmt.Errorf("amqp error: %w", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	default:
		logging.LogOperation(logger, "broker_disabled")
	}

	mgr := trip.NewManager(store, reg, reg,
		trip.WithNotifier(notifiers),
		trip.WithMetrics(mcol),
		trip.WithLogger(logger),
		trip.WithPublishTimeout(cfg.PublishTimeout),
	)

	sup := supervisor.New(store, mgr, cfg.IdleTimeout, cfg.IdleSweepInterval,
		supervisor.WithMetrics(mcol),
		supervisor.WithLogger(logger),
	)
	sup.Start(ctx)
	defer sup.Stop()

	opts := []api.Option{
		api.WithLiveFeed(hub),
		api.WithMetrics(mcol),
		api.WithLogger(logger),
	}
	if health != nil {
		opts = append(opts, api.WithHealthCheck(health))
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(mgr, tokens, opts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Hijacked live connections are not tracked by Shutdown; deriving
		// request contexts from ctx ends them on signal.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logging.LogOperation(logger, "http_listening", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	cancel()
	shutdownServer(srv, logger, "http")
	logging.LogOperation(logger, "shutdown_complete")
	return nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db ping error (%s): %w", db.Redact(dsn), err)
	}
	return sqlDB, nil
}

func shutdownServer(srv *http.Server, logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.LogError(logger, "server_shutdown_failed", err, slog.String("server", name))
	}
}
