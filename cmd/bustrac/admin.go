package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bustrac/internal/auth"
	"bustrac/internal/config"
	"bustrac/internal/db"
	"bustrac/internal/logging"
	"bustrac/internal/trip"
)

const adminTimeout = 30 * time.Second

func migrateCmd() *cobra.Command {
	var database string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			dsn := cfg.DatabaseURL
			if database != "" {
				if dsn, err = db.WithDatabase(dsn, database); err != nil {
					return fmt.Errorf("compose DSN: %w", err)
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			sqlDB, err := openDB(ctx, dsn)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := db.Migrate(ctx, sqlDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date on %s\n", db.Redact(dsn))
			return nil
		},
	}
	cmd.Flags().StringVar(&database, "database", "", "Override the database name of the configured DSN")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <driver-id>",
		Short: "Issue a driver access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.JWTTTL
			}
			m, err := auth.NewManager(cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, claims, err := m.IssueDriverToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", claims.ExpiresAt.In(cfg.Location).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_TTL_MIN)")
	return cmd
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage drivers and buses in PostgreSQL",
	}

	var d trip.Driver
	addDriver := &cobra.Command{
		Use:   "add-driver <id>",
		Short: "Create or update a driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.ID = args[0]
			if err := checkDriver(d); err != nil {
				return err
			}
			return withRegistry(cmd, func(ctx context.Context, r *db.Registry) error {
				return r.UpsertDriver(ctx, d)
			})
		},
	}
	addDriver.Flags().StringVar(&d.Name, "name", "", "Display name")
	addDriver.Flags().StringVar(&d.City, "city", "", "Operating city")
	addDriver.Flags().StringVar(&d.ActiveBus, "bus", "", "Bus currently assigned to the driver")

	var b trip.Bus
	addBus := &cobra.Command{
		Use:   "add-bus <id>",
		Short: "Create or update a bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b.ID = args[0]
			if err := checkBus(b); err != nil {
				return err
			}
			return withRegistry(cmd, func(ctx context.Context, r *db.Registry) error {
				return r.UpsertBus(ctx, b)
			})
		},
	}
	addBus.Flags().StringVar(&b.Plate, "plate", "", "License plate")
	addBus.Flags().StringVar(&b.City, "city", "", "Operating city")
	addBus.Flags().IntVar(&b.Capacity, "capacity", 0, "Seat capacity")

	cmd.AddCommand(addDriver, addBus)
	return cmd
}

func withRegistry(cmd *cobra.Command, fn func(context.Context, *db.Registry) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cfg.StoreBackend != config.StorePostgres {
		return errors.New("registry commands need STORE_BACKEND=postgres")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	sqlDB, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer logging.SafeClose(sqlDB, logging.NewStructuredLogger(os.Stderr, cfg.LogLevel), "close database")
	if err := fn(ctx, db.NewRegistry(sqlDB)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

// parseDriver reads "id,name,city,bus".
func parseDriver(raw string) (trip.Driver, error) {
	f := fields(raw)
	if len(f) != 4 {
		return trip.Driver{}, fmt.Errorf("invalid --driver %q: want id,name,city,bus", raw)
	}
	d := trip.Driver{ID: f[0], Name: f[1], City: f[2], ActiveBus: f[3]}
	return d, checkDriver(d)
}

// parseBus reads "id,plate,city,capacity".
func parseBus(raw string) (trip.Bus, error) {
	f := fields(raw)
	if len(f) != 4 {
		return trip.Bus{}, fmt.Errorf("invalid --bus %q: want id,plate,city,capacity", raw)
	}
	capacity, err := strconv.Atoi(f[3])
	if err != nil {
		return trip.Bus{}, fmt.Errorf("invalid --bus %q: capacity: %w", raw, err)
	}
	b := trip.Bus{ID: f[0], Plate: f[1], City: f[2], Capacity: capacity}
	return b, checkBus(b)
}

func checkDriver(d trip.Driver) error {
	if d.ID == "" || d.City == "" {
		return fmt.Errorf("driver %q: id and city are required", d.ID)
	}
	return nil
}

func checkBus(b trip.Bus) error {
	if b.ID == "" || b.City == "" {
		return fmt.Errorf("bus %q: id and city are required", b.ID)
	}
	if b.Capacity <= 0 {
		return fmt.Errorf("bus %q: capacity must be positive", b.ID)
	}
	return nil
}

func fields(raw string) []string {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
