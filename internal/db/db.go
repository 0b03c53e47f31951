package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS drivers (
  id            TEXT PRIMARY KEY,
  name          TEXT NOT NULL DEFAULT '',
  city          TEXT NOT NULL,
  active_bus_id TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS buses (
  id       TEXT PRIMARY KEY,
  plate    TEXT NOT NULL DEFAULT '',
  city     TEXT NOT NULL,
  capacity INTEGER NOT NULL CHECK (capacity > 0)
)`,
	`CREATE TABLE IF NOT EXISTS trips (
  id                TEXT PRIMARY KEY,
  bus_id            TEXT NOT NULL REFERENCES buses (id),
  driver_id         TEXT NOT NULL REFERENCES drivers (id),
  city              TEXT NOT NULL,
  source            TEXT NOT NULL,
  destination       TEXT NOT NULL,
  start_time        TIMESTAMPTZ NOT NULL,
  end_time          TIMESTAMPTZ,
  total_seats       INTEGER NOT NULL CHECK (total_seats > 0),
  occupied_seats    INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL CHECK (status IN ('pending', 'ongoing', 'completed')),
  completion_reason TEXT NOT NULL DEFAULT '',
  updated_at        TIMESTAMPTZ NOT NULL,
  version           BIGINT NOT NULL,
  CHECK (occupied_seats >= 0 AND occupied_seats <= total_seats),
  CHECK ((status = 'completed') = (end_time IS NOT NULL))
)`,
	`CREATE INDEX IF NOT EXISTS trips_driver_status_idx ON trips (driver_id, status)`,
	`CREATE INDEX IF NOT EXISTS trips_bus_status_idx ON trips (bus_id, status)`,
	`CREATE INDEX IF NOT EXISTS trips_city_status_idx ON trips (lower(city), status, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS trips_idle_idx ON trips (updated_at) WHERE status = 'ongoing'`,
	// At most one ongoing trip per driver and per bus across all instances.
	`CREATE UNIQUE INDEX IF NOT EXISTS trips_one_ongoing_per_driver ON trips (driver_id) WHERE status = 'ongoing'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS trips_one_ongoing_per_bus ON trips (bus_id) WHERE status = 'ongoing'`,
	`CREATE TABLE IF NOT EXISTS trip_route_points (
  trip_id     TEXT NOT NULL REFERENCES trips (id) ON DELETE CASCADE,
  seq         INTEGER NOT NULL,
  lat         DOUBLE PRECISION NOT NULL,
  lng         DOUBLE PRECISION NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (trip_id, seq)
)`,
}

// Migrate creates the tables and indexes if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
