package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bustrac/internal/trip"
)

// Registry resolves drivers and buses from Postgres.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

var (
	_ trip.DriverRegistry = (*Registry)(nil)
	_ trip.BusRegistry    = (*Registry)(nil)
)

func (r *Registry) ResolveDriver(ctx context.Context, id string) (trip.Driver, error) {
	var d trip.Driver
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, city, active_bus_id FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.City, &d.ActiveBus)
	if errors.Is(err, sql.ErrNoRows) {
		return trip.Driver{}, trip.NotFoundError{Resource: "driver", ID: id}
	}
	if err != nil {
		return trip.Driver{}, fmt.Errorf("resolve driver %s: %w", id, err)
	}
	return d, nil
}

func (r *Registry) ResolveBus(ctx context.Context, id string) (trip.Bus, error) {
	var b trip.Bus
	err := r.db.QueryRowContext(ctx,
		`SELECT id, plate, city, capacity FROM buses WHERE id = $1`, id).
		Scan(&b.ID, &b.Plate, &b.City, &b.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return trip.Bus{}, trip.NotFoundError{Resource: "bus", ID: id}
	}
	if err != nil {
		return trip.Bus{}, fmt.Errorf("resolve bus %s: %w", id, err)
	}
	return b, nil
}

func (r *Registry) UpsertDriver(ctx context.Context, d trip.Driver) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO drivers (id, name, city, active_bus_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, city = EXCLUDED.city, active_bus_id = EXCLUDED.active_bus_id`,
		d.ID, d.Name, d.City, d.ActiveBus)
	if err != nil {
		return translate(err, "upsert driver "+d.ID)
	}
	return nil
}

func (r *Registry) UpsertBus(ctx context.Context, b trip.Bus) error {
	if b.Capacity <= 0 {
		return trip.ValidationError{Field: "capacity", Msg: "must be a positive integer"}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO buses (id, plate, city, capacity)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET plate = EXCLUDED.plate, city = EXCLUDED.city, capacity = EXCLUDED.capacity`,
		b.ID, b.Plate, b.City, b.Capacity)
	if err != nil {
		return translate(err, "upsert bus "+b.ID)
	}
	return nil
}
