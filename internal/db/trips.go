package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"bustrac/internal/trip"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgForeignKey      = "23503"

	ongoingDriverIndex = "trips_one_ongoing_per_driver"
	ongoingBusIndex    = "trips_one_ongoing_per_bus"
)

const tripColumns = `id, bus_id, driver_id, city, source, destination, start_time, end_time,
  total_seats, occupied_seats, status, completion_reason, updated_at, version`

// TripStore is the Postgres implementation of trip.Store. Route points live
// in their own table keyed by (trip_id, seq) and are only ever appended.
type TripStore struct {
	db *sql.DB
}

func NewTripStore(db *sql.DB) *TripStore {
	return &TripStore{db: db}
}

var _ trip.Store = (*TripStore)(nil)

func (s *TripStore) Insert(ctx context.Context, t *trip.Trip) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.BusID, t.DriverID, t.City, t.Source, t.Destination, t.StartTime, nullTime(t.EndTime),
		t.TotalSeats, t.OccupiedSeats, t.Status.String(), t.CompletionReason, t.UpdatedAt, t.Version)
	if err != nil {
		return translate(err, "insert trip "+t.ID)
	}
	if err = insertPoints(ctx, tx, t.ID, 0, t.Route); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *TripStore) Get(ctx context.Context, id string) (*trip.Trip, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trip.NotFoundError{Resource: "trip", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", id, err)
	}
	if t.Route, err = s.route(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TripStore) Update(ctx context.Context, t *trip.Trip, expectedVersion int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE trips
SET occupied_seats = $2, status = $3, end_time = $4, completion_reason = $5, updated_at = $6, version = $7
WHERE id = $1 AND version = $8`,
		t.ID, t.OccupiedSeats, t.Status.String(), nullTime(t.EndTime), t.CompletionReason, t.UpdatedAt, t.Version,
		expectedVersion)
	if err != nil {
		return translate(err, "update trip "+t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM trips WHERE id = $1`, t.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return trip.NotFoundError{Resource: "trip", ID: t.ID}
		}
		if err != nil {
			return err
		}
		err = trip.ErrVersionConflict
		return err
	}

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM trip_route_points WHERE trip_id = $1`, t.ID).Scan(&next)
	if err != nil {
		return err
	}
	if len(t.Route) < next {
		err = fmt.Errorf("trip %s: route cannot shrink from %d to %d points", t.ID, next, len(t.Route))
		return err
	}
	if err = insertPoints(ctx, tx, t.ID, next, t.Route[next:]); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *TripStore) FindByDriver(ctx context.Context, driverID string, status trip.Status) ([]*trip.Trip, error) {
	return s.list(ctx, `SELECT `+tripColumns+` FROM trips
WHERE driver_id = $1 AND status = $2
ORDER BY start_time DESC, id`, driverID, status.String())
}

func (s *TripStore) FindOngoingByBus(ctx context.Context, busID string) ([]*trip.Trip, error) {
	return s.list(ctx, `SELECT `+tripColumns+` FROM trips
WHERE bus_id = $1 AND status = 'ongoing'
ORDER BY start_time DESC, id`, busID)
}

func (s *TripStore) FindIdle(ctx context.Context, cutoff time.Time, limit int) ([]*trip.Trip, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.list(ctx, `SELECT `+tripColumns+` FROM trips
WHERE status = 'ongoing' AND updated_at < $1
ORDER BY start_time DESC, id
LIMIT $2`, cutoff, lim)
}

func (s *TripStore) Search(ctx context.Context, q trip.Query) ([]*trip.Trip, error) {
	q = q.Normalize()
	status := ""
	if q.Status.Valid() {
		status = q.Status.String()
	}
	return s.list(ctx, `SELECT `+tripColumns+` FROM trips
WHERE ($1 = '' OR lower(city) = lower($1))
  AND ($2 = '' OR status = $2)
  AND ($3 = '' OR strpos(lower(source), lower($3)) > 0)
  AND ($4 = '' OR strpos(lower(destination), lower($4)) > 0)
ORDER BY start_time DESC, id
LIMIT $5`, q.City, status, q.Source, q.Destination, q.Limit)
}

// CountOngoing seeds the ongoing-trips gauge at startup.
func (s *TripStore) CountOngoing(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM trips WHERE status = 'ongoing'`).Scan(&n)
	return n, err
}

func (s *TripStore) list(ctx context.Context, query string, args ...any) ([]*trip.Trip, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*trip.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, t := range out {
		if t.Route, err = s.route(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *TripStore) route(ctx context.Context, tripID string) ([]trip.RoutePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lat, lng, recorded_at FROM trip_route_points WHERE trip_id = $1 ORDER BY seq`, tripID)
	if err != nil {
		return nil, fmt.Errorf("load route of trip %s: %w", tripID, err)
	}
	defer rows.Close()
	var pts []trip.RoutePoint
	for rows.Next() {
		var p trip.RoutePoint
		if err := rows.Scan(&p.Lat, &p.Lng, &p.RecordedAt); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(sc scanner) (*trip.Trip, error) {
	var (
		t      trip.Trip
		end    sql.NullTime
		status string
	)
	err := sc.Scan(&t.ID, &t.BusID, &t.DriverID, &t.City, &t.Source, &t.Destination, &t.StartTime, &end,
		&t.TotalSeats, &t.OccupiedSeats, &status, &t.CompletionReason, &t.UpdatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if t.Status, err = trip.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("trip %s: %w", t.ID, err)
	}
	if end.Valid {
		e := end.Time
		t.EndTime = &e
	}
	return &t, nil
}

func insertPoints(ctx context.Context, tx *sql.Tx, tripID string, firstSeq int, pts []trip.RoutePoint) error {
	for i, p := range pts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO trip_route_points (trip_id, seq, lat, lng, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
			tripID, firstSeq+i, p.Lat, p.Lng, p.RecordedAt)
		if err != nil {
			return translate(err, fmt.Sprintf("append route point %d of trip %s", firstSeq+i, tripID))
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// translate turns constraint violations into domain errors.
func translate(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			switch pgErr.ConstraintName {
			case ongoingDriverIndex:
				return trip.ValidationError{Field: "driver", Msg: "driver already has an ongoing trip"}
			case ongoingBusIndex:
				return trip.ValidationError{Field: "busId", Msg: "bus already has an ongoing trip"}
			}
			return fmt.Errorf("%s: already exists: %w", what, err)
		case pgCheckViolation:
			return trip.ValidationError{Field: pgErr.ConstraintName, Msg: "violates " + pgErr.TableName + " constraint"}
		case pgForeignKey:
			return trip.ValidationError{Field: pgErr.ConstraintName, Msg: "references an unknown row"}
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
