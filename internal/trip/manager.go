package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bustrac/internal/logging"
)

const defaultPublishTimeout = 2 * time.Second

// Manager owns the trip state machine. It is the only mutation path for
// trips and serializes mutations per trip.
type Manager struct {
	store   Store
	drivers DriverRegistry
	buses   BusRegistry

	notifier       Notifier
	metrics        Metrics
	logger         *slog.Logger
	now            func() time.Time
	newID          func() string
	publishTimeout time.Duration

	locks *keyedMutex
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithMetrics(mt Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithIDGenerator(gen func() string) Option { return func(m *Manager) { m.newID = gen } }

func WithPublishTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.publishTimeout = d
		}
	}
}

func NewManager(store Store, drivers DriverRegistry, buses BusRegistry, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		drivers:        drivers,
		buses:          buses,
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		publishTimeout: defaultPublishTimeout,
		locks:          newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new Pending trip for driverID.
func (m *Manager) Create(ctx context.Context, driverID string, p CreateParams) (*Trip, error) {
	t, err := m.create(ctx, driverID, p)
	if err != nil {
		m.rejected(OpCreate, driverID, "", err)
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.TripCreated()
	}
	logging.LogOperation(m.logger, "trip_created",
		slog.String("trip_id", t.ID),
		slog.String("driver_id", t.DriverID),
		slog.String("bus_id", t.BusID),
		slog.String("city", t.City),
		slog.Int("total_seats", t.TotalSeats))
	return t, nil
}

func (m *Manager) create(ctx context.Context, driverID string, p CreateParams) (*Trip, error) {
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	driver, err := m.drivers.ResolveDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if p.BusID == "" {
		p.BusID = driver.ActiveBus
	}
	if p.BusID == "" {
		return nil, ValidationError{Field: "busId", Msg: "is required when the driver has no active bus"}
	}

	unlock := m.locks.lock(driverKey(driverID), busKey(p.BusID))
	defer unlock()

	if err := sameCity("driver", driver.City, p.City); err != nil {
		return nil, err
	}
	bus, err := m.buses.ResolveBus(ctx, p.BusID)
	if err != nil {
		return nil, err
	}
	if err := sameCity("bus", bus.City, p.City); err != nil {
		return nil, err
	}
	if p.TotalSeats > bus.Capacity {
		return nil, ValidationError{Field: "totalSeats", Msg: fmt.Sprintf("exceeds bus capacity of %d", bus.Capacity)}
	}
	if err := m.checkNoOngoing(ctx, driverID, p.BusID, ""); err != nil {
		return nil, err
	}

	t := newTrip(m.newID(), driverID, p, m.now())
	if err := m.store.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("insert trip: %w", err)
	}
	// Begin needs the bus lock, so the created event goes out first.
	m.publish(ctx, EventCreated, t)
	return t, nil
}

// Begin moves a Pending trip to Ongoing.
func (m *Manager) Begin(ctx context.Context, driverID, tripID string) (*Trip, error) {
	// BusID and DriverID are immutable, so an unlocked read is enough to
	// pick the lock keys; the locked section re-reads the trip.
	peek, err := m.store.Get(ctx, tripID)
	if err != nil {
		m.rejected(OpBegin, driverID, tripID, err)
		return nil, err
	}
	keys := []string{tripKey(tripID), driverKey(driverID), busKey(peek.BusID)}
	t, err := m.mutate(ctx, OpBegin, EventBegun, driverID, tripID, keys, func(t *Trip, now time.Time) error {
		if err := t.begin(now); err != nil {
			return err
		}
		return m.checkNoOngoing(ctx, t.DriverID, t.BusID, t.ID)
	})
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.TripBegun()
	}
	logging.LogOperation(m.logger, "trip_begun",
		slog.String("trip_id", t.ID),
		slog.String("driver_id", t.DriverID))
	return t, nil
}

// AppendRoutePoint appends a position sample to an Ongoing trip.
func (m *Manager) AppendRoutePoint(ctx context.Context, driverID, tripID string, lat, lng float64) (*Trip, error) {
	t, err := m.mutate(ctx, OpAppendRoutePoint, EventRoutePoint, driverID, tripID, nil, func(t *Trip, now time.Time) error {
		return t.appendRoutePoint(lat, lng, now)
	})
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RoutePointAppended()
	}
	m.logger.Debug("route_point_appended",
		slog.String("trip_id", t.ID),
		slog.Int("points", len(t.Route)))
	return t, nil
}

// SetOccupiedSeats replaces the occupied seat count of an Ongoing trip.
func (m *Manager) SetOccupiedSeats(ctx context.Context, driverID, tripID string, count int) (*Trip, error) {
	t, err := m.mutate(ctx, OpSetOccupiedSeats, EventOccupancy, driverID, tripID, nil, func(t *Trip, now time.Time) error {
		return t.setOccupiedSeats(count, now)
	})
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.OccupancyUpdated()
	}
	m.logger.Debug("occupancy_updated",
		slog.String("trip_id", t.ID),
		slog.Int("occupied_seats", t.OccupiedSeats))
	return t, nil
}

// Complete ends an Ongoing trip. A second call fails with InvalidTransitionError.
func (m *Manager) Complete(ctx context.Context, driverID, tripID string) (*Trip, error) {
	t, err := m.mutate(ctx, OpComplete, EventCompleted, driverID, tripID, nil, func(t *Trip, now time.Time) error {
		return t.complete(ReasonDriver, now)
	})
	if err != nil {
		return nil, err
	}
	m.completed(t)
	return t, nil
}

// ExpireIdle force-completes an Ongoing trip on behalf of a supervisor if
// it has not been updated since cutoff. It reports whether the trip was
// completed; a trip that became active again or already ended is left alone.
func (m *Manager) ExpireIdle(ctx context.Context, tripID string, cutoff time.Time) (bool, error) {
	unlock := m.locks.lock(tripKey(tripID))
	defer unlock()

	t, err := m.store.Get(ctx, tripID)
	if err != nil {
		return false, err
	}
	if t.Status != StatusOngoing || !t.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	prev, from := t.Version, t.Status
	if err := t.complete(ReasonIdleTimeout, m.now()); err != nil {
		return false, err
	}
	if err := m.update(ctx, OpExpire, t, prev, from); err != nil {
		m.rejected(OpExpire, "", tripID, err)
		return false, err
	}
	m.publish(ctx, EventCompleted, t)
	m.completed(t)
	return true, nil
}

// Get returns the current state of a trip.
func (m *Manager) Get(ctx context.Context, tripID string) (*Trip, error) {
	return m.store.Get(ctx, tripID)
}

// Search lists trips for the rider-facing search.
func (m *Manager) Search(ctx context.Context, q Query) ([]*Trip, error) {
	return m.store.Search(ctx, q.Normalize())
}

// mutate runs fn against a fresh copy of the trip under the trip lock and
// persists the result only if fn succeeds. The event is published before the
// lock is released so subscribers see one trip's events in version order.
func (m *Manager) mutate(ctx context.Context, op string, typ EventType, driverID, tripID string, keys []string, fn func(*Trip, time.Time) error) (*Trip, error) {
	if len(keys) == 0 {
		keys = []string{tripKey(tripID)}
	}
	unlock := m.locks.lock(keys...)
	defer unlock()

	t, err := m.apply(ctx, op, driverID, tripID, fn)
	if err != nil {
		m.rejected(op, driverID, tripID, err)
		return nil, err
	}
	m.publish(ctx, typ, t)
	return t, nil
}

func (m *Manager) apply(ctx context.Context, op, driverID, tripID string, fn func(*Trip, time.Time) error) (*Trip, error) {
	t, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != driverID {
		return nil, AuthorizationError{TripID: tripID, DriverID: driverID}
	}
	prev, from := t.Version, t.Status
	if err := fn(t, m.now()); err != nil {
		return nil, err
	}
	if err := m.update(ctx, op, t, prev, from); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Manager) update(ctx context.Context, op string, t *Trip, prev int64, from Status) error {
	err := m.store.Update(ctx, t, prev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		return InvalidTransitionError{TripID: t.ID, Op: op, From: from, Err: err}
	default:
		return fmt.Errorf("update trip %s: %w", t.ID, err)
	}
}

// checkNoOngoing fails when the driver or the bus already runs an Ongoing
// trip other than exceptID.
func (m *Manager) checkNoOngoing(ctx context.Context, driverID, busID, exceptID string) error {
	byDriver, err := m.store.FindByDriver(ctx, driverID, StatusOngoing)
	if err != nil {
		return fmt.Errorf("find driver trips: %w", err)
	}
	for _, other := range byDriver {
		if other.ID != exceptID {
			return ValidationError{Field: "driver", Msg: fmt.Sprintf("driver already has ongoing trip %s", other.ID)}
		}
	}
	byBus, err := m.store.FindOngoingByBus(ctx, busID)
	if err != nil {
		return fmt.Errorf("find bus trips: %w", err)
	}
	for _, other := range byBus {
		if other.ID != exceptID {
			return ValidationError{Field: "busId", Msg: fmt.Sprintf("bus already has ongoing trip %s", other.ID)}
		}
	}
	return nil
}

func (m *Manager) completed(t *Trip) {
	if m.metrics != nil {
		m.metrics.TripCompleted(t.CompletionReason)
	}
	logging.LogOperation(m.logger, "trip_completed",
		slog.String("trip_id", t.ID),
		slog.String("driver_id", t.DriverID),
		slog.String("reason", t.CompletionReason),
		slog.Int("route_points", len(t.Route)))
}

func (m *Manager) rejected(op, driverID, tripID string, err error) {
	kind := Kind(err)
	if m.metrics != nil {
		m.metrics.OperationRejected(op, kind)
	}
	attrs := []slog.Attr{
		slog.String("op", op),
		slog.String("kind", kind),
		slog.String("trip_id", tripID),
		slog.String("driver_id", driverID),
	}
	if kind == KindInternal {
		logging.LogError(m.logger, "trip_operation_failed", err, attrs...)
		return
	}
	m.logger.LogAttrs(context.Background(), slog.LevelInfo, "trip_operation_rejected",
		append(attrs, slog.String("error", err.Error()))...)
}

// publish hands the event to the notifier. The request context may already
// be done once the response is written, so delivery gets its own deadline.
func (m *Manager) publish(ctx context.Context, typ EventType, t *Trip) {
	if m.notifier == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.publishTimeout)
	defer cancel()
	ev := Event{Type: typ, Trip: t.View(), At: m.now()}
	if err := m.notifier.Publish(pctx, ev); err != nil {
		logging.LogError(m.logger, "trip_event_publish_failed", err,
			slog.String("trip_id", t.ID),
			slog.String("event", string(typ)))
	}
}

func sameCity(resource, registered, requested string) error {
	if !equalFoldTrim(registered, requested) {
		return ValidationError{Field: "city", Msg: fmt.Sprintf("%s is assigned to %q, not %q", resource, registered, requested)}
	}
	return nil
}
