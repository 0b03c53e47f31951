package trip

import (
	"context"
	"time"
)

type EventType string

const (
	EventCreated    EventType = "created"
	EventBegun      EventType = "begun"
	EventRoutePoint EventType = "route_point"
	EventOccupancy  EventType = "occupancy"
	EventCompleted  EventType = "completed"
	EventSnapshot   EventType = "snapshot"
)

// Event is emitted after every successful transition.
type Event struct {
	Type EventType `json:"type"`
	Trip View      `json:"trip"`
	At   time.Time `json:"at"`
}

// Notifier delivers events to subscribed readers. Delivery is best-effort:
// a failing notifier never fails the transition that produced the event.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Metrics receives lifecycle counters. A nil Metrics disables recording.
type Metrics interface {
	TripCreated()
	TripBegun()
	TripCompleted(reason string)
	RoutePointAppended()
	OccupancyUpdated()
	OperationRejected(op, kind string)
}

// Operation names, used in errors, logs and metrics labels.
const (
	OpCreate           = "create"
	OpBegin            = "begin"
	OpAppendRoutePoint = "append_route_point"
	OpSetOccupiedSeats = "set_occupied_seats"
	OpComplete         = "complete"
	OpExpire           = "expire"
)
