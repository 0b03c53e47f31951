package trip

import (
	"strings"
	"time"

	"bustrac/internal/geo"
)

// Completion reasons recorded on a completed trip.
const (
	ReasonDriver      = "driver"
	ReasonIdleTimeout = "idle_timeout"
)

type RoutePoint struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (p RoutePoint) point() geo.Point { return geo.Point{Lat: p.Lat, Lon: p.Lng} }

// Trip is one run of a bus from Source to Destination, owned by one driver.
// ID, BusID, DriverID, City, TotalSeats and StartTime never change once the
// trip is created.
type Trip struct {
	ID          string
	BusID       string
	DriverID    string
	City        string
	Source      string
	Destination string

	Route []RoutePoint

	TotalSeats    int
	OccupiedSeats int

	Status           Status
	StartTime        time.Time
	EndTime          *time.Time
	CompletionReason string

	UpdatedAt time.Time
	Version   int64
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	if t.Route != nil {
		c.Route = make([]RoutePoint, len(t.Route))
		copy(c.Route, t.Route)
	}
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	return &c
}

// CreateParams carries the driver-supplied fields of a new trip. An empty
// BusID selects the driver's active bus.
type CreateParams struct {
	BusID       string `json:"busId"`
	City        string `json:"city"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	TotalSeats  int    `json:"totalSeats"`
}

func (p *CreateParams) normalize() {
	p.BusID = strings.TrimSpace(p.BusID)
	p.City = strings.TrimSpace(p.City)
	p.Source = strings.TrimSpace(p.Source)
	p.Destination = strings.TrimSpace(p.Destination)
}

func (p CreateParams) validate() error {
	if p.City == "" {
		return ValidationError{Field: "city", Msg: "is required"}
	}
	if p.Source == "" {
		return ValidationError{Field: "source", Msg: "is required"}
	}
	if p.Destination == "" {
		return ValidationError{Field: "destination", Msg: "is required"}
	}
	if p.TotalSeats <= 0 {
		return ValidationError{Field: "totalSeats", Msg: "must be a positive integer"}
	}
	return nil
}

func newTrip(id, driverID string, p CreateParams, now time.Time) *Trip {
	return &Trip{
		ID:          id,
		BusID:       p.BusID,
		DriverID:    driverID,
		City:        p.City,
		Source:      p.Source,
		Destination: p.Destination,
		TotalSeats:  p.TotalSeats,
		Status:      StatusPending,
		StartTime:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

func (t *Trip) invalid(op string) error {
	return InvalidTransitionError{TripID: t.ID, Op: op, From: t.Status}
}

func (t *Trip) begin(now time.Time) error {
	switch t.Status {
	case StatusPending:
		t.Status = StatusOngoing
		t.touch(now)
		return nil
	default:
		return t.invalid(OpBegin)
	}
}

func (t *Trip) appendRoutePoint(lat, lng float64, now time.Time) error {
	switch t.Status {
	case StatusOngoing:
	default:
		return t.invalid(OpAppendRoutePoint)
	}
	p := RoutePoint{Lat: lat, Lng: lng, RecordedAt: now}
	if !p.point().Valid() {
		return ValidationError{Field: "point", Msg: "latitude and longitude must be finite and within range"}
	}
	t.Route = append(t.Route, p)
	t.touch(now)
	return nil
}

func (t *Trip) setOccupiedSeats(count int, now time.Time) error {
	switch t.Status {
	case StatusOngoing:
	default:
		return t.invalid(OpSetOccupiedSeats)
	}
	if count < 0 || count > t.TotalSeats {
		return ValidationError{Field: "occupiedSeats", Msg: "must be between 0 and totalSeats"}
	}
	t.OccupiedSeats = count
	t.touch(now)
	return nil
}

func (t *Trip) complete(reason string, now time.Time) error {
	switch t.Status {
	case StatusOngoing:
		end := now
		t.Status = StatusCompleted
		t.EndTime = &end
		t.CompletionReason = reason
		t.touch(now)
		return nil
	default:
		return t.invalid(OpComplete)
	}
}

func (t *Trip) touch(now time.Time) {
	t.UpdatedAt = now
	t.Version++
}

// View is the read-only projection handed to riders and subscribers.
type View struct {
	ID               string       `json:"id"`
	BusID            string       `json:"bus"`
	DriverID         string       `json:"driver"`
	City             string       `json:"city"`
	Source           string       `json:"source"`
	Destination      string       `json:"destination"`
	Route            []RoutePoint `json:"route"`
	StartTime        time.Time    `json:"startTime"`
	EndTime          *time.Time   `json:"endTime,omitempty"`
	TotalSeats       int          `json:"totalSeats"`
	OccupiedSeats    int          `json:"occupiedSeats"`
	AvailableSeats   int          `json:"availableSeats"`
	Status           Status       `json:"status"`
	CompletionReason string       `json:"completionReason,omitempty"`
	DistanceMeters   float64      `json:"distanceMeters"`
	LastPosition     *RoutePoint  `json:"lastPosition,omitempty"`
	Bearing          *float64     `json:"bearing,omitempty"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	Version          int64        `json:"version"`
}

func (t *Trip) View() View {
	c := t.Clone()
	v := View{
		ID:               c.ID,
		BusID:            c.BusID,
		DriverID:         c.DriverID,
		City:             c.City,
		Source:           c.Source,
		Destination:      c.Destination,
		Route:            c.Route,
		StartTime:        c.StartTime,
		EndTime:          c.EndTime,
		TotalSeats:       c.TotalSeats,
		OccupiedSeats:    c.OccupiedSeats,
		AvailableSeats:   c.TotalSeats - c.OccupiedSeats,
		Status:           c.Status,
		CompletionReason: c.CompletionReason,
		UpdatedAt:        c.UpdatedAt,
		Version:          c.Version,
	}
	if v.Route == nil {
		v.Route = []RoutePoint{}
	}
	n := len(c.Route)
	if n == 0 {
		return v
	}
	pts := make([]geo.Point, n)
	for i, p := range c.Route {
		pts[i] = p.point()
	}
	v.DistanceMeters = geo.PathLength(pts)
	last := c.Route[n-1]
	v.LastPosition = &last
	if n > 1 {
		b := geo.Bearing(pts[n-2], pts[n-1])
		v.Bearing = &b
	}
	return v
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
