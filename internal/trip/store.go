package trip

import (
	"context"
	"time"
)

// Store persists trips. Implementations must return copies so that callers
// never alias stored state, and must treat Update as all-or-nothing.
type Store interface {
	Insert(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id string) (*Trip, error)
	// Update replaces the mutable fields of t and appends route points the
	// store has not seen yet. It fails with ErrVersionConflict when the
	// stored version differs from expectedVersion.
	Update(ctx context.Context, t *Trip, expectedVersion int64) error
	FindByDriver(ctx context.Context, driverID string, status Status) ([]*Trip, error)
	FindOngoingByBus(ctx context.Context, busID string) ([]*Trip, error)
	// FindIdle returns up to limit Ongoing trips last updated before cutoff.
	FindIdle(ctx context.Context, cutoff time.Time, limit int) ([]*Trip, error)
	Search(ctx context.Context, q Query) ([]*Trip, error)
}

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 200
)

// Query filters the rider search. Empty fields match everything. City and
// Status match exactly; Source and Destination match as case-insensitive
// substrings.
type Query struct {
	City        string
	Source      string
	Destination string
	Status      Status
	Limit       int
}

// Normalize clamps Limit into (0, MaxSearchLimit].
func (q Query) Normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultSearchLimit
	}
	if q.Limit > MaxSearchLimit {
		q.Limit = MaxSearchLimit
	}
	return q
}

type Driver struct {
	ID        string
	Name      string
	City      string
	ActiveBus string
}

type Bus struct {
	ID       string
	Plate    string
	City     string
	Capacity int
}

// DriverRegistry resolves driver identities. Unknown drivers yield a NotFoundError.
type DriverRegistry interface {
	ResolveDriver(ctx context.Context, id string) (Driver, error)
}

// BusRegistry resolves vehicles. Unknown buses yield a NotFoundError.
type BusRegistry interface {
	ResolveBus(ctx context.Context, id string) (Bus, error)
}
