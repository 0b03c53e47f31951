package trip

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*Trip)}
}

func (s *MemoryStore) Insert(_ context.Context, t *Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trips[t.ID]; exists {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	s.trips[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, NotFoundError{Resource: "trip", ID: id}
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, t *Trip, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.trips[t.ID]
	if !ok {
		return NotFoundError{Resource: "trip", ID: t.ID}
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	if len(t.Route) < len(cur.Route) {
		return fmt.Errorf("trip %s: route cannot shrink from %d to %d points", t.ID, len(cur.Route), len(t.Route))
	}
	s.trips[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) FindByDriver(_ context.Context, driverID string, status Status) ([]*Trip, error) {
	return s.filter(func(t *Trip) bool {
		return t.DriverID == driverID && t.Status == status
	}, 0), nil
}

func (s *MemoryStore) FindOngoingByBus(_ context.Context, busID string) ([]*Trip, error) {
	return s.filter(func(t *Trip) bool {
		return t.BusID == busID && t.Status == StatusOngoing
	}, 0), nil
}

func (s *MemoryStore) FindIdle(_ context.Context, cutoff time.Time, limit int) ([]*Trip, error) {
	return s.filter(func(t *Trip) bool {
		return t.Status == StatusOngoing && t.UpdatedAt.Before(cutoff)
	}, limit), nil
}

func (s *MemoryStore) Search(_ context.Context, q Query) ([]*Trip, error) {
	q = q.Normalize()
	src := strings.ToLower(q.Source)
	dst := strings.ToLower(q.Destination)
	return s.filter(func(t *Trip) bool {
		if q.City != "" && !strings.EqualFold(t.City, q.City) {
			return false
		}
		if q.Status != 0 && t.Status != q.Status {
			return false
		}
		if src != "" && !strings.Contains(strings.ToLower(t.Source), src) {
			return false
		}
		if dst != "" && !strings.Contains(strings.ToLower(t.Destination), dst) {
			return false
		}
		return true
	}, q.Limit), nil
}

// filter returns matching trips, most recently started first.
func (s *MemoryStore) filter(match func(*Trip) bool, limit int) []*Trip {
	s.mu.RLock()
	var out []*Trip
	for _, t := range s.trips {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryRegistry serves both DriverRegistry and BusRegistry from maps.
type MemoryRegistry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	buses   map[string]Bus
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		drivers: make(map[string]Driver),
		buses:   make(map[string]Bus),
	}
}

func (r *MemoryRegistry) PutDriver(d Driver) {
	r.mu.Lock()
	r.drivers[d.ID] = d
	r.mu.Unlock()
}

func (r *MemoryRegistry) PutBus(b Bus) {
	r.mu.Lock()
	r.buses[b.ID] = b
	r.mu.Unlock()
}

func (r *MemoryRegistry) ResolveDriver(_ context.Context, id string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return Driver{}, NotFoundError{Resource: "driver", ID: id}
	}
	return d, nil
}

func (r *MemoryRegistry) ResolveBus(_ context.Context, id string) (Bus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buses[id]
	if !ok {
		return Bus{}, NotFoundError{Resource: "bus", ID: id}
	}
	return b, nil
}
