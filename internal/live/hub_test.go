package live

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrac/internal/trip"
)

type countingMetrics struct {
	subscribers atomic.Int64
	dropped     atomic.Int64
}

func (m *countingMetrics) SetLiveSubscribers(n int) { m.subscribers.Store(int64(n)) }
func (m *countingMetrics) LiveEventDropped()        { m.dropped.Add(1) }

func ev(typ trip.EventType, id, city string) trip.Event {
	return trip.Event{Type: typ, Trip: trip.View{ID: id, City: city}}
}

func TestHubRoutesByTripAndCity(t *testing.T) {
	h := NewHub()
	one := h.Subscribe("t1")
	two := h.Subscribe("t2")
	city := h.SubscribeCity("bengaluru")
	defer one.Close()
	defer two.Close()
	defer city.Close()

	require.NoError(t, h.Publish(context.Background(), ev(trip.EventBegun, "t1", " Bengaluru")))
	require.NoError(t, h.Publish(context.Background(), ev(trip.EventBegun, "t3", "Mysuru")))

	got := <-one.Events()
	assert.Equal(t, "t1", got.Trip.ID)
	got = <-city.Events()
	assert.Equal(t, "t1", got.Trip.ID)

	assert.Empty(t, two.Events())
	assert.Empty(t, city.Events())
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	m := &countingMetrics{}
	h := NewHub(WithBuffer(2), WithMetrics(m))
	s := h.Subscribe("t1")
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(context.Background(), ev(trip.EventRoutePoint, "t1", "Pune")))
	}
	assert.Len(t, s.Events(), 2)
	assert.Equal(t, int64(3), m.dropped.Load())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	m := &countingMetrics{}
	h := NewHub(WithMetrics(m))
	s := h.Subscribe("t1")
	c := h.SubscribeCity("Pune")
	assert.Equal(t, 2, h.Subscribers())
	assert.Equal(t, int64(2), m.subscribers.Load())

	s.Close()
	s.Close()
	_, open := <-s.Events()
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())

	c.Close()
	assert.Equal(t, 0, h.Subscribers())
	assert.Empty(t, h.byTrip)
	assert.Empty(t, h.byCity)
	assert.Equal(t, int64(0), m.subscribers.Load())

	require.NoError(t, h.Publish(context.Background(), ev(trip.EventBegun, "t1", "Pune")))
}

func TestHubConcurrentPublishAndClose(t *testing.T) {
	h := NewHub(WithBuffer(1))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		s := h.Subscribe("t1")
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.Publish(context.Background(), ev(trip.EventOccupancy, "t1", "Pune"))
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Subscribers())
}
