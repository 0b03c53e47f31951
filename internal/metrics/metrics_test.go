package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleCounters(t *testing.T) {
	c := NewCollector(30 * time.Minute)

	c.TripCreated()
	c.TripBegun()
	c.TripBegun()
	c.TripCompleted("driver")
	c.RoutePointAppended()
	c.OccupancyUpdated()
	c.OperationRejected("begin", "invalid_transition")
	c.OperationRejected("begin", "invalid_transition")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.TripsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.OngoingTrips))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TripsCompleted.WithLabelValues("driver")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.RejectedOperations.WithLabelValues("begin", "invalid_transition")))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.IdleTimeoutMinute))

	c.SetOngoing(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.OngoingTrips))
}

func TestBrokerAndSupervisorMetrics(t *testing.T) {
	c := NewCollector(0)

	c.PublishedInc("nats")
	c.PublishErrInc("amqp")
	c.PublishObserve("nats", 2*time.Millisecond)
	c.SetConnected("nats", true)
	c.SetConnected("amqp", false)
	c.SweepObserve(5*time.Millisecond, 3)
	c.SetLiveSubscribers(4)
	c.LiveEventDropped()
	c.HTTPObserve("GET", "/v1/trips/:id", 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Published.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PublishErrs.WithLabelValues("amqp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Connected.WithLabelValues("nats")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Connected.WithLabelValues("amqp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IdleSweeps))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.IdleExpired))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.LiveSubscribers))
	assert.Equal(t, 1, testutil.CollectAndCount(c.HTTPDuration))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector(time.Minute)
	c.TripCreated()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bustrac_trips_created_total 1")
	assert.NotContains(t, string(body), "go_goroutines")
}
