package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrac/internal/trip"
)

var t0 = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func event(typ trip.EventType) trip.Event {
	return trip.Event{
		Type: typ,
		At:   t0,
		Trip: trip.View{
			ID:          "7f0c.9a",
			City:        "New Delhi",
			BusID:       "bus-1",
			DriverID:    "drv-a",
			Status:      trip.StatusOngoing,
			TotalSeats:  40,
			Route:       []trip.RoutePoint{},
			StartTime:   t0,
			UpdatedAt:   t0,
			Source:      "ISBT",
			Destination: "Connaught Place",
		},
	}
}

type fakeMetrics struct {
	mu        sync.Mutex
	published map[string]int
	errs      map[string]int
	observed  int
	connected map[string]bool
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{published: map[string]int{}, errs: map[string]int{}, connected: map[string]bool{}}
}

func (m *fakeMetrics) PublishedInc(b string) {
	m.mu.Lock()
	m.published[b]++
	m.mu.Unlock()
}

func (m *fakeMetrics) PublishErrInc(b string) {
	m.mu.Lock()
	m.errs[b]++
	m.mu.Unlock()
}

func (m *fakeMetrics) PublishObserve(string, time.Duration) {
	m.mu.Lock()
	m.observed++
	m.mu.Unlock()
}

func (m *fakeMetrics) SetConnected(b string, v bool) {
	m.mu.Lock()
	m.connected[b] = v
	m.mu.Unlock()
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
	closed   bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeNATS) Close() { f.closed = true }

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "new_delhi", subjectToken(" New Delhi "))
	assert.Equal(t, "a_b_c_d_e", subjectToken("a.b*c>d#e"))
	assert.Equal(t, "_", subjectToken("   "))
}

func TestNATSPublisherSubjectAndPayload(t *testing.T) {
	nc := &fakeNATS{}
	m := newFakeMetrics()
	p := newNATSPublisher(nc, "", true, m, nil)

	require.NoError(t, p.Publish(context.Background(), event(trip.EventBegun)))
	require.Len(t, nc.subjects, 1)
	assert.Equal(t, "bustrac.trips.new_delhi.7f0c_9a.begun", nc.subjects[0])

	var msg Message
	require.NoError(t, json.Unmarshal(nc.payloads[0], &msg))
	assert.Equal(t, trip.EventBegun, msg.Event)
	assert.Equal(t, "7f0c.9a", msg.TripID)
	assert.Equal(t, trip.StatusOngoing, msg.Trip.Status)
	assert.Equal(t, 1, m.published[BrokerNATS])
	assert.Equal(t, 1, m.observed)

	p.Close()
	assert.True(t, nc.drained)
	assert.True(t, nc.closed)
}

func TestNATSPublisherErrors(t *testing.T) {
	nc := &fakeNATS{err: errors.New("nats: connection closed")}
	m := newFakeMetrics()
	p := newNATSPublisher(nc, "city.events", false, m, nil)

	assert.Error(t, p.Publish(context.Background(), event(trip.EventCreated)))
	assert.Equal(t, 1, m.errs[BrokerNATS])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, event(trip.EventCreated)), context.Canceled)
}

type fakeChannel struct {
	mu       sync.Mutex
	keys     []string
	msgs     []amqp.Publishing
	confirms chan amqp.Confirmation
	ack      bool
	silent   bool
	closed   bool
	err      error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, exchange+"/"+key)
	c.msgs = append(c.msgs, msg)
	if !c.silent {
		c.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(c.msgs)), Ack: c.ack}
	}
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	channels []*fakeChannel
	dials    int
	attempts int
	err      error
	// hang makes each dial wait this long unless ctx ends first.
	hang time.Duration
}

func (d *fakeDialer) dial(ctx context.Context) (*amqpSession, error) {
	d.attempts++
	if d.hang > 0 {
		select {
		case <-time.After(d.hang):
			return nil, errors.New("dial timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{confirms: make(chan amqp.Confirmation, 1), ack: true}
	d.channels = append(d.channels, ch)
	d.dials++
	return &amqpSession{ch: ch, confirms: ch.confirms, close: func() error { return nil }}, nil
}

func TestAMQPPublisherConfirmed(t *testing.T) {
	d := &fakeDialer{}
	m := newFakeMetrics()
	p := newAMQPPublisher(d.dial, "bustrac.trips", m, nil)

	require.NoError(t, p.Publish(context.Background(), event(trip.EventOccupancy)))
	require.NoError(t, p.Publish(context.Background(), event(trip.EventCompleted)))

	require.Equal(t, 1, d.dials)
	ch := d.channels[0]
	assert.Equal(t, []string{
		"bustrac.trips/trip.new_delhi.7f0c_9a.occupancy",
		"bustrac.trips/trip.new_delhi.7f0c_9a.completed",
	}, ch.keys)
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)
	assert.Equal(t, "occupancy", ch.msgs[0].Type)
	assert.Equal(t, 2, m.published[BrokerAMQP])
	assert.True(t, m.connected[BrokerAMQP])

	p.Close()
	assert.False(t, m.connected[BrokerAMQP])
}

func TestAMQPPublisherNack(t *testing.T) {
	d := &fakeDialer{}
	m := newFakeMetrics()
	p := newAMQPPublisher(d.dial, "x", m, nil)
	require.NoError(t, p.Publish(context.Background(), event(trip.EventCreated)))
	d.channels[0].ack = false

	err := p.Publish(context.Background(), event(trip.EventBegun))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not acknowledged")
	assert.Equal(t, 1, m.errs[BrokerAMQP])
}

func TestAMQPPublisherReconnectsClosedChannel(t *testing.T) {
	d := &fakeDialer{}
	p := newAMQPPublisher(d.dial, "x", nil, nil)
	require.NoError(t, p.Publish(context.Background(), event(trip.EventCreated)))

	d.channels[0].mu.Lock()
	d.channels[0].closed = true
	d.channels[0].mu.Unlock()

	require.NoError(t, p.Publish(context.Background(), event(trip.EventBegun)))
	assert.Equal(t, 2, d.dials)
	assert.Len(t, d.channels[1].keys, 1)
}

func TestAMQPPublisherTimeoutDropsSession(t *testing.T) {
	d := &fakeDialer{}
	p := newAMQPPublisher(d.dial, "x", nil, nil)
	require.NoError(t, p.Publish(context.Background(), event(trip.EventCreated)))
	d.channels[0].silent = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Publish(ctx, event(trip.EventBegun)), context.DeadlineExceeded)

	require.NoError(t, p.Publish(context.Background(), event(trip.EventCompleted)))
	assert.Equal(t, 2, d.dials)
}

func TestAMQPPublisherDialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := newFakeMetrics()
	p := newAMQPPublisher(d.dial, "x", m, nil)

	err := p.Publish(context.Background(), event(trip.EventCreated))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amqp reconnect")
	assert.False(t, m.connected[BrokerAMQP])
	assert.Equal(t, 1, m.errs[BrokerAMQP])
}

func TestAMQPPublisherReconnectHonoursDeadline(t *testing.T) {
	d := &fakeDialer{hang: 2 * time.Second}
	p := newAMQPPublisher(d.dial, "x", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Publish(ctx, event(trip.EventCreated))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAMQPPublisherFailsFastAfterDialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	p := newAMQPPublisher(d.dial, "x", nil, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	require.Error(t, p.Publish(context.Background(), event(trip.EventCreated)))
	assert.ErrorIs(t, p.Publish(context.Background(), event(trip.EventBegun)), ErrAMQPDisconnected)
	assert.Equal(t, 1, d.attempts)

	now = now.Add(amqpRedialBackoff)
	d.err = nil
	require.NoError(t, p.Publish(context.Background(), event(trip.EventCompleted)))
	assert.Equal(t, 2, d.attempts)
}

func TestAMQPPublisherWaitForSessionHonoursDeadline(t *testing.T) {
	d := &fakeDialer{}
	p := newAMQPPublisher(d.dial, "x", nil, nil)
	require.NoError(t, p.Publish(context.Background(), event(trip.EventCreated)))
	d.channels[0].silent = true

	// The first publish waits for a confirm that never comes.
	slowCtx, cancelSlow := context.WithCancel(context.Background())
	slowDone := make(chan error, 1)
	go func() { slowDone <- p.Publish(slowCtx, event(trip.EventBegun)) }()
	require.Eventually(t, func() bool {
		d.channels[0].mu.Lock()
		defer d.channels[0].mu.Unlock()
		return len(d.channels[0].msgs) == 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, p.Publish(ctx, event(trip.EventOccupancy)), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	cancelSlow()
	assert.ErrorIs(t, <-slowDone, context.Canceled)
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) Publish(context.Context, trip.Event) error {
	s.calls++
	return s.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &stubNotifier{}
	bad := &stubNotifier{err: errors.New("broker down")}
	f := Fanout{ok, nil, bad}

	err := f.Publish(context.Background(), event(trip.EventCreated))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, bad.calls)

	assert.NoError(t, Fanout{ok}.Publish(context.Background(), event(trip.EventCreated)))
}
