package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bustrac/internal/logging"
)

type Collector struct {
	reg *prometheus.Registry

	OngoingTrips prometheus.Gauge

	TripsCreated       prometheus.Counter
	TripsBegun         prometheus.Counter
	TripsCompleted     *prometheus.CounterVec // reason label: driver|idle_timeout
	RoutePoints        prometheus.Counter
	OccupancyUpdates   prometheus.Counter
	RejectedOperations *prometheus.CounterVec // op, kind

	Published   *prometheus.CounterVec // broker
	PublishErrs *prometheus.CounterVec // broker
	Connected   *prometheus.GaugeVec   // broker

	IdleSweeps        prometheus.Counter
	IdleExpired       prometheus.Counter
	SweepDuration     prometheus.Histogram
	PublishDuration   *prometheus.HistogramVec
	HTTPDuration      *prometheus.HistogramVec // method, route, code
	LiveSubscribers   prometheus.Gauge
	LiveDropped       prometheus.Counter
	IdleTimeoutMinute prometheus.Gauge
}

func NewCollector(idleTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		OngoingTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrac_ongoing_trips",
			Help: "Number of trips currently in the ongoing state.",
		}),
		TripsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrac_trips_created_total",
			Help: "Total trips created.",
		}),
		TripsBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrac_trips_begun_total",
			Help: "Total trips moved from pending to ongoing.",
		}),
		TripsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrac_trips_completed_total",
			Help: "Total trips completed, by reason.",
		}, []string{"reason"}),
		RoutePoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrac_route_points_total",
			Help: "Total route points appended.",
		}),
		OccupancyUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrac_occupancy_updates_total",
			Help: "Total occupancy updates accepted.",
		}),
		RejectedOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrac_operations_rejected_total",
			Help: "Trip operations rejected, by operation and error kind.",
		}, []string{"op", "kind"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrac_events_published_total",
			Help: "Trip events published to a broker.",
		}, []string{"broker"}),
		PublishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrac_event_publish_errors_total",
			Help: "Trip event publish errors.",
		}, []string{"broker"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bustrac_broker_connected",
			Help: "1 if the broker connection is established, 0 otherwise.",
		}, []string{"broker"}),
		IdleSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrac_idle_sweeps_total",
			Help: "Idle supervisor sweeps run.",
		}),
		IdleExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrac_idle_trips_expired_total",
			Help: "Ongoing trips force-completed for inactivity.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrac_idle_sweep_duration_seconds",
			Help:    "Duration of idle supervisor sweeps.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bustrac_publish_duration_seconds",
			Help:    "Duration to encode and publish a trip event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"broker"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bustrac_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		LiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrac_live_subscribers",
			Help: "Open live feed subscriptions.",
		}),
		LiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrac_live_events_dropped_total",
			Help: "Live events dropped because a subscriber fell behind.",
		}),
		IdleTimeoutMinute: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrac_idle_timeout_minutes",
			Help: "Configured idle timeout in minutes, 0 when disabled.",
		}),
	}

	reg.MustRegister(
		c.OngoingTrips,
		c.TripsCreated, c.TripsBegun, c.TripsCompleted, c.RoutePoints, c.OccupancyUpdates, c.RejectedOperations,
		c.Published, c.PublishErrs, c.Connected,
		c.IdleSweeps, c.IdleExpired, c.SweepDuration, c.PublishDuration, c.HTTPDuration,
		c.LiveSubscribers, c.LiveDropped, c.IdleTimeoutMinute,
	)

	c.IdleTimeoutMinute.Set(idleTimeout.Minutes())

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.LogError(logger, "metrics_server_failed", err)
		}
	}()
	logging.LogOperation(logger, "metrics_listening", slog.String("addr", addr))
	return srv
}

// trip.Metrics

func (c *Collector) TripCreated() { c.TripsCreated.Inc() }

func (c *Collector) TripBegun() {
	c.TripsBegun.Inc()
	c.OngoingTrips.Inc()
}

func (c *Collector) TripCompleted(reason string) {
	c.TripsCompleted.WithLabelValues(reason).Inc()
	c.OngoingTrips.Dec()
}

func (c *Collector) RoutePointAppended() { c.RoutePoints.Inc() }
func (c *Collector) OccupancyUpdated()   { c.OccupancyUpdates.Inc() }

func (c *Collector) OperationRejected(op, kind string) {
	c.RejectedOperations.WithLabelValues(op, kind).Inc()
}

// publisher.PublisherMetrics

func (c *Collector) PublishedInc(broker string)  { c.Published.WithLabelValues(broker).Inc() }
func (c *Collector) PublishErrInc(broker string) { c.PublishErrs.WithLabelValues(broker).Inc() }

func (c *Collector) PublishObserve(broker string, d time.Duration) {
	c.PublishDuration.WithLabelValues(broker).Observe(d.Seconds())
}

func (c *Collector) SetConnected(broker string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	c.Connected.WithLabelValues(broker).Set(v)
}

// live.Metrics

func (c *Collector) SetLiveSubscribers(n int) { c.LiveSubscribers.Set(float64(n)) }
func (c *Collector) LiveEventDropped()        { c.LiveDropped.Inc() }

// supervisor.Metrics

func (c *Collector) SweepObserve(d time.Duration, expired int) {
	c.IdleSweeps.Inc()
	c.IdleExpired.Add(float64(expired))
	c.SweepDuration.Observe(d.Seconds())
}

// HTTPObserve records one request; route is the registered pattern, not the raw path.
func (c *Collector) HTTPObserve(method, route string, code int, d time.Duration) {
	c.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// SetOngoing seeds the ongoing gauge from the store at startup.
func (c *Collector) SetOngoing(n int) { c.OngoingTrips.Set(float64(n)) }
