// Package api exposes the trip lifecycle over REST and a rider WebSocket feed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"bustrac/internal/auth"
	"bustrac/internal/live"
	"bustrac/internal/trip"
)

// TripService is the lifecycle surface the handlers drive. *trip.Manager
// implements it.
type TripService interface {
	Create(ctx context.Context, driverID string, p trip.CreateParams) (*trip.Trip, error)
	Begin(ctx context.Context, driverID, tripID string) (*trip.Trip, error)
	AppendRoutePoint(ctx context.Context, driverID, tripID string, lat, lng float64) (*trip.Trip, error)
	SetOccupiedSeats(ctx context.Context, driverID, tripID string, count int) (*trip.Trip, error)
	Complete(ctx context.Context, driverID, tripID string) (*trip.Trip, error)
	Get(ctx context.Context, tripID string) (*trip.Trip, error)
	Search(ctx context.Context, q trip.Query) ([]*trip.Trip, error)
}

type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Claims, error)
}

type LiveFeed interface {
	Subscribe(tripID string) *live.Subscription
	SubscribeCity(city string) *live.Subscription
}

type HTTPMetrics interface {
	HTTPObserve(method, route string, code int, d time.Duration)
}

type Server struct {
	trips    TripService
	auth     Authenticator
	feed     LiveFeed
	health   func(context.Context) error
	metrics  HTTPMetrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingPeriod time.Duration
	writeWait  time.Duration
}

type Option func(*Server)

func WithLiveFeed(f LiveFeed) Option { return func(s *Server) { s.feed = f } }

func WithHealthCheck(fn func(context.Context) error) Option { return func(s *Server) { s.health = fn } }

func WithMetrics(m HTTPMetrics) Option { return func(s *Server) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithPingPeriod sets how often live connections are pinged.
func WithPingPeriod(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingPeriod = d
		}
	}
}

func New(trips TripService, authn Authenticator, opts ...Option) *Server {
	s := &Server{
		trips:      trips,
		auth:       authn,
		logger:     slog.Default(),
		pingPeriod: 30 * time.Second,
		writeWait:  5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Riders connect from arbitrary web origins and the feed is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed API wrapped in request logging.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, r, http.StatusNotFound, kindNotFound, "no such route")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, r, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("http_panic", slog.Any("panic", v), slog.String("path", r.URL.Path))
		s.errorResponse(w, r, http.StatusInternalServerError, kindInternal, "internal server error")
	}

	s.handle(router, http.MethodPost, "/v1/trips", s.driverOnly(s.createTrip))
	s.handle(router, http.MethodPost, "/v1/trips/:id/begin", s.driverOnly(s.beginTrip))
	s.handle(router, http.MethodPost, "/v1/trips/:id/route-points", s.driverOnly(s.appendRoutePoint))
	s.handle(router, http.MethodPut, "/v1/trips/:id/occupancy", s.driverOnly(s.setOccupancy))
	s.handle(router, http.MethodPost, "/v1/trips/:id/complete", s.driverOnly(s.completeTrip))

	s.handle(router, http.MethodGet, "/v1/trips", s.searchTrips)
	s.handle(router, http.MethodGet, "/v1/trips/:id", s.getTrip)
	if s.feed != nil {
		s.handle(router, http.MethodGet, "/v1/trips/:id/live", s.tripLive)
		s.handle(router, http.MethodGet, "/v1/live", s.cityLive)
	}
	s.handle(router, http.MethodGet, "/healthz", s.healthz)

	return NewRequestLoggingMiddleware(s.logger)(router)
}

func (s *Server) handle(router *httprouter.Router, method, route string, h http.HandlerFunc) {
	router.Handler(method, route, s.observe(route, h))
}

// driverOnly rejects requests without a valid driver token and stores the
// verified claims in the request context.
func (s *Server) driverOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			s.errorResponse(w, r, http.StatusUnauthorized, kindUnauthenticated, "authentication is not configured")
			return
		}
		claims, err := s.auth.Authenticate(r)
		if err != nil {
			s.logger.Info("http_unauthenticated", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			s.errorResponse(w, r, http.StatusUnauthorized, kindUnauthenticated, "missing or invalid driver token")
			return
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health_check_failed", slog.String("error", err.Error()))
			s.errorResponse(w, r, http.StatusServiceUnavailable, kindInternal, "unhealthy")
			return
		}
	}
	s.sendResponse(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
