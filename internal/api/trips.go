package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"bustrac/internal/auth"
	"bustrac/internal/trip"
)

type routePointRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type occupancyRequest struct {
	OccupiedSeats *int `json:"occupiedSeats"`
}

func tripID(r *http.Request) string {
	return httprouter.ParamsFromContext(r.Context()).ByName("id")
}

// driverID is only valid behind driverOnly.
func driverID(r *http.Request) string {
	c, _ := auth.FromContext(r.Context())
	if c == nil {
		return ""
	}
	return c.DriverID()
}

func (s *Server) createTrip(w http.ResponseWriter, r *http.Request) {
	var p trip.CreateParams
	if !s.decodeJSON(w, r, &p) {
		return
	}
	t, err := s.trips.Create(r.Context(), driverID(r), p)
	if err != nil {
		s.tripError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/trips/"+t.ID)
	s.sendResponse(w, r, http.StatusCreated, t.View())
}

func (s *Server) beginTrip(w http.ResponseWriter, r *http.Request) {
	s.respondTrip(w, r)(s.trips.Begin(r.Context(), driverID(r), tripID(r)))
}

func (s *Server) appendRoutePoint(w http.ResponseWriter, r *http.Request) {
	var req routePointRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.errorResponse(w, r, http.StatusBadRequest, kindValidation, "lat and lng are required")
		return
	}
	s.respondTrip(w, r)(s.trips.AppendRoutePoint(r.Context(), driverID(r), tripID(r), *req.Lat, *req.Lng))
}

func (s *Server) setOccupancy(w http.ResponseWriter, r *http.Request) {
	var req occupancyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.OccupiedSeats == nil {
		s.errorResponse(w, r, http.StatusBadRequest, kindValidation, "occupiedSeats is required")
		return
	}
	s.respondTrip(w, r)(s.trips.SetOccupiedSeats(r.Context(), driverID(r), tripID(r), *req.OccupiedSeats))
}

func (s *Server) completeTrip(w http.ResponseWriter, r *http.Request) {
	s.respondTrip(w, r)(s.trips.Complete(r.Context(), driverID(r), tripID(r)))
}

func (s *Server) getTrip(w http.ResponseWriter, r *http.Request) {
	s.respondTrip(w, r)(s.trips.Get(r.Context(), tripID(r)))
}

func (s *Server) searchTrips(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.tripError(w, r, err)
		return
	}
	trips, err := s.trips.Search(r.Context(), q)
	if err != nil {
		s.tripError(w, r, err)
		return
	}
	s.sendResponse(w, r, http.StatusOK, listData{List: views(trips), Count: len(trips)})
}

func (s *Server) respondTrip(w http.ResponseWriter, r *http.Request) func(*trip.Trip, error) {
	return func(t *trip.Trip, err error) {
		if err != nil {
			s.tripError(w, r, err)
			return
		}
		s.sendResponse(w, r, http.StatusOK, t.View())
	}
}

func parseQuery(r *http.Request) (trip.Query, error) {
	v := r.URL.Query()
	q := trip.Query{
		City:        strings.TrimSpace(v.Get("city")),
		Source:      strings.TrimSpace(v.Get("source")),
		Destination: strings.TrimSpace(v.Get("destination")),
	}
	if raw := v.Get("status"); raw != "" {
		st, err := trip.ParseStatus(raw)
		if err != nil {
			return q, trip.ValidationError{Field: "status", Msg: err.Error()}
		}
		q.Status = st
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, trip.ValidationError{Field: "limit", Msg: "must be a positive integer"}
		}
		q.Limit = n
	}
	return q.Normalize(), nil
}
