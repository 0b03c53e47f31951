package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"bustrac/internal/live"
	"bustrac/internal/trip"
)

// tripLive streams one trip: a snapshot first, then every event, and closes
// after the completed event.
func (s *Server) tripLive(w http.ResponseWriter, r *http.Request) {
	id := tripID(r)
	// Subscribe before reading the snapshot so nothing falls between them.
	sub := s.feed.Subscribe(id)
	defer sub.Close()

	t, err := s.trips.Get(r.Context(), id)
	if err != nil {
		s.tripError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("ws_upgrade_failed", slog.String("trip_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	snap := trip.Event{Type: trip.EventSnapshot, Trip: t.View(), At: time.Now().UTC()}
	s.stream(r.Context(), conn, sub, snap, func(ev trip.Event) bool {
		return ev.Type == trip.EventCompleted
	})
}

// cityLive streams every event of one city until the client goes away.
func (s *Server) cityLive(w http.ResponseWriter, r *http.Request) {
	city := strings.TrimSpace(r.URL.Query().Get("city"))
	if city == "" {
		s.errorResponse(w, r, http.StatusBadRequest, kindValidation, "city is required")
		return
	}
	sub := s.feed.SubscribeCity(city)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", slog.String("city", city), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	s.stream(r.Context(), conn, sub, trip.Event{}, func(trip.Event) bool { return false })
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub *live.Subscription, first trip.Event, last func(trip.Event) bool) {
	pongWait := 2 * s.pingPeriod
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reader only drains control frames; clients never send data.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Last version sent per trip; anything at or below it is stale.
	sent := make(map[string]int64)
	if first.Type != "" {
		if !s.send(conn, first) {
			return
		}
		if first.Trip.Status.Terminal() {
			s.closeNormal(conn, "trip completed")
			return
		}
		sent[first.Trip.ID] = first.Trip.Version
	}

	ping := time.NewTicker(s.pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				s.closeNormal(conn, "subscription closed")
				return
			}
			if ev.Trip.Version <= sent[ev.Trip.ID] {
				continue
			}
			if !s.send(conn, ev) {
				return
			}
			sent[ev.Trip.ID] = ev.Trip.Version
			if last(ev) {
				s.closeNormal(conn, "trip completed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, ev trip.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Info("ws_write_failed", slog.String("trip_id", ev.Trip.ID), slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

func (s *Server) closeNormal(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
}
