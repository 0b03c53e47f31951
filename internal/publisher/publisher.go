package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bustrac/internal/trip"
)

// Broker labels used for metrics.
const (
	BrokerNATS = "nats"
	BrokerAMQP = "amqp"
)

type PublisherMetrics interface {
	PublishedInc(broker string)
	PublishErrInc(broker string)
	PublishObserve(broker string, d time.Duration)
	SetConnected(broker string, connected bool)
}

// Message is the broker payload for one trip event.
type Message struct {
	Event  trip.EventType `json:"event"`
	TripID string         `json:"tripId"`
	City   string         `json:"city"`
	At     time.Time      `json:"at"`
	Trip   trip.View      `json:"trip"`
}

func encode(ev trip.Event) ([]byte, error) {
	return json.Marshal(Message{
		Event:  ev.Type,
		TripID: ev.Trip.ID,
		City:   ev.Trip.City,
		At:     ev.At,
		Trip:   ev.Trip,
	})
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []trip.Notifier

func (f Fanout) Publish(ctx context.Context, ev trip.Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS and AMQP topic words cannot contain '.', and wildcards must not leak in.
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "#", "_", "/", "_", "\t", "_")
	s = repl.Replace(strings.ToLower(s))
	if s == "" {
		s = "_"
	}
	return s
}

func routingKey(prefix string, ev trip.Event) string {
	return strings.Join([]string{
		prefix,
		subjectToken(ev.Trip.City),
		subjectToken(ev.Trip.ID),
		string(ev.Type),
	}, ".")
}
