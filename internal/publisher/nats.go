package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"bustrac/internal/logging"
	"bustrac/internal/trip"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher sends trip events on <prefix>.<city>.<tripId>.<event>.
type NATSPublisher struct {
	nc          natsConn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bustrac"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.SetConnected(BrokerNATS, false)
			}
			logging.LogError(logger, "nats_disconnected", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.SetConnected(BrokerNATS, true)
			}
			logging.LogOperation(logger, "nats_reconnected", slog.String("url", c.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(BrokerNATS, false)
			}
			logging.LogOperation(logger, "nats_closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.SetConnected(BrokerNATS, true)
	}
	return newNATSPublisher(nc, prefix, logSubjects, m, logger), nil
}

func newNATSPublisher(nc natsConn, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "bustrac.trips"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m, logger: logger}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			logging.LogError(p.logger, "nats_drain_failed", err)
		}
		p.nc.Close()
	}
}

// Publish is fire-and-forget at the NATS level; ctx only bounds encoding.
func (p *NATSPublisher) Publish(ctx context.Context, ev trip.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := routingKey(p.prefix, ev)
	b, err := encode(ev)
	if err != nil {
		return err
	}
	if p.logSubjects {
		logging.LogOperation(p.logger, "nats_publish", slog.String("subject", subject))
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(BrokerNATS, time.Since(start))
		if err != nil {
			p.metrics.PublishErrInc(BrokerNATS)
		} else {
			p.metrics.PublishedInc(BrokerNATS)
		}
	}
	return err
}
