package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bustrac/internal/logging"
	"bustrac/internal/trip"
)

const (
	amqpRoutingPrefix = "trip"
	amqpDialTimeout   = 30 * time.Second
	// After a failed dial, publishes fail immediately until the backoff ends.
	amqpRedialBackoff = 5 * time.Second
)

var ErrAMQPDisconnected = errors.New("amqp: disconnected")

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
}

type amqpSession struct {
	ch       amqpChannel
	confirms <-chan amqp.Confirmation
	close    func() error
}

// AMQPPublisher sends trip events to a durable topic exchange with routing
// key trip.<city>.<tripId>.<event> and waits for the broker confirm.
type AMQPPublisher struct {
	exchange string
	dial     func(context.Context) (*amqpSession, error)
	metrics  PublisherMetrics
	logger   *slog.Logger
	now      func() time.Time

	// sem serializes publish and confirm so confirms stay aligned with
	// messages. It is a channel so waiting for it honours the context.
	sem     chan struct{}
	sess    *amqpSession
	retryAt time.Time
}

func NewAMQPPublisher(url, exchange string, m PublisherMetrics, logger *slog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = "bustrac.trips"
	}
	dial := func(ctx context.Context) (*amqpSession, error) { return dialAMQP(ctx, url, exchange) }
	p := newAMQPPublisher(dial, exchange, m, logger)
	ctx, cancel := context.WithTimeout(context.Background(), amqpDialTimeout)
	defer cancel()
	p.sem <- struct{}{}
	defer p.release()
	if err := p.connectLocked(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func newAMQPPublisher(dial func(context.Context) (*amqpSession, error), exchange string, m PublisherMetrics, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		exchange: exchange,
		dial:     dial,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		sem:      make(chan struct{}, 1),
	}
}

// contextDial is amqp.DefaultDial bounded by ctx as well: the TCP dial is
// cancelled with ctx and the handshake deadline never outlives it.
func contextDial(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: amqpDialTimeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		deadline := time.Now().Add(amqpDialTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		// Cleared by the client once the AMQP handshake completes.
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func dialAMQP(ctx context.Context, url, exchange string) (_ *amqpSession, err error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      contextDial(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp open channel: %w", err)
	}
	if err = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	if err = ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("amqp enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &amqpSession{
		ch:       ch,
		confirms: confirms,
		close: func() error {
			_ = ch.Close()
			return conn.Close()
		},
	}, nil
}

func (p *AMQPPublisher) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AMQPPublisher) release() { <-p.sem }

func (p *AMQPPublisher) connectLocked(ctx context.Context) error {
	sess, err := p.dial(ctx)
	if err != nil {
		p.retryAt = p.now().Add(amqpRedialBackoff)
		p.setConnected(false)
		return err
	}
	p.sess = sess
	p.retryAt = time.Time{}
	p.setConnected(true)
	logging.LogOperation(p.logger, "amqp_connected", slog.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) dropLocked() {
	if p.sess == nil {
		return
	}
	if p.sess.close != nil {
		if err := p.sess.close(); err != nil {
			logging.LogError(p.logger, "amqp_close_failed", err)
		}
	}
	p.sess = nil
	p.setConnected(false)
}

func (p *AMQPPublisher) setConnected(v bool) {
	if p.metrics != nil {
		p.metrics.SetConnected(BrokerAMQP, v)
	}
}

func (p *AMQPPublisher) Close() {
	p.sem <- struct{}{}
	defer p.release()
	p.dropLocked()
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev trip.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	key := routingKey(amqpRoutingPrefix, ev)

	start := time.Now()
	if err = p.acquire(ctx); err == nil {
		err = p.publishLocked(ctx, key, ev, body)
		p.release()
	}
	if p.metrics != nil {
		p.metrics.PublishObserve(BrokerAMQP, time.Since(start))
		if err != nil {
			p.metrics.PublishErrInc(BrokerAMQP)
		} else {
			p.metrics.PublishedInc(BrokerAMQP)
		}
	}
	return err
}

func (p *AMQPPublisher) publishLocked(ctx context.Context, key string, ev trip.Event, body []byte) error {
	if p.sess == nil || p.sess.ch.IsClosed() {
		p.dropLocked()
		if p.now().Before(p.retryAt) {
			return ErrAMQPDisconnected
		}
		if err := p.connectLocked(ctx); err != nil {
			return fmt.Errorf("amqp reconnect: %w", err)
		}
	}
	err := p.sess.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Type:         string(ev.Type),
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		p.dropLocked()
		return fmt.Errorf("amqp publish %s: %w", key, err)
	}

	select {
	case c, ok := <-p.sess.confirms:
		if !ok {
			p.dropLocked()
			return errors.New("amqp: confirm stream closed")
		}
		if !c.Ack {
			return fmt.Errorf("amqp: publish %s not acknowledged", key)
		}
		return nil
	case <-ctx.Done():
		// A late confirm would be matched to the next message; start over.
		p.dropLocked()
		return ctx.Err()
	}
}
