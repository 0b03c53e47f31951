// Package supervisor force-completes Ongoing trips whose driver stopped
// reporting.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bustrac/internal/logging"
	"bustrac/internal/trip"
)

const DefaultBatch = 100

type IdleFinder interface {
	FindIdle(ctx context.Context, cutoff time.Time, limit int) ([]*trip.Trip, error)
}

type Expirer interface {
	ExpireIdle(ctx context.Context, tripID string, cutoff time.Time) (bool, error)
}

type Metrics interface {
	SweepObserve(d time.Duration, expired int)
}

type Supervisor struct {
	finder   IdleFinder
	expirer  Expirer
	timeout  time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time
	metrics  Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Supervisor)

func WithMetrics(m Metrics) Option { return func(s *Supervisor) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

func WithBatch(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.batch = n
		}
	}
}

// New returns a supervisor that completes trips idle for longer than
// timeout, checking every interval. A non-positive timeout disables it.
func New(finder IdleFinder, expirer Expirer, timeout, interval time.Duration, opts ...Option) *Supervisor {
	s := &Supervisor{
		finder:   finder,
		expirer:  expirer,
		timeout:  timeout,
		interval: interval,
		batch:    DefaultBatch,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Enabled() bool { return s.timeout > 0 && s.interval > 0 }

// Start launches the sweep loop. It sweeps once immediately.
func (s *Supervisor) Start(parent context.Context) {
	if !s.Enabled() {
		logging.LogOperation(s.logger, "idle_supervisor_disabled")
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepAndLog(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepAndLog(ctx)
			}
		}
	}()
	logging.LogOperation(s.logger, "idle_supervisor_started",
		slog.Duration("timeout", s.timeout),
		slog.Duration("interval", s.interval))
}

func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) sweepAndLog(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		logging.LogError(s.logger, "idle_sweep_failed", err, slog.Int("expired", n))
		return
	}
	if n > 0 {
		logging.LogOperation(s.logger, "idle_sweep", slog.Int("expired", n))
	}
}

// Sweep completes every trip idle past the timeout and returns how many it
// completed. Failures on single trips do not stop the sweep.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.timeout)
	expired := 0
	var errs []error
	defer func() {
		if s.metrics != nil {
			s.metrics.SweepObserve(time.Since(start), expired)
		}
	}()

	for {
		idle, err := s.finder.FindIdle(ctx, cutoff, s.batch)
		if err != nil {
			errs = append(errs, err)
			break
		}
		done := 0
		for _, t := range idle {
			if ctx.Err() != nil {
				return expired, errors.Join(append(errs, ctx.Err())...)
			}
			ok, err := s.expirer.ExpireIdle(ctx, t.ID, cutoff)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				done++
			}
		}
		expired += done
		// A short page is the last one; a page with no progress would repeat forever.
		if len(idle) < s.batch || done == 0 {
			break
		}
	}
	return expired, errors.Join(errs...)
}
