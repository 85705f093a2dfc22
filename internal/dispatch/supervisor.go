package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"wisersync/internal/clock"
	"wisersync/internal/gateway"
	"wisersync/internal/graph"
)

const (
	// DefaultMaxAttempts is the consecutive-failure budget before the
	// supervisor gives up and surfaces ErrPersistentDisconnection.
	DefaultMaxAttempts = 10

	baseBackoff = 1 * time.Second
	maxBackoff  = 60 * time.Second
)

// Supervisor watches the dispatcher and drives recovery when the event
// stream drops: full-jitter exponential backoff, re-authentication
// when the credential is invalid, a fresh graph load when state went
// stale, then reopening the channel. It never loops forever silently;
// after the attempt budget it stops and surfaces the failure so the
// host can prompt for reauthentication.
type Supervisor struct {
	dispatcher  *Dispatcher
	session     *gateway.Session
	loader      *graph.Loader
	graph       *graph.Graph
	logger      *zap.Logger
	clock       clock.Clock
	maxAttempts int

	// jitter picks the actual wait below the backoff ceiling. Injected
	// in tests; full jitter in production.
	jitter func(ceiling time.Duration) time.Duration
}

// NewSupervisor creates a supervisor. maxAttempts <= 0 selects the
// default budget.
func NewSupervisor(d *Dispatcher, session *gateway.Session, loader *graph.Loader, g *graph.Graph, maxAttempts int, logger *zap.Logger) *Supervisor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Supervisor{
		dispatcher:  d,
		session:     session,
		loader:      loader,
		graph:       g,
		logger:      logger,
		clock:       clock.NewReal(),
		maxAttempts: maxAttempts,
		jitter: func(ceiling time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(ceiling)))
		},
	}
}

// SetClock overrides the clock, for tests.
func (s *Supervisor) SetClock(c clock.Clock) {
	s.clock = c
}

// SetJitter overrides the jitter function, for tests.
func (s *Supervisor) SetJitter(f func(ceiling time.Duration) time.Duration) {
	s.jitter = f
}

// Run blocks observing dispatcher transitions until ctx is cancelled
// or recovery fails terminally. Returns nil on cancellation,
// ErrPersistentDisconnection after exhausting the attempt budget, and
// auth/load errors verbatim when they are terminal.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-s.dispatcher.Transitions():
			if st != StateDisconnected {
				continue
			}
			// Revalidate: the notification may be stale.
			if s.dispatcher.State() != StateDisconnected {
				continue
			}

			if err := s.recover(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

// recover retries Auth → Load → Dispatch with backoff until the stream
// is back or the attempt budget is spent.
func (s *Supervisor) recover(ctx context.Context) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		ceiling := backoffCeiling(attempt)
		delay := s.jitter(ceiling)

		s.logger.Info("Waiting before reconnect attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Duration("ceiling", ceiling),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}

		err := s.resync(ctx)
		if err == nil {
			s.logger.Info("Reconnected", zap.Int("attempts", attempt+1))
			return nil
		}

		if isTerminal(err) {
			s.logger.Error("Recovery failed terminally", zap.Error(err))
			return err
		}

		s.logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	s.logger.Error("Reconnect attempts exhausted",
		zap.Int("max_attempts", s.maxAttempts))
	return gateway.ErrPersistentDisconnection
}

// resync re-authenticates if the credential is invalid, reloads the
// graph if it went stale, then reopens the event channel.
func (s *Supervisor) resync(ctx context.Context) error {
	if s.dispatcher.State() != StateDisconnected {
		return nil
	}

	if !s.session.Valid() {
		if _, err := s.session.Claim(ctx); err != nil {
			return err
		}
	}

	if s.graph.Stale() {
		snap, err := s.loader.Load(ctx)
		if err != nil {
			return err
		}
		s.graph.Replace(snap)
	}

	if err := s.dispatcher.Start(); err != nil {
		if errors.Is(err, gateway.ErrAlreadyConnected) {
			return nil
		}
		return err
	}
	return nil
}

// isTerminal reports whether an error must abort recovery instead of
// being retried: an unfinalized installation is surfaced verbatim, and
// a rejected or timed-out claim needs the user, not another retry.
func isTerminal(err error) bool {
	return errors.Is(err, gateway.ErrNoSiteInfo) ||
		errors.Is(err, gateway.ErrAuthRejected) ||
		errors.Is(err, gateway.ErrAuthTimeout) ||
		errors.Is(err, context.Canceled)
}

// backoffCeiling returns the exponential ceiling for one attempt:
// 1s, 2s, 4s, ... capped at 60s. Full jitter picks the actual wait
// uniformly below it.
func backoffCeiling(attempt int) time.Duration {
	if attempt >= 6 {
		return maxBackoff
	}
	d := baseBackoff << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
