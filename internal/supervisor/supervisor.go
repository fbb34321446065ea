// Package supervisor keeps a node session alive: it logs in, hands the
// session to the caller while connected, and reconnects with backoff.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"nodie/internal/api"
	"nodie/internal/model"
	"nodie/internal/nodeerr"
)

const DefaultLogoutTimeout = time.Second

// Transport opens and closes sessions.
type Transport interface {
	Login(ctx context.Context, creds api.Credentials) (*api.Session, error)
	Logout(ctx context.Context, sess *api.Session) error
}

// ConnectedFunc runs while the session is up. It returns when ctx is done
// or when the session failed; the returned error decides what happens next.
type ConnectedFunc func(ctx context.Context, sess *api.Session) error

// Config tunes reconnect behaviour.
type Config struct {
	AutoReconnect bool
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LogoutTimeout time.Duration
	Jitter        JitterFunc
	// StableAfter is how long a session must stay Connected before the
	// backoff restarts at base. Zero resets on every Connected transition.
	StableAfter time.Duration
}

// Supervisor drives a Machine through the session lifecycle.
type Supervisor struct {
	transport Transport
	creds     api.Credentials
	cfg       Config
	machine   *Machine
	backoff   *Backoff
	clock     clock.Clock
	log       *zap.Logger

	mu      sync.Mutex
	lastErr error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option { return func(s *Supervisor) { s.clock = clk } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a supervisor in Idle. hooks observe every state transition.
func New(t Transport, creds api.Credentials, cfg Config, hooks []StateHook, opts ...Option) *Supervisor {
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = DefaultLogoutTimeout
	}
	s := &Supervisor{
		transport: t,
		creds:     creds,
		cfg:       cfg,
		clock:     clock.New(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backoff = NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.Jitter)
	s.machine = NewMachine(s.clock, append([]StateHook{s.logTransition}, hooks...)...)
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() model.ConnectionState { return s.machine.State() }

// Snapshot returns the current state and when it was entered.
func (s *Supervisor) Snapshot() (model.ConnectionState, time.Time) { return s.machine.Snapshot() }

// LastError returns the most recent session or login failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Run blocks until ctx is cancelled (returns nil) or a fatal error stops
// the node (returns that error). Transient and session errors are retried
// forever when AutoReconnect is set.
func (s *Supervisor) Run(ctx context.Context, connected ConnectedFunc) error {
	if err := s.machine.Transition(model.StateConnecting); err != nil {
		return err
	}

	for {
		sess, err := s.transport.Login(ctx, s.creds)
		if ctx.Err() != nil {
			return s.shutdown(sess)
		}
		if err == nil {
			err = s.serve(ctx, sess, connected)
			if ctx.Err() != nil {
				return s.shutdown(sess)
			}
		}

		s.setErr(err)
		if !nodeerr.Retryable(err) || !s.cfg.AutoReconnect {
			s.log.Error("node stopping", zap.Error(err))
			_ = s.machine.Transition(model.StateStopped)
			return err
		}

		s.log.Warn("session lost", zap.Error(err), zap.String("kind", nodeerr.KindOf(err).String()))
		if err := s.machine.Transition(model.StateReconnecting); err != nil {
			return err
		}
		if !s.wait(ctx, s.backoff.Next()) {
			return s.shutdown(nil)
		}
		if err := s.machine.Transition(model.StateConnecting); err != nil {
			return err
		}
	}
}

func (s *Supervisor) serve(ctx context.Context, sess *api.Session, connected ConnectedFunc) error {
	if err := s.machine.Transition(model.StateConnected); err != nil {
		return err
	}
	s.setErr(nil)
	connectedAt := s.clock.Now()

	err := connected(ctx, sess)
	if s.clock.Since(connectedAt) >= s.cfg.StableAfter {
		s.backoff.Reset()
	}
	if err == nil && ctx.Err() == nil {
		err = nodeerr.New(nodeerr.KindTransient, "session", errors.New("session ended"))
	}
	return err
}

// wait sleeps for d unless ctx is cancelled first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	s.log.Info("reconnecting", zap.Duration("delay", d))
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// shutdown walks Stopping -> Stopped, logging out when a session is open.
func (s *Supervisor) shutdown(sess *api.Session) error {
	if err := s.machine.Transition(model.StateStopping); err != nil {
		return err
	}
	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LogoutTimeout)
		if err := s.transport.Logout(ctx, sess); err != nil {
			s.log.Warn("logout failed", zap.String("node_id", sess.NodeID), zap.Error(err))
		}
		cancel()
	}
	return s.machine.Transition(model.StateStopped)
}

func (s *Supervisor) logTransition(from, to model.ConnectionState, _ time.Time) {
	s.log.Info("state change", zap.String("from", string(from)), zap.String("to", string(to)))
}
