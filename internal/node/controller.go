// Package node runs one node: it owns the background task that keeps the
// session alive, probes the connection and writes the ledger.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"nodie/internal/api"
	"nodie/internal/config"
	"nodie/internal/ledger"
	"nodie/internal/metrics"
	"nodie/internal/model"
	"nodie/internal/quality"
	"nodie/internal/supervisor"
	"nodie/internal/sysstat"
)

// ErrStopTimeout is returned when the background task did not finish
// within the stop grace period.
var ErrStopTimeout = errors.New("node did not stop in time")

// Transport is the session contract the node needs from the API client.
type Transport interface {
	supervisor.Transport
	Heartbeat(ctx context.Context, sess *api.Session, req api.HeartbeatRequest) (api.SessionRefresh, error)
	UploadLedgerDelta(ctx context.Context, sess *api.Session, events []model.AccrualEvent) (api.Ack, error)
}

// Prober measures one speed sample.
type Prober interface {
	Measure(ctx context.Context) (model.SpeedSample, error)
}

// HostSampler reports host resource usage for heartbeats.
type HostSampler interface {
	Sample(ctx context.Context) (sysstat.Usage, error)
}

// AddressRefresher re-discovers the public address before each probe.
type AddressRefresher interface {
	Refresh(ctx context.Context) error
}

// SampleRecorder keeps a local history of probe samples.
type SampleRecorder interface {
	Record(s model.SpeedSample) error
}

// Deps are the collaborators of a Controller. Transport, Prober and Ledger
// are required.
type Deps struct {
	Transport Transport
	Prober    Prober
	Ledger    *ledger.Ledger
	Host      HostSampler
	Address   AddressRefresher
	Samples   SampleRecorder
	Metrics   *metrics.Collectors
	Clock     clock.Clock
	Log       *zap.Logger
}

// Options are read once per Start.
type Options struct {
	Policy            quality.Policy
	ProbeInterval     time.Duration
	HeartbeatInterval time.Duration
	UploadInterval    time.Duration
	RequestTimeout    time.Duration
	StopTimeout       time.Duration
	AutoReconnect     bool
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	Jitter            supervisor.JitterFunc
	UploadBatch       int
}

// OptionsFromConfig maps the file config onto controller options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Policy:            cfg.Policy,
		ProbeInterval:     cfg.SpeedtestInterval(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		UploadInterval:    cfg.UploadInterval(),
		RequestTimeout:    cfg.RequestTimeout(),
		StopTimeout:       cfg.StopTimeout(),
		AutoReconnect:     cfg.AutoReconnect,
		BackoffBase:       time.Duration(cfg.Backoff.BaseSec) * time.Second,
		BackoffMax:        time.Duration(cfg.Backoff.MaxSec) * time.Second,
	}
}

func (o *Options) applyDefaults() {
	if o.Policy == (quality.Policy{}) {
		o.Policy = quality.DefaultPolicy()
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = config.DefaultSpeedtestSec * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = config.DefaultHeartbeatSec * time.Second
	}
	if o.UploadInterval <= 0 {
		o.UploadInterval = config.DefaultUploadSec * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = config.DefaultRequestSec * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = config.DefaultStopSec * time.Second
	}
	if o.UploadBatch <= 0 {
		o.UploadBatch = 500
	}
}

// Controller is the single owner of a node's background task. Start, Stop
// and Status are safe to call from any goroutine.
type Controller struct {
	deps Deps
	opts Options

	mu  sync.Mutex
	run *run
}

// New creates a stopped controller.
func New(deps Deps, opts Options) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	opts.applyDefaults()
	return &Controller{deps: deps, opts: opts}
}

// Start launches the background task and waits until the first login
// settles. If a task is already running its status is returned unchanged.
// A fatal login error is returned together with the stopped status.
func (c *Controller) Start(ctx context.Context, creds api.Credentials) (model.StatusSnapshot, error) {
	c.mu.Lock()
	if c.run != nil && !c.run.finished() {
		r := c.run
		c.mu.Unlock()
		return r.status(), nil
	}
	// The task outlives the caller's context; only Stop cancels it.
	r := newRun(context.WithoutCancel(ctx), c.deps, c.opts, creds)
	c.run = r
	c.mu.Unlock()

	go r.loop()

	select {
	case <-r.settled:
	case <-ctx.Done():
		return r.status(), ctx.Err()
	}
	if r.finished() {
		if err := r.result(); err != nil {
			return r.status(), err
		}
	}
	return r.status(), nil
}

// Stop cancels the background task and waits for it to finish, bounded by
// the stop timeout. Stopping a stopped controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil || r.finished() {
		return nil
	}

	r.cancel()
	t := time.NewTimer(c.opts.StopTimeout)
	defer t.Stop()
	select {
	case <-r.done:
		return nil
	case <-t.C:
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the node.
func (c *Controller) Status() model.StatusSnapshot {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return model.StatusSnapshot{
			State:          model.StateIdle,
			IPClass:        model.IPUnknown,
			TotalPoints:    c.deps.Ledger.TotalPoints(),
			PendingUploads: c.deps.Ledger.PendingCount(),
		}
	}
	return r.status()
}

// Done is closed when the current background task exits. It is nil when
// the controller was never started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.done
}

// Err returns the fatal error that ended the last task, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil || !r.finished() {
		return nil
	}
	return r.result()
}
