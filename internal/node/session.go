package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nodie/internal/api"
	"nodie/internal/model"
	"nodie/internal/nodeerr"
	"nodie/internal/supervisor"
)

// run is one Start..Stop lifetime of the background task.
type run struct {
	deps  Deps
	opts  Options
	sup   *supervisor.Supervisor
	meter *meter
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	done       chan struct{}
	settled    chan struct{}
	settleOnce sync.Once

	mu   sync.Mutex
	err  error
	view view
}

// view is the status-relevant state written by the loop goroutine and the
// supervisor's state hook.
type view struct {
	nodeID         string
	ip             model.IPMetadata
	tier           model.Tier
	lastSample     *model.SpeedSample
	connectedAt    time.Time
	connectedSince time.Time
	uptime         time.Duration
}

type probeResult struct {
	sample model.SpeedSample
	err    error
}

func newRun(parent context.Context, deps Deps, opts Options, creds api.Credentials) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		deps:    deps,
		opts:    opts,
		log:     deps.Log.Named("node"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	r.view.tier = model.TierBad
	r.view.ip.Class = model.IPUnknown
	r.meter = newMeter(deps.Ledger, opts.Policy, r.log)
	r.sup = supervisor.New(deps.Transport, creds, supervisor.Config{
		AutoReconnect: opts.AutoReconnect,
		BackoffBase:   opts.BackoffBase,
		BackoffMax:    opts.BackoffMax,
		LogoutTimeout: opts.StopTimeout / 2,
		Jitter:        opts.Jitter,
		StableAfter:   opts.HeartbeatInterval,
	}, []supervisor.StateHook{r.onState},
		supervisor.WithClock(deps.Clock),
		supervisor.WithLogger(deps.Log.Named("supervisor")))
	return r
}

// loop runs until stopped or a fatal error.
func (r *run) loop() {
	defer r.settle()
	defer close(r.done)
	defer r.cancel()

	err := r.sup.Run(r.ctx, r.session)
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.publishLedger()
}

func (r *run) settle() { r.settleOnce.Do(func() { close(r.settled) }) }

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) result() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *run) onState(from, to model.ConnectionState, at time.Time) {
	r.mu.Lock()
	if from == model.StateConnected {
		r.view.uptime += at.Sub(r.view.connectedAt)
		r.view.connectedSince = time.Time{}
	}
	if to == model.StateConnected {
		r.view.connectedAt = at
		r.view.connectedSince = at
	}
	r.mu.Unlock()

	r.deps.Metrics.SetState(to)
	if to == model.StateReconnecting {
		r.settle()
	}
}

func (r *run) status() model.StatusSnapshot {
	state, _ := r.sup.Snapshot()
	now := r.deps.Clock.Now()

	r.mu.Lock()
	v := r.view
	err := r.err
	r.mu.Unlock()

	uptime := v.uptime
	if state == model.StateConnected && !v.connectedAt.IsZero() {
		uptime += now.Sub(v.connectedAt)
	}
	snap := model.StatusSnapshot{
		State:          state,
		NodeID:         v.nodeID,
		ConnectedSince: v.connectedSince,
		UptimeSeconds:  uptime.Seconds(),
		CurrentTier:    v.tier,
		IPClass:        v.ip.Class,
		TotalPoints:    r.deps.Ledger.TotalPoints(),
		PendingUploads: r.deps.Ledger.PendingCount(),
		LastSample:     v.lastSample,
	}
	if err == nil {
		err = r.sup.LastError()
	}
	if err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

// session runs while Connected: a probe worker feeds samples to the event
// loop, which is the only writer of the ledger.
func (r *run) session(ctx context.Context, sess *api.Session) error {
	r.mu.Lock()
	r.view.nodeID = sess.NodeID
	r.view.ip = sess.IP
	r.mu.Unlock()
	r.meter.begin(r.deps.Clock.Now(), sess.NodeID, sess.IP.Class)
	r.settle()

	samples := make(chan probeResult)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.probeLoop(gctx, samples)
		return nil
	})
	g.Go(func() error {
		return r.eventLoop(gctx, sess, samples)
	})
	return g.Wait()
}

func (r *run) probeLoop(ctx context.Context, out chan<- probeResult) {
	ticker := r.deps.Clock.Ticker(r.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		if r.deps.Address != nil {
			if err := r.deps.Address.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.log.Debug("public address refresh failed", zap.Error(err))
			}
		}
		sample, err := r.deps.Prober.Measure(ctx)
		select {
		case out <- probeResult{sample: sample, err: err}:
		case <-ctx.Done():
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (r *run) eventLoop(ctx context.Context, sess *api.Session, samples <-chan probeResult) error {
	heartbeat := r.deps.Clock.Ticker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	upload := r.deps.Clock.Ticker(r.opts.UploadInterval)
	defer upload.Stop()

	// Ledger writes after cancellation must still land.
	persist := context.WithoutCancel(ctx)

	if err := r.upload(ctx, sess); err != nil {
		return r.leave(ctx, persist, err)
	}

	for {
		select {
		case <-ctx.Done():
			return r.leave(ctx, persist, nil)
		case res := <-samples:
			r.handleProbe(persist, res)
		case <-heartbeat.C:
			if err := r.heartbeat(ctx, persist, sess); err != nil {
				return r.leave(ctx, persist, err)
			}
		case <-upload.C:
			if err := r.upload(ctx, sess); err != nil {
				return r.leave(ctx, persist, err)
			}
		}
	}
}

// leave truncates the open interval at the moment the session ends.
func (r *run) leave(ctx, persist context.Context, err error) error {
	r.meter.end(persist, r.deps.Clock.Now())
	r.publishLedger()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *run) handleProbe(ctx context.Context, res probeResult) {
	now := r.deps.Clock.Now()
	if res.err != nil {
		r.log.Warn("speed probe failed, holding tier", zap.Error(res.err))
		r.deps.Metrics.ObserveProbe(nil)
		r.meter.probeFailed(ctx, now)
		r.publishLedger()
		return
	}

	r.mu.Lock()
	ip := r.view.ip
	r.mu.Unlock()

	tier, mult := r.opts.Policy.Classify(res.sample, ip)
	r.meter.sample(ctx, now, tier)

	sample := res.sample
	r.mu.Lock()
	r.view.tier = tier
	r.view.lastSample = &sample
	r.mu.Unlock()

	r.deps.Metrics.ObserveProbe(&sample)
	r.publishLedger()
	if r.deps.Samples != nil {
		if err := r.deps.Samples.Record(sample); err != nil {
			r.log.Warn("record sample failed", zap.Error(err))
		}
	}
	r.log.Info("speed probe",
		zap.Float64("download_mbps", sample.DownloadMbps()),
		zap.Float64("latency_ms", sample.LatencyMs),
		zap.String("tier", string(tier)),
		zap.Float64("multiplier", mult))
}

func (r *run) heartbeat(ctx, persist context.Context, sess *api.Session) error {
	req := api.HeartbeatRequest{}
	if r.deps.Host != nil {
		usage, err := r.deps.Host.Sample(ctx)
		if err != nil {
			r.log.Debug("host stats unavailable", zap.Error(err))
		}
		req.CPUUsage = usage.CPUPercent
		req.MemoryUsage = usage.MemoryPercent
	}
	r.mu.Lock()
	if s := r.view.lastSample; s != nil {
		speed, latency := s.DownloadMbps(), s.LatencyMs
		req.SpeedMbps = &speed
		req.LatencyMs = &latency
	}
	r.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	refresh, err := r.deps.Transport.Heartbeat(hctx, sess, req)
	cancel()
	r.deps.Metrics.ObserveHeartbeat(err)
	if err != nil {
		return err
	}

	if refresh.IP.Class != "" {
		r.meter.reclassify(persist, r.deps.Clock.Now(), refresh.IP.Class)
		r.mu.Lock()
		r.view.ip = refresh.IP
		r.mu.Unlock()
	}
	if refresh.TokenRotated {
		r.log.Debug("session token refreshed")
	}
	return nil
}

// upload sends pending events. Rejected uploads keep the events pending
// and the session up; network and session errors end the session.
func (r *run) upload(ctx context.Context, sess *api.Session) error {
	pending := r.deps.Ledger.PendingEvents(r.opts.UploadBatch)
	if len(pending) == 0 {
		return nil
	}

	uctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	ack, err := r.deps.Transport.UploadLedgerDelta(uctx, sess, pending)
	cancel()
	r.deps.Metrics.ObserveUpload(err)
	if err != nil {
		if nodeerr.Is(err, nodeerr.KindUpload) {
			r.log.Warn("ledger upload rejected, will retry", zap.Error(err), zap.Int("pending", len(pending)))
			return nil
		}
		return err
	}

	n, err := r.deps.Ledger.Acknowledge(context.WithoutCancel(ctx), ack.Acknowledged)
	if err != nil {
		r.log.Error("acknowledge failed", zap.Error(err))
	}
	r.publishLedger()
	r.log.Debug("ledger uploaded", zap.Int("sent", len(pending)), zap.Int("acknowledged", n))
	return nil
}

func (r *run) publishLedger() {
	r.deps.Metrics.SetLedger(r.deps.Ledger.TotalPoints(), r.deps.Ledger.PendingCount())
}
