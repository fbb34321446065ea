package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodie/internal/api"
	"nodie/internal/ledger"
	"nodie/internal/model"
	"nodie/internal/nodeerr"
	"nodie/internal/supervisor"
)

type fakeTransport struct {
	mu           sync.Mutex
	loginErrs    []error
	heartbeatErr []error
	uploadErr    error
	logins       []time.Time
	logouts      int
	heartbeats   int
	uploaded     map[string]int
	class        model.IPClass
	// hang makes Heartbeat block until its context ends. entered is
	// signalled once the call is in flight.
	hang    bool
	entered chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{uploaded: make(map[string]int), class: model.IPResidential}
}

func (f *fakeTransport) Login(ctx context.Context, creds api.Credentials) (*api.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, time.Now())
	if len(f.loginErrs) > 0 {
		err := f.loginErrs[0]
		f.loginErrs = f.loginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &api.Session{Token: "tok", NodeID: "node-1", IP: model.IPMetadata{Address: "203.0.113.1", Class: f.class}}, nil
}

func (f *fakeTransport) Logout(ctx context.Context, sess *api.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeTransport) Heartbeat(ctx context.Context, sess *api.Session, req api.HeartbeatRequest) (api.SessionRefresh, error) {
	f.mu.Lock()
	hang, entered := f.hang, f.entered
	f.mu.Unlock()
	if hang {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return api.SessionRefresh{}, nodeerr.New(nodeerr.KindTransient, "heartbeat", ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if len(f.heartbeatErr) > 0 {
		err := f.heartbeatErr[0]
		f.heartbeatErr = f.heartbeatErr[1:]
		if err != nil {
			return api.SessionRefresh{}, err
		}
	}
	return api.SessionRefresh{IP: sess.IP}, nil
}

func (f *fakeTransport) UploadLedgerDelta(ctx context.Context, sess *api.Session, events []model.AccrualEvent) (api.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return api.Ack{}, f.uploadErr
	}
	ack := api.Ack{}
	for _, ev := range events {
		f.uploaded[ev.ID]++
		ack.Acknowledged = append(ack.Acknowledged, ev.ID)
	}
	return ack, nil
}

func (f *fakeTransport) loginTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.logins...)
}

func (f *fakeTransport) uploadedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploaded)
}

type fakeProber struct {
	mu   sync.Mutex
	mbps []float64
	err  error
}

func (p *fakeProber) Measure(ctx context.Context) (model.SpeedSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return model.SpeedSample{}, nodeerr.New(nodeerr.KindProbe, "probe", p.err)
	}
	v := 100.0
	if len(p.mbps) > 0 {
		v = p.mbps[0]
		if len(p.mbps) > 1 {
			p.mbps = p.mbps[1:]
		}
	}
	return model.SpeedSample{DownloadBps: v * 1e6, MeasuredAt: time.Now()}, nil
}

func fastOptions() Options {
	return Options{
		ProbeInterval:     15 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		UploadInterval:    25 * time.Millisecond,
		RequestTimeout:    time.Second,
		StopTimeout:       2 * time.Second,
		AutoReconnect:     true,
		BackoffBase:       5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		Jitter:            supervisor.NoJitter,
	}
}

func newTestController(t *testing.T, tr *fakeTransport, pr *fakeProber) (*Controller, *ledger.Ledger) {
	t.Helper()
	l := newTestLedger(t)
	c := New(Deps{Transport: tr, Prober: pr, Ledger: l}, fastOptions())
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, l
}

func assertOrdered(t *testing.T, events []model.AccrualEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Start.Before(events[i-1].End), "overlap at %d", i)
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestStart_IdempotentWhileRunning(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	c, _ := newTestController(t, tr, &fakeProber{})

	snap, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, snap.State)
	assert.Equal(t, "node-1", snap.NodeID)

	again, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, again.State)
	assert.Len(t, tr.loginTimes(), 1, "second start must not open another session")

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, model.StateStopped, c.Status().State)
	require.NoError(t, c.Stop(context.Background()), "stop is idempotent")
}

func TestStart_FatalAuthStops(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.loginErrs = []error{&nodeerr.Error{Kind: nodeerr.KindAuthFatal, Op: "login", Status: 401, Err: errors.New("Invalid credentials")}}
	c, l := newTestController(t, tr, &fakeProber{})

	snap, err := c.Start(context.Background(), api.Credentials{Token: "bad"})
	require.Error(t, err)
	assert.True(t, nodeerr.IsFatal(err))
	assert.Equal(t, model.StateStopped, snap.State)
	assert.Contains(t, snap.LastError, "Invalid credentials")
	assert.Len(t, tr.loginTimes(), 1)
	assert.Empty(t, l.Events())
	assert.True(t, nodeerr.IsFatal(c.Err()))
}

func TestStart_TransientLoginSettlesInReconnecting(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.loginErrs = []error{nodeerr.New(nodeerr.KindTransient, "login", errors.New("connection refused"))}
	c, _ := newTestController(t, tr, &fakeProber{})

	_, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status().State == model.StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, tr.loginTimes(), 2)
}

func TestSession_AccruesAndUploads(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	c, l := newTestController(t, tr, &fakeProber{mbps: []float64{10, 50}})

	_, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.uploadedCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	events := l.Events()
	require.NotEmpty(t, events)
	assertOrdered(t, events)
	assert.Equal(t, model.TierBad, events[0].Tier)
	assert.Equal(t, model.TierGood, events[len(events)-1].Tier)

	snap := c.Status()
	assert.Equal(t, model.StateStopped, snap.State)
	assert.Equal(t, model.TierGood, snap.CurrentTier)
	assert.Equal(t, model.IPResidential, snap.IPClass)
	assert.Greater(t, snap.TotalPoints, 0.0)
	assert.Greater(t, snap.UptimeSeconds, 0.0)
	require.NotNil(t, snap.LastSample)
	assert.InDelta(t, 50.0, snap.LastSample.DownloadMbps(), 1e-9)

	tr.mu.Lock()
	for id, n := range tr.uploaded {
		assert.Equal(t, 1, n, "event %s uploaded twice after ack", id)
	}
	tr.mu.Unlock()
}

func TestSession_RejectedUploadKeepsSessionAndEvents(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.uploadErr = &nodeerr.Error{Kind: nodeerr.KindUpload, Op: "report", Status: 500, Err: errors.New("db down")}
	c, l := newTestController(t, tr, &fakeProber{})

	_, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.PendingCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StateConnected, c.Status().State)
	assert.Len(t, tr.loginTimes(), 1)

	tr.mu.Lock()
	tr.uploadErr = nil
	tr.mu.Unlock()
	require.Eventually(t, func() bool { return tr.uploadedCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_HeartbeatExpiryTruncatesAndReconnects(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.heartbeatErr = []error{
		nil,
		nodeerr.New(nodeerr.KindSessionExpired, "heartbeat", errors.New("token expired")),
	}
	c, l := newTestController(t, tr, &fakeProber{})

	_, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(tr.loginTimes()) >= 2 && c.Status().State == model.StateConnected },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	events := l.Events()
	assertOrdered(t, events)
	relogin := tr.loginTimes()[1]
	for _, ev := range events {
		spans := ev.Start.Before(relogin) && ev.End.After(relogin)
		assert.False(t, spans, "event %d spans the disconnection", ev.Seq)
	}
}

func TestStatus_BeforeStart(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, newFakeTransport(), &fakeProber{})
	snap := c.Status()
	assert.Equal(t, model.StateIdle, snap.State)
	assert.Zero(t, snap.TotalPoints)
	assert.Nil(t, c.Done())
	require.NoError(t, c.Stop(context.Background()))
}

func TestStop_InterruptsBackoff(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.loginErrs = []error{nodeerr.New(nodeerr.KindTransient, "login", errors.New("unreachable"))}
	l := newTestLedger(t)
	opts := fastOptions()
	opts.BackoffBase = time.Hour
	opts.BackoffMax = time.Hour
	c := New(Deps{Transport: tr, Prober: &fakeProber{}, Ledger: l}, opts)

	snap, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, model.StateReconnecting, snap.State)

	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.StateStopped, c.Status().State)
	<-c.Done()
}

func TestSession_TransientUploadFailureReconnectsAndKeepsEvents(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.uploadErr = nodeerr.New(nodeerr.KindTransient, "report", errors.New("connection reset"))
	c, l := newTestController(t, tr, &fakeProber{})

	_, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(tr.loginTimes()) >= 3 && l.PendingCount() > 0 },
		3*time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.uploadedCount())

	var held []string
	for _, ev := range l.PendingEvents(0) {
		held = append(held, ev.ID)
	}
	require.NotEmpty(t, held)

	tr.mu.Lock()
	tr.uploadErr = nil
	tr.mu.Unlock()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		for _, id := range held {
			if tr.uploaded[id] == 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Status().State == model.StateConnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	assertOrdered(t, l.Events())
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, id := range held {
		assert.Equal(t, 1, tr.uploaded[id], "event %s", id)
	}
}

func TestStop_InterruptsInFlightHeartbeat(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.hang = true
	tr.entered = make(chan struct{}, 1)
	l := newTestLedger(t)
	opts := fastOptions()
	opts.RequestTimeout = time.Hour
	c := New(Deps{Transport: tr, Prober: &fakeProber{}, Ledger: l}, opts)

	_, err := c.Start(context.Background(), api.Credentials{Token: "tok"})
	require.NoError(t, err)
	select {
	case <-tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never started")
	}

	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.StateStopped, c.Status().State)
	<-c.Done()
}
