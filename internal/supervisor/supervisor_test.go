package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"nodie/internal/api"
	"nodie/internal/model"
	"nodie/internal/nodeerr"
)

type fakeTransport struct {
	mu        sync.Mutex
	results   []error
	logins    int
	logouts   int
	logoutErr error
	block     bool
}

func (f *fakeTransport) Login(ctx context.Context, creds api.Credentials) (*api.Session, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, nodeerr.New(nodeerr.KindTransient, "login", ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return &api.Session{Token: creds.Token, NodeID: "node-1"}, nil
}

func (f *fakeTransport) Logout(ctx context.Context, sess *api.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.logoutErr
}

func (f *fakeTransport) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.logouts
}

type stateLog struct {
	mu     sync.Mutex
	states []model.ConnectionState
}

func (l *stateLog) hook(_, to model.ConnectionState, _ time.Time) {
	l.mu.Lock()
	l.states = append(l.states, to)
	l.mu.Unlock()
}

func (l *stateLog) get() []model.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ConnectionState(nil), l.states...)
}

func fastConfig() Config {
	return Config{
		AutoReconnect: true,
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
		Jitter:        NoJitter,
	}
}

func transientErr() error {
	return nodeerr.New(nodeerr.KindTransient, "login", errors.New("connection refused"))
}

func TestRun_FatalLoginStopsWithoutRetry(t *testing.T) {
	t.Parallel()

	fatal := &nodeerr.Error{Kind: nodeerr.KindAuthFatal, Op: "login", Status: 401, Err: errors.New("Invalid credentials")}
	tr := &fakeTransport{results: []error{fatal}}
	log := &stateLog{}
	s := New(tr, api.Credentials{Token: "t"}, fastConfig(), []StateHook{log.hook})

	err := s.Run(context.Background(), func(context.Context, *api.Session) error {
		t.Fatal("must not connect")
		return nil
	})
	require.Error(t, err)
	assert.True(t, nodeerr.IsFatal(err))
	assert.Equal(t, []model.ConnectionState{model.StateConnecting, model.StateStopped}, log.get())
	logins, _ := tr.counts()
	assert.Equal(t, 1, logins)
	assert.Equal(t, fatal, s.LastError())
}

func TestRun_RetriesTransientThenConnects(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{results: []error{transientErr(), transientErr(), nil}}
	log := &stateLog{}
	s := New(tr, api.Credentials{Token: "t"}, fastConfig(), []StateHook{log.hook})

	ctx, cancel := context.WithCancel(context.Background())
	err := s.Run(ctx, func(ctx context.Context, sess *api.Session) error {
		assert.Equal(t, "node-1", sess.NodeID)
		cancel()
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.ConnectionState{
		model.StateConnecting, model.StateReconnecting,
		model.StateConnecting, model.StateReconnecting,
		model.StateConnecting, model.StateConnected,
		model.StateStopping, model.StateStopped,
	}, log.get())
	logins, logouts := tr.counts()
	assert.Equal(t, 3, logins)
	assert.Equal(t, 1, logouts)
}

func TestRun_SessionExpiryReconnects(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	log := &stateLog{}
	s := New(tr, api.Credentials{Token: "t"}, fastConfig(), []StateHook{log.hook})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := s.Run(ctx, func(ctx context.Context, sess *api.Session) error {
		calls++
		if calls == 1 {
			return nodeerr.New(nodeerr.KindSessionExpired, "heartbeat", errors.New("token expired"))
		}
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []model.ConnectionState{
		model.StateConnecting, model.StateConnected, model.StateReconnecting,
		model.StateConnecting, model.StateConnected,
		model.StateStopping, model.StateStopped,
	}, log.get())
}

func TestRun_NoAutoReconnectStops(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.AutoReconnect = false
	s := New(&fakeTransport{}, api.Credentials{Token: "t"}, cfg, nil)

	err := s.Run(context.Background(), func(context.Context, *api.Session) error {
		return transientErr()
	})
	require.Error(t, err)
	assert.Equal(t, model.StateStopped, s.State())
}

func TestRun_StopInterruptsBackoffWait(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	tr := &fakeTransport{results: []error{transientErr()}}
	s := New(tr, api.Credentials{Token: "t"}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(context.Context, *api.Session) error { return nil }) }()

	require.Eventually(t, func() bool { return s.State() == model.StateReconnecting }, time.Second, time.Millisecond)
	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt backoff")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.StateStopped, s.State())
	_, logouts := tr.counts()
	assert.Zero(t, logouts)
}

func TestMachine_RejectsIllegalTransitions(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil)
	require.Error(t, m.Transition(model.StateConnected))
	require.NoError(t, m.Transition(model.StateConnecting))
	require.NoError(t, m.Transition(model.StateConnected))
	require.Error(t, m.Transition(model.StateConnecting))
	require.NoError(t, m.Transition(model.StateStopping))
	require.NoError(t, m.Transition(model.StateStopped))
	require.Error(t, m.Transition(model.StateIdle))
	assert.Equal(t, model.StateStopped, m.State())
}

func TestMachine_EveryStateCanStop(t *testing.T) {
	t.Parallel()

	for _, s := range []model.ConnectionState{model.StateIdle, model.StateConnecting, model.StateConnected, model.StateReconnecting} {
		assert.True(t, CanTransition(s, model.StateStopping), "%s", s)
	}
	assert.True(t, CanTransition(model.StateStopping, model.StateStopped))
}

type ceilingLog struct {
	mu       sync.Mutex
	ceilings []time.Duration
}

func (c *ceilingLog) jitter(ceiling time.Duration) time.Duration {
	c.mu.Lock()
	c.ceilings = append(c.ceilings, ceiling)
	c.mu.Unlock()
	return 0
}

// runBackoffScenario fails two logins, connects once with a session that
// fails, fails one more login and then connects for good.
func runBackoffScenario(t *testing.T, cfg Config) []time.Duration {
	t.Helper()

	ceilings := &ceilingLog{}
	cfg.Jitter = ceilings.jitter
	tr := &fakeTransport{results: []error{transientErr(), transientErr(), nil, transientErr(), nil}}
	s := New(tr, api.Credentials{Token: "t"}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	err := s.Run(ctx, func(ctx context.Context, sess *api.Session) error {
		calls++
		if calls == 1 {
			return transientErr()
		}
		cancel()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	ceilings.mu.Lock()
	defer ceilings.mu.Unlock()
	return append([]time.Duration(nil), ceilings.ceilings...)
}

func TestRun_BackoffResetsAfterConnected(t *testing.T) {
	t.Parallel()

	got := runBackoffScenario(t, fastConfig())
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{1 * ms, 2 * ms, 1 * ms, 2 * ms}, got)
}

func TestRun_ShortSessionKeepsBackoffGrowing(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.StableAfter = time.Hour
	got := runBackoffScenario(t, cfg)
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{1 * ms, 2 * ms, 4 * ms, 4 * ms}, got)
}

func TestRun_StopInterruptsInFlightLogin(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{block: true}
	s := New(tr, api.Credentials{Token: "t"}, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(context.Context, *api.Session) error { return nil }) }()

	require.Eventually(t, func() bool { return s.State() == model.StateConnecting }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the login call")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.StateStopped, s.State())
}

func TestShutdown_LogoutFailureLoggedOnce(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	tr := &fakeTransport{logoutErr: errors.New("server gone")}
	s := New(tr, api.Credentials{Token: "t"}, fastConfig(), nil, WithLogger(zap.New(core)))

	ctx, cancel := context.WithCancel(context.Background())
	err := s.Run(ctx, func(ctx context.Context, sess *api.Session) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("logout failed").Len())
}
