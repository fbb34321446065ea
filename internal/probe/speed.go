// Package probe measures the node's network quality and discovers its
// public address.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"nodie/internal/model"
	"nodie/internal/nodeerr"
)

var (
	// ErrTimeout means the measurement did not finish within its budget.
	ErrTimeout = errors.New("probe timed out")
	// ErrNetwork means the measurement endpoint could not be reached.
	ErrNetwork = errors.New("probe network error")
)

const DefaultTimeout = 30 * time.Second

// Config points the probe at its measurement endpoints. UploadURL may be
// empty, in which case upload throughput is not measured.
type Config struct {
	LatencyURL     string
	DownloadURL    string
	UploadURL      string
	UploadBytes    int
	LatencySamples int
	Timeout        time.Duration
}

// SpeedProbe runs one bounded throughput and latency measurement per call.
type SpeedProbe struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
	now  func() time.Time
}

// NewSpeedProbe creates a probe. A nil logger disables logging.
func NewSpeedProbe(cfg Config, log *zap.Logger) *SpeedProbe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SpeedProbe{
		cfg:  cfg,
		http: &http.Client{},
		log:  log,
		now:  time.Now,
	}
}

// Measure runs latency, download and (optionally) upload tests. It returns
// within the configured timeout; failures carry nodeerr.KindProbe and wrap
// ErrTimeout or ErrNetwork.
func (p *SpeedProbe) Measure(ctx context.Context) (model.SpeedSample, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	latency, err := p.latency(ctx)
	if err != nil {
		return model.SpeedSample{}, p.fail(ctx, "latency", err)
	}

	// The download gets half of the budget; whatever arrived by then is the sample.
	down, err := p.download(ctx, p.cfg.Timeout/2)
	if err != nil {
		return model.SpeedSample{}, p.fail(ctx, "download", err)
	}

	var up float64
	if p.cfg.UploadURL != "" && p.cfg.UploadBytes > 0 {
		up, err = p.upload(ctx)
		if err != nil {
			p.log.Debug("upload test failed", zap.Error(err))
		}
	}

	sample := model.SpeedSample{
		DownloadBps: down,
		UploadBps:   up,
		LatencyMs:   latency,
		MeasuredAt:  p.now().UTC(),
	}
	p.log.Debug("probe complete",
		zap.Float64("download_mbps", sample.DownloadMbps()),
		zap.Float64("upload_mbps", sample.UploadMbps()),
		zap.Float64("latency_ms", sample.LatencyMs))
	return sample, nil
}

func (p *SpeedProbe) fail(ctx context.Context, phase string, err error) error {
	sentinel := ErrNetwork
	if errors.Is(err, ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		sentinel = ErrTimeout
	}
	if errors.Is(err, sentinel) {
		return nodeerr.New(nodeerr.KindProbe, "probe "+phase, err)
	}
	return nodeerr.New(nodeerr.KindProbe, "probe "+phase, fmt.Errorf("%w: %v", sentinel, err))
}

// latency returns the fastest of several HEAD round trips in milliseconds.
func (p *SpeedProbe) latency(ctx context.Context) (float64, error) {
	best := -1.0
	var lastErr error
	for i := 0; i < p.cfg.LatencySamples; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.LatencyURL, nil)
		if err != nil {
			return 0, err
		}
		start := p.now()
		res, err := p.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		res.Body.Close()
		ms := float64(p.now().Sub(start).Microseconds()) / 1000
		if best < 0 || ms < best {
			best = ms
		}
	}
	if best < 0 {
		if lastErr == nil {
			lastErr = errors.New("no latency samples")
		}
		return 0, lastErr
	}
	return best, nil
}

// download reads the test payload until EOF or until budget elapses and
// returns the observed rate in bits per second.
func (p *SpeedProbe) download(ctx context.Context, budget time.Duration) (float64, error) {
	dlCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, p.cfg.DownloadURL, nil)
	if err != nil {
		return 0, err
	}
	res, err := p.http.Do(req)
	if err != nil {
		if dlCtx.Err() != nil {
			return 0, ErrTimeout
		}
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, fmt.Errorf("download: %s", res.Status)
	}

	start := p.now()
	n, err := io.Copy(io.Discard, res.Body)
	elapsed := p.now().Sub(start)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, ctx.Err()
		}
		if dlCtx.Err() == nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return rate(n, elapsed), nil
}

func (p *SpeedProbe) upload(ctx context.Context) (float64, error) {
	payload := bytes.NewReader(make([]byte, p.cfg.UploadBytes))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UploadURL, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := p.now()
	res, err := p.http.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, fmt.Errorf("upload: %s", res.Status)
	}
	return rate(int64(p.cfg.UploadBytes), p.now().Sub(start)), nil
}

func rate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return float64(n) * 8 / elapsed.Seconds()
}
