package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"nodie/internal/ledger"
	"nodie/internal/model"
	"nodie/internal/quality"
)

// meter turns probe outcomes into contiguous ledger intervals. The tier
// survives across Connected periods; the open interval does not.
type meter struct {
	ledger *ledger.Ledger
	policy quality.Policy
	log    *zap.Logger

	tier   model.Tier
	class  model.IPClass
	nodeID string
	start  time.Time
	open   bool
}

func newMeter(l *ledger.Ledger, policy quality.Policy, log *zap.Logger) *meter {
	return &meter{
		ledger: l,
		policy: policy,
		log:    log,
		tier:   model.TierBad,
		class:  model.IPUnknown,
	}
}

// begin opens an interval at the start of a Connected period.
func (m *meter) begin(at time.Time, nodeID string, class model.IPClass) {
	if last := m.ledger.LastEnd(); at.Before(last) {
		at = last
	}
	m.nodeID = nodeID
	m.class = class
	m.start = at
	m.open = true
}

// sample closes the elapsed interval at the newly measured tier.
func (m *meter) sample(ctx context.Context, at time.Time, tier model.Tier) {
	m.cut(ctx, at, tier)
	m.tier = tier
}

// probeFailed closes the elapsed interval at the held-over tier.
func (m *meter) probeFailed(ctx context.Context, at time.Time) {
	m.cut(ctx, at, m.tier)
}

// reclassify closes the interval under the old IP class before switching.
func (m *meter) reclassify(ctx context.Context, at time.Time, class model.IPClass) {
	if class == m.class {
		return
	}
	m.cut(ctx, at, m.tier)
	m.class = class
}

// end truncates the open interval when leaving Connected.
func (m *meter) end(ctx context.Context, at time.Time) {
	m.cut(ctx, at, m.tier)
	m.open = false
}

func (m *meter) cut(ctx context.Context, at time.Time, tier model.Tier) {
	if !m.open {
		return
	}
	ev, ok, err := m.ledger.RecordInterval(ctx, m.nodeID, m.start, at, tier, m.class, m.policy.Multiplier(m.class))
	switch {
	case errors.Is(err, ledger.ErrInvalidInterval), errors.Is(err, ledger.ErrOverlap):
		m.log.Warn("clock moved backwards, restarting interval", zap.Error(err))
		m.start = at
	case err != nil:
		// Leave start in place so the next cut covers this interval too.
		m.log.Error("record accrual failed", zap.Error(err))
	case ok:
		m.log.Debug("accrued",
			zap.String("tier", string(ev.Tier)),
			zap.String("ip_class", string(ev.IPClass)),
			zap.Duration("duration", ev.Duration()),
			zap.Float64("points", ev.Points))
		m.start = at
	}
}
