// Package ledger keeps the append-only record of accrual events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nodie/internal/model"
	"nodie/internal/quality"
)

var (
	ErrInvalidInterval = errors.New("interval end before start")
	ErrOverlap         = errors.New("interval overlaps or precedes recorded history")
)

// Store persists events. Implementations must keep append order.
type Store interface {
	Append(ctx context.Context, ev model.AccrualEvent) error
	MarkAcked(ctx context.Context, ids []string) error
	Load(ctx context.Context) ([]model.AccrualEvent, error)
	Close() error
}

// Ledger is safe for concurrent use, but a node has exactly one writer.
type Ledger struct {
	mu     sync.Mutex
	events []model.AccrualEvent
	index  map[string]int
	seq    uint64
	policy quality.Policy
	store  Store
	newID  func() string
	log    *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every event and acknowledgement.
func WithStore(s Store) Option { return func(l *Ledger) { l.store = s } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithIDFunc overrides event ID generation.
func WithIDFunc(fn func() string) Option { return func(l *Ledger) { l.newID = fn } }

// Open creates a ledger and, when a store is configured, loads its history.
func Open(ctx context.Context, policy quality.Policy, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		index:  make(map[string]int),
		policy: policy,
		newID:  func() string { return uuid.NewString() },
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		return l, nil
	}

	history, err := l.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Seq < history[j].Seq })
	for _, ev := range history {
		l.index[ev.ID] = len(l.events)
		l.events = append(l.events, ev)
		if ev.Seq > l.seq {
			l.seq = ev.Seq
		}
	}
	l.log.Info("ledger loaded", zap.Int("events", len(l.events)), zap.Float64("total_points", l.totalLocked()))
	return l, nil
}

// RecordInterval appends an event covering [start, end). Zero-length
// intervals are skipped and reported with ok=false. Intervals must start
// at or after the end of the last recorded event.
func (l *Ledger) RecordInterval(ctx context.Context, nodeID string, start, end time.Time, tier model.Tier, class model.IPClass, multiplier float64) (model.AccrualEvent, bool, error) {
	if end.Before(start) {
		return model.AccrualEvent{}, false, fmt.Errorf("%w: %s > %s", ErrInvalidInterval, start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
	}
	if end.Equal(start) {
		return model.AccrualEvent{}, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.events); n > 0 && start.Before(l.events[n-1].End) {
		return model.AccrualEvent{}, false, fmt.Errorf("%w: start %s before %s", ErrOverlap,
			start.Format(time.RFC3339Nano), l.events[n-1].End.Format(time.RFC3339Nano))
	}

	ev := model.AccrualEvent{
		ID:         l.newID(),
		Seq:        l.seq + 1,
		NodeID:     nodeID,
		Start:      start.UTC(),
		End:        end.UTC(),
		Tier:       tier,
		IPClass:    class,
		Multiplier: multiplier,
		Points:     l.policy.Points(end.Sub(start), tier, multiplier),
	}
	if l.store != nil {
		if err := l.store.Append(ctx, ev); err != nil {
			return model.AccrualEvent{}, false, fmt.Errorf("persist event: %w", err)
		}
	}
	l.seq = ev.Seq
	l.index[ev.ID] = len(l.events)
	l.events = append(l.events, ev)
	return ev, true, nil
}

// PendingEvents returns unacknowledged events in append order, at most
// limit of them (limit <= 0 means all).
func (l *Ledger) PendingEvents(limit int) []model.AccrualEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.AccrualEvent
	for _, ev := range l.events {
		if ev.Acked {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// PendingCount returns the number of unacknowledged events.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ev := range l.events {
		if !ev.Acked {
			n++
		}
	}
	return n
}

// Acknowledge marks events as uploaded. Unknown and already acknowledged
// IDs are ignored. It returns how many events changed state.
func (l *Ledger) Acknowledge(ctx context.Context, ids []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		i, ok := l.index[id]
		if !ok || l.events[i].Acked {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if l.store != nil {
		if err := l.store.MarkAcked(ctx, fresh); err != nil {
			return 0, fmt.Errorf("persist ack: %w", err)
		}
	}
	for _, id := range fresh {
		l.events[l.index[id]].Acked = true
	}
	return len(fresh), nil
}

// TotalPoints sums every recorded event. It is recomputed on each call.
func (l *Ledger) TotalPoints() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalLocked()
}

func (l *Ledger) totalLocked() float64 {
	var sum float64
	for _, ev := range l.events {
		sum += ev.Points
	}
	return sum
}

// LastEnd returns the end of the latest event, or the zero time.
func (l *Ledger) LastEnd() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return time.Time{}
	}
	return l.events[len(l.events)-1].End
}

// Events returns a copy of the full history.
func (l *Ledger) Events() []model.AccrualEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.AccrualEvent(nil), l.events...)
}

// Summary aggregates the history for display.
type Summary struct {
	Events       int
	Pending      int
	TotalPoints  float64
	PointsByTier map[model.Tier]float64
	TimeByTier   map[model.Tier]time.Duration
	First        time.Time
	Last         time.Time
}

// Summarize computes a Summary over the whole history.
func (l *Ledger) Summarize() Summary {
	return Summarize(l.Events())
}

// Summarize computes a Summary over events.
func Summarize(events []model.AccrualEvent) Summary {
	s := Summary{
		PointsByTier: make(map[model.Tier]float64),
		TimeByTier:   make(map[model.Tier]time.Duration),
	}
	for _, ev := range events {
		s.Events++
		if !ev.Acked {
			s.Pending++
		}
		s.TotalPoints += ev.Points
		s.PointsByTier[ev.Tier] += ev.Points
		s.TimeByTier[ev.Tier] += ev.Duration()
		if s.First.IsZero() || ev.Start.Before(s.First) {
			s.First = ev.Start
		}
		if ev.End.After(s.Last) {
			s.Last = ev.End
		}
	}
	return s
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}
