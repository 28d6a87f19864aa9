package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Lifecycle interface {
	SelfHeal(ctx context.Context, now time.Time) (int, error)
	PruneOlderThan(ctx context.Context, now time.Time) (int64, error)
}

type RetryProcessor interface {
	ProcessRetries(ctx context.Context, now time.Time) (int, error)
}

// Driver периодически гоняет фоновое обслуживание: дожим зависших
// PENDING, повторную доставку уведомлений и чистку старых отправлений.
// Каждая задача идемпотентна, внеплановый цикл можно дёрнуть через
// Trigger или HTTP.
type Driver struct {
	lifecycle Lifecycle
	retries   RetryProcessor

	interval      time.Duration
	pruneInterval time.Duration

	triggerCh chan struct{}

	startedAtUnixNano int64
	lastCycleUnixNano atomic.Int64
	lastPruneUnixNano atomic.Int64
	totalHealed       atomic.Int64
	totalRedelivered  atomic.Int64
	totalPruned       atomic.Int64
	totalErrors       atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(lifecycle Lifecycle, retries RetryProcessor) *Driver {
	return &Driver{
		lifecycle:     lifecycle,
		retries:       retries,
		interval:      time.Minute,
		pruneInterval: time.Hour,
		triggerCh:     make(chan struct{}, 1),

		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (d *Driver) WithIntervals(cycle, prune time.Duration) *Driver {
	if cycle > 0 {
		d.interval = cycle
	}
	if prune > 0 {
		d.pruneInterval = prune
	}
	return d
}

// Trigger forces an immediate maintenance cycle (best-effort, non-blocking).
func (d *Driver) Trigger() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastPruneAt      *time.Time `json:"lastPruneAt,omitempty"`
	TotalHealed      int64      `json:"totalHealed"`
	TotalRedelivered int64      `json:"totalRedelivered"`
	TotalPruned      int64      `json:"totalPruned"`
	TotalErrors      int64      `json:"totalErrors"`
	LastError        string     `json:"lastError,omitempty"`
}

func (d *Driver) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, d.startedAtUnixNano).UTC(),
		TotalHealed:      d.totalHealed.Load(),
		TotalRedelivered: d.totalRedelivered.Load(),
		TotalPruned:      d.totalPruned.Load(),
		TotalErrors:      d.totalErrors.Load(),
	}
	if n := d.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := d.lastPruneUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastPruneAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

func (d *Driver) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.runOnce(ctx)
		case <-d.triggerCh:
			d.runOnce(ctx)
		}
	}
}

func (d *Driver) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	d.lastCycleUnixNano.Store(now.UnixNano())

	if healed, err := d.lifecycle.SelfHeal(ctx, now); err != nil {
		d.fail("self heal", err)
	} else if healed > 0 {
		d.totalHealed.Add(int64(healed))
		slog.Info("self heal cycle", "moved", healed)
	}

	if delivered, err := d.retries.ProcessRetries(ctx, now); err != nil {
		d.fail("process retries", err)
	} else if delivered > 0 {
		d.totalRedelivered.Add(int64(delivered))
		slog.Info("notification retries", "delivered", delivered)
	}

	if now.Sub(time.Unix(0, d.lastPruneUnixNano.Load())) >= d.pruneInterval {
		d.lastPruneUnixNano.Store(now.UnixNano())
		if pruned, err := d.lifecycle.PruneOlderThan(ctx, now); err != nil {
			d.fail("prune shipments", err)
		} else if pruned > 0 {
			d.totalPruned.Add(pruned)
			slog.Info("retention prune", "deleted", pruned)
		}
	}
}

func (d *Driver) fail(op string, err error) {
	d.totalErrors.Add(1)
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
	slog.Error(op, "error", err.Error())
}
