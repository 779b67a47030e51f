package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"callbridge/internal/domain"
)

// Reaper ends sessions that have run longer than a maximum duration.
type Reaper struct {
	table    *Table
	maxAge   time.Duration
	schedule cron.Schedule
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewReaper parses spec (a standard cron expression or a descriptor such
// as "@every 30s") and returns a stopped reaper. A zero maxAge disables it.
func NewReaper(table *Table, spec string, maxAge time.Duration, logger *slog.Logger) (*Reaper, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", spec, err)
	}
	return &Reaper{
		table:    table,
		maxAge:   maxAge,
		schedule: sched,
		cron:     cron.New(),
		logger:   logger.With("component", "reaper"),
		now:      time.Now,
	}, nil
}

// Start begins periodic sweeps.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.maxAge <= 0 {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	sweepCtx := r.ctx
	r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		if n := r.Sweep(sweepCtx); n > 0 {
			r.logger.Info("reaped overdue calls", "count", n)
		}
	}))
	r.cron.Start()
	r.started = true
}

// Stop halts sweeps and waits for a running one to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cancel()
	<-r.cron.Stop().Done()
	r.started = false
}

// Sweep terminates every session older than the maximum duration and
// returns how many it ended.
func (r *Reaper) Sweep(ctx context.Context) int {
	if r.maxAge <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.maxAge)
	n := 0
	for _, s := range r.table.Sessions() {
		if ctx.Err() != nil {
			break
		}
		st := s.State()
		if st.Status.IsTerminal() || st.CreatedAt.After(cutoff) {
			continue
		}
		r.logger.Warn("call exceeded maximum duration",
			"call_id", st.CallID,
			"age", r.now().Sub(st.CreatedAt).Round(time.Second),
		)
		if err := s.Terminate(ctx, domain.EndReasonTimeout); err != nil {
			r.logger.Warn("provider hangup failed for overdue call", "call_id", st.CallID, "error", err)
		}
		n++
	}
	return n
}
