package dispatch

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"review-assigner/internal/models"
	"review-assigner/internal/telemetry"
)

// Caller executes one external call. Implementations must honor ctx
// cancellation and keep their own request timeout.
type Caller interface {
	Call(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// Pool runs a fixed number of worker slots over the dispatch job table. The
// slot count is the sole admission-control knob for concurrent external
// calls.
type Pool struct {
	store          JobStore
	caller         Caller
	log            *slog.Logger
	workers        int
	poll           time.Duration
	visibility     time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func NewPool(store JobStore, caller Caller, log *slog.Logger, workers int, poll, visibility, backoffInitial, backoffMax time.Duration) *Pool {
	if workers <= 0 {
		workers = 10
	}
	if poll <= 0 {
		poll = time.Second
	}
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	if backoffInitial <= 0 {
		backoffInitial = 2 * time.Second
	}
	if backoffMax < backoffInitial {
		backoffMax = 5 * time.Minute
	}
	return &Pool{
		store:          store,
		caller:         caller,
		log:            log,
		workers:        workers,
		poll:           poll,
		visibility:     visibility,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
	}
}

// Run spawns the worker slots and blocks until the context is cancelled and
// all slots have drained.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.workerLoop(ctx, slot)
		}(i)
	}

	go p.maintenanceLoop(ctx)

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		job, ok, err := p.store.LeaseNextDispatchJob(ctx, now, now.Add(p.visibility))
		if err != nil {
			p.log.Warn("lease dispatch job failed", slog.Int("slot", slot), slog.String("error", err.Error()))
			p.sleep(ctx, p.poll)
			continue
		}
		if !ok {
			p.sleep(ctx, p.poll)
			continue
		}
		p.execute(ctx, job)
	}
}

func (p *Pool) execute(ctx context.Context, job models.DispatchJob) {
	telemetry.DispatchInFlight.Inc()
	defer telemetry.DispatchInFlight.Dec()

	result, err := p.caller.Call(ctx, job.Payload)
	if err == nil {
		if err := p.store.MarkDispatchSucceeded(ctx, job.ID, result); err != nil {
			p.log.Warn("mark succeeded failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			return
		}
		telemetry.DispatchSuccess.Inc()
		return
	}

	// Attempt was already bumped by the lease; compare against the cap to
	// decide between another retry and the terminal state.
	if job.Attempt >= job.MaxAttempts {
		if markErr := p.store.MarkDispatchTerminal(ctx, job.ID, err.Error()); markErr != nil {
			p.log.Warn("mark terminal failed", slog.String("job_id", job.ID), slog.String("error", markErr.Error()))
			return
		}
		telemetry.DispatchTerminal.Inc()
		p.log.Error("dispatch job exhausted attempts",
			slog.String("job_id", job.ID),
			slog.String("work_item_id", job.WorkItemID),
			slog.Int("attempts", job.Attempt),
			slog.String("error", err.Error()))
		return
	}

	next := time.Now().Add(backoffWithJitter(p.backoffInitial, p.backoffMax, job.Attempt))
	if markErr := p.store.MarkDispatchRetry(ctx, job.ID, next, err.Error()); markErr != nil {
		p.log.Warn("mark retry failed", slog.String("job_id", job.ID), slog.String("error", markErr.Error()))
		return
	}
	telemetry.DispatchRetries.Inc()
}

// maintenanceLoop reclaims jobs stranded in running by a dead worker and
// keeps the depth gauge current.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.store.ReclaimStalledDispatch(ctx, time.Now(), 100); err == nil && n > 0 {
				telemetry.DispatchReclaims.Add(float64(n))
				p.log.Warn("reclaimed stalled dispatch jobs", slog.Int("count", n))
			}
			if depth, err := p.store.ActiveDispatchCount(ctx); err == nil {
				telemetry.DispatchDepthGauge.Set(float64(depth))
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
