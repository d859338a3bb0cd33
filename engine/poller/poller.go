// Package poller periodically wakes stale in-flight submissions and drives
// them through the router's refresh path.
package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/infra/monitoring"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/flowgate/flowgate/engine/router"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Poller scans for non-terminal submissions older than their route's
// threshold and refreshes them with bounded concurrency. Submissions stuck
// in SUBMITTED with no external id get one dispatch retry instead.
type Poller struct {
	store       submission.Store
	registry    *route.Registry
	router      *router.Service
	metrics     *monitoring.RouterMetrics
	schedule    string
	concurrency int
	batchLimit  int
	cron        *cron.Cron
	inFlight    atomic.Bool
	now         func() time.Time
}

func New(
	store submission.Store,
	registry *route.Registry,
	routerService *router.Service,
	metrics *monitoring.RouterMetrics,
	cfg *config.PollerConfig,
) *Poller {
	return &Poller{
		store:       store,
		registry:    registry,
		router:      routerService,
		metrics:     metrics,
		schedule:    cfg.Schedule,
		concurrency: cfg.Concurrency,
		batchLimit:  cfg.BatchLimit,
		now:         time.Now,
	}
}

// WithClock overrides the wall clock for tests.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Start schedules the tick loop. The context is carried into every tick.
func (p *Poller) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() { p.Tick(ctx) }); err != nil {
		return fmt.Errorf("invalid poller schedule %q: %w", p.schedule, err)
	}
	p.cron = c
	c.Start()
	logger.FromContext(ctx).Info("status poller started",
		"schedule", p.schedule, "concurrency", p.concurrency)
	return nil
}

// Stop halts the scheduler and waits for a running tick to finish.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// Tick runs one scan. A tick that finds the previous one still running
// returns immediately.
func (p *Poller) Tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		logger.FromContext(ctx).Debug("previous poller tick still running, skipping")
		return
	}
	defer p.inFlight.Store(false)
	p.metrics.RecordPollerTick(ctx)
	log := logger.FromContext(ctx)
	now := p.now().UTC()
	// Scan with the tightest threshold in the active route set, then apply
	// each submission's own threshold.
	stale, err := p.store.ListStale(ctx, now.Add(-p.registry.MinThreshold()), p.batchLimit)
	if err != nil {
		log.Error("stale submission scan failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	refreshed := 0
	for _, sub := range stale {
		if !p.isStale(sub, now) {
			continue
		}
		refreshed++
		g.Go(func() error {
			p.refreshOne(gctx, sub)
			return nil
		})
	}
	_ = g.Wait()
	log.Debug("poller tick finished", "scanned", len(stale), "refreshed", refreshed)
}

// isStale re-checks the submission against its own route threshold.
func (p *Poller) isStale(sub *submission.Submission, now time.Time) bool {
	rt, err := p.registry.Lookup(sub.RouteID)
	if err != nil {
		return false
	}
	return now.Sub(sub.LastUpdatedAt) > rt.Threshold()
}

func (p *Poller) refreshOne(ctx context.Context, sub *submission.Submission) {
	log := logger.FromContext(ctx)
	if sub.Status == core.StatusSubmitted && sub.ExternalID == nil {
		if err := p.router.RecoverStuck(ctx, sub); err != nil {
			log.Warn("stuck submission recovery failed",
				"submission_id", sub.ID, "error", err)
		}
		return
	}
	if _, err := p.router.Refresh(ctx, sub, router.TriggerPoller); err != nil {
		log.Warn("background refresh failed", "submission_id", sub.ID, "error", err)
	}
}
