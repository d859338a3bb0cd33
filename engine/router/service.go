package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/driver"
	"github.com/flowgate/flowgate/engine/infra/cache"
	"github.com/flowgate/flowgate/engine/infra/monitoring"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/logger"
)

// Refresh triggers, used as metric labels and log fields.
const (
	TriggerQuery    = "query"
	TriggerPoller   = "poller"
	TriggerCallback = "callback"
)

// StatusCache is the slice of the response cache the router uses. All cache
// failures degrade to misses; the submission store stays the source of
// truth.
type StatusCache interface {
	Get(ctx context.Context, id core.ID) (*submission.Submission, error)
	Put(ctx context.Context, sub *submission.Submission, threshold time.Duration) error
	RefreshKey(id core.ID) string
}

// Service orchestrates submit, status queries and refreshes. It arbitrates
// freshness across cache, store and endpoint, and owns the per-submission
// refresh lease. All collaborators are handed in at construction.
type Service struct {
	registry *route.Registry
	selector *driver.Selector
	store    submission.Store
	cache    StatusCache
	locks    cache.LockManager
	updater  *Updater
	metrics  *monitoring.RouterMetrics
	cfg      *config.RouterConfig
	now      func() time.Time
}

func NewService(
	registry *route.Registry,
	selector *driver.Selector,
	store submission.Store,
	statusCache StatusCache,
	locks cache.LockManager,
	metrics *monitoring.RouterMetrics,
	cfg *config.RouterConfig,
) *Service {
	return &Service{
		registry: registry,
		selector: selector,
		store:    store,
		cache:    statusCache,
		locks:    locks,
		updater:  NewUpdater(store, cfg.ConflictRetries),
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the wall clock; freshness tests depend on it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit routes a workflow to its endpoint: persist the fresh submission,
// dispatch through the driver, record the outcome, cache the final state.
// The submission id is returned even when dispatch failed, so callers can
// track the FAILED record.
func (s *Service) Submit(
	ctx context.Context,
	routeID, workflowID string,
	params core.Params,
) (core.ID, error) {
	log := logger.FromContext(ctx)
	rt, err := s.registry.Lookup(routeID)
	if err != nil {
		return "", err
	}
	if err := s.validateParams(params); err != nil {
		return "", err
	}
	drv, err := s.selector.Get(rt.EndpointType)
	if err != nil {
		return "", err
	}
	sub, err := submission.New(routeID, workflowID, params, s.now())
	if err != nil {
		return "", err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.Create(storeCtx, sub); err != nil {
		return "", fmt.Errorf("failed to persist submission: %w", err)
	}
	driverCtx, cancelDriver := context.WithTimeout(ctx, s.cfg.DriverTimeout)
	defer cancelDriver()
	externalID, submitErr := drv.Submit(driverCtx, rt, workflowID, params)
	final, recordErr := s.recordSubmitOutcome(ctx, sub, externalID, submitErr)
	if recordErr != nil {
		return sub.ID, recordErr
	}
	s.cachePut(ctx, final, rt.Threshold())
	if submitErr != nil {
		s.metrics.RecordSubmission(ctx, routeID, "failed")
		log.Warn("submission dispatch failed",
			"submission_id", sub.ID, "route_id", routeID, "error", submitErr)
		return sub.ID, fmt.Errorf("%w: %w", ErrSubmitFailed, submitErr)
	}
	s.metrics.RecordSubmission(ctx, routeID, "accepted")
	log.Info("submission dispatched",
		"submission_id", sub.ID, "route_id", routeID, "external_id", externalID)
	return sub.ID, nil
}

// recordSubmitOutcome moves the fresh submission to QUEUED with its external
// id, or to FAILED with the driver reason. Either way the store is left with
// a coherent row, never a phantom.
func (s *Service) recordSubmitOutcome(
	ctx context.Context,
	sub *submission.Submission,
	externalID string,
	submitErr error,
) (*submission.Submission, error) {
	incoming, err := sub.Clone()
	if err != nil {
		return nil, err
	}
	incoming.LastUpdatedAt = s.now().UTC()
	if submitErr != nil {
		msg := submitErr.Error()
		incoming.Status = core.StatusFailed
		incoming.ErrorMessage = &msg
	} else {
		incoming.Status = core.StatusQueued
		incoming.ExternalID = &externalID
	}
	// The outcome write must survive caller cancellation to keep the row
	// coherent.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()
	updated, _, err := s.updater.Apply(storeCtx, sub, incoming)
	if err != nil {
		return nil, fmt.Errorf("failed to record submit outcome for %s: %w", sub.ID, err)
	}
	return updated, nil
}

// GetStatus serves the submission through the freshness ladder: cache, then
// store, then a lease-guarded endpoint refresh. Terminal and fresh entries
// short-circuit; transient refresh failures serve the stored state instead
// of failing the query.
func (s *Service) GetStatus(ctx context.Context, id core.ID) (*submission.Submission, error) {
	cached := s.cacheGet(ctx, id)
	if cached != nil && cached.IsTerminal() {
		return cached, nil
	}
	var threshold time.Duration
	if cached != nil {
		rt, err := s.registry.Lookup(cached.RouteID)
		if err == nil {
			threshold = rt.Threshold()
			if s.isFresh(cached, threshold) {
				return cached, nil
			}
		}
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	stored, err := s.store.Get(storeCtx, id)
	if err != nil {
		return nil, err
	}
	rt, rtErr := s.registry.Lookup(stored.RouteID)
	if rtErr != nil {
		// The route disappeared from the active set; its submissions can
		// still be read but no longer refreshed.
		logger.FromContext(ctx).Warn("submission references unknown route",
			"submission_id", id, "route_id", stored.RouteID)
		return stored, nil
	}
	threshold = rt.Threshold()
	if stored.IsTerminal() || s.isFresh(stored, threshold) {
		s.cachePut(ctx, stored, threshold)
		return stored, nil
	}
	return s.refresh(ctx, stored, rt, TriggerQuery)
}

// GetByPeriod is a bulk read-committed view; results are not individually
// freshness-refreshed.
func (s *Service) GetByPeriod(
	ctx context.Context,
	from, to time.Time,
	filter submission.Filter,
) ([]*submission.Submission, error) {
	return s.store.FindByPeriod(ctx, from, to, filter)
}

// Refresh drives one lease-guarded endpoint poll for a stale submission.
// Lease losers read the current stored state without polling. Transient
// endpoint failures leave the state unchanged; an endpoint that no longer
// knows the execution marks it FAILED.
func (s *Service) Refresh(
	ctx context.Context,
	stored *submission.Submission,
	trigger string,
) (*submission.Submission, error) {
	rt, err := s.registry.Lookup(stored.RouteID)
	if err != nil {
		return stored, nil
	}
	return s.refresh(ctx, stored, rt, trigger)
}

func (s *Service) refresh(
	ctx context.Context,
	stored *submission.Submission,
	rt *route.Config,
	trigger string,
) (*submission.Submission, error) {
	log := logger.FromContext(ctx)
	lock, acquired := s.acquireLease(ctx, stored.ID, trigger)
	if !acquired {
		storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()
		fresh, err := s.store.Get(storeCtx, stored.ID)
		if err != nil {
			return stored, nil
		}
		return fresh, nil
	}
	defer s.releaseLease(ctx, lock)
	if stored.ExternalID == nil {
		// Nothing to poll yet; the poller's stuck-submission recovery will
		// retry the dispatch.
		return stored, nil
	}
	drv, err := s.selector.Get(rt.EndpointType)
	if err != nil {
		log.Error("no driver for endpoint type", "route_id", rt.ID, "endpoint_type", rt.EndpointType)
		return stored, nil
	}
	driverCtx, cancel := context.WithTimeout(ctx, s.cfg.DriverTimeout)
	defer cancel()
	rs, err := drv.Poll(driverCtx, rt, *stored.ExternalID)
	if err != nil {
		return s.handlePollError(ctx, stored, rt, trigger, err)
	}
	updated, err := s.ingest(ctx, stored, rs, rt)
	if err != nil {
		s.metrics.RecordRefresh(ctx, trigger, "error")
		return stored, err
	}
	s.metrics.RecordRefresh(ctx, trigger, "ok")
	return updated, nil
}

// IngestRemote feeds an already-verified endpoint status (a callback) into
// the refresh path under the same per-submission lease, deduplicating
// poller and callback races. When the lease is held the payload is dropped;
// the active refresher is fetching at least as fresh a state.
func (s *Service) IngestRemote(
	ctx context.Context,
	stored *submission.Submission,
	rs *driver.RemoteStatus,
	trigger string,
) (*submission.Submission, error) {
	rt, err := s.registry.Lookup(stored.RouteID)
	if err != nil {
		return nil, err
	}
	lock, acquired := s.acquireLease(ctx, stored.ID, trigger)
	if !acquired {
		return stored, nil
	}
	defer s.releaseLease(ctx, lock)
	updated, err := s.ingest(ctx, stored, rs, rt)
	if err != nil {
		s.metrics.RecordRefresh(ctx, trigger, "error")
		return nil, err
	}
	s.metrics.RecordRefresh(ctx, trigger, "ok")
	return updated, nil
}

// RecoverStuck retries the dispatch of a submission stuck in SUBMITTED with
// no external id; persistent rejection marks it FAILED.
func (s *Service) RecoverStuck(ctx context.Context, stored *submission.Submission) error {
	log := logger.FromContext(ctx)
	rt, err := s.registry.Lookup(stored.RouteID)
	if err != nil {
		return err
	}
	drv, err := s.selector.Get(rt.EndpointType)
	if err != nil {
		return err
	}
	lock, acquired := s.acquireLease(ctx, stored.ID, TriggerPoller)
	if !acquired {
		return nil
	}
	defer s.releaseLease(ctx, lock)
	driverCtx, cancel := context.WithTimeout(ctx, s.cfg.DriverTimeout)
	defer cancel()
	externalID, submitErr := drv.Submit(driverCtx, rt, stored.WorkflowID, stored.Params)
	final, err := s.recordSubmitOutcome(ctx, stored, externalID, submitErr)
	if err != nil {
		return err
	}
	s.cachePut(ctx, final, rt.Threshold())
	if submitErr != nil {
		log.Warn("stuck submission marked failed",
			"submission_id", stored.ID, "error", submitErr)
	} else {
		log.Info("stuck submission recovered",
			"submission_id", stored.ID, "external_id", externalID)
	}
	return nil
}

// ingest runs change detection and selective persistence for one reported
// status, then refreshes the cache. Must be called under the refresh lease.
func (s *Service) ingest(
	ctx context.Context,
	stored *submission.Submission,
	rs *driver.RemoteStatus,
	rt *route.Config,
) (*submission.Submission, error) {
	incoming, err := submission.MergeRemote(stored, rs)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()
	updated, changed, err := s.updater.Apply(storeCtx, stored, incoming)
	if err != nil {
		return nil, err
	}
	if changed {
		s.cachePut(ctx, updated, rt.Threshold())
	}
	return updated, nil
}

func (s *Service) handlePollError(
	ctx context.Context,
	stored *submission.Submission,
	rt *route.Config,
	trigger string,
	pollErr error,
) (*submission.Submission, error) {
	log := logger.FromContext(ctx)
	if errors.Is(pollErr, driver.ErrNotFound) {
		incoming, err := stored.Clone()
		if err != nil {
			return stored, err
		}
		msg := fmt.Sprintf("endpoint no longer knows execution %s", *stored.ExternalID)
		incoming.Status = core.StatusFailed
		incoming.ErrorMessage = &msg
		incoming.LastUpdatedAt = s.now().UTC()
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
		defer cancel()
		updated, changed, err := s.updater.Apply(storeCtx, stored, incoming)
		if err != nil {
			return stored, err
		}
		if changed {
			s.cachePut(ctx, updated, rt.Threshold())
		}
		s.metrics.RecordRefresh(ctx, trigger, "lost")
		log.Warn("execution lost on endpoint", "submission_id", stored.ID, "route_id", rt.ID)
		return updated, nil
	}
	// Transient endpoint trouble is never surfaced on the query path; the
	// stored state is served and the poller retries next tick.
	s.metrics.RecordRefresh(ctx, trigger, "unavailable")
	log.Warn("status poll failed, serving stored state",
		"submission_id", stored.ID, "route_id", rt.ID, "error", pollErr)
	return stored, nil
}

// acquireLease takes the per-submission refresh lease. A lease store that is
// down degrades to polling without coordination rather than never refreshing.
func (s *Service) acquireLease(ctx context.Context, id core.ID, trigger string) (cache.Lock, bool) {
	lock, err := s.locks.Acquire(ctx, s.cache.RefreshKey(id), s.cfg.RefreshLeaseTTL)
	if err == nil {
		return lock, true
	}
	if errors.Is(err, cache.ErrLockHeld) {
		s.metrics.RecordLeaseContention(ctx, trigger)
		return nil, false
	}
	logger.FromContext(ctx).Warn("refresh lease unavailable, proceeding unguarded",
		"submission_id", id, "error", err)
	return nil, true
}

func (s *Service) releaseLease(ctx context.Context, lock cache.Lock) {
	if lock == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CacheTimeout)
	defer cancel()
	if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, cache.ErrLockLost) {
		logger.FromContext(ctx).Warn("failed to release refresh lease",
			"key", lock.Key(), "error", err)
	}
}

func (s *Service) cacheGet(ctx context.Context, id core.ID) *submission.Submission {
	cacheCtx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	cached, err := s.cache.Get(cacheCtx, id)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logger.FromContext(ctx).Warn("cache read failed, treating as miss",
				"submission_id", id, "error", err)
		}
		return nil
	}
	return cached
}

func (s *Service) cachePut(ctx context.Context, sub *submission.Submission, threshold time.Duration) {
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CacheTimeout)
	defer cancel()
	if err := s.cache.Put(cacheCtx, sub, threshold); err != nil {
		logger.FromContext(ctx).Warn("cache write failed",
			"submission_id", sub.ID, "error", err)
	}
}

func (s *Service) isFresh(sub *submission.Submission, threshold time.Duration) bool {
	return s.now().UTC().Sub(sub.LastUpdatedAt) <= threshold
}

func (s *Service) validateParams(params core.Params) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParameters, err)
	}
	if len(raw) > s.cfg.MaxParamBytes {
		return fmt.Errorf("%w: parameter mapping exceeds %d bytes", ErrInvalidParameters, s.cfg.MaxParamBytes)
	}
	return nil
}
