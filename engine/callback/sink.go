// Package callback accepts endpoint-initiated status notifications and
// feeds them into the router's refresh path, where the per-submission lease
// deduplicates them against concurrent polls.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/flowgate/flowgate/engine/driver"
	"github.com/flowgate/flowgate/engine/infra/monitoring"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/flowgate/flowgate/engine/router"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/logger"
)

// Sink verifies inbound callbacks and hands them to the router core.
type Sink struct {
	registry *route.Registry
	selector *driver.Selector
	store    submission.Store
	router   *router.Service
	metrics  *monitoring.RouterMetrics
}

func NewSink(
	registry *route.Registry,
	selector *driver.Selector,
	store submission.Store,
	routerService *router.Service,
	metrics *monitoring.RouterMetrics,
) *Sink {
	return &Sink{
		registry: registry,
		selector: selector,
		store:    store,
		router:   routerService,
		metrics:  metrics,
	}
}

// Handle authenticates the payload against the route credentials, resolves
// the submission it refers to and ingests the reported status. Verification
// failures return driver.ErrInvalidCallback; an unknown submission returns
// submission.ErrNotFound.
func (s *Sink) Handle(ctx context.Context, routeID string, payload []byte, header http.Header) error {
	log := logger.FromContext(ctx)
	rt, err := s.registry.Lookup(routeID)
	if err != nil {
		return err
	}
	drv, err := s.selector.Get(rt.EndpointType)
	if err != nil {
		return err
	}
	rs, err := drv.VerifyCallback(ctx, rt, payload, header)
	if err != nil {
		s.metrics.RecordCallbackRejection(ctx, routeID)
		log.Warn("callback rejected", "route_id", routeID, "error", err)
		return err
	}
	stored, err := s.resolveSubmission(ctx, rs)
	if err != nil {
		return err
	}
	if stored.RouteID != routeID {
		s.metrics.RecordCallbackRejection(ctx, routeID)
		return fmt.Errorf("%w: submission %s does not belong to route %s",
			driver.ErrInvalidCallback, stored.ID, routeID)
	}
	if _, err := s.router.IngestRemote(ctx, stored, rs, router.TriggerCallback); err != nil {
		return fmt.Errorf("failed to ingest callback for %s: %w", stored.ID, err)
	}
	log.Debug("callback ingested", "submission_id", stored.ID, "route_id", routeID, "status", rs.Status)
	return nil
}

// resolveSubmission locates the tracked submission from the payload: the
// echoed submission id wins, the endpoint's execution id is the fallback.
func (s *Sink) resolveSubmission(ctx context.Context, rs *driver.RemoteStatus) (*submission.Submission, error) {
	if !rs.SubmissionID.IsZero() {
		sub, err := s.store.Get(ctx, rs.SubmissionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, submission.ErrNotFound) {
			return nil, err
		}
	}
	if rs.ExternalID == "" {
		return nil, fmt.Errorf("%w: payload identifies no submission", driver.ErrInvalidCallback)
	}
	return s.store.GetByExternalID(ctx, rs.ExternalID)
}
