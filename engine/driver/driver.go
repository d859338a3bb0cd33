package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/route"
)

var (
	// ErrAuth marks a rejected credential set.
	ErrAuth = errors.New("endpoint authentication failed")
	// ErrUnavailable marks an endpoint that is temporarily down.
	ErrUnavailable = errors.New("endpoint unavailable")
	// ErrRejected marks a submission the endpoint refused to accept.
	ErrRejected = errors.New("endpoint rejected submission")
	// ErrTransport marks a network-level failure before any endpoint answer.
	ErrTransport = errors.New("endpoint transport failure")
	// ErrNotFound marks an externalId the endpoint no longer knows.
	ErrNotFound = errors.New("execution not found on endpoint")
	// ErrInvalidCallback marks an inbound notification that failed
	// authentication or parsing.
	ErrInvalidCallback = errors.New("invalid callback payload")
	// ErrUnknownEndpoint marks an endpoint type no driver serves.
	ErrUnknownEndpoint = errors.New("unknown endpoint type")
)

// RemoteTask is one task row as reported by an endpoint.
type RemoteTask struct {
	ExternalTaskID string
	Status         core.StatusType
	StartedAt      *time.Time
	EndedAt        *time.Time
	OrderIndex     int
}

// RemoteStatus is the uniform shape every driver reduces an endpoint's
// status answer to.
type RemoteStatus struct {
	// SubmissionID is set when the payload echoes our identifier (push
	// callbacks); empty otherwise.
	SubmissionID core.ID
	ExternalID   string
	Status       core.StatusType
	Result       core.Result
	Tasks        []RemoteTask
	ReportedAt   time.Time
}

// Driver hides one endpoint protocol behind the uniform
// submit/poll/callback contract. Drivers are stateless with respect to
// submissions and must be safe for concurrent use; pooled transport state
// (connections, tokens) is theirs to own.
type Driver interface {
	Kind() route.EndpointType
	// Submit hands the workflow to the endpoint and returns the identifier
	// the endpoint assigned to the execution.
	Submit(ctx context.Context, rt *route.Config, workflowID string, params core.Params) (string, error)
	// Poll fetches the current execution state for a previously submitted
	// workflow.
	Poll(ctx context.Context, rt *route.Config, externalID string) (*RemoteStatus, error)
	// VerifyCallback authenticates an endpoint-initiated notification
	// against the route credentials and parses it.
	VerifyCallback(ctx context.Context, rt *route.Config, payload []byte, header http.Header) (*RemoteStatus, error)
}

// Selector resolves an endpoint type to its driver. Built once at startup.
type Selector struct {
	drivers map[route.EndpointType]Driver
}

func NewSelector(drivers ...Driver) (*Selector, error) {
	byKind := make(map[route.EndpointType]Driver, len(drivers))
	for _, d := range drivers {
		if _, dup := byKind[d.Kind()]; dup {
			return nil, fmt.Errorf("duplicate driver for endpoint type %q", d.Kind())
		}
		byKind[d.Kind()] = d
	}
	return &Selector{drivers: byKind}, nil
}

// Get returns the driver serving the given endpoint type.
func (s *Selector) Get(kind route.EndpointType) (Driver, error) {
	d, ok := s.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, kind)
	}
	return d, nil
}

// Kinds returns the endpoint types the configured drivers can serve; the
// route registry validates route documents against this set.
func (s *Selector) Kinds() []route.EndpointType {
	kinds := make([]route.EndpointType, 0, len(s.drivers))
	for k := range s.drivers {
		kinds = append(kinds, k)
	}
	return kinds
}
