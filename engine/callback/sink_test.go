package callback

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/driver"
	"github.com/flowgate/flowgate/engine/infra/cache"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/flowgate/flowgate/engine/router"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinkStore is a minimal in-memory submission.Store for callback flows.
type sinkStore struct {
	mu   sync.Mutex
	subs map[core.ID]*submission.Submission
}

func newSinkStore() *sinkStore {
	return &sinkStore{subs: make(map[core.ID]*submission.Submission)}
}

func (s *sinkStore) Create(_ context.Context, sub *submission.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone, err := sub.Clone()
	if err != nil {
		return err
	}
	s.subs[sub.ID] = clone
	return nil
}

func (s *sinkStore) Get(_ context.Context, id core.ID) (*submission.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, submission.ErrNotFound
	}
	return sub.Clone()
}

func (s *sinkStore) GetByExternalID(_ context.Context, externalID string) (*submission.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ExternalID != nil && *sub.ExternalID == externalID {
			return sub.Clone()
		}
	}
	return nil, submission.ErrNotFound
}

func (s *sinkStore) ApplyDiff(
	_ context.Context,
	id core.ID,
	expectedVersion int64,
	diff *submission.Diff,
) (int64, error) {
	if diff.IsEmpty() {
		return expectedVersion, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return 0, submission.ErrNotFound
	}
	if sub.Version != expectedVersion {
		return 0, fmt.Errorf("%w: version moved", submission.ErrConflict)
	}
	for field, value := range diff.Fields {
		switch field {
		case submission.FieldStatus:
			sub.Status = value.(core.StatusType)
		case submission.FieldExternalID:
			v := value.(string)
			sub.ExternalID = &v
		case submission.FieldErrorMessage:
			sub.ErrorMessage, _ = value.(*string)
		case submission.FieldResult:
			sub.Result, _ = value.(core.Result)
		}
	}
	sub.LastUpdatedAt = diff.LastUpdatedAt
	sub.Version++
	return sub.Version, nil
}

func (s *sinkStore) FindByPeriod(
	context.Context, time.Time, time.Time, submission.Filter,
) ([]*submission.Submission, error) {
	return nil, nil
}

func (s *sinkStore) ListStale(context.Context, time.Time, int) ([]*submission.Submission, error) {
	return nil, nil
}

func newSinkFixture(t *testing.T) (*Sink, *sinkStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := cache.NewRedisFromClient(client)

	statusCache, err := cache.NewSubmissionCache(r, &config.CacheConfig{
		TerminalTTL:    24 * time.Hour,
		NonTerminalTTL: time.Hour,
	})
	require.NoError(t, err)
	locks, err := cache.NewRedisLockManager(r)
	require.NoError(t, err)

	selector, err := driver.NewSelector(driver.NewRESTDriver(time.Second))
	require.NoError(t, err)
	registry := route.NewRegistry(route.SourceFunc(func(context.Context) ([]route.Config, error) {
		return []route.Config{
			{
				ID:           "R1",
				EndpointType: route.EndpointREST,
				EndpointURL:  "http://endpoint.example.com",
				Password:     "secret",
			},
			{
				ID:           "R2",
				EndpointType: route.EndpointREST,
				EndpointURL:  "http://other.example.com",
				Password:     "secret",
			},
		}, nil
	}), selector.Kinds())
	require.NoError(t, registry.Reload(context.Background()))

	store := newSinkStore()
	cfg := &config.RouterConfig{
		RefreshLeaseTTL: 30 * time.Second,
		DriverTimeout:   time.Second,
		StoreTimeout:    time.Second,
		CacheTimeout:    500 * time.Millisecond,
		MaxParamBytes:   1 << 20,
		ConflictRetries: 3,
	}
	routerService := router.NewService(registry, selector, store, statusCache, locks, nil, cfg)
	return NewSink(registry, selector, store, routerService, nil), store
}

func seedSubmission(t *testing.T, store *sinkStore, routeID, externalID string) *submission.Submission {
	t.Helper()
	sub, err := submission.New(routeID, "wf-orders", nil, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	sub.Status = core.StatusQueued
	sub.Version = 2
	sub.ExternalID = &externalID
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

func signedHeader(payload []byte) http.Header {
	header := http.Header{}
	header.Set(driver.SignatureHeader, driver.SignCallbackBody("secret", payload))
	return header
}

func TestSink_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("Should ingest a signed callback addressed by submission id", func(t *testing.T) {
		sink, store := newSinkFixture(t)
		sub := seedSubmission(t, store, "R1", "X-1")

		payload := []byte(fmt.Sprintf(
			`{"submissionId":%q,"executionId":"X-1","status":"DONE","result":{"output":"ok"}}`,
			sub.ID))
		require.NoError(t, sink.Handle(ctx, "R1", payload, signedHeader(payload)))

		stored, err := store.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, stored.Status)
		assert.Equal(t, core.Result{"output": "ok"}, stored.Result)
		assert.Equal(t, int64(3), stored.Version)
	})

	t.Run("Should fall back to the execution id when no submission id is echoed", func(t *testing.T) {
		sink, store := newSinkFixture(t)
		sub := seedSubmission(t, store, "R1", "X-77")

		payload := []byte(`{"executionId":"X-77","status":"IN_PROGRESS"}`)
		require.NoError(t, sink.Handle(ctx, "R1", payload, signedHeader(payload)))

		stored, err := store.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, stored.Status)
	})

	t.Run("Should reject an unsigned callback", func(t *testing.T) {
		sink, store := newSinkFixture(t)
		sub := seedSubmission(t, store, "R1", "X-1")

		payload := []byte(`{"executionId":"X-1","status":"DONE"}`)
		err := sink.Handle(ctx, "R1", payload, http.Header{})
		assert.ErrorIs(t, err, driver.ErrInvalidCallback)

		stored, storeErr := store.Get(ctx, sub.ID)
		require.NoError(t, storeErr)
		assert.Equal(t, core.StatusQueued, stored.Status)
	})

	t.Run("Should reject a callback for a submission owned by another route", func(t *testing.T) {
		sink, store := newSinkFixture(t)
		seedSubmission(t, store, "R1", "X-1")

		payload := []byte(`{"executionId":"X-1","status":"DONE"}`)
		err := sink.Handle(ctx, "R2", payload, signedHeader(payload))
		assert.ErrorIs(t, err, driver.ErrInvalidCallback)
	})

	t.Run("Should answer ErrNotFound for a callback about an unknown execution", func(t *testing.T) {
		sink, _ := newSinkFixture(t)
		payload := []byte(`{"executionId":"X-ghost","status":"DONE"}`)
		err := sink.Handle(ctx, "R1", payload, signedHeader(payload))
		assert.ErrorIs(t, err, submission.ErrNotFound)
	})

	t.Run("Should reject a payload that identifies no submission", func(t *testing.T) {
		sink, _ := newSinkFixture(t)
		payload := []byte(`{"status":"DONE"}`)
		err := sink.Handle(ctx, "R1", payload, signedHeader(payload))
		assert.ErrorIs(t, err, driver.ErrInvalidCallback)
	})

	t.Run("Should answer route.ErrNotFound for an unknown route", func(t *testing.T) {
		sink, _ := newSinkFixture(t)
		err := sink.Handle(ctx, "R-nope", []byte(`{}`), http.Header{})
		assert.ErrorIs(t, err, route.ErrNotFound)
	})
}
