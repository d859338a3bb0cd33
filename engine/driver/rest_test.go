package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restRoute(url string) *route.Config {
	return &route.Config{
		ID:           "R1",
		EndpointType: route.EndpointREST,
		EndpointURL:  url,
		UserID:       "svc",
		Password:     "secret",
	}
}

func TestRESTDriver_Submit(t *testing.T) {
	t.Run("Should post parameters and return the execution id", func(t *testing.T) {
		var gotPath string
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "svc", user)
			assert.Equal(t, "secret", pass)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"executionId":"X-100"}`))
		}))
		defer srv.Close()

		d := NewRESTDriver(2 * time.Second)
		externalID, err := d.Submit(context.Background(), restRoute(srv.URL), "wf-orders", core.Params{"region": "eu"})
		require.NoError(t, err)
		assert.Equal(t, "X-100", externalID)
		assert.Equal(t, "/workflows/wf-orders", gotPath)
		assert.Equal(t, map[string]any{"parameters": map[string]any{"region": "eu"}}, gotBody)
	})

	t.Run("Should honour a submit_path override", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_, _ = w.Write([]byte(`{"id":"X-1"}`))
		}))
		defer srv.Close()

		rt := restRoute(srv.URL)
		rt.Properties = map[string]any{"submit_path": "/api/v2/run/{workflowId}"}
		d := NewRESTDriver(2 * time.Second)
		externalID, err := d.Submit(context.Background(), rt, "wf-orders", nil)
		require.NoError(t, err)
		assert.Equal(t, "X-1", externalID)
		assert.Equal(t, "/api/v2/run/wf-orders", gotPath)
	})

	t.Run("Should classify endpoint answers into the error taxonomy", func(t *testing.T) {
		cases := []struct {
			code int
			want error
		}{
			{http.StatusUnauthorized, ErrAuth},
			{http.StatusForbidden, ErrAuth},
			{http.StatusNotFound, ErrNotFound},
			{http.StatusBadGateway, ErrUnavailable},
			{http.StatusUnprocessableEntity, ErrRejected},
		}
		for _, tc := range cases {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.code)
			}))
			d := NewRESTDriver(2 * time.Second)
			_, err := d.Submit(context.Background(), restRoute(srv.URL), "wf", nil)
			assert.ErrorIs(t, err, tc.want, "status %d", tc.code)
			srv.Close()
		}
	})

	t.Run("Should reject an accepted answer without an execution id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		d := NewRESTDriver(2 * time.Second)
		_, err := d.Submit(context.Background(), restRoute(srv.URL), "wf", nil)
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("Should surface unreachable endpoints as transport errors", func(t *testing.T) {
		d := NewRESTDriver(200 * time.Millisecond)
		_, err := d.Submit(context.Background(), restRoute("http://127.0.0.1:1"), "wf", nil)
		assert.ErrorIs(t, err, ErrTransport)
	})
}

func TestRESTDriver_Poll(t *testing.T) {
	reported := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	t.Run("Should decode the execution document", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/executions/X-100", r.URL.Path)
			_ = json.NewEncoder(w).Encode(restExecution{
				ExecutionID: "X-100",
				Status:      "IN_PROGRESS",
				Result:      map[string]any{"progress": 0.5},
				ReportedAt:  &reported,
				Tasks: []restTask{
					{TaskID: "t-1", Status: "SUCCEEDED", Index: 0},
					{TaskID: "t-2", Status: "ACTIVE", Index: 1},
				},
			})
		}))
		defer srv.Close()

		d := NewRESTDriver(2 * time.Second)
		rs, err := d.Poll(context.Background(), restRoute(srv.URL), "X-100")
		require.NoError(t, err)
		assert.Equal(t, "X-100", rs.ExternalID)
		assert.Equal(t, core.StatusRunning, rs.Status)
		assert.Equal(t, reported, rs.ReportedAt)
		require.Len(t, rs.Tasks, 2)
		assert.Equal(t, core.StatusCompleted, rs.Tasks[0].Status)
		assert.Equal(t, core.StatusRunning, rs.Tasks[1].Status)
	})

	t.Run("Should fall back to the polled id when the document omits it", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":"RUNNING"}`))
		}))
		defer srv.Close()

		d := NewRESTDriver(2 * time.Second)
		rs, err := d.Poll(context.Background(), restRoute(srv.URL), "X-7")
		require.NoError(t, err)
		assert.Equal(t, "X-7", rs.ExternalID)
	})

	t.Run("Should map a 404 to ErrNotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		d := NewRESTDriver(2 * time.Second)
		_, err := d.Poll(context.Background(), restRoute(srv.URL), "X-gone")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRESTDriver_VerifyCallback(t *testing.T) {
	d := NewRESTDriver(2 * time.Second)
	rt := restRoute("http://endpoint.example.com")
	payload := []byte(`{"submissionId":"sub-1","executionId":"X-100","status":"DONE"}`)

	t.Run("Should accept a correctly signed callback", func(t *testing.T) {
		header := http.Header{}
		header.Set(SignatureHeader, SignCallbackBody("secret", payload))
		rs, err := d.VerifyCallback(context.Background(), rt, payload, header)
		require.NoError(t, err)
		assert.Equal(t, core.ID("sub-1"), rs.SubmissionID)
		assert.Equal(t, "X-100", rs.ExternalID)
		assert.Equal(t, core.StatusCompleted, rs.Status)
	})

	t.Run("Should reject a missing signature", func(t *testing.T) {
		_, err := d.VerifyCallback(context.Background(), rt, payload, http.Header{})
		assert.ErrorIs(t, err, ErrInvalidCallback)
	})

	t.Run("Should reject a signature over a different body", func(t *testing.T) {
		header := http.Header{}
		header.Set(SignatureHeader, SignCallbackBody("secret", []byte(`{"tampered":true}`)))
		_, err := d.VerifyCallback(context.Background(), rt, payload, header)
		assert.ErrorIs(t, err, ErrInvalidCallback)
	})

	t.Run("Should reject callbacks when the route has no secret", func(t *testing.T) {
		open := restRoute("http://endpoint.example.com")
		open.Password = ""
		header := http.Header{}
		header.Set(SignatureHeader, SignCallbackBody("", payload))
		_, err := d.VerifyCallback(context.Background(), open, payload, header)
		assert.ErrorIs(t, err, ErrInvalidCallback)
	})

	t.Run("Should reject an untranslatable status token", func(t *testing.T) {
		bad := []byte(`{"executionId":"X-1","status":"WAT"}`)
		header := http.Header{}
		header.Set(SignatureHeader, SignCallbackBody("secret", bad))
		_, err := d.VerifyCallback(context.Background(), rt, bad, header)
		assert.ErrorIs(t, err, ErrInvalidCallback)
	})
}

func TestTranslateStatus(t *testing.T) {
	rt := &route.Config{ID: "R1", EndpointType: route.EndpointREST, EndpointURL: "http://x"}

	t.Run("Should pass native tokens through", func(t *testing.T) {
		got, err := translateStatus(rt, "running")
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, got)
	})

	t.Run("Should translate known vendor tokens", func(t *testing.T) {
		got, err := translateStatus(rt, "SCHEDULED")
		require.NoError(t, err)
		assert.Equal(t, core.StatusQueued, got)
	})

	t.Run("Should prefer route-level overrides", func(t *testing.T) {
		overridden := &route.Config{
			ID: "R2", EndpointType: route.EndpointREST, EndpointURL: "http://x",
			Properties: map[string]any{
				"status_map": map[string]any{"SCHEDULED": "RUNNING"},
			},
		}
		got, err := translateStatus(overridden, "SCHEDULED")
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, got)
	})

	t.Run("Should reject unknown tokens", func(t *testing.T) {
		_, err := translateStatus(rt, "LIMBO")
		assert.Error(t, err)
	})

	t.Run("Should reject empty tokens", func(t *testing.T) {
		_, err := translateStatus(rt, "  ")
		assert.Error(t, err)
	})
}

func TestSelector(t *testing.T) {
	t.Run("Should return the driver registered for a kind", func(t *testing.T) {
		rest := NewRESTDriver(time.Second)
		soap := NewSOAPDriver(time.Second)
		sel, err := NewSelector(rest, soap)
		require.NoError(t, err)

		got, err := sel.Get(route.EndpointSOAP)
		require.NoError(t, err)
		assert.Same(t, soap, got)
		assert.ElementsMatch(t, []route.EndpointType{route.EndpointREST, route.EndpointSOAP}, sel.Kinds())
	})

	t.Run("Should fail for an unregistered kind", func(t *testing.T) {
		sel, err := NewSelector(NewRESTDriver(time.Second))
		require.NoError(t, err)
		_, err = sel.Get(route.EndpointSOAP)
		assert.ErrorIs(t, err, ErrUnknownEndpoint)
	})

	t.Run("Should reject duplicate drivers for one kind", func(t *testing.T) {
		_, err := NewSelector(NewRESTDriver(time.Second), NewRESTDriver(time.Second))
		assert.Error(t, err)
	})
}
