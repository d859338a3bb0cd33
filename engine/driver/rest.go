package driver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// SignatureHeader carries the hex HMAC-SHA256 of a REST callback body, keyed
// with the route password.
const SignatureHeader = "X-Flowgate-Signature"

// REST endpoint wire shape:
//
//	POST {endpointUrl}/workflows/{workflowId}
//	  body {"parameters": {...}} -> 2xx {"executionId": "..."}
//	GET  {endpointUrl}/executions/{executionId}
//	  -> 200 {"executionId", "status", "result": {}, "reportedAt",
//	          "tasks": [{"taskId", "status", "startedAt", "endedAt", "index"}]}
//
// Callbacks POST the same execution document, signed with SignatureHeader.
// Vendors that deviate are accommodated through route properties
// (submit_path, status_path, status_map).
type RESTDriver struct {
	client *resty.Client
}

// restExecution is the execution document shared by poll answers and
// callbacks.
type restExecution struct {
	SubmissionID string         `json:"submissionId,omitempty"`
	ExecutionID  string         `json:"executionId"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Tasks        []restTask     `json:"tasks,omitempty"`
	ReportedAt   *time.Time     `json:"reportedAt,omitempty"`
}

type restTask struct {
	TaskID    string     `json:"taskId"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Index     int        `json:"index"`
}

func NewRESTDriver(timeout time.Duration) *RESTDriver {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "flowgate")
	return &RESTDriver{client: client}
}

func (d *RESTDriver) Kind() route.EndpointType {
	return route.EndpointREST
}

func (d *RESTDriver) Submit(
	ctx context.Context,
	rt *route.Config,
	workflowID string,
	params core.Params,
) (string, error) {
	req := d.request(ctx, rt).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"parameters": params.AsMap()})
	path := rt.StringProperty("submit_path", "/workflows/{workflowId}")
	resp, err := req.SetPathParam("workflowId", workflowID).
		Post(strings.TrimRight(rt.EndpointURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTransport, err)
	}
	if err := classifyHTTPStatus(resp.StatusCode(), resp.String()); err != nil {
		return "", err
	}
	externalID := gjson.GetBytes(resp.Body(), "executionId").String()
	if externalID == "" {
		externalID = gjson.GetBytes(resp.Body(), "id").String()
	}
	if externalID == "" {
		return "", fmt.Errorf("%w: accepted without an execution id", ErrRejected)
	}
	return externalID, nil
}

func (d *RESTDriver) Poll(
	ctx context.Context,
	rt *route.Config,
	externalID string,
) (*RemoteStatus, error) {
	path := rt.StringProperty("status_path", "/executions/{executionId}")
	resp, err := d.request(ctx, rt).
		SetPathParam("executionId", externalID).
		Get(strings.TrimRight(rt.EndpointURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	if err := classifyHTTPStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}
	return d.parseExecution(rt, resp.Body(), externalID)
}

func (d *RESTDriver) VerifyCallback(
	_ context.Context,
	rt *route.Config,
	payload []byte,
	header http.Header,
) (*RemoteStatus, error) {
	if err := verifyHMACSignature(rt.Password, payload, header.Get(SignatureHeader)); err != nil {
		return nil, err
	}
	return d.parseExecution(rt, payload, "")
}

func (d *RESTDriver) request(ctx context.Context, rt *route.Config) *resty.Request {
	req := d.client.R().SetContext(ctx)
	if rt.UserID != "" {
		req.SetBasicAuth(rt.UserID, rt.Password)
	}
	return req
}

func (d *RESTDriver) parseExecution(rt *route.Config, body []byte, fallbackID string) (*RemoteStatus, error) {
	var exec restExecution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, fmt.Errorf("%w: undecodable execution document: %s", ErrInvalidCallback, err)
	}
	if exec.ExecutionID == "" {
		exec.ExecutionID = fallbackID
	}
	status, err := translateStatus(rt, exec.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCallback, err)
	}
	rs := &RemoteStatus{
		SubmissionID: core.ID(exec.SubmissionID),
		ExternalID:   exec.ExecutionID,
		Status:       status,
		Result:       core.Result(exec.Result),
		ReportedAt:   time.Now().UTC(),
	}
	if exec.ReportedAt != nil {
		rs.ReportedAt = exec.ReportedAt.UTC()
	}
	for _, t := range exec.Tasks {
		taskStatus, err := translateStatus(rt, t.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: task %q: %s", ErrInvalidCallback, t.TaskID, err)
		}
		rs.Tasks = append(rs.Tasks, RemoteTask{
			ExternalTaskID: t.TaskID,
			Status:         taskStatus,
			StartedAt:      t.StartedAt,
			EndedAt:        t.EndedAt,
			OrderIndex:     t.Index,
		})
	}
	return rs, nil
}

// classifyHTTPStatus maps an endpoint answer onto the driver error taxonomy.
func classifyHTTPStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: endpoint returned %d", ErrAuth, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: endpoint returned 404", ErrNotFound)
	case code >= 500:
		return fmt.Errorf("%w: endpoint returned %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("%w: endpoint returned %d: %s", ErrRejected, code, truncateBody(body))
	}
}

func verifyHMACSignature(secret string, payload []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: route has no callback secret", ErrInvalidCallback)
	}
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidCallback)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", ErrInvalidCallback)
	}
	if !hmac.Equal(expected, got) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidCallback)
	}
	return nil
}

// SignCallbackBody computes the signature a REST endpoint attaches to its
// callbacks. Exposed for endpoint simulators and tests.
func SignCallbackBody(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncateBody(body string) string {
	const max = 200
	body = strings.TrimSpace(body)
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
