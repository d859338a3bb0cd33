package driver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/go-resty/resty/v2"
)

const (
	soapEnvelopeNS    = "http://schemas.xmlsoap.org/soap/envelope/"
	soapContentType   = "text/xml; charset=utf-8"
	soapActionSubmit  = "Submit"
	soapActionStatus  = "GetStatus"
	soapTimeLayout    = time.RFC3339
	soapActionHeader  = "SOAPAction"
	soapActionPropKey = "soap_action_prefix"
)

// SOAPDriver speaks to control centers exposing a document-style SOAP
// service. Requests carry HTTP basic auth from the route credentials;
// callbacks embed the credentials in the notification element instead, since
// control centers push them from batch jobs without an HTTP session.
type SOAPDriver struct {
	client *resty.Client
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    soapBody `xml:"Body"`
}

type soapBody struct {
	Fault          *soapFault          `xml:"Fault,omitempty"`
	SubmitResponse *soapSubmitResponse `xml:"SubmitResponse,omitempty"`
	StatusResponse *soapStatusResponse `xml:"StatusResponse,omitempty"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type soapSubmitRequest struct {
	XMLName    xml.Name        `xml:"SubmitRequest"`
	WorkflowID string          `xml:"WorkflowId"`
	Parameters []soapParameter `xml:"Parameters>Parameter"`
}

type soapParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type soapSubmitResponse struct {
	ExecutionID string `xml:"ExecutionId"`
}

type soapStatusRequest struct {
	XMLName     xml.Name `xml:"StatusRequest"`
	ExecutionID string   `xml:"ExecutionId"`
}

type soapStatusResponse struct {
	ExecutionID string         `xml:"ExecutionId"`
	Status      string         `xml:"Status"`
	Message     string         `xml:"Message,omitempty"`
	ReportedAt  string         `xml:"ReportedAt,omitempty"`
	Tasks       []soapTaskInfo `xml:"Tasks>Task"`
}

type soapTaskInfo struct {
	ID        string `xml:"id,attr"`
	Status    string `xml:"Status"`
	StartedAt string `xml:"StartedAt,omitempty"`
	EndedAt   string `xml:"EndedAt,omitempty"`
	Index     int    `xml:"Index"`
}

// soapNotification is the inline callback a control center pushes. The
// embedded credentials authenticate the sender against the route.
type soapNotification struct {
	XMLName      xml.Name           `xml:"StatusNotification"`
	UserID       string             `xml:"Credentials>UserId"`
	Password     string             `xml:"Credentials>Password"`
	SubmissionID string             `xml:"SubmissionId,omitempty"`
	Status       soapStatusResponse `xml:"Execution"`
}

func NewSOAPDriver(timeout time.Duration) *SOAPDriver {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", soapContentType).
		SetHeader("User-Agent", "flowgate")
	return &SOAPDriver{client: client}
}

func (d *SOAPDriver) Kind() route.EndpointType {
	return route.EndpointSOAP
}

func (d *SOAPDriver) Submit(
	ctx context.Context,
	rt *route.Config,
	workflowID string,
	params core.Params,
) (string, error) {
	req := soapSubmitRequest{WorkflowID: workflowID, Parameters: encodeSOAPParams(params)}
	body, err := d.call(ctx, rt, soapActionSubmit, req)
	if err != nil {
		return "", err
	}
	if body.SubmitResponse == nil || body.SubmitResponse.ExecutionID == "" {
		return "", fmt.Errorf("%w: submit response carries no execution id", ErrRejected)
	}
	return body.SubmitResponse.ExecutionID, nil
}

func (d *SOAPDriver) Poll(
	ctx context.Context,
	rt *route.Config,
	externalID string,
) (*RemoteStatus, error) {
	body, err := d.call(ctx, rt, soapActionStatus, soapStatusRequest{ExecutionID: externalID})
	if err != nil {
		return nil, err
	}
	if body.StatusResponse == nil {
		return nil, fmt.Errorf("%w: status response carries no execution element", ErrTransport)
	}
	return d.toRemoteStatus(rt, body.StatusResponse, "")
}

func (d *SOAPDriver) VerifyCallback(
	_ context.Context,
	rt *route.Config,
	payload []byte,
	_ http.Header,
) (*RemoteStatus, error) {
	var note soapNotification
	if err := xml.Unmarshal(payload, &note); err != nil {
		return nil, fmt.Errorf("%w: undecodable notification: %s", ErrInvalidCallback, err)
	}
	userOK := subtle.ConstantTimeCompare([]byte(note.UserID), []byte(rt.UserID)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(note.Password), []byte(rt.Password)) == 1
	if rt.Password == "" || !userOK || !passOK {
		return nil, fmt.Errorf("%w: credential mismatch", ErrInvalidCallback)
	}
	rs, err := d.toRemoteStatus(rt, &note.Status, note.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCallback, err)
	}
	return rs, nil
}

// call posts one envelope and decodes the answer, translating faults and
// transport conditions into the driver error taxonomy.
func (d *SOAPDriver) call(ctx context.Context, rt *route.Config, action string, payload any) (*soapBody, error) {
	reqBody, err := buildEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	req := d.client.R().
		SetContext(ctx).
		SetHeader(soapActionHeader, rt.StringProperty(soapActionPropKey, "urn:flowgate:")+action).
		SetBody(reqBody)
	if rt.UserID != "" {
		req.SetBasicAuth(rt.UserID, rt.Password)
	}
	resp, err := req.Post(rt.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	var env soapEnvelope
	if decodeErr := xml.Unmarshal(resp.Body(), &env); decodeErr != nil {
		if httpErr := classifyHTTPStatus(resp.StatusCode(), resp.String()); httpErr != nil {
			return nil, httpErr
		}
		return nil, fmt.Errorf("%w: undecodable envelope: %s", ErrTransport, decodeErr)
	}
	if env.Body.Fault != nil {
		return nil, classifySOAPFault(env.Body.Fault)
	}
	if err := classifyHTTPStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}
	return &env.Body, nil
}

func (d *SOAPDriver) toRemoteStatus(rt *route.Config, sr *soapStatusResponse, submissionID string) (*RemoteStatus, error) {
	status, err := translateStatus(rt, sr.Status)
	if err != nil {
		return nil, err
	}
	rs := &RemoteStatus{
		SubmissionID: core.ID(submissionID),
		ExternalID:   sr.ExecutionID,
		Status:       status,
		ReportedAt:   time.Now().UTC(),
	}
	if sr.Message != "" {
		rs.Result = core.Result{"message": sr.Message}
	}
	if ts := parseSOAPTime(sr.ReportedAt); ts != nil {
		rs.ReportedAt = *ts
	}
	for _, t := range sr.Tasks {
		taskStatus, err := translateStatus(rt, t.Status)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.ID, err)
		}
		rs.Tasks = append(rs.Tasks, RemoteTask{
			ExternalTaskID: t.ID,
			Status:         taskStatus,
			StartedAt:      parseSOAPTime(t.StartedAt),
			EndedAt:        parseSOAPTime(t.EndedAt),
			OrderIndex:     t.Index,
		})
	}
	return rs, nil
}

func buildEnvelope(payload any) ([]byte, error) {
	inner, err := xml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString(`<soap:Envelope xmlns:soap="` + soapEnvelopeNS + `"><soap:Body>`)
	sb.Write(inner)
	sb.WriteString(`</soap:Body></soap:Envelope>`)
	return []byte(sb.String()), nil
}

// classifySOAPFault maps fault code classes onto the error taxonomy:
// authentication faults to ErrAuth, other client faults to ErrRejected,
// server faults to ErrUnavailable.
func classifySOAPFault(fault *soapFault) error {
	code := strings.ToLower(fault.Code)
	switch {
	case strings.Contains(code, "auth"):
		return fmt.Errorf("%w: %s", ErrAuth, fault.String)
	case strings.Contains(code, "notfound"):
		return fmt.Errorf("%w: %s", ErrNotFound, fault.String)
	case strings.Contains(code, "client"):
		return fmt.Errorf("%w: %s", ErrRejected, fault.String)
	default:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, fault.Code, fault.String)
	}
}

// encodeSOAPParams flattens the open parameter mapping into name/value
// pairs; non-scalar values travel as JSON text.
func encodeSOAPParams(params core.Params) []soapParameter {
	out := make([]soapParameter, 0, len(params))
	for name, value := range params {
		out = append(out, soapParameter{Name: name, Value: encodeSOAPValue(value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func encodeSOAPValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func parseSOAPTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(soapTimeLayout, strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	ts = ts.UTC()
	return &ts
}
