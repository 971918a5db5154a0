package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/documents"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
)

// HTTPClient implements Client using the HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streamClient has no timeout; live streams stay open indefinitely.
	streamClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Updates ---

func (c *HTTPClient) SendUpdate(ctx context.Context, req *SendUpdateRequest) (*model.UpdateRecord, error) {
	var rec model.UpdateRecord
	warn, err := c.doJSON(ctx, http.MethodPost, "/v1/updates", req, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, warn
}

func (c *HTTPClient) ListUpdates(ctx context.Context, req *ListUpdatesRequest) ([]model.UpdateRecord, error) {
	q := url.Values{}
	if req.Stage != "" {
		q.Set("stage", string(req.Stage))
	}
	if req.Role != "" {
		q.Set("role", string(req.Role))
	}
	if req.Type != "" {
		q.Set("type", string(req.Type))
	}
	if req.Unread {
		q.Set("unread", "true")
	}
	if req.Timeline {
		q.Set("order", "timeline")
	}

	var resp struct {
		Updates []model.UpdateRecord `json:"updates"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/updates", q), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Found bool `json:"found"`
	}
	warn, err := c.doJSON(ctx, http.MethodPost, "/v1/updates/"+url.PathEscape(id)+"/read", nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Found, warn
}

func (c *HTTPClient) StageStatuses(ctx context.Context, stage model.Stage) (*StageStatusesResponse, error) {
	var resp StageStatusesResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/v1/stages/"+url.PathEscape(string(stage))+"/statuses", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Notifications(ctx context.Context, role model.Role) ([]model.UpdateRecord, error) {
	var resp struct {
		Notifications []model.UpdateRecord `json:"notifications"`
	}
	q := url.Values{"role": {string(role)}}
	if _, err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/notifications", q), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// --- Documents ---

func (c *HTTPClient) SendDocument(ctx context.Context, in *documents.SendInput) (*model.DocumentRecord, error) {
	var doc model.DocumentRecord
	warn, err := c.doJSON(ctx, http.MethodPost, "/v1/documents", in, &doc)
	if err != nil {
		return nil, err
	}
	return &doc, warn
}

func (c *HTTPClient) ListDocuments(ctx context.Context, role model.Role, stage model.Stage) ([]model.DocumentRecord, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", string(role))
	}
	if stage != "" {
		q.Set("stage", string(stage))
	}
	var resp struct {
		Documents []model.DocumentRecord `json:"documents"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/documents", q), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (c *HTTPClient) DownloadDocument(ctx context.Context, id string, role model.Role) ([]byte, error) {
	q := url.Values{"role": {string(role)}}
	req, err := c.newRequest(ctx, http.MethodGet, withQuery("/v1/documents/"+url.PathEscape(id)+"/content", q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, body)
	}
	if w := resp.Header.Get("X-Warning"); w != "" {
		return body, &Warning{Message: w}
	}
	return body, nil
}

func (c *HTTPClient) ReviewDocument(ctx context.Context, id string, role model.Role) (*model.DocumentRecord, error) {
	var doc model.DocumentRecord
	body := map[string]model.Role{"role": role}
	warn, err := c.doJSON(ctx, http.MethodPost, "/v1/documents/"+url.PathEscape(id)+"/review", body, &doc)
	if err != nil {
		return nil, err
	}
	return &doc, warn
}

// --- Proposals ---

func (c *HTTPClient) Propose(ctx context.Context, in *proposals.ProposeInput) (*model.CompletionProposal, error) {
	var p model.CompletionProposal
	if _, err := c.doJSON(ctx, http.MethodPost, "/v1/proposals", in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *HTTPClient) ListProposals(ctx context.Context, transactionID string) (*ListProposalsResponse, error) {
	q := url.Values{}
	if transactionID != "" {
		q.Set("transaction", transactionID)
	}
	var resp ListProposalsResponse
	if _, err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/proposals", q), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Accept(ctx context.Context, id string, role model.Role, message string) (*proposals.Decision, error) {
	return c.decide(ctx, id, "accept", role, message)
}

func (c *HTTPClient) Reject(ctx context.Context, id string, role model.Role, reason string) (*proposals.Decision, error) {
	return c.decide(ctx, id, "reject", role, reason)
}

func (c *HTTPClient) decide(ctx context.Context, id, action string, role model.Role, message string) (*proposals.Decision, error) {
	body := map[string]string{"role": string(role)}
	if message != "" {
		body["message"] = message
	}
	var d proposals.Decision
	if _, err := c.doJSON(ctx, http.MethodPost, "/v1/proposals/"+url.PathEscape(id)+"/"+action, body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// --- Platform ---

func (c *HTTPClient) Reset(ctx context.Context) error {
	warn, err := c.doJSON(ctx, http.MethodPost, "/v1/reset", nil, nil)
	if err != nil {
		return err
	}
	if warn != nil {
		return warn
	}
	return nil
}

func (c *HTTPClient) Reload(ctx context.Context) (int, error) {
	var resp struct {
		Updates int `json:"updates"`
	}
	warn, err := c.doJSON(ctx, http.MethodPost, "/v1/reload", nil, &resp)
	if err != nil {
		return 0, err
	}
	if warn != nil {
		return resp.Updates, warn
	}
	return resp.Updates, nil
}

func (c *HTTPClient) Presence(ctx context.Context) (*PresenceResponse, error) {
	var resp PresenceResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/v1/presence", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the server health. A degraded server answers 503 with a
// body; that is reported as a response, not an error.
func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable {
		if json.Unmarshal([]byte(apiErr.Body), &resp) == nil && resp.Status != "" {
			return &resp, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Stream ---

// Stream opens the SSE endpoint and calls fn for each event. When the
// connection drops it reconnects after a short wait, resuming from the last
// event id seen.
func (c *HTTPClient) Stream(ctx context.Context, req *StreamRequest, fn func(StreamEvent) error) error {
	lastID := req.LastEventID
	backoff := 500 * time.Millisecond
	for {
		err := c.streamOnce(ctx, req, &lastID, fn)
		if ctx.Err() != nil {
			return nil
		}
		if _, ok := err.(*APIError); ok {
			return err
		}
		if cb, ok := err.(callbackError); ok {
			return cb.err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

// callbackError marks an error returned by the Stream callback.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }

func (c *HTTPClient) streamOnce(ctx context.Context, sr *StreamRequest, lastID *string, fn func(StreamEvent) error) error {
	q := url.Values{}
	if len(sr.Topics) > 0 {
		q.Set("topics", strings.Join(sr.Topics, ","))
	}
	if sr.Stage != "" {
		q.Set("stage", string(sr.Stage))
	}
	if sr.Role != "" {
		q.Set("role", string(sr.Role))
	}
	if sr.ExcludeOwn {
		q.Set("exclude_own", "true")
	}
	req, err := c.newRequest(ctx, http.MethodGet, withQuery("/v1/events/stream", q), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var id, topic string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// comment or keepalive
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimPrefix(line, "id:")
		case strings.HasPrefix(line, "event:"):
			topic = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line, "data:")...)
		case line == "":
			if topic == "" && len(data) == 0 {
				continue
			}
			evt := StreamEvent{ID: id, Topic: topic}
			if len(data) > 0 {
				if err := json.Unmarshal(data, &evt); err != nil {
					return fmt.Errorf("decoding event %s: %w", id, err)
				}
				evt.ID, evt.Topic = id, topic
			}
			if id != "" {
				*lastID = id
			}
			if err := fn(evt); err != nil {
				return callbackError{err}
			}
			id, topic, data = "", "", nil
		}
	}
	return scanner.Err()
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func apiError(status int, body []byte) *APIError {
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Message: errResp.Error, Body: string(body)}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body)), Body: string(body)}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON performs an HTTP request with optional JSON body and decodes the
// JSON response into result. If result is nil, the response body is
// discarded. A "warning" field in the response comes back as a *Warning in
// the first result, which is a nil error otherwise.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) (warn error, err error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content: success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}

	var w struct {
		Warning string `json:"warning"`
	}
	if json.Unmarshal(respBody, &w) == nil && w.Warning != "" {
		return &Warning{Message: w.Warning}, nil
	}
	return nil, nil
}
