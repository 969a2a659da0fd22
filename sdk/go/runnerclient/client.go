package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the runner server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is an optional JWT bearer token. Takes precedence over the
	// other credentials when set.
	Token string

	// AdminKey is an optional admin API key sent as X-Admin-Key.
	AdminKey string

	// Scope is an optional list of resource ids sent as X-Resource-Scope.
	// With no credentials at all the server treats the caller as admin;
	// whether that is acceptable depends on the deployment.
	Scope []string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used. Streaming methods (Run,
	// Connect) always use a client without a timeout, since a run can
	// legitimately outlive any fixed request deadline.
	HTTPClient *http.Client

	// Timeout applies to individual non-streaming requests. Defaults to
	// 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the agent runner API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	token     string
	adminKey  string
	scope     string
	client    *http.Client
	streaming *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("runnerclient: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	streaming := &http.Client{Transport: httpClient.Transport}

	return &Client{
		baseURL:   baseURL,
		token:     cfg.Token,
		adminKey:  cfg.AdminKey,
		scope:     encodeScope(cfg.Scope),
		client:    httpClient,
		streaming: streaming,
	}, nil
}

// encodeScope renders resource ids as the scope header value. Each id is
// percent-encoded individually so ids containing commas survive transport.
func encodeScope(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	encoded := make([]string, len(ids))
	for i, id := range ids {
		encoded[i] = url.QueryEscape(id)
	}
	return strings.Join(encoded, ",")
}

// Run starts a run on a thread and returns its event stream. The channel
// yields every event of the run in order and closes after the terminal
// event. Cancelling ctx abandons the stream; the run itself continues on
// the server (use Stop to abort it).
func (c *Client) Run(ctx context.Context, threadID string, req RunRequest) (<-chan Event, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("runnerclient: marshal request body: %w", err)
	}
	return c.stream(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(threadID)+"/run", bytes.NewReader(encoded))
}

// Connect replays a thread's stored history and follows any in-flight run
// live. The channel closes when the history is exhausted and no run is
// active, or after the in-flight run's terminal event.
func (c *Client) Connect(ctx context.Context, threadID string) (<-chan Event, error) {
	return c.stream(ctx, http.MethodGet, "/v1/threads/"+url.PathEscape(threadID)+"/connect", nil)
}

// Stop cancels a thread's in-flight run. Returns false if nothing was
// running.
func (c *Client) Stop(ctx context.Context, threadID string) (bool, error) {
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.post(ctx, "/v1/threads/"+url.PathEscape(threadID)+"/stop", struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Stopped, nil
}

// ListThreads returns one page of the caller's thread directory.
// limit <= 0 uses the server default.
func (c *Client) ListThreads(ctx context.Context, limit, offset int) (*ThreadPage, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/threads"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("runnerclient: create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runnerclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("runnerclient: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope struct {
		Data    []Thread `json:"data"`
		Total   int      `json:"total"`
		HasMore bool     `json:"has_more"`
		Limit   int      `json:"limit"`
		Offset  int      `json:"offset"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("runnerclient: decode response: %w", err)
	}
	return &ThreadPage{
		Threads: envelope.Data,
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}, nil
}

// GetThread returns one thread's metadata.
func (c *Client) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var thread Thread
	if err := c.get(ctx, "/v1/threads/"+url.PathEscape(threadID), &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// DeleteThread deletes a thread and its events. Deleting an absent thread
// is not an error.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.doDelete(ctx, "/v1/threads/"+url.PathEscape(threadID), nil)
}

// ThreadEvents returns a thread's stored event history.
func (c *Client) ThreadEvents(ctx context.Context, threadID string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/v1/threads/"+url.PathEscape(threadID)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.adminKey != "":
		req.Header.Set("X-Admin-Key", c.adminKey)
	case c.scope != "":
		req.Header.Set("X-Resource-Scope", c.scope)
	}
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("runnerclient: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("runnerclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("runnerclient: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("runnerclient: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("runnerclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("runnerclient: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("runnerclient: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
