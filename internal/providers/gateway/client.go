// Package gateway calls provider HTTP APIs through an ordered list of
// candidate endpoints, with retries per endpoint and a shared circuit per
// capability.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/taskid"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/resilience"
)

const maxBodyBytes = 4 << 20

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Retry      resilience.RetryPolicy
	Breakers   *resilience.Registry
	// Authorize adds credentials and provider specific headers.
	Authorize func(r *http.Request)
	UserAgent string
	Logger    *infra.Logger
}

// Client executes capability calls for one provider.
type Client struct {
	httpClient *http.Client
	retry      resilience.RetryPolicy
	breakers   *resilience.Registry
	authorize  func(r *http.Request)
	userAgent  string
	logger     *infra.Logger
}

// Request describes one capability call.
type Request struct {
	Capability string
	Method     string
	Endpoints  []string
	// Body is JSON encoded for POST requests.
	Body any
	// TaskID is substituted for {taskId} in the endpoint, or appended as the
	// taskId query parameter when the endpoint has no placeholder.
	TaskID string
	// RequireTaskID makes a response without a task id an endpoint failure.
	RequireTaskID bool
}

// Result is the normalized success of one endpoint.
type Result struct {
	Endpoint   string
	StatusCode int
	Code       int
	Message    string
	IDs        taskid.IDs
	Body       map[string]any
	Raw        []byte
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.BreakerOptions{IsFailure: CountsAgainstCircuit})
	}
	authorize := opts.Authorize
	if authorize == nil {
		authorize = func(*http.Request) {}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "generation-engine/1.0"
	}
	return &Client{
		httpClient: httpClient,
		retry:      opts.Retry,
		breakers:   breakers,
		authorize:  authorize,
		userAgent:  userAgent,
		logger:     infra.OrDiscard(opts.Logger),
	}
}

// CountsAgainstCircuit is the breaker failure filter for provider calls:
// client side rejections do not say the provider is unhealthy.
func CountsAgainstCircuit(err error) bool {
	return !IsClientError(err)
}

// Call tries each endpoint in order and returns the first success. When all
// fail the error is an *AggregateError listing every endpoint's failure.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	if len(req.Endpoints) == 0 {
		return nil, &AggregateError{Capability: req.Capability, Failures: []*EndpointError{{
			Endpoint: "(none)", Err: errors.New("no endpoints configured"),
		}}}
	}
	breaker := c.breakers.Breaker(req.Capability)
	agg := &AggregateError{Capability: req.Capability}
	for _, endpoint := range req.Endpoints {
		res, err := resilience.Call(ctx, breaker, func(ctx context.Context) (*Result, error) {
			return resilience.Execute(ctx, c.retry, func(ctx context.Context) (*Result, error) {
				return c.do(ctx, req, endpoint)
			})
		})
		if err == nil {
			c.logger.Debug().
				Str("capability", req.Capability).
				Str("endpoint", endpoint).
				Str("task_id", res.IDs.TaskID).
				Msg("gateway: call succeeded")
			return res, nil
		}
		c.logger.Warn().Err(err).
			Str("capability", req.Capability).
			Str("endpoint", endpoint).
			Msg("gateway: endpoint failed")
		agg.Failures = append(agg.Failures, &EndpointError{Endpoint: endpoint, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return nil, agg
}

func (c *Client) do(ctx context.Context, req Request, endpoint string) (*Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	target, err := resolveEndpoint(endpoint, req.TaskID)
	if err != nil {
		return nil, &ProviderError{Capability: req.Capability, Endpoint: endpoint, Message: err.Error(), cause: err}
	}

	var body io.Reader
	if method != http.MethodGet && req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	decoded, decodeErr := decodeObject(raw)
	message := messageOf(decoded)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &ProviderError{
			Capability: req.Capability,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    message,
			Body:       string(raw),
		}
	}
	if decodeErr != nil {
		return nil, &ProviderError{
			Capability: req.Capability,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    "malformed response: " + decodeErr.Error(),
			Body:       string(raw),
			cause:      decodeErr,
		}
	}
	code, hasCode := appCode(decoded)
	if hasCode && code != http.StatusOK {
		return nil, &ProviderError{
			Capability: req.Capability,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    message,
			Body:       string(raw),
		}
	}

	res := &Result{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    message,
		Body:       decoded,
		Raw:        raw,
	}
	if req.RequireTaskID {
		res.IDs = taskid.Extract(decoded)
		if !res.IDs.Found() {
			return nil, &ProviderError{
				Capability: req.Capability,
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Message:    ErrMissingTaskID.Error(),
				Body:       string(raw),
				cause:      ErrMissingTaskID,
			}
		}
	}
	return res, nil
}

func resolveEndpoint(endpoint, taskID string) (string, error) {
	if taskID == "" {
		if strings.Contains(endpoint, "{taskId}") {
			return "", errors.New("endpoint needs a task id")
		}
		return endpoint, nil
	}
	if strings.Contains(endpoint, "{taskId}") {
		return strings.ReplaceAll(endpoint, "{taskId}", url.PathEscape(taskID)), nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("taskId", taskID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// decodeObject accepts an empty body as an empty object; anything else must
// be a JSON object.
func decodeObject(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("expected a JSON object")
	}
	return out, nil
}

// appCode reads an application level "code" field when it is numeric.
func appCode(body map[string]any) (int, bool) {
	switch v := body["code"].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	case float64:
		return int(v), true
	}
	return 0, false
}

func messageOf(body map[string]any) string {
	for _, key := range []string{"msg", "message", "error_message", "errorMessage"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	switch v := body["error"].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if s, ok := v["message"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
