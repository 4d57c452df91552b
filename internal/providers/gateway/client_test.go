package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/resilience"
)

type captureTransport struct {
	mu        sync.Mutex
	responses map[string][]responseStub
	requests  []*http.Request
	bodies    [][]byte
}

type responseStub struct {
	status int
	body   string
	err    error
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{responses: map[string][]responseStub{}}
}

// queue registers responses for host+path, served in order; the last one repeats.
func (c *captureTransport) queue(hostPath string, stubs ...responseStub) {
	c.responses[hostPath] = append(c.responses[hostPath], stubs...)
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	c.requests = append(c.requests, req)
	c.bodies = append(c.bodies, body)
	key := req.URL.Host + req.URL.EscapedPath()
	stubs := c.responses[key]
	if len(stubs) == 0 {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader("not found"))}, nil
	}
	stub := stubs[0]
	if len(stubs) > 1 {
		c.responses[key] = stubs[1:]
	}
	if stub.err != nil {
		return nil, stub.err
	}
	return &http.Response{
		StatusCode: stub.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(stub.body))),
	}, nil
}

func (c *captureTransport) hits(hostPath string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.requests {
		if r.URL.Host+r.URL.EscapedPath() == hostPath {
			n++
		}
	}
	return n
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestClient(transport http.RoundTripper, breakers *resilience.Registry) *Client {
	return NewClient(Options{
		HTTPClient: &http.Client{Transport: transport},
		Retry:      resilience.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, Sleep: noSleep},
		Breakers:   breakers,
		Authorize: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer test-key")
		},
	})
}

func TestCallFallsBackToNextEndpoint(t *testing.T) {
	transport := newCaptureTransport()
	transport.queue("a.example/generate", responseStub{status: 503, body: `{"msg":"overloaded"}`})
	transport.queue("b.example/generate", responseStub{status: 200, body: `{"code":401,"msg":"bad key"}`})
	transport.queue("c.example/generate", responseStub{status: 200, body: `{"code":200,"data":{"taskId":"task-42"}}`})
	client := newTestClient(transport, nil)

	res, err := client.Call(context.Background(), Request{
		Capability:    "suno.generate",
		Endpoints:     []string{"https://a.example/generate", "https://b.example/generate", "https://c.example/generate"},
		Body:          map[string]any{"prompt": "lofi"},
		RequireTaskID: true,
	})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if res.IDs.TaskID != "task-42" {
		t.Fatalf("TaskID = %q, want task-42", res.IDs.TaskID)
	}
	if res.Endpoint != "https://c.example/generate" {
		t.Fatalf("Endpoint = %q, want c.example", res.Endpoint)
	}
	if got := transport.hits("a.example/generate"); got != 3 {
		t.Fatalf("a.example hits = %d, want 3 (retried 503)", got)
	}
	if got := transport.hits("b.example/generate"); got != 1 {
		t.Fatalf("b.example hits = %d, want 1 (app errors are not retried)", got)
	}
	last := transport.requests[len(transport.requests)-1]
	if got := last.Header.Get("Authorization"); got != "Bearer test-key" {
		t.Fatalf("Authorization = %q, want bearer key", got)
	}
	if got := last.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
}

func TestCallAggregatesEveryEndpointFailure(t *testing.T) {
	transport := newCaptureTransport()
	transport.queue("a.example/lyrics", responseStub{status: 400, body: `{"msg":"prompt too long"}`})
	transport.queue("b.example/lyrics", responseStub{status: 200, body: `{"code":200,"data":{}}`})
	transport.queue("c.example/lyrics", responseStub{status: 200, body: `<html>bad gateway</html>`})
	client := newTestClient(transport, nil)

	_, err := client.Call(context.Background(), Request{
		Capability:    "suno.lyrics",
		Endpoints:     []string{"https://a.example/lyrics", "https://b.example/lyrics", "https://c.example/lyrics"},
		Body:          map[string]any{"prompt": "x"},
		RequireTaskID: true,
	})
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("err = %v, want *AggregateError", err)
	}
	if agg.Capability != "suno.lyrics" || len(agg.Failures) != 3 {
		t.Fatalf("aggregate = %+v", agg)
	}
	msg := err.Error()
	for _, want := range []string{"prompt too long", ErrMissingTaskID.Error(), "malformed response", "suno.lyrics"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %q", msg, want)
		}
	}
	if !errors.Is(err, ErrMissingTaskID) {
		t.Fatalf("errors.Is(err, ErrMissingTaskID) = false")
	}
}

func TestCallFailsFastWhenCircuitOpen(t *testing.T) {
	transport := newCaptureTransport()
	transport.queue("a.example/generate", responseStub{status: 500, body: `{}`})
	breakers := resilience.NewRegistry(resilience.BreakerOptions{Threshold: 2, OpenTimeout: time.Hour, IsFailure: CountsAgainstCircuit})
	client := newTestClient(transport, breakers)
	req := Request{Capability: "suno.generate", Endpoints: []string{"https://a.example/generate"}, Body: map[string]any{}}

	for i := 0; i < 2; i++ {
		if _, err := client.Call(context.Background(), req); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	before := transport.hits("a.example/generate")
	_, err := client.Call(context.Background(), req)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if after := transport.hits("a.example/generate"); after != before {
		t.Fatalf("open circuit still reached the provider: %d -> %d", before, after)
	}
}

func TestCallClientErrorsDoNotOpenCircuit(t *testing.T) {
	transport := newCaptureTransport()
	transport.queue("a.example/generate", responseStub{status: 422, body: `{"message":"sensitive word"}`})
	breakers := resilience.NewRegistry(resilience.BreakerOptions{Threshold: 1, OpenTimeout: time.Hour, IsFailure: CountsAgainstCircuit})
	client := newTestClient(transport, breakers)
	req := Request{Capability: "suno.generate", Endpoints: []string{"https://a.example/generate"}, Body: map[string]any{}}

	client.Call(context.Background(), req)
	if got := breakers.Breaker("suno.generate").Snapshot().State; got != resilience.StateClosed {
		t.Fatalf("state = %q, want closed", got)
	}
}

func TestCallQuerySubstitutesTaskID(t *testing.T) {
	transport := newCaptureTransport()
	transport.queue("api.example/v1/song/query/abc%2F1", responseStub{status: 200, body: `{"status":"running"}`})
	transport.queue("api.example/record-info", responseStub{status: 200, body: `{"code":200,"data":{"status":"PENDING"}}`})
	client := newTestClient(transport, nil)

	res, err := client.Call(context.Background(), Request{
		Capability: "suno.query",
		Method:     http.MethodGet,
		Endpoints:  []string{"https://api.example/record-info"},
		TaskID:     "t 1",
	})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if got := transport.requests[0].URL.Query().Get("taskId"); got != "t 1" {
		t.Fatalf("taskId query = %q, want %q", got, "t 1")
	}
	if transport.bodies[0] != nil && len(transport.bodies[0]) != 0 {
		t.Fatalf("GET sent a body: %q", transport.bodies[0])
	}
	data, _ := res.Body["data"].(map[string]any)
	if data["status"] != "PENDING" {
		t.Fatalf("decoded body = %#v", res.Body)
	}

	if _, err := client.Call(context.Background(), Request{
		Capability: "mureka.query",
		Method:     http.MethodGet,
		Endpoints:  []string{"https://api.example/v1/song/query/{taskId}"},
		TaskID:     "abc/1",
	}); err != nil {
		t.Fatalf("templated Call returned error: %v", err)
	}
	if got := transport.requests[1].URL.EscapedPath(); got != "/v1/song/query/abc%2F1" {
		t.Fatalf("path = %q, want escaped task id", got)
	}
}

func TestCallOmitsUnsetOptionalFields(t *testing.T) {
	type payload struct {
		Prompt string `json:"prompt"`
		Style  string `json:"style,omitempty"`
		Instr  *bool  `json:"instrumental,omitempty"`
	}
	transport := newCaptureTransport()
	transport.queue("a.example/generate", responseStub{status: 200, body: `{"code":200,"data":{"taskId":"t"}}`})
	client := newTestClient(transport, nil)

	if _, err := client.Call(context.Background(), Request{
		Capability:    "suno.generate",
		Endpoints:     []string{"https://a.example/generate"},
		Body:          payload{Prompt: "hi"},
		RequireTaskID: true,
	}); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	var sent map[string]any
	if err := json.Unmarshal(transport.bodies[0], &sent); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	if len(sent) != 1 || sent["prompt"] != "hi" {
		t.Fatalf("sent body = %#v, want only prompt", sent)
	}
}

func TestCallRetriesNetworkErrors(t *testing.T) {
	transport := newCaptureTransport()
	transport.queue("a.example/generate",
		responseStub{err: io.ErrUnexpectedEOF},
		responseStub{status: 200, body: `{"code":200,"data":{"taskId":"t-net"}}`},
	)
	client := newTestClient(transport, nil)
	res, err := client.Call(context.Background(), Request{
		Capability:    "suno.generate",
		Endpoints:     []string{"https://a.example/generate"},
		Body:          map[string]any{},
		RequireTaskID: true,
	})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if res.IDs.TaskID != "t-net" {
		t.Fatalf("TaskID = %q, want t-net", res.IDs.TaskID)
	}
}

func TestIsClientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&ProviderError{StatusCode: 400}, true},
		{&ProviderError{StatusCode: 429}, false},
		{&ProviderError{StatusCode: 503}, false},
		{&ProviderError{StatusCode: 200, Code: 413}, true},
		{&ProviderError{StatusCode: 200, Code: 500}, false},
		{errors.New("dial tcp: refused"), false},
	}
	for _, tc := range tests {
		if got := IsClientError(tc.err); got != tc.want {
			t.Fatalf("IsClientError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
