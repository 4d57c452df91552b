package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/resilience"
)

// ErrMissingTaskID marks a response that parsed but carried no task id.
var ErrMissingTaskID = errors.New("no task id in response")

// ProviderError is a response the provider sent that cannot be used: a
// non-2xx status, an application error code inside a 200, a body that is not
// JSON, or a submission without a task id.
type ProviderError struct {
	Capability string
	Endpoint   string
	StatusCode int
	Code       int
	Message    string
	Body       string
	cause      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Capability, e.Endpoint)
	switch {
	case e.Code != 0 && e.Code != e.StatusCode:
		fmt.Fprintf(&b, ": code %d", e.Code)
	case e.StatusCode != 0:
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// HTTPStatus lets the retry policy classify transport level statuses. An
// application error inside a 200 reports 200 and is therefore not retried.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (e *ProviderError) Unwrap() error { return e.cause }

// IsClientError reports a 4xx rejection that says nothing about provider
// health (bad input, bad key), as opposed to 408/429 or 5xx.
func IsClientError(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	code := pe.StatusCode
	if pe.StatusCode == 200 && pe.Code != 0 {
		code = pe.Code
	}
	return code >= 400 && code < 500 && !resilience.IsRetryableStatus(code)
}

// EndpointError is the failure of one candidate endpoint.
type EndpointError struct {
	Endpoint string
	Err      error
}

func (e *EndpointError) Error() string {
	return e.Endpoint + ": " + e.Err.Error()
}

func (e *EndpointError) Unwrap() error { return e.Err }

// AggregateError is returned when every endpoint failed. It keeps each
// endpoint's failure for diagnostics and matches any of them with errors.Is
// and errors.As.
type AggregateError struct {
	Capability string
	Failures   []*EndpointError
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%s: all %d endpoint(s) failed: %s", e.Capability, len(e.Failures), strings.Join(parts, "; "))
}

func (e *AggregateError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

// Message returns a short user facing reason: the last provider supplied
// message if any, otherwise the full error text.
func (e *AggregateError) Message() string {
	for i := len(e.Failures) - 1; i >= 0; i-- {
		var pe *ProviderError
		if errors.As(e.Failures[i].Err, &pe) && pe.Message != "" {
			return pe.Message
		}
	}
	return e.Error()
}
