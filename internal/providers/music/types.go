// Package music defines the provider-neutral contract the lifecycle engine
// uses to submit generation work and read it back.
package music

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

// SubmitRequest is the generic payload for every kind. Optional fields are
// only forwarded to the provider when set.
type SubmitRequest struct {
	JobID       string
	Kind        domain.JobKind
	Prompt      string
	Title       string
	Tags        []string
	Lyrics      string
	Model       string
	CallbackURL string

	Instrumental        *bool
	CustomMode          *bool
	NegativeTags        string
	VocalGender         string
	StyleWeight         *float64
	WeirdnessConstraint *float64
	AudioWeight         *float64
	ReferenceAudioURL   string

	// Mureka reference assets and variant count.
	ReferenceID string
	VocalID     string
	MelodyID    string
	Variants    int

	// Stems and format conversion operate on an earlier provider result.
	SourceTaskID   string
	SourceAudioID  string
	SourceAudioURL string
	StemMode       string
}

// Submission is the provider acknowledgement of a submitted job.
type Submission struct {
	TaskID   string
	JobID    string
	Endpoint string
}

// State is the normalized remote state.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Item is one result variant as reported by the provider.
type Item struct {
	ID              string
	Status          string
	Title           string
	Content         string
	AudioURL        string
	StreamAudioURL  string
	CoverURL        string
	VideoURL        string
	DurationSeconds float64
	Tags            []string
	ModelName       string
	ErrorMessage    string
}

// RemoteStatus is what a query or callback says about a task.
type RemoteStatus struct {
	State   State
	Raw     string
	Message string
	Items   []Item
	Stems   map[string]string
}

// Callback is a decoded provider webhook.
type Callback struct {
	TaskID string
	Stage  string
	// Error is set when the provider reports a failure of the callback
	// stage itself rather than a final task status.
	Error   bool
	Code    int
	Message string
	// Status is nil for intermediate stages that carry no usable state.
	Status *RemoteStatus
}

// Provider is implemented by every generation service adapter.
type Provider interface {
	Name() domain.Provider
	Supports(kind domain.JobKind) bool
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
	Query(ctx context.Context, kind domain.JobKind, taskID string) (*RemoteStatus, error)
	ParseCallback(kind domain.JobKind, body []byte) (*Callback, error)
}

// Validator is implemented by adapters that can reject a request before
// any job is recorded. Validate must not call the provider.
type Validator interface {
	Validate(req SubmitRequest) error
}

// Registry resolves adapters by provider name.
type Registry struct {
	providers map[domain.Provider]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.Provider]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Get returns the adapter for name or domain.ErrMissingProvider.
func (r *Registry) Get(name domain.Provider) (Provider, error) {
	if r != nil {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrMissingProvider, name)
}

// Names lists the registered providers in a stable order.
func (r *Registry) Names() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Helpers shared by adapters for reading loosely typed JSON.

// Obj returns v[key] as an object, or nil.
func Obj(v map[string]any, key string) map[string]any {
	if v == nil {
		return nil
	}
	m, _ := v[key].(map[string]any)
	return m
}

// Arr returns v[key] as an array of objects, skipping other elements.
func Arr(v map[string]any, key string) []map[string]any {
	if v == nil {
		return nil
	}
	raw, _ := v[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Str returns the first non-empty string (or number) found under keys.
func Str(v map[string]any, keys ...string) string {
	for _, k := range keys {
		switch t := v[k].(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case json.Number:
			return t.String()
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

// Num returns the first numeric value found under keys. Numeric strings are
// accepted.
func Num(v map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch t := v[k].(type) {
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f, true
			}
		case float64:
			return t, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// Decode parses a JSON object preserving number precision.
func Decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("decode payload: expected object")
	}
	return out, nil
}
