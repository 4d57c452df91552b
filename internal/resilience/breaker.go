package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
)

// State of a circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is matched by every OpenError.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError is returned without calling the operation while a circuit is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BreakerOptions configures a Registry.
type BreakerOptions struct {
	Threshold   int
	OpenTimeout time.Duration
	// Sink receives every state change. Wire a LogSink to get them logged.
	Sink events.Sink
	// IsFailure decides which errors count against the circuit. Nil counts
	// every error. A rejected error still proves the provider answered.
	IsFailure func(error) bool
}

// Registry owns one Breaker per operation name. Breakers are created lazily
// and live as long as the registry; every caller sharing the registry sees
// the same state for a name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     BreakerOptions
}

func NewRegistry(opts BreakerOptions) *Registry {
	if opts.Threshold < 1 {
		opts.Threshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard{}
	}
	return &Registry{breakers: make(map[string]*Breaker), opts: opts}
}

// Breaker returns the breaker for name, creating it on first use.
func (r *Registry) Breaker(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(name, r.opts)
		r.breakers[name] = b
	}
	return b
}

// Snapshot describes one breaker for operators.
type Snapshot struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	FailureCount  int        `json:"failureCount"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
}

// Snapshots lists every known breaker sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Breaker is the circuit for one operation name. gobreaker owns the state
// machine; Breaker adds the failure history operators see and turns state
// changes into events.
type Breaker struct {
	name string
	opts BreakerOptions
	cb   *gobreaker.CircuitBreaker[any]

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	pending     []transition
}

type transition struct {
	from, to State
}

func newBreaker(name string, opts BreakerOptions) *Breaker {
	b := &Breaker{name: name, opts: opts}
	threshold := uint32(opts.Threshold)
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.changed,
	})
	return b
}

// Name returns the operation name.
func (b *Breaker) Name() string { return b.name }

// Snapshot returns the current state.
func (b *Breaker) Snapshot() Snapshot {
	// State may move open to half-open, which calls back into changed.
	state := stateOf(b.cb.State())
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: state, FailureCount: b.failures}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	return s
}

// changed runs under gobreaker's lock; it only queues the transition.
func (b *Breaker) changed(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if to == gobreaker.StateOpen {
		b.openedAt = time.Now()
	}
	b.pending = append(b.pending, transition{from: stateOf(from), to: stateOf(to)})
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	b.lastFailure = time.Now()
}

func (b *Breaker) openError(err error) *OpenError {
	b.mu.Lock()
	defer b.mu.Unlock()
	oe := &OpenError{Name: b.name}
	if errors.Is(err, gobreaker.ErrOpenState) {
		if left := b.opts.OpenTimeout - time.Since(b.openedAt); left > 0 {
			oe.RetryAfter = left
		}
	}
	return oe
}

func (b *Breaker) announce(ctx context.Context) {
	b.mu.Lock()
	pending, failures := b.pending, b.failures
	b.pending = nil
	b.mu.Unlock()

	for _, t := range pending {
		var typ string
		switch t.to {
		case StateOpen:
			typ = events.TypeCircuitOpen
		case StateHalfOpen:
			typ = events.TypeCircuitHalfOpen
		default:
			typ = events.TypeCircuitReset
		}
		b.opts.Sink.Emit(ctx, events.Stamp(events.Event{
			Type:       typ,
			Capability: b.name,
			Fields:     map[string]any{"from": string(t.from), "to": string(t.to), "failures": failures},
		}))
	}
}

// answered wraps an error that must not count against the circuit, so
// gobreaker sees the call as a success.
type answered struct {
	value any
	err   error
}

// Call runs op through breaker b. Failures caused by the caller cancelling
// ctx, or rejected by IsFailure, leave the failure count untouched.
func Call[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	out, err := b.cb.Execute(func() (any, error) {
		v, opErr := op(ctx)
		if opErr != nil && (ctx.Err() != nil || (b.opts.IsFailure != nil && !b.opts.IsFailure(opErr))) {
			return answered{value: v, err: opErr}, nil
		}
		return v, opErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.announce(ctx)
		return zero, b.openError(err)
	}
	if a, ok := out.(answered); ok {
		out, err = a.value, a.err
	} else {
		b.record(err)
	}
	b.announce(ctx)
	value, _ := out.(T)
	return value, err
}
