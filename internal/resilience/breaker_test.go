package resilience

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
)

type collectSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collectSink) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collectSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

var errBoom = errors.New("boom")

func fail(context.Context) (struct{}, error) { return struct{}{}, errBoom }
func succeed(context.Context) (struct{}, error) { return struct{}{}, nil }

func TestBreakerOpensAfterThresholdAndFailsFast(t *testing.T) {
	sink := &collectSink{}
	reg := NewRegistry(BreakerOptions{Threshold: 5, OpenTimeout: time.Minute, Sink: sink})
	b := reg.Breaker("suno.generate")

	for i := 0; i < 4; i++ {
		Call(context.Background(), b, fail)
		if got := b.Snapshot().State; got != StateClosed {
			t.Fatalf("state after %d failures = %q, want closed", i+1, got)
		}
	}
	Call(context.Background(), b, fail)
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("state after 5 failures = %q, want open", got)
	}

	invoked := false
	_, err := Call(context.Background(), b, func(context.Context) (struct{}, error) {
		invoked = true
		return struct{}{}, nil
	})
	if invoked {
		t.Fatalf("operation invoked while circuit open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var open *OpenError
	if !errors.As(err, &open) || open.RetryAfter <= 0 || open.RetryAfter > time.Minute {
		t.Fatalf("err = %#v, want OpenError with a retry hint within the cooldown", err)
	}
	if types := sink.types(); len(types) != 1 || types[0] != events.TypeCircuitOpen {
		t.Fatalf("events = %v, want [circuit.open]", types)
	}
}

func TestBreakerHalfOpenTrialResets(t *testing.T) {
	sink := &collectSink{}
	reg := NewRegistry(BreakerOptions{Threshold: 2, OpenTimeout: 20 * time.Millisecond, Sink: sink})
	b := reg.Breaker("suno.lyrics")
	Call(context.Background(), b, fail)
	Call(context.Background(), b, fail)

	time.Sleep(30 * time.Millisecond)
	if _, err := Call(context.Background(), b, succeed); err != nil {
		t.Fatalf("trial call returned error: %v", err)
	}
	snap := b.Snapshot()
	if snap.State != StateClosed || snap.FailureCount != 0 {
		t.Fatalf("snapshot = %+v, want closed with 0 failures", snap)
	}
	want := []string{events.TypeCircuitOpen, events.TypeCircuitHalfOpen, events.TypeCircuitReset}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBreakerHalfOpenFailureReopensAndRestartsCooldown(t *testing.T) {
	reg := NewRegistry(BreakerOptions{Threshold: 1, OpenTimeout: 50 * time.Millisecond})
	b := reg.Breaker("mureka.generate")
	Call(context.Background(), b, fail)

	time.Sleep(60 * time.Millisecond)
	Call(context.Background(), b, fail)
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("state = %q, want open", got)
	}

	if _, err := Call(context.Background(), b, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen before the new cooldown ends", err)
	}
}

func TestBreakerAdmitsSingleHalfOpenTrial(t *testing.T) {
	reg := NewRegistry(BreakerOptions{Threshold: 1, OpenTimeout: 20 * time.Millisecond})
	b := reg.Breaker("suno.query")
	Call(context.Background(), b, fail)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), b, func(context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
		done <- err
	}()
	<-started

	if _, err := Call(context.Background(), b, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second half-open call err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial returned error: %v", err)
	}
	if got := b.Snapshot().State; got != StateClosed {
		t.Fatalf("state = %q, want closed", got)
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	reg := NewRegistry(BreakerOptions{Threshold: 1, OpenTimeout: time.Minute})
	b := reg.Breaker("suno.generate")
	ctx, cancel := context.WithCancel(context.Background())
	Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		cancel()
		return struct{}{}, ctx.Err()
	})
	if snap := b.Snapshot(); snap.State != StateClosed || snap.FailureCount != 0 {
		t.Fatalf("snapshot = %+v, want untouched closed breaker", snap)
	}
}

func TestRegistrySharesBreakersByName(t *testing.T) {
	reg := NewRegistry(BreakerOptions{})
	if reg.Breaker("a") != reg.Breaker("a") {
		t.Fatalf("expected the same breaker for the same name")
	}
	reg.Breaker("b")
	snaps := reg.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "a" || snaps[1].Name != "b" {
		t.Fatalf("snapshots = %+v", snaps)
	}
}

func TestBreakerConcurrentFailuresCountedOnce(t *testing.T) {
	reg := NewRegistry(BreakerOptions{Threshold: 1000, OpenTimeout: time.Minute})
	b := reg.Breaker("suno.generate")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Call(context.Background(), b, fail)
		}()
	}
	wg.Wait()
	if got := b.Snapshot().FailureCount; got != 50 {
		t.Fatalf("FailureCount = %d, want 50", got)
	}
}

func TestBreakerIsFailureFilter(t *testing.T) {
	errClient := errors.New("bad request")
	reg := NewRegistry(BreakerOptions{
		Threshold:   1,
		OpenTimeout: time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, errClient) },
	})
	b := reg.Breaker("suno.generate")
	Call(context.Background(), b, func(context.Context) (int, error) { return 0, errClient })
	if got := b.Snapshot().State; got != StateClosed {
		t.Fatalf("state = %q, want closed", got)
	}
	Call(context.Background(), b, fail)
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("state = %q, want open", got)
	}
}

func TestBreakerStateChangesLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	reg := NewRegistry(BreakerOptions{Threshold: 1, OpenTimeout: time.Minute, Sink: events.NewLogSink(&logger)})
	b := reg.Breaker("suno.generate")
	Call(context.Background(), b, fail)
	Call(context.Background(), b, fail)

	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Fatalf("log lines = %d, want 1:\n%s", got, buf.String())
	}
	if !strings.Contains(buf.String(), events.TypeCircuitOpen) {
		t.Fatalf("log = %s, want %s", buf.String(), events.TypeCircuitOpen)
	}
}

func TestBreakerSkipsAlreadyCancelledCall(t *testing.T) {
	reg := NewRegistry(BreakerOptions{Threshold: 1, OpenTimeout: time.Minute})
	b := reg.Breaker("suno.query")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	invoked := false
	_, err := Call(ctx, b, func(context.Context) (struct{}, error) {
		invoked = true
		return struct{}{}, nil
	})
	if invoked || !errors.Is(err, context.Canceled) {
		t.Fatalf("invoked = %v, err = %v, want skipped with context.Canceled", invoked, err)
	}
}
