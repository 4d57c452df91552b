// Package storetest holds the behaviour every domain.Store backend must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

// Run exercises s. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) domain.Store) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("UpsertMergesMetadata", func(t *testing.T) { testUpsertMerges(t, newStore(t)) })
	t.Run("TerminalJobsAreImmutable", func(t *testing.T) { testTerminal(t, newStore(t)) })
	t.Run("QueryFilters", func(t *testing.T) { testQuery(t, newStore(t)) })
	t.Run("Variants", func(t *testing.T) { testVariants(t, newStore(t)) })
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, status domain.JobStatus, created time.Time) *domain.GenerationJob {
	return &domain.GenerationJob{
		ID:        id,
		UserID:    "user-1",
		Provider:  domain.ProviderSuno,
		Kind:      domain.JobKindTrack,
		Status:    status,
		Title:     "Untitled track",
		Prompt:    "lofi beats",
		Params:    []byte(`{"model":"V5"}`),
		Metadata:  map[string]any{"origin": "test"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testCreateGet(t *testing.T, s domain.Store) {
	ctx := context.Background()
	job := newJob("11111111-1111-1111-1111-111111111111", domain.JobStatusPending, base)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.JobStatusPending || got.Prompt != "lofi beats" || string(got.Params) != `{"model":"V5"}` {
		t.Fatalf("job = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}
	if got.Metadata["origin"] != "test" {
		t.Fatalf("Metadata = %v", got.Metadata)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := s.Upsert(ctx, "missing", domain.JobPatch{Status: domain.Ptr(domain.JobStatusProcessing)}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Upsert(missing) err = %v, want ErrNotFound", err)
	}
}

func testUpsertMerges(t *testing.T, s domain.Store) {
	ctx := context.Background()
	job := newJob("job-merge", domain.JobStatusPending, base)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	synced := base.Add(time.Minute)
	got, err := s.Upsert(ctx, job.ID, domain.JobPatch{
		Status:         domain.Ptr(domain.JobStatusProcessing),
		ProviderTaskID: domain.Ptr("task-1"),
		LastSyncedAt:   &synced,
		Metadata:       map[string]any{"sync_status": "checked"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got.Status != domain.JobStatusProcessing || got.ProviderTaskID != "task-1" {
		t.Fatalf("job = %+v", got)
	}
	if got.Metadata["origin"] != "test" || got.Metadata["sync_status"] != "checked" {
		t.Fatalf("Metadata = %v, want merged keys", got.Metadata)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(synced) {
		t.Fatalf("LastSyncedAt = %v, want %v", got.LastSyncedAt, synced)
	}
	reread, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reread.ProviderTaskID != "task-1" || reread.Metadata["sync_status"] != "checked" {
		t.Fatalf("stored job = %+v", reread)
	}
}

func testTerminal(t *testing.T, s domain.Store) {
	ctx := context.Background()
	job := newJob("job-terminal", domain.JobStatusProcessing, base)
	job.ErrorMessage = "transient"
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	done, err := s.Upsert(ctx, job.ID, domain.JobPatch{
		Status: domain.Ptr(domain.JobStatusCompleted),
		Result: &domain.JobResult{AudioURL: "https://media.example/a.mp3", Tags: []string{"lofi"}, DurationSeconds: 120.5},
	})
	if err != nil {
		t.Fatalf("Upsert(complete): %v", err)
	}
	if done.ErrorMessage != "" || done.Result == nil || done.Result.AudioURL != "https://media.example/a.mp3" {
		t.Fatalf("completed job = %+v", done)
	}
	_, err = s.Upsert(ctx, job.ID, domain.JobPatch{
		Status:       domain.Ptr(domain.JobStatusFailed),
		ErrorMessage: domain.Ptr("late failure"),
	})
	if !errors.Is(err, domain.ErrTerminalJob) {
		t.Fatalf("Upsert(after complete) err = %v, want ErrTerminalJob", err)
	}
	if _, err := s.Upsert(ctx, job.ID, domain.JobPatch{CallbackEvidence: domain.Ptr(true)}); err != nil {
		t.Fatalf("diagnostic patch on terminal job: %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.JobStatusCompleted || got.Result == nil || got.Result.DurationSeconds != 120.5 || !got.CallbackEvidence {
		t.Fatalf("terminal job changed: %+v", got)
	}
}

func testQuery(t *testing.T, s domain.Store) {
	ctx := context.Background()
	jobs := []*domain.GenerationJob{
		newJob("q-3", domain.JobStatusProcessing, base.Add(-5*time.Minute)),
		newJob("q-1", domain.JobStatusPending, base.Add(-30*time.Minute)),
		newJob("q-2", domain.JobStatusProcessing, base.Add(-20*time.Minute)),
		newJob("q-4", domain.JobStatusCompleted, base.Add(-40*time.Minute)),
	}
	jobs[0].CallbackError = true
	jobs[2].ProviderTaskID = "task-q2"
	jobs[1].Provider = domain.ProviderMureka
	for _, j := range jobs {
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create(%s): %v", j.ID, err)
		}
	}

	ids := func(list []domain.GenerationJob) []string {
		out := make([]string, len(list))
		for i, j := range list {
			out[i] = j.ID
		}
		return out
	}
	check := func(name string, filter domain.JobFilter, want ...string) {
		t.Helper()
		got, err := s.Query(ctx, filter)
		if err != nil {
			t.Fatalf("%s: Query: %v", name, err)
		}
		gotIDs := ids(got)
		if len(gotIDs) != len(want) {
			t.Fatalf("%s: ids = %v, want %v", name, gotIDs, want)
		}
		for i := range want {
			if gotIDs[i] != want[i] {
				t.Fatalf("%s: ids = %v, want %v", name, gotIDs, want)
			}
		}
	}

	check("all oldest first", domain.JobFilter{}, "q-4", "q-1", "q-2", "q-3")
	check("active stuck", domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		CreatedBefore: base.Add(-10 * time.Minute),
	}, "q-1", "q-2")
	check("callback errors", domain.JobFilter{CallbackError: domain.Ptr(true)}, "q-3")
	check("by ids", domain.JobFilter{IDs: []string{"q-3", "q-4", "nope"}}, "q-4", "q-3")
	check("by provider", domain.JobFilter{Provider: domain.ProviderMureka}, "q-1")
	check("by task", domain.JobFilter{ProviderTaskID: "task-q2"}, "q-2")
	check("limit", domain.JobFilter{Limit: 2}, "q-4", "q-1")
}

func testVariants(t *testing.T, s domain.Store) {
	ctx := context.Background()
	job := newJob("job-variants", domain.JobStatusProcessing, base)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, v := range []domain.Variant{
		{JobID: job.ID, Index: 2, Status: "complete", AudioURL: "https://media.example/v2.mp3"},
		{JobID: job.ID, Index: 1, Status: "partial", Content: "draft"},
		{JobID: job.ID, Index: 1, Status: "complete", Content: "final", Tags: []string{"a", "b"}, DurationSeconds: 30},
	} {
		if err := s.UpsertVariant(ctx, v); err != nil {
			t.Fatalf("UpsertVariant(%d): %v", v.Index, err)
		}
	}
	got, err := s.ListVariants(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListVariants: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (upsert is idempotent per index)", len(got))
	}
	if got[0].Index != 1 || got[0].Content != "final" || got[0].Status != "complete" || len(got[0].Tags) != 2 || got[0].DurationSeconds != 30 {
		t.Fatalf("variant 1 = %+v", got[0])
	}
	if got[1].Index != 2 || got[1].AudioURL != "https://media.example/v2.mp3" {
		t.Fatalf("variant 2 = %+v", got[1])
	}
	if err := s.UpsertVariant(ctx, domain.Variant{JobID: "missing", Index: 0}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpsertVariant(missing job) err = %v, want ErrNotFound", err)
	}
}
