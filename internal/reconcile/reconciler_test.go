package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/adapter/memstore"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	name domain.Provider

	mu       sync.Mutex
	statuses map[string]*music.RemoteStatus
	errs     map[string]error
	panics   map[string]bool
	queries  map[string]int
}

func newFakeProvider(name domain.Provider) *fakeProvider {
	return &fakeProvider{
		name:     name,
		statuses: map[string]*music.RemoteStatus{},
		errs:     map[string]error{},
		panics:   map[string]bool{},
		queries:  map[string]int{},
	}
}

func (p *fakeProvider) Name() domain.Provider        { return p.name }
func (p *fakeProvider) Supports(domain.JobKind) bool { return true }
func (p *fakeProvider) Submit(context.Context, music.SubmitRequest) (*music.Submission, error) {
	return nil, errors.New("not used")
}
func (p *fakeProvider) ParseCallback(domain.JobKind, []byte) (*music.Callback, error) {
	return nil, errors.New("not used")
}

func (p *fakeProvider) Query(_ context.Context, _ domain.JobKind, taskID string) (*music.RemoteStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries[taskID]++
	if p.panics[taskID] {
		panic("provider exploded")
	}
	if err := p.errs[taskID]; err != nil {
		return nil, err
	}
	if st, ok := p.statuses[taskID]; ok {
		return st, nil
	}
	return &music.RemoteStatus{State: music.StatePending, Raw: "PENDING"}, nil
}

func (p *fakeProvider) queryCount(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[taskID]
}

type fakeMedia struct {
	mu   sync.Mutex
	fail bool
	keys []string
}

func (m *fakeMedia) Persist(_ context.Context, sourceURL, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", errors.New("storage unavailable")
	}
	m.keys = append(m.keys, key)
	return "https://cdn.test/" + key + ".mp3", nil
}

type harness struct {
	store    *memstore.Store
	provider *fakeProvider
	media    *fakeMedia
	sink     *events.Recorder
	rec      *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New().WithClock(func() time.Time { return testNow }),
		provider: newFakeProvider(domain.ProviderSuno),
		media:    &fakeMedia{},
		sink:     &events.Recorder{},
	}
	h.rec = New(Options{
		Store:           h.store,
		Providers:       music.NewRegistry(h.provider),
		Media:           h.media,
		Sink:            h.sink,
		DeadLetterAfter: 15 * time.Minute,
		Now:             func() time.Time { return testNow },
	})
	return h
}

func (h *harness) addJob(t *testing.T, job domain.GenerationJob) {
	t.Helper()
	if job.Provider == "" {
		job.Provider = domain.ProviderSuno
	}
	if job.Kind == "" {
		job.Kind = domain.JobKindTrack
	}
	if job.Status == "" {
		job.Status = domain.JobStatusProcessing
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = testNow.Add(-20 * time.Minute)
	}
	if err := h.store.Create(context.Background(), &job); err != nil {
		t.Fatalf("Create(%s): %v", job.ID, err)
	}
}

func (h *harness) job(t *testing.T, id string) *domain.GenerationJob {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return j
}

func twoTracks() *music.RemoteStatus {
	return &music.RemoteStatus{
		State: music.StateSucceeded,
		Raw:   "SUCCESS",
		Items: []music.Item{
			{ID: "a1", Title: "Night Drive", AudioURL: "https://cdn.suno.test/a1.mp3", CoverURL: "https://cdn.suno.test/a1.jpg", DurationSeconds: 182.5, Tags: []string{"synthwave"}, Content: "[Verse]\nlights"},
			{ID: "a2", Title: "Night Drive (alt)", AudioURL: "https://cdn.suno.test/a2.mp3", DurationSeconds: 179},
		},
	}
}

func TestReconcileJobCompletesTrackWithVersions(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1", Title: "Untitled Track", CallbackError: true})
	h.provider.statuses["t1"] = twoTracks()

	out, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep)
	if err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	if out.Action != ActionSyncedCompleted {
		t.Fatalf("action = %q, want %q", out.Action, ActionSyncedCompleted)
	}
	job := h.job(t, "j1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.Title != "Night Drive" {
		t.Fatalf("title = %q, want provider title", job.Title)
	}
	if job.CallbackError {
		t.Fatalf("callback error flag should be cleared")
	}
	if job.Result == nil {
		t.Fatalf("result missing")
	}
	if got, want := job.Result.AudioURL, "https://cdn.test/generated/j1/main.mp3"; got != want {
		t.Fatalf("audio = %q, want %q", got, want)
	}
	if got, want := job.Result.CoverURL, "https://cdn.test/generated/j1/cover.mp3"; got != want {
		t.Fatalf("cover = %q, want %q", got, want)
	}
	if job.Result.VariantCount != 2 || job.Result.Source != string(SourceSweep) {
		t.Fatalf("result = %+v", job.Result)
	}
	if job.Metadata["source"] != string(SourceSweep) {
		t.Fatalf("metadata source = %v", job.Metadata["source"])
	}
	variants, err := h.store.ListVariants(context.Background(), "j1")
	if err != nil {
		t.Fatalf("ListVariants: %v", err)
	}
	if len(variants) != 1 || variants[0].Index != 1 {
		t.Fatalf("variants = %+v, want one version at index 1", variants)
	}
	if got, want := variants[0].AudioURL, "https://cdn.test/generated/j1/version-1.mp3"; got != want {
		t.Fatalf("version audio = %q, want %q", got, want)
	}
	if types := h.sink.Types(); len(types) != 1 || types[0] != events.TypeJobCompleted {
		t.Fatalf("events = %v", types)
	}
}

func TestReconcileKeepsUserTitle(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1", Title: "My Song", Prompt: "neon city"})
	h.provider.statuses["t1"] = twoTracks()

	if _, err := h.rec.ReconcileJob(context.Background(), "j1", SourceManual); err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	if got := h.job(t, "j1").Title; got != "My Song" {
		t.Fatalf("title = %q, want user title kept", got)
	}
}

func TestReconcileMediaFailureKeepsProviderURL(t *testing.T) {
	h := newHarness(t)
	h.media.fail = true
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1"})
	h.provider.statuses["t1"] = twoTracks()

	out, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep)
	if err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	if out.Action != ActionSyncedCompleted {
		t.Fatalf("action = %q", out.Action)
	}
	if got := h.job(t, "j1").Result.AudioURL; got != "https://cdn.suno.test/a1.mp3" {
		t.Fatalf("audio = %q, want provider url", got)
	}
}

func TestReconcilePersistsEveryMediaURL(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1"})
	h.provider.statuses["t1"] = &music.RemoteStatus{
		State: music.StateSucceeded,
		Raw:   "SUCCESS",
		Items: []music.Item{
			{ID: "a", AudioURL: "https://suno.cdn/a.mp3", CoverURL: "https://suno.cdn/a.jpg", VideoURL: "https://suno.cdn/a.mp4"},
			{ID: "b", AudioURL: "https://suno.cdn/b.mp3", CoverURL: "https://suno.cdn/b.jpg", VideoURL: "https://suno.cdn/b.mp4"},
		},
	}

	if _, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep); err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	want := []string{
		"generated/j1/main",
		"generated/j1/cover",
		"generated/j1/video",
		"generated/j1/version-1",
		"generated/j1/version-1-cover",
		"generated/j1/version-1-video",
	}
	if strings.Join(h.media.keys, ",") != strings.Join(want, ",") {
		t.Fatalf("persisted keys = %v, want %v", h.media.keys, want)
	}
	job := h.job(t, "j1")
	if got, want := job.Result.VideoURL, "https://cdn.test/generated/j1/video.mp3"; got != want {
		t.Fatalf("video = %q, want %q", got, want)
	}
	variants, err := h.store.ListVariants(context.Background(), "j1")
	if err != nil {
		t.Fatalf("ListVariants: %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("variants = %+v", variants)
	}
	for _, u := range []string{variants[0].AudioURL, variants[0].CoverURL, variants[0].VideoURL} {
		if !strings.HasPrefix(u, "https://cdn.test/generated/j1/version-1") {
			t.Fatalf("version url %q was not persisted", u)
		}
	}
}

// settlingStore completes the job right before the reconciler's terminal
// write, the way a concurrent callback would.
type settlingStore struct {
	*memstore.Store
	once sync.Once
}

func (s *settlingStore) Upsert(ctx context.Context, id string, patch domain.JobPatch) (*domain.GenerationJob, error) {
	if patch.Status != nil && patch.Status.Terminal() {
		s.once.Do(func() {
			s.Store.Upsert(ctx, id, domain.JobPatch{
				Status: domain.Ptr(domain.JobStatusCompleted),
				Result: &domain.JobResult{AudioURL: "https://cdn.test/winner.mp3"},
			})
		})
	}
	return s.Store.Upsert(ctx, id, patch)
}

func TestReconcileLosingCompletionWritesNoVariants(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1"})
	h.provider.statuses["t1"] = twoTracks()
	h.rec = New(Options{
		Store:     &settlingStore{Store: h.store},
		Providers: music.NewRegistry(h.provider),
		Media:     h.media,
		Sink:      h.sink,
		Now:       func() time.Time { return testNow },
	})

	out, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep)
	if err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	if out.Action != ActionAlreadyTerminal {
		t.Fatalf("action = %q, want %q", out.Action, ActionAlreadyTerminal)
	}
	variants, err := h.store.ListVariants(context.Background(), "j1")
	if err != nil {
		t.Fatalf("ListVariants: %v", err)
	}
	if len(variants) != 0 {
		t.Fatalf("variants = %+v, want none from the losing writer", variants)
	}
	if got := h.job(t, "j1").Result.AudioURL; got != "https://cdn.test/winner.mp3" {
		t.Fatalf("audio = %q, want the settled result", got)
	}
	if types := h.sink.Types(); len(types) != 0 {
		t.Fatalf("events = %v, want none", types)
	}
}

func TestReconcileSuccessWithoutArtifactFails(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1"})
	h.provider.statuses["t1"] = &music.RemoteStatus{State: music.StateSucceeded, Raw: "SUCCESS", Items: []music.Item{{ID: "a1"}}}

	out, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep)
	if err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	if out.Action != ActionFailedNoArtifact {
		t.Fatalf("action = %q, want %q", out.Action, ActionFailedNoArtifact)
	}
	job := h.job(t, "j1")
	if job.Status != domain.JobStatusFailed || job.Result != nil {
		t.Fatalf("job = %+v, want failed without result", job)
	}
	if !strings.Contains(job.ErrorMessage, "completed without usable content") {
		t.Fatalf("error = %q", job.ErrorMessage)
	}
}

func TestReconcileProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1"})
	h.provider.statuses["t1"] = &music.RemoteStatus{State: music.StateFailed, Raw: "SENSITIVE_WORD_ERROR", Message: "prompt rejected"}

	out, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep)
	if err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	if out.Action != ActionMarkedFailed {
		t.Fatalf("action = %q", out.Action)
	}
	if got := h.job(t, "j1").ErrorMessage; got != "prompt rejected" {
		t.Fatalf("error = %q", got)
	}
	if types := h.sink.Types(); len(types) != 1 || types[0] != events.TypeJobFailed {
		t.Fatalf("events = %v", types)
	}
}

func TestReconcileStillProcessingOnlyRefreshesDiagnostics(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1", Status: domain.JobStatusPending})
	h.provider.statuses["t1"] = &music.RemoteStatus{State: music.StatePending, Raw: "TEXT_SUCCESS"}

	out, err := h.rec.ReconcileJob(context.Background(), "j1", SourcePoll)
	if err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	if out.Action != ActionStillProcessing {
		t.Fatalf("action = %q", out.Action)
	}
	job := h.job(t, "j1")
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %q, want processing", job.Status)
	}
	if job.Metadata["sync_status"] != "TEXT_SUCCESS" || job.Metadata["sync_source"] != string(SourcePoll) {
		t.Fatalf("metadata = %v", job.Metadata)
	}
	if job.LastSyncedAt == nil || !job.LastSyncedAt.Equal(testNow) {
		t.Fatalf("last synced = %v", job.LastSyncedAt)
	}
}

func TestReconcileQueryErrorIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", ProviderTaskID: "t1"})
	h.provider.errs["t1"] = errors.New("gateway: all endpoints failed")

	out, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep)
	if err == nil {
		t.Fatalf("expected error")
	}
	if out.Action != ActionError {
		t.Fatalf("action = %q", out.Action)
	}
	job := h.job(t, "j1")
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %q, want processing", job.Status)
	}
	if job.Metadata["sync_status"] != "error" {
		t.Fatalf("metadata = %v", job.Metadata)
	}
}

func TestTerminalJobIsNotReverted(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{
		ID: "j1", ProviderTaskID: "t1", Status: domain.JobStatusCompleted, CallbackError: true,
		Result: &domain.JobResult{AudioURL: "https://cdn.test/generated/j1/main.mp3"},
	})
	job := h.job(t, "j1")

	out, err := h.rec.Apply(context.Background(), job, &music.RemoteStatus{State: music.StatePending, Raw: "PENDING"}, SourceCallback)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Action != ActionAlreadyTerminal {
		t.Fatalf("action = %q", out.Action)
	}
	after := h.job(t, "j1")
	if after.Status != domain.JobStatusCompleted || after.Result == nil || after.Result.AudioURL != job.Result.AudioURL {
		t.Fatalf("terminal job changed: %+v", after)
	}
	if after.CallbackError {
		t.Fatalf("stale callback error flag should be cleared")
	}
	if h.provider.queryCount("t1") != 0 {
		t.Fatalf("terminal job must not be queried")
	}
}

func TestMissingTaskID(t *testing.T) {
	tests := []struct {
		name   string
		age    time.Duration
		action Action
		status domain.JobStatus
	}{
		{"young", 12 * time.Minute, ActionAwaitingTaskID, domain.JobStatusPending},
		{"dead-lettered", 16 * time.Minute, ActionMarkedFailedNoTaskID, domain.JobStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addJob(t, domain.GenerationJob{ID: "j1", Status: domain.JobStatusPending, CreatedAt: testNow.Add(-tt.age)})

			out, err := h.rec.ReconcileJob(context.Background(), "j1", SourcePoll)
			if err != nil {
				t.Fatalf("ReconcileJob: %v", err)
			}
			if out.Action != tt.action {
				t.Fatalf("action = %q, want %q", out.Action, tt.action)
			}
			job := h.job(t, "j1")
			if job.Status != tt.status {
				t.Fatalf("status = %q, want %q", job.Status, tt.status)
			}
			if tt.status == domain.JobStatusFailed {
				if !strings.Contains(job.ErrorMessage, "no task id") {
					t.Fatalf("error = %q", job.ErrorMessage)
				}
				if job.Metadata["source"] != string(SourcePoll) {
					t.Fatalf("metadata source = %v, want %q", job.Metadata["source"], SourcePoll)
				}
				if types := h.sink.Types(); len(types) != 1 || types[0] != events.TypeJobDeadLettered {
					t.Fatalf("events = %v", types)
				}
			}
		})
	}
}

func TestReconcileLyricsKeepsEveryVariant(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", Kind: domain.JobKindLyrics, ProviderTaskID: "t1"})
	h.provider.statuses["t1"] = &music.RemoteStatus{
		State: music.StateSucceeded,
		Raw:   "SUCCESS",
		Items: []music.Item{
			{Status: "partial", Content: "draft"},
			{Status: "complete", Title: "Harbor", Content: "[Chorus]\nwaves"},
		},
	}

	if _, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep); err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	job := h.job(t, "j1")
	if job.Result == nil || job.Result.Lyrics != "[Chorus]\nwaves" {
		t.Fatalf("result = %+v", job.Result)
	}
	variants, _ := h.store.ListVariants(context.Background(), "j1")
	if len(variants) != 2 || variants[0].Index != 0 || variants[1].Status != "complete" {
		t.Fatalf("variants = %+v", variants)
	}
}

func TestReconcileStems(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, domain.GenerationJob{ID: "j1", Kind: domain.JobKindStems, ProviderTaskID: "t1"})
	h.provider.statuses["t1"] = &music.RemoteStatus{
		State: music.StateSucceeded,
		Raw:   "SUCCESS",
		Stems: map[string]string{"vocal": "https://cdn.suno.test/v.mp3", "instrumental": "https://cdn.suno.test/i.mp3"},
	}

	if _, err := h.rec.ReconcileJob(context.Background(), "j1", SourceSweep); err != nil {
		t.Fatalf("ReconcileJob: %v", err)
	}
	stems := h.job(t, "j1").Result.Stems
	if got, want := stems["vocal"], "https://cdn.test/generated/j1/stem-vocal.mp3"; got != want {
		t.Fatalf("vocal = %q, want %q", got, want)
	}
	if len(stems) != 2 {
		t.Fatalf("stems = %v", stems)
	}
}

func TestPickVariant(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		contents []string
		want     int
	}{
		{"complete wins", []string{"partial", "complete"}, []string{"a", "b"}, 1},
		{"first usable fallback", []string{"", "done"}, []string{"", "b"}, 1},
		{"complete without content and partial", []string{"complete", "partial"}, []string{"", "X"}, -1},
		{"empty", nil, nil, -1},
		{"whitespace content", []string{"complete"}, []string{"  "}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PickVariant(tt.statuses, tt.contents); got != tt.want {
				t.Fatalf("PickVariant = %d, want %d", got, tt.want)
			}
		})
	}
}
