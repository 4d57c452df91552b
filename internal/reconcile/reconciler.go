// Package reconcile resolves generation jobs against the provider: one job
// at a time through Reconciler, or in batches through Sweeper.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
)

// Action names what a reconciliation did to a job.
type Action string

const (
	ActionMarkedFailedNoTaskID Action = "marked_failed_no_task_id"
	ActionAwaitingTaskID       Action = "awaiting_task_id"
	ActionSyncedCompleted      Action = "synced_completed"
	ActionFailedNoArtifact     Action = "failed_no_artifact"
	ActionMarkedFailed         Action = "marked_failed"
	ActionStillProcessing      Action = "still_processing"
	ActionAlreadyTerminal      Action = "already_terminal"
	ActionError                Action = "error"
)

// Source tags the terminal write for audit.
type Source string

const (
	SourceSweep    Source = "stuck-sync"
	SourcePoll     Source = "poll"
	SourceCallback Source = "callback"
	SourceManual   Source = "manual-sync"
)

// NoTaskIDMessage is the dead-letter reason for jobs that never got a
// provider task id.
const NoTaskIDMessage = "no task id — generation likely never started"

// Persister copies external media into durable storage.
type Persister interface {
	Persist(ctx context.Context, sourceURL, key string) (string, error)
}

type Options struct {
	Store     domain.Store
	Providers *music.Registry
	// Media is optional; without it provider URLs are stored as-is.
	Media           Persister
	Sink            events.Sink
	Logger          *infra.Logger
	DeadLetterAfter time.Duration
	Now             func() time.Time
}

// Reconciler holds the single "query provider, persist result" path used by
// the sweeper, the poller, the sync endpoint and webhook ingress.
type Reconciler struct {
	store           domain.Store
	providers       *music.Registry
	media           Persister
	sink            events.Sink
	logger          *infra.Logger
	deadLetterAfter time.Duration
	now             func() time.Time
}

// Outcome is the result of reconciling one job.
type Outcome struct {
	JobID        string
	Action       Action
	RemoteStatus string
	Job          *domain.GenerationJob
}

func New(opts Options) *Reconciler {
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	deadLetter := opts.DeadLetterAfter
	if deadLetter <= 0 {
		deadLetter = 15 * time.Minute
	}
	return &Reconciler{
		store:           opts.Store,
		providers:       opts.Providers,
		media:           opts.Media,
		sink:            sink,
		logger:          infra.OrDiscard(opts.Logger),
		deadLetterAfter: deadLetter,
		now:             now,
	}
}

// ReconcileJob re-reads the job, queries its provider and persists what the
// provider reports.
func (r *Reconciler) ReconcileJob(ctx context.Context, jobID string, source Source) (Outcome, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return Outcome{JobID: jobID, Action: ActionError}, fmt.Errorf("reconcile: load %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return r.alreadyTerminal(ctx, job)
	}
	if strings.TrimSpace(job.ProviderTaskID) == "" {
		return r.handleMissingTaskID(ctx, job, source)
	}
	provider, err := r.providers.Get(job.Provider)
	if err != nil {
		return Outcome{JobID: jobID, Action: ActionError, Job: job}, fmt.Errorf("reconcile: %s: %w", jobID, err)
	}
	remote, err := provider.Query(ctx, job.Kind, job.ProviderTaskID)
	if err != nil {
		r.recordSyncError(ctx, job, err)
		return Outcome{JobID: jobID, Action: ActionError, Job: job}, fmt.Errorf("reconcile: query %s: %w", jobID, err)
	}
	return r.Apply(ctx, job, remote, source)
}

// Apply writes remote onto job. Terminal jobs are left untouched apart from
// clearing a stale callback-error flag.
func (r *Reconciler) Apply(ctx context.Context, job *domain.GenerationJob, remote *music.RemoteStatus, source Source) (Outcome, error) {
	if job.Status.Terminal() {
		return r.alreadyTerminal(ctx, job)
	}
	if remote == nil {
		return Outcome{JobID: job.ID, Action: ActionError, Job: job}, fmt.Errorf("reconcile: %s: %w: empty status", job.ID, domain.ErrProviderFailure)
	}
	switch remote.State {
	case music.StateSucceeded:
		return r.complete(ctx, job, remote, source)
	case music.StateFailed:
		msg := strings.TrimSpace(remote.Message)
		if msg == "" {
			msg = "provider reported " + remote.Raw
		}
		return r.fail(ctx, job, ActionMarkedFailed, msg, source, remote.Raw)
	default:
		return r.stillProcessing(ctx, job, remote, source)
	}
}

func (r *Reconciler) alreadyTerminal(ctx context.Context, job *domain.GenerationJob) (Outcome, error) {
	out := Outcome{JobID: job.ID, Action: ActionAlreadyTerminal, Job: job}
	if !job.CallbackError {
		return out, nil
	}
	updated, err := r.store.Upsert(ctx, job.ID, domain.JobPatch{CallbackError: domain.Ptr(false)})
	if err != nil {
		return out, fmt.Errorf("reconcile: clear callback flag %s: %w", job.ID, err)
	}
	out.Job = updated
	return out, nil
}

func (r *Reconciler) handleMissingTaskID(ctx context.Context, job *domain.GenerationJob, source Source) (Outcome, error) {
	age := job.Age(r.now())
	if age < r.deadLetterAfter {
		return Outcome{JobID: job.ID, Action: ActionAwaitingTaskID, Job: job}, nil
	}
	out, err := r.fail(ctx, job, ActionMarkedFailedNoTaskID, NoTaskIDMessage, source, "")
	if err == nil && out.Action == ActionMarkedFailedNoTaskID {
		r.sink.Emit(ctx, events.Event{
			Type:     events.TypeJobDeadLettered,
			JobID:    job.ID,
			Provider: string(job.Provider),
			Message:  NoTaskIDMessage,
			Fields:   map[string]any{"age_seconds": int64(age.Seconds()), "source": string(source)},
		})
	}
	return out, err
}

func (r *Reconciler) fail(ctx context.Context, job *domain.GenerationJob, action Action, msg string, source Source, raw string) (Outcome, error) {
	now := r.now()
	meta := map[string]any{"source": string(source), "reconciled_at": now.UTC().Format(time.RFC3339)}
	if raw != "" {
		meta["remote_status"] = raw
	}
	updated, err := r.store.Upsert(ctx, job.ID, domain.JobPatch{
		Status:        domain.Ptr(domain.JobStatusFailed),
		ErrorMessage:  domain.Ptr(msg),
		CallbackError: domain.Ptr(false),
		LastSyncedAt:  &now,
		Metadata:      meta,
	})
	if errors.Is(err, domain.ErrTerminalJob) {
		return Outcome{JobID: job.ID, Action: ActionAlreadyTerminal, RemoteStatus: raw, Job: job}, nil
	}
	if err != nil {
		return Outcome{JobID: job.ID, Action: ActionError, RemoteStatus: raw, Job: job}, fmt.Errorf("reconcile: mark failed %s: %w", job.ID, err)
	}
	r.logger.Warn().Str("job_id", job.ID).Str("provider", string(job.Provider)).Str("reason", msg).Msg("reconcile: job failed")
	if action != ActionMarkedFailedNoTaskID {
		r.sink.Emit(ctx, events.Event{Type: events.TypeJobFailed, JobID: job.ID, Provider: string(job.Provider), Message: msg,
			Fields: map[string]any{"source": string(source)}})
	}
	return Outcome{JobID: job.ID, Action: action, RemoteStatus: raw, Job: updated}, nil
}

func (r *Reconciler) stillProcessing(ctx context.Context, job *domain.GenerationJob, remote *music.RemoteStatus, source Source) (Outcome, error) {
	now := r.now()
	patch := domain.JobPatch{
		LastSyncedAt: &now,
		Metadata: map[string]any{
			"sync_status":   remote.Raw,
			"sync_check_at": now.UTC().Format(time.RFC3339),
			"sync_source":   string(source),
		},
	}
	// A task id proves the provider accepted the job.
	if job.Status == domain.JobStatusPending {
		patch.Status = domain.Ptr(domain.JobStatusProcessing)
	}
	if job.Kind == domain.JobKindLyrics {
		for i, item := range remote.Items {
			if err := r.store.UpsertVariant(ctx, lyricsVariant(job.ID, i, item)); err != nil {
				return Outcome{JobID: job.ID, Action: ActionError, Job: job}, fmt.Errorf("reconcile: partial variant %s/%d: %w", job.ID, i, err)
			}
		}
	}
	updated, err := r.store.Upsert(ctx, job.ID, patch)
	if errors.Is(err, domain.ErrTerminalJob) {
		return Outcome{JobID: job.ID, Action: ActionAlreadyTerminal, RemoteStatus: remote.Raw, Job: job}, nil
	}
	if err != nil {
		return Outcome{JobID: job.ID, Action: ActionError, Job: job}, fmt.Errorf("reconcile: refresh %s: %w", job.ID, err)
	}
	return Outcome{JobID: job.ID, Action: ActionStillProcessing, RemoteStatus: remote.Raw, Job: updated}, nil
}

// recordSyncError keeps the last query failure visible to operators. Its
// own failure is only logged.
func (r *Reconciler) recordSyncError(ctx context.Context, job *domain.GenerationJob, cause error) {
	now := r.now()
	_, err := r.store.Upsert(ctx, job.ID, domain.JobPatch{
		LastSyncedAt: &now,
		Metadata: map[string]any{
			"sync_status":   "error",
			"sync_error":    truncate(cause.Error(), 500),
			"sync_check_at": now.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: record sync error failed")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
