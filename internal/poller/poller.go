// Package poller waits for a single generation job to settle, nudging the
// provider through a narrow reconciliation when callbacks look lost.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/reconcile"
)

// ErrPollTimeout is returned when every attempt saw a non-terminal job.
var ErrPollTimeout = errors.New("poller: job did not finish in time")

// JobFailedError carries the stored failure message of a job.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return "poller: job " + e.JobID + " failed"
	}
	return e.Message
}

// Syncer is the single-job reconciliation the poller falls back to.
type Syncer interface {
	ReconcileJob(ctx context.Context, jobID string, source reconcile.Source) (reconcile.Outcome, error)
}

type Options struct {
	Store domain.Store
	// Syncer is optional; without it the poller only reads the store.
	Syncer Syncer
	Logger *infra.Logger
	Config infra.PollConfig
}

type Poller struct {
	store  domain.Store
	syncer Syncer
	logger *infra.Logger
	cfg    infra.PollConfig
}

// Result is the settled job plus the variant chosen for the caller.
type Result struct {
	Job      *domain.GenerationJob
	Variant  domain.Variant
	Attempts int
}

func New(opts Options) *Poller {
	cfg := opts.Config
	if cfg.Attempts <= 0 {
		cfg.Attempts = 30
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Second
	}
	if cfg.GraceAttempts < 0 {
		cfg.GraceAttempts = 3
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 3
	}
	return &Poller{store: opts.Store, syncer: opts.Syncer, logger: infra.OrDiscard(opts.Logger), cfg: cfg}
}

// Poll reads the local record once per attempt until the job is terminal,
// the attempts run out or ctx is done.
func (p *Poller) Poll(ctx context.Context, jobID string) (*Result, error) {
	for attempt := 0; attempt < p.cfg.Attempts; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, p.cfg.Interval); err != nil {
				return nil, err
			}
		}
		job, err := p.store.Get(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("poller: load %s: %w", jobID, err)
		}
		if job.Status.Terminal() {
			return p.finish(ctx, job, attempt+1)
		}

		variants, err := p.store.ListVariants(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("poller: variants %s: %w", jobID, err)
		}
		if p.syncer == nil || !p.stale(attempt, len(variants), job.CallbackEvidence) {
			continue
		}
		p.logger.Info().Str("job_id", jobID).Int("attempt", attempt).Msg("poller: no callback yet, syncing with provider")
		out, err := p.syncer.ReconcileJob(ctx, jobID, reconcile.SourcePoll)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn().Err(err).Str("job_id", jobID).Int("attempt", attempt).Msg("poller: sync failed")
			continue
		}
		if out.Job != nil && out.Job.Status.Terminal() {
			return p.finish(ctx, out.Job, attempt+1)
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrPollTimeout, jobID, p.cfg.Attempts)
}

// stale is the heuristic for "the webhook probably got lost".
func (p *Poller) stale(attempt, variants int, callbackEvidence bool) bool {
	if attempt < p.cfg.GraceAttempts {
		return false
	}
	if variants > 0 && callbackEvidence {
		return false
	}
	return attempt%p.cfg.SyncEvery == 0
}

func (p *Poller) finish(ctx context.Context, job *domain.GenerationJob, attempts int) (*Result, error) {
	if job.Status == domain.JobStatusFailed {
		return nil, &JobFailedError{JobID: job.ID, Message: job.ErrorMessage}
	}
	variants, err := p.store.ListVariants(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("poller: variants %s: %w", job.ID, err)
	}
	candidates := resultVariants(job, variants)
	statuses := make([]string, len(candidates))
	contents := make([]string, len(candidates))
	for i, v := range candidates {
		statuses[i], contents[i] = v.Status, variantContent(job.Kind, v)
	}
	pick := reconcile.PickVariant(statuses, contents)
	if pick < 0 {
		return nil, fmt.Errorf("poller: %s: %w", job.ID, reconcile.ErrNoUsableContent)
	}
	return &Result{Job: job, Variant: candidates[pick], Attempts: attempts}, nil
}

// resultVariants lists what a completed job offers. Lyrics jobs keep every
// provider variant; other kinds carry the primary result on the job itself.
func resultVariants(job *domain.GenerationJob, stored []domain.Variant) []domain.Variant {
	if job.Kind == domain.JobKindLyrics && len(stored) > 0 {
		return stored
	}
	var out []domain.Variant
	if r := job.Result; r != nil {
		out = append(out, domain.Variant{
			JobID:           job.ID,
			Status:          "complete",
			Title:           job.Title,
			Content:         r.Lyrics,
			AudioURL:        r.AudioURL,
			StreamAudioURL:  r.StreamAudioURL,
			CoverURL:        r.CoverURL,
			VideoURL:        r.VideoURL,
			DurationSeconds: r.DurationSeconds,
			Tags:            r.Tags,
			ProviderItemID:  r.ProviderItemID,
		})
	}
	return append(out, stored...)
}

func variantContent(kind domain.JobKind, v domain.Variant) string {
	if kind == domain.JobKindLyrics {
		return v.Content
	}
	return v.AudioURL
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
