package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
)

type SweeperOptions struct {
	Store      domain.JobStore
	Reconciler *Reconciler
	Sink       events.Sink
	Logger     *infra.Logger
	// StuckAfter is the age after which a non-terminal job is re-queried.
	StuckAfter  time.Duration
	Concurrency int
	BatchLimit  int
	JobTimeout  time.Duration
	Now         func() time.Time
}

// Sweeper repairs jobs whose webhook completion never arrived.
type Sweeper struct {
	store       domain.JobStore
	reconciler  *Reconciler
	sink        events.Sink
	logger      *infra.Logger
	stuckAfter  time.Duration
	concurrency int
	batchLimit  int
	jobTimeout  time.Duration
	now         func() time.Time
}

// SweepRequest scopes a sweep. Empty JobIDs means "select stuck jobs".
type SweepRequest struct {
	JobIDs []string `json:"jobIds,omitempty"`
}

// JobReport is the per-job line of a sweep report.
type JobReport struct {
	JobID    string `json:"jobId"`
	Provider string `json:"provider,omitempty"`
	Action   Action `json:"action"`
	Error    string `json:"error,omitempty"`
}

// Report summarises one sweep. It is returned even when jobs failed.
type Report struct {
	RunID      string         `json:"runId"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Checked    int            `json:"checked"`
	Results    []JobReport    `json:"results"`
	Counts     map[Action]int `json:"counts"`
}

func NewSweeper(opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		store:       opts.Store,
		reconciler:  opts.Reconciler,
		sink:        opts.Sink,
		logger:      infra.OrDiscard(opts.Logger),
		stuckAfter:  opts.StuckAfter,
		concurrency: opts.Concurrency,
		batchLimit:  opts.BatchLimit,
		jobTimeout:  opts.JobTimeout,
		now:         opts.Now,
	}
	if s.sink == nil {
		s.sink = events.Discard{}
	}
	if s.stuckAfter <= 0 {
		s.stuckAfter = 10 * time.Minute
	}
	if s.concurrency < 1 {
		s.concurrency = 5
	}
	if s.batchLimit < 1 {
		s.batchLimit = 20
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = 90 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Sweep selects candidate jobs and reconciles each of them. Per-job failures
// end up in the report; only a failed selection query is returned as error.
func (s *Sweeper) Sweep(ctx context.Context, req SweepRequest) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: s.now(), Counts: map[Action]int{}}
	jobs, err := s.candidates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("reconcile: select candidates: %w", err)
	}
	report.Checked = len(jobs)
	s.logger.Info().Str("run_id", report.RunID).Int("candidates", len(jobs)).Msg("reconcile: sweep started")

	results := make([]JobReport, len(jobs))
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.concurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = s.sweepOne(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	for _, r := range results {
		report.Counts[r.Action]++
	}
	report.FinishedAt = s.now()
	s.logger.Info().
		Str("run_id", report.RunID).
		Int("checked", report.Checked).
		Int("completed", report.Counts[ActionSyncedCompleted]).
		Int("failed", report.Counts[ActionMarkedFailed]+report.Counts[ActionFailedNoArtifact]+report.Counts[ActionMarkedFailedNoTaskID]).
		Int("errors", report.Counts[ActionError]).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("reconcile: sweep finished")

	counts := make(map[string]any, len(report.Counts))
	for a, n := range report.Counts {
		counts[string(a)] = n
	}
	s.sink.Emit(ctx, events.Event{
		Type:   events.TypeSweepCompleted,
		Fields: map[string]any{"run_id": report.RunID, "checked": report.Checked, "counts": counts},
	})
	return report, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, job domain.GenerationJob) (rep JobReport) {
	rep = JobReport{JobID: job.ID, Provider: string(job.Provider)}
	defer func() {
		if p := recover(); p != nil {
			rep.Action = ActionError
			rep.Error = fmt.Sprintf("panic: %v", p)
			s.logger.Error().Str("job_id", job.ID).Interface("panic", p).Msg("reconcile: job panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	out, err := s.reconciler.ReconcileJob(ctx, job.ID, SourceSweep)
	rep.Action = out.Action
	if err != nil {
		rep.Action = ActionError
		rep.Error = err.Error()
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("provider", string(job.Provider)).Msg("reconcile: job failed to sync")
	}
	return rep
}

// candidates returns explicit ids, or stuck jobs plus processing jobs with a
// recorded callback error, grouped by provider and oldest first.
func (s *Sweeper) candidates(ctx context.Context, req SweepRequest) ([]domain.GenerationJob, error) {
	if len(req.JobIDs) > 0 {
		jobs, err := s.store.Query(ctx, domain.JobFilter{IDs: req.JobIDs})
		if err != nil {
			return nil, err
		}
		// Unknown ids still get a report line.
		found := make(map[string]struct{}, len(jobs))
		for _, j := range jobs {
			found[j.ID] = struct{}{}
		}
		for _, id := range req.JobIDs {
			if _, ok := found[id]; !ok {
				found[id] = struct{}{}
				jobs = append(jobs, domain.GenerationJob{ID: id})
			}
		}
		return jobs, nil
	}

	stuck, err := s.store.Query(ctx, domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		CreatedBefore: s.now().Add(-s.stuckAfter),
		Limit:         s.batchLimit,
	})
	if err != nil {
		return nil, err
	}
	flagged, err := s.store.Query(ctx, domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusProcessing},
		CallbackError: domain.Ptr(true),
		Limit:         s.batchLimit,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stuck)+len(flagged))
	jobs := make([]domain.GenerationJob, 0, len(stuck)+len(flagged))
	for _, j := range append(stuck, flagged...) {
		if _, dup := seen[j.ID]; dup {
			continue
		}
		seen[j.ID] = struct{}{}
		jobs = append(jobs, j)
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Provider != jobs[b].Provider {
			return jobs[a].Provider < jobs[b].Provider
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

