// Package callback records provider webhooks against generation jobs.
package callback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/reconcile"
)

// Applier performs the terminal write shared with the sweeper.
type Applier interface {
	Apply(ctx context.Context, job *domain.GenerationJob, remote *music.RemoteStatus, source reconcile.Source) (reconcile.Outcome, error)
}

type Options struct {
	Store     domain.JobStore
	Providers *music.Registry
	Applier   Applier
	Signer    *Signer
	Sink      events.Sink
	Logger    *infra.Logger
	Now       func() time.Time
}

type Processor struct {
	store     domain.JobStore
	providers *music.Registry
	applier   Applier
	signer    *Signer
	sink      events.Sink
	logger    *infra.Logger
	now       func() time.Time
}

// Receipt tells the webhook caller what happened.
type Receipt struct {
	JobID  string           `json:"jobId"`
	Stage  string           `json:"stage,omitempty"`
	Action reconcile.Action `json:"action,omitempty"`
}

func NewProcessor(opts Options) *Processor {
	p := &Processor{
		store:     opts.Store,
		providers: opts.Providers,
		applier:   opts.Applier,
		signer:    opts.Signer,
		sink:      opts.Sink,
		logger:    infra.OrDiscard(opts.Logger),
		now:       opts.Now,
	}
	if p.sink == nil {
		p.sink = events.Discard{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Process parses a webhook body, records callback evidence on the job and,
// when the payload carries a status, writes it through the shared applier.
func (p *Processor) Process(ctx context.Context, provider domain.Provider, kind domain.JobKind, token string, body []byte) (*Receipt, error) {
	adapter, err := p.providers.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}
	if !adapter.Supports(kind) {
		return nil, fmt.Errorf("callback: %w: %s/%s", domain.ErrUnsupportedKind, provider, kind)
	}
	cb, err := adapter.ParseCallback(kind, body)
	if err != nil {
		return nil, fmt.Errorf("callback: parse %s/%s: %w", provider, kind, err)
	}
	job, err := p.resolve(ctx, provider, kind, token, cb.TaskID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	patch := domain.JobPatch{
		CallbackEvidence: domain.Ptr(true),
		Metadata: map[string]any{
			"last_callback_stage": cb.Stage,
			"last_callback_at":    now.UTC().Format(time.RFC3339),
		},
	}
	if cb.Error {
		patch.CallbackError = domain.Ptr(true)
		patch.Metadata["callback_error"] = truncate(cb.Message, 500)
		patch.Metadata["callback_error_code"] = cb.Code
	}
	if !job.Status.Terminal() && job.ProviderTaskID == "" && cb.TaskID != "" {
		patch.ProviderTaskID = domain.Ptr(cb.TaskID)
		if job.Status == domain.JobStatusPending {
			patch.Status = domain.Ptr(domain.JobStatusProcessing)
		}
	}
	// A terminal job only accepts the evidence flag; the callback error of a
	// settled job is noise.
	if job.Status.Terminal() {
		patch.CallbackError = nil
	}
	updated, err := p.store.Upsert(ctx, job.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("callback: record %s: %w", job.ID, err)
	}
	job = updated

	receipt := &Receipt{JobID: job.ID, Stage: cb.Stage}
	if cb.Error {
		p.logger.Warn().Str("job_id", job.ID).Str("provider", string(provider)).Str("stage", cb.Stage).
			Int("code", cb.Code).Str("message", cb.Message).Msg("callback: provider reported error")
	} else {
		p.logger.Info().Str("job_id", job.ID).Str("provider", string(provider)).Str("stage", cb.Stage).Msg("callback: recorded")
	}

	if cb.Status != nil && !cb.Error {
		out, err := p.applier.Apply(ctx, job, cb.Status, reconcile.SourceCallback)
		receipt.Action = out.Action
		if err != nil {
			return receipt, fmt.Errorf("callback: apply %s: %w", job.ID, err)
		}
	}
	p.sink.Emit(ctx, events.Event{
		Type:     events.TypeCallbackStored,
		JobID:    job.ID,
		Provider: string(provider),
		Message:  cb.Message,
		Fields:   map[string]any{"stage": cb.Stage, "error": cb.Error, "action": string(receipt.Action)},
	})
	return receipt, nil
}

// resolve finds the job from the signed token, or by provider task id when
// signing is disabled.
func (p *Processor) resolve(ctx context.Context, provider domain.Provider, kind domain.JobKind, token, taskID string) (*domain.GenerationJob, error) {
	if p.signer.Enabled() {
		claims, err := p.signer.Verify(token)
		if err != nil {
			return nil, err
		}
		if claims.Provider != provider || claims.Kind != kind {
			return nil, fmt.Errorf("%w: token issued for %s/%s", ErrInvalidToken, claims.Provider, claims.Kind)
		}
		job, err := p.store.Get(ctx, claims.JobID)
		if err != nil {
			return nil, fmt.Errorf("callback: load %s: %w", claims.JobID, err)
		}
		if taskID != "" && job.ProviderTaskID != "" && job.ProviderTaskID != taskID {
			return nil, fmt.Errorf("callback: %w: task %s does not belong to job %s", domain.ErrInvalidRequest, taskID, job.ID)
		}
		return job, nil
	}

	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("callback: %w: no task id in payload", domain.ErrInvalidRequest)
	}
	jobs, err := p.store.Query(ctx, domain.JobFilter{Provider: provider, ProviderTaskID: taskID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("callback: lookup task %s: %w", taskID, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("callback: task %s: %w", taskID, domain.ErrNotFound)
	}
	return &jobs[0], nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
