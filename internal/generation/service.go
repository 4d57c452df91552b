// Package generation accepts generation requests, records them as jobs and
// hands them to the provider.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/callback"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/poller"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
)

// Request is the public shape of a generation request.
type Request struct {
	UserID   string `json:"userId,omitempty"`
	Provider string `json:"provider,omitempty"`
	Kind     string `json:"kind,omitempty"`

	Title        string   `json:"title,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Lyrics       string   `json:"lyrics,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Model        string   `json:"model,omitempty"`
	Instrumental *bool    `json:"instrumental,omitempty"`
	CustomMode   *bool    `json:"customMode,omitempty"`

	NegativeTags        string   `json:"negativeTags,omitempty"`
	VocalGender         string   `json:"vocalGender,omitempty"`
	StyleWeight         *float64 `json:"styleWeight,omitempty"`
	WeirdnessConstraint *float64 `json:"weirdnessConstraint,omitempty"`
	AudioWeight         *float64 `json:"audioWeight,omitempty"`
	ReferenceAudioURL   string   `json:"referenceAudioUrl,omitempty"`
	ReferenceID         string   `json:"referenceId,omitempty"`
	VocalID             string   `json:"vocalId,omitempty"`
	MelodyID            string   `json:"melodyId,omitempty"`
	Variants            int      `json:"variants,omitempty"`

	SourceTaskID   string `json:"sourceTaskId,omitempty"`
	SourceAudioID  string `json:"sourceAudioId,omitempty"`
	SourceAudioURL string `json:"sourceAudioUrl,omitempty"`
	StemMode       string `json:"stemMode,omitempty"`
}

// Waiter blocks until a job settles.
type Waiter interface {
	Poll(ctx context.Context, jobID string) (*poller.Result, error)
}

type Options struct {
	Store           domain.JobStore
	Providers       *music.Registry
	Signer          *callback.Signer
	CallbackBaseURL string
	Waiter          Waiter
	Sink            events.Sink
	Logger          *infra.Logger
	Now             func() time.Time
}

type Service struct {
	store        domain.JobStore
	providers    *music.Registry
	signer       *callback.Signer
	callbackBase string
	waiter       Waiter
	sink         events.Sink
	logger       *infra.Logger
	now          func() time.Time
}

func NewService(opts Options) *Service {
	s := &Service{
		store:        opts.Store,
		providers:    opts.Providers,
		signer:       opts.Signer,
		callbackBase: opts.CallbackBaseURL,
		waiter:       opts.Waiter,
		sink:         opts.Sink,
		logger:       infra.OrDiscard(opts.Logger),
		now:          opts.Now,
	}
	if s.sink == nil {
		s.sink = events.Discard{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Submit records a pending job and submits it. A provider failure is written
// to the job as a terminal failure and returned alongside the failed job.
func (s *Service) Submit(ctx context.Context, req Request) (*domain.GenerationJob, error) {
	provider, kind, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	adapter, err := s.providers.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	if !adapter.Supports(kind) {
		return nil, fmt.Errorf("generation: %w: %s cannot do %s", domain.ErrUnsupportedKind, provider, kind)
	}
	if v, ok := adapter.(music.Validator); ok {
		if err := v.Validate(req.submitRequest("", kind, "")); err != nil {
			return nil, fmt.Errorf("generation: %w", err)
		}
	}

	params, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("generation: encode params: %w", err)
	}
	now := s.now()
	job := &domain.GenerationJob{
		ID:        uuid.NewString(),
		UserID:    strings.TrimSpace(req.UserID),
		Provider:  provider,
		Kind:      kind,
		Status:    domain.JobStatusPending,
		Title:     strings.TrimSpace(req.Title),
		Prompt:    strings.TrimSpace(req.Prompt),
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("generation: create job: %w", err)
	}

	token, err := s.signer.Sign(callback.Claims{JobID: job.ID, Provider: provider, Kind: kind})
	if err != nil {
		return s.markFailed(ctx, job, err)
	}
	sub, err := adapter.Submit(ctx, req.submitRequest(job.ID, kind, callback.URL(s.callbackBase, provider, kind, token)))
	if err != nil {
		return s.markFailed(ctx, job, err)
	}

	updated, err := s.store.Upsert(ctx, job.ID, domain.JobPatch{
		Status:         domain.Ptr(domain.JobStatusProcessing),
		ProviderTaskID: domain.Ptr(sub.TaskID),
		ProviderJobID:  domain.Ptr(sub.JobID),
		Metadata:       map[string]any{"endpoint": sub.Endpoint},
	})
	if errors.Is(err, domain.ErrTerminalJob) {
		// A callback settled the job before we recorded the submission.
		return s.store.Get(ctx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("generation: record submission %s: %w", job.ID, err)
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("provider", string(provider)).
		Str("kind", string(kind)).
		Str("task_id", sub.TaskID).
		Msg("generation: job submitted")
	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobSubmitted,
		JobID:    job.ID,
		Provider: string(provider),
		Fields:   map[string]any{"kind": string(kind), "task_id": sub.TaskID, "endpoint": sub.Endpoint},
	})
	return updated, nil
}

// GenerateLyrics submits a lyrics job and waits for it to settle.
func (s *Service) GenerateLyrics(ctx context.Context, req Request) (*poller.Result, error) {
	if s.waiter == nil {
		return nil, errors.New("generation: no poller configured")
	}
	req.Kind = string(domain.JobKindLyrics)
	job, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.waiter.Poll(ctx, job.ID)
}

func (s *Service) markFailed(ctx context.Context, job *domain.GenerationJob, cause error) (*domain.GenerationJob, error) {
	msg := cause.Error()
	failed, err := s.store.Upsert(context.WithoutCancel(ctx), job.ID, domain.JobPatch{
		Status:       domain.Ptr(domain.JobStatusFailed),
		ErrorMessage: domain.Ptr(msg),
		Metadata:     map[string]any{"source": "submit"},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("generation: record submit failure failed")
		failed = job
	}
	s.logger.Warn().Err(cause).Str("job_id", job.ID).Str("provider", string(job.Provider)).Msg("generation: submit failed")
	s.sink.Emit(ctx, events.Event{Type: events.TypeJobFailed, JobID: job.ID, Provider: string(job.Provider), Message: msg,
		Fields: map[string]any{"source": "submit"}})
	if !errors.Is(cause, domain.ErrInvalidRequest) && !errors.Is(cause, domain.ErrProviderFailure) {
		cause = fmt.Errorf("%w: %w", domain.ErrProviderFailure, cause)
	}
	return failed, fmt.Errorf("generation: submit %s: %w", job.ID, cause)
}

func (s *Service) validate(req Request) (domain.Provider, domain.JobKind, error) {
	provider := domain.ProviderSuno
	if strings.TrimSpace(req.Provider) != "" {
		p, ok := domain.ParseProvider(req.Provider)
		if !ok {
			return "", "", fmt.Errorf("generation: %w: unknown provider %q", domain.ErrInvalidRequest, req.Provider)
		}
		provider = p
	}
	kind := domain.JobKindTrack
	if strings.TrimSpace(req.Kind) != "" {
		k, ok := domain.ParseJobKind(req.Kind)
		if !ok {
			return "", "", fmt.Errorf("generation: %w: unknown kind %q", domain.ErrInvalidRequest, req.Kind)
		}
		kind = k
	}
	switch kind {
	case domain.JobKindStems, domain.JobKindFormatConversion:
		if req.SourceTaskID == "" && req.SourceAudioURL == "" {
			return "", "", fmt.Errorf("generation: %w: %s needs a source task or audio url", domain.ErrInvalidRequest, kind)
		}
	}
	return provider, kind, nil
}

func (r Request) submitRequest(jobID string, kind domain.JobKind, callbackURL string) music.SubmitRequest {
	return music.SubmitRequest{
		JobID:               jobID,
		Kind:                kind,
		Prompt:              r.Prompt,
		Title:               r.Title,
		Tags:                r.Tags,
		Lyrics:              r.Lyrics,
		Model:               r.Model,
		CallbackURL:         callbackURL,
		Instrumental:        r.Instrumental,
		CustomMode:          r.CustomMode,
		NegativeTags:        r.NegativeTags,
		VocalGender:         r.VocalGender,
		StyleWeight:         r.StyleWeight,
		WeirdnessConstraint: r.WeirdnessConstraint,
		AudioWeight:         r.AudioWeight,
		ReferenceAudioURL:   r.ReferenceAudioURL,
		ReferenceID:         r.ReferenceID,
		VocalID:             r.VocalID,
		MelodyID:            r.MelodyID,
		Variants:            r.Variants,
		SourceTaskID:        r.SourceTaskID,
		SourceAudioID:       r.SourceAudioID,
		SourceAudioURL:      r.SourceAudioURL,
		StemMode:            r.StemMode,
	}
}
