package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/generation"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/reconcile"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/storage"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/pkg/zip"
)

const maxRequestBody = 1 << 20

type jobView struct {
	ID               string            `json:"id"`
	UserID           string            `json:"userId,omitempty"`
	Provider         string            `json:"provider"`
	Kind             string            `json:"kind"`
	Status           string            `json:"status"`
	ProviderTaskID   string            `json:"providerTaskId,omitempty"`
	Title            string            `json:"title,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	Result           *domain.JobResult `json:"result,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	CallbackEvidence bool              `json:"callbackEvidence"`
	CallbackError    bool              `json:"callbackError"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	LastSyncedAt     *time.Time        `json:"lastSyncedAt,omitempty"`
	Variants         []variantView     `json:"variants,omitempty"`
}

type variantView struct {
	Index           int      `json:"index"`
	Status          string   `json:"status,omitempty"`
	Title           string   `json:"title,omitempty"`
	Content         string   `json:"content,omitempty"`
	AudioURL        string   `json:"audioUrl,omitempty"`
	StreamAudioURL  string   `json:"streamAudioUrl,omitempty"`
	CoverURL        string   `json:"coverUrl,omitempty"`
	VideoURL        string   `json:"videoUrl,omitempty"`
	DurationSeconds float64  `json:"durationSeconds,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
}

func newJobView(j *domain.GenerationJob, variants []domain.Variant) jobView {
	v := jobView{
		ID:               j.ID,
		UserID:           j.UserID,
		Provider:         string(j.Provider),
		Kind:             string(j.Kind),
		Status:           string(j.Status),
		ProviderTaskID:   j.ProviderTaskID,
		Title:            j.Title,
		Prompt:           j.Prompt,
		Result:           j.Result,
		ErrorMessage:     j.ErrorMessage,
		CallbackEvidence: j.CallbackEvidence,
		CallbackError:    j.CallbackError,
		Metadata:         j.Metadata,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		LastSyncedAt:     j.LastSyncedAt,
	}
	for _, vr := range variants {
		v.Variants = append(v.Variants, newVariantView(vr))
	}
	return v
}

func newVariantView(v domain.Variant) variantView {
	return variantView{
		Index:           v.Index,
		Status:          v.Status,
		Title:           v.Title,
		Content:         v.Content,
		AudioURL:        v.AudioURL,
		StreamAudioURL:  v.StreamAudioURL,
		CoverURL:        v.CoverURL,
		VideoURL:        v.VideoURL,
		DurationSeconds: v.DurationSeconds,
		Tags:            v.Tags,
		ErrorMessage:    v.ErrorMessage,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v)
}

// CreateGeneration submits a job and answers 202 with the processing job.
func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req generation.Request
	if err := decode(w, r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	job, err := a.Generation.Submit(r.Context(), req)
	if err != nil {
		if job != nil && !errors.Is(err, domain.ErrInvalidRequest) {
			// The failed job is persisted and visible to the caller.
			a.json(w, http.StatusBadGateway, map[string]any{"error": "provider_error", "message": job.ErrorMessage, "job": newJobView(job, nil)})
			return
		}
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, newJobView(job, nil))
}

func (a *App) GetGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Store.Get(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	variants, err := a.Store.ListVariants(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, newJobView(job, variants))
}

// GenerationArchive downloads a completed job's stored media as one zip.
func (a *App) GenerationArchive(w http.ResponseWriter, r *http.Request) {
	if a.Archive == nil {
		a.error(w, http.StatusNotImplemented, "not_implemented", "archives are not configured")
		return
	}
	id := chi.URLParam(r, "id")
	job, err := a.Store.Get(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if job.Status != domain.JobStatusCompleted {
		a.error(w, http.StatusConflict, "not_completed", "job is "+string(job.Status))
		return
	}
	variants, err := a.Store.ListVariants(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	bundle, err := a.Archive.Collect(r.Context(), job, variants)
	if errors.Is(err, storage.ErrNothingStored) {
		a.error(w, http.StatusNotFound, "no_media", "no stored media for this job")
		return
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+bundle.Name+`"`)
	w.Header().Set("X-Skipped-Assets", strconv.Itoa(len(bundle.Skipped)))
	if err := zip.Write(w, bundle.Entries); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", id).Msg("http: archive write failed")
	}
}

// SyncGeneration runs one narrow reconciliation for the job.
func (a *App) SyncGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := a.Reconciler.ReconcileJob(r.Context(), id, reconcile.SourceManual)
	if err != nil && errors.Is(err, domain.ErrNotFound) {
		a.fail(w, err)
		return
	}
	resp := map[string]any{"jobId": id, "action": out.Action, "remoteStatus": out.RemoteStatus}
	if out.Job != nil {
		resp["job"] = newJobView(out.Job, nil)
	}
	if err != nil {
		resp["error"] = err.Error()
		a.json(w, http.StatusBadGateway, resp)
		return
	}
	a.json(w, http.StatusOK, resp)
}

// GenerateLyrics blocks until the lyrics job settles or the client leaves.
func (a *App) GenerateLyrics(w http.ResponseWriter, r *http.Request) {
	var req generation.Request
	if err := decode(w, r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	res, err := a.Generation.GenerateLyrics(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			a.Logger.Info().Err(err).Msg("http: lyrics request cancelled by client")
			return
		}
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"jobId":   res.Job.ID,
		"title":   res.Variant.Title,
		"lyrics":  res.Variant.Content,
		"variant": newVariantView(res.Variant),
	})
}

// Reconcile is the scheduler trigger; an empty body sweeps stuck jobs.
func (a *App) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcile.SweepRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
	}
	report, err := a.Sweeper.Sweep(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, report)
}
