package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/storage"
)

// ErrNoUsableContent marks a provider success that carried nothing we can
// store.
var ErrNoUsableContent = errors.New("completed without usable content")

// in-progress variant statuses never count as usable content.
var unfinishedStatuses = map[string]struct{}{
	"partial": {}, "pending": {}, "processing": {}, "running": {}, "queued": {}, "failed": {}, "error": {},
}

// Usable reports whether a variant can be handed to a user.
func Usable(status, content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	_, unfinished := unfinishedStatuses[strings.ToLower(strings.TrimSpace(status))]
	return !unfinished
}

// PickVariant prefers a "complete" variant with content, then the first
// usable one. It returns -1 when none qualifies.
func PickVariant(statuses, contents []string) int {
	for i := range statuses {
		if strings.EqualFold(strings.TrimSpace(statuses[i]), "complete") && strings.TrimSpace(contents[i]) != "" {
			return i
		}
	}
	for i := range statuses {
		if Usable(statuses[i], contents[i]) {
			return i
		}
	}
	return -1
}

// terminalWrite is everything the success path writes.
type terminalWrite struct {
	result   domain.JobResult
	title    string
	variants []domain.Variant
}

func (r *Reconciler) complete(ctx context.Context, job *domain.GenerationJob, remote *music.RemoteStatus, source Source) (Outcome, error) {
	var (
		w   *terminalWrite
		err error
	)
	switch job.Kind {
	case domain.JobKindTrack:
		w, err = r.trackWrite(ctx, job, remote)
	case domain.JobKindLyrics:
		w, err = lyricsWrite(job, remote)
	case domain.JobKindStems:
		w, err = r.stemsWrite(ctx, job, remote)
	case domain.JobKindFormatConversion:
		w, err = r.conversionWrite(ctx, job, remote)
	default:
		err = fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, job.Kind)
	}
	if errors.Is(err, ErrNoUsableContent) {
		return r.fail(ctx, job, ActionFailedNoArtifact, err.Error(), source, remote.Raw)
	}
	if err != nil {
		return Outcome{JobID: job.ID, Action: ActionError, RemoteStatus: remote.Raw, Job: job}, fmt.Errorf("reconcile: %s: %w", job.ID, err)
	}

	now := r.now()
	w.result.Source = string(source)
	patch := domain.JobPatch{
		Status:        domain.Ptr(domain.JobStatusCompleted),
		Result:        &w.result,
		CallbackError: domain.Ptr(false),
		LastSyncedAt:  &now,
		Metadata: map[string]any{
			"source":        string(source),
			"reconciled_at": now.UTC().Format(time.RFC3339),
			"remote_status": remote.Raw,
		},
	}
	if w.title != "" && job.HasDefaultTitle() {
		patch.Title = domain.Ptr(w.title)
	}
	updated, err := r.store.Upsert(ctx, job.ID, patch)
	if errors.Is(err, domain.ErrTerminalJob) {
		return Outcome{JobID: job.ID, Action: ActionAlreadyTerminal, RemoteStatus: remote.Raw, Job: job}, nil
	}
	if err != nil {
		return Outcome{JobID: job.ID, Action: ActionError, RemoteStatus: remote.Raw, Job: job}, fmt.Errorf("reconcile: complete %s: %w", job.ID, err)
	}
	// Only the writer that settled the job row writes its variants.
	for _, v := range w.variants {
		if err := r.store.UpsertVariant(ctx, v); err != nil {
			return Outcome{JobID: job.ID, Action: ActionError, RemoteStatus: remote.Raw, Job: updated}, fmt.Errorf("reconcile: variant %s/%d: %w", job.ID, v.Index, err)
		}
	}
	r.logger.Info().
		Str("job_id", job.ID).
		Str("provider", string(job.Provider)).
		Str("source", string(source)).
		Int("variants", len(w.variants)).
		Msg("reconcile: job completed")
	r.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobCompleted,
		JobID:    job.ID,
		Provider: string(job.Provider),
		Fields:   map[string]any{"source": string(source), "kind": string(job.Kind)},
	})
	return Outcome{JobID: job.ID, Action: ActionSyncedCompleted, RemoteStatus: remote.Raw, Job: updated}, nil
}

func (r *Reconciler) trackWrite(ctx context.Context, job *domain.GenerationJob, remote *music.RemoteStatus) (*terminalWrite, error) {
	var tracks []music.Item
	for _, item := range remote.Items {
		if strings.TrimSpace(item.AudioURL) != "" {
			tracks = append(tracks, item)
		}
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio in provider result", ErrNoUsableContent)
	}
	primary := tracks[0]
	w := &terminalWrite{
		title: primary.Title,
		result: domain.JobResult{
			AudioURL:        r.persist(ctx, job.ID, primary.AudioURL, storage.MainKey(job.ID)),
			StreamAudioURL:  primary.StreamAudioURL,
			CoverURL:        r.persist(ctx, job.ID, primary.CoverURL, storage.CoverKey(job.ID)),
			VideoURL:        r.persist(ctx, job.ID, primary.VideoURL, storage.VideoKey(job.ID)),
			DurationSeconds: primary.DurationSeconds,
			Tags:            primary.Tags,
			Lyrics:          primary.Content,
			ModelName:       primary.ModelName,
			ProviderItemID:  primary.ID,
			VariantCount:    len(tracks),
		},
	}
	// The primary stays on the job row; further versions start at index 1.
	for i, item := range tracks[1:] {
		index := i + 1
		w.variants = append(w.variants, domain.Variant{
			JobID:           job.ID,
			Index:           index,
			Status:          "complete",
			Title:           item.Title,
			Content:         item.Content,
			AudioURL:        r.persist(ctx, job.ID, item.AudioURL, storage.VersionKey(job.ID, index)),
			StreamAudioURL:  item.StreamAudioURL,
			CoverURL:        r.persist(ctx, job.ID, item.CoverURL, storage.VersionCoverKey(job.ID, index)),
			VideoURL:        r.persist(ctx, job.ID, item.VideoURL, storage.VersionVideoKey(job.ID, index)),
			DurationSeconds: item.DurationSeconds,
			Tags:            item.Tags,
			ProviderItemID:  item.ID,
			Metadata:        map[string]any{"model": item.ModelName},
		})
	}
	return w, nil
}

func lyricsVariant(jobID string, index int, item music.Item) domain.Variant {
	return domain.Variant{
		JobID:          jobID,
		Index:          index,
		Status:         strings.ToLower(item.Status),
		Title:          item.Title,
		Content:        item.Content,
		ProviderItemID: item.ID,
		ErrorMessage:   item.ErrorMessage,
	}
}

func lyricsWrite(job *domain.GenerationJob, remote *music.RemoteStatus) (*terminalWrite, error) {
	statuses := make([]string, len(remote.Items))
	contents := make([]string, len(remote.Items))
	w := &terminalWrite{}
	for i, item := range remote.Items {
		statuses[i], contents[i] = item.Status, item.Content
		w.variants = append(w.variants, lyricsVariant(job.ID, i, item))
	}
	pick := PickVariant(statuses, contents)
	if pick < 0 {
		return nil, ErrNoUsableContent
	}
	chosen := remote.Items[pick]
	w.title = chosen.Title
	w.result = domain.JobResult{Lyrics: chosen.Content, ProviderItemID: chosen.ID, VariantCount: len(remote.Items)}
	return w, nil
}

func (r *Reconciler) stemsWrite(ctx context.Context, job *domain.GenerationJob, remote *music.RemoteStatus) (*terminalWrite, error) {
	if len(remote.Stems) == 0 {
		return nil, fmt.Errorf("%w: no stems in provider result", ErrNoUsableContent)
	}
	stems := make(map[string]string, len(remote.Stems))
	for name, url := range remote.Stems {
		stems[name] = r.persist(ctx, job.ID, url, storage.StemKey(job.ID, name))
	}
	return &terminalWrite{result: domain.JobResult{Stems: stems, VariantCount: len(stems)}}, nil
}

func (r *Reconciler) conversionWrite(ctx context.Context, job *domain.GenerationJob, remote *music.RemoteStatus) (*terminalWrite, error) {
	for _, item := range remote.Items {
		if strings.TrimSpace(item.AudioURL) == "" {
			continue
		}
		return &terminalWrite{result: domain.JobResult{
			AudioURL:       r.persist(ctx, job.ID, item.AudioURL, storage.MainKey(job.ID)),
			ProviderItemID: item.ID,
			VariantCount:   1,
		}}, nil
	}
	return nil, fmt.Errorf("%w: no converted audio in provider result", ErrNoUsableContent)
}

// persist copies url into storage. On failure the provider URL is kept so
// the job still completes; the failure is logged.
func (r *Reconciler) persist(ctx context.Context, jobID, url, key string) string {
	if r.media == nil || strings.TrimSpace(url) == "" {
		return url
	}
	stored, err := r.media.Persist(ctx, url, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Str("key", key).Msg("reconcile: media persist failed, keeping provider url")
		return url
	}
	return stored
}
