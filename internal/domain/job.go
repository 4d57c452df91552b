package domain

import (
	"strings"
	"time"
)

// Provider names an external generation service.
type Provider string

const (
	ProviderSuno   Provider = "suno"
	ProviderMureka Provider = "mureka"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindTrack            JobKind = "track"
	JobKindLyrics           JobKind = "lyrics"
	JobKindStems            JobKind = "stems"
	JobKindFormatConversion JobKind = "format_conversion"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseProvider normalises a provider name.
func ParseProvider(v string) (Provider, bool) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(v))); p {
	case ProviderSuno, ProviderMureka:
		return p, true
	}
	return "", false
}

// ParseJobKind accepts the canonical kind names plus the hyphenated form.
func ParseJobKind(v string) (JobKind, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, "-", "_")
	switch k := JobKind(v); k {
	case JobKindTrack, JobKindLyrics, JobKindStems, JobKindFormatConversion:
		return k, true
	}
	return "", false
}

// GenerationJob is the durable record of one request to a provider.
type GenerationJob struct {
	ID               string
	UserID           string
	Provider         Provider
	Kind             JobKind
	Status           JobStatus
	ProviderTaskID   string
	ProviderJobID    string
	Title            string
	Prompt           string
	Params           []byte
	Result           *JobResult
	ErrorMessage     string
	CallbackEvidence bool
	CallbackError    bool
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastSyncedAt     *time.Time
}

// Age returns how long ago the job was created.
func (j *GenerationJob) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// JobResult is the terminal success payload. Fields not relevant to the
// job kind stay empty.
type JobResult struct {
	AudioURL        string            `json:"audioUrl,omitempty"`
	StreamAudioURL  string            `json:"streamAudioUrl,omitempty"`
	CoverURL        string            `json:"coverUrl,omitempty"`
	VideoURL        string            `json:"videoUrl,omitempty"`
	DurationSeconds float64           `json:"durationSeconds,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Lyrics          string            `json:"lyrics,omitempty"`
	ModelName       string            `json:"modelName,omitempty"`
	ProviderItemID  string            `json:"providerItemId,omitempty"`
	Stems           map[string]string `json:"stems,omitempty"`
	VariantCount    int               `json:"variantCount,omitempty"`
	Source          string            `json:"source,omitempty"`
}

// Default titles assigned before the provider names the track.
var defaultTitles = map[string]struct{}{
	"":                {},
	"untitled track":  {},
	"generated track": {},
}

// HasDefaultTitle reports whether the title was never chosen by the user or
// the provider, so a provider supplied title may replace it.
func (j *GenerationJob) HasDefaultTitle() bool {
	title := strings.ToLower(strings.TrimSpace(j.Title))
	if _, ok := defaultTitles[title]; ok {
		return true
	}
	return title == strings.ToLower(strings.TrimSpace(j.Prompt))
}

// Clone returns a deep copy so callers can hand jobs out of a store without
// sharing mutable state.
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Params = append([]byte(nil), j.Params...)
	if j.Result != nil {
		r := *j.Result
		r.Tags = append([]string(nil), j.Result.Tags...)
		if j.Result.Stems != nil {
			r.Stems = make(map[string]string, len(j.Result.Stems))
			for k, v := range j.Result.Stems {
				r.Stems[k] = v
			}
		}
		c.Result = &r
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.LastSyncedAt != nil {
		t := *j.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return &c
}
