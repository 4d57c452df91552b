package domain

import "time"

// Variant is one result alternative of a job, keyed by (JobID, Index).
// Track jobs keep their primary result on the job record and store the
// remaining versions as variants starting at index 1; lyrics jobs store every
// provider variant starting at index 0.
type Variant struct {
	JobID           string
	Index           int
	Status          string
	Title           string
	Content         string
	AudioURL        string
	StreamAudioURL  string
	CoverURL        string
	VideoURL        string
	DurationSeconds float64
	Tags            []string
	ProviderItemID  string
	ErrorMessage    string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
