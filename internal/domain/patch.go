package domain

import (
	"fmt"
	"time"
)

// JobPatch is a partial update. Nil fields are left untouched and Metadata
// is merged key by key into the stored metadata.
type JobPatch struct {
	Status           *JobStatus
	ProviderTaskID   *string
	ProviderJobID    *string
	Title            *string
	Result           *JobResult
	ErrorMessage     *string
	CallbackEvidence *bool
	CallbackError    *bool
	Metadata         map[string]any
	LastSyncedAt     *time.Time
}

// TouchesLifecycle reports whether the patch writes any field that terminal
// jobs must keep. Such patches are rejected with ErrTerminalJob once the job
// is completed or failed; diagnostic-only patches are always accepted.
func (p JobPatch) TouchesLifecycle() bool {
	return p.Status != nil || p.ProviderTaskID != nil || p.ProviderJobID != nil ||
		p.Title != nil || p.Result != nil || p.ErrorMessage != nil
}

// Apply writes the patch onto j. A completed job never carries an error
// message and a failed job never carries a result.
func (p JobPatch) Apply(j *GenerationJob, now time.Time) error {
	if j.Status.Terminal() && p.TouchesLifecycle() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalJob, j.ID, j.Status)
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.ProviderTaskID != nil {
		j.ProviderTaskID = *p.ProviderTaskID
	}
	if p.ProviderJobID != nil {
		j.ProviderJobID = *p.ProviderJobID
	}
	if p.Title != nil {
		j.Title = *p.Title
	}
	if p.Result != nil {
		r := *p.Result
		j.Result = &r
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}
	if p.CallbackEvidence != nil {
		j.CallbackEvidence = *p.CallbackEvidence
	}
	if p.CallbackError != nil {
		j.CallbackError = *p.CallbackError
	}
	if p.LastSyncedAt != nil {
		t := *p.LastSyncedAt
		j.LastSyncedAt = &t
	}
	if len(p.Metadata) > 0 {
		if j.Metadata == nil {
			j.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			j.Metadata[k] = v
		}
	}
	switch j.Status {
	case JobStatusCompleted:
		j.ErrorMessage = ""
	case JobStatusFailed:
		j.Result = nil
	}
	j.UpdatedAt = now
	return nil
}

// Ptr returns a pointer to v; handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
