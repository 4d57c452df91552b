package domain

import (
	"context"
	"time"
)

// JobFilter narrows Query. Zero values mean "no constraint".
type JobFilter struct {
	IDs            []string
	Statuses       []JobStatus
	Provider       Provider
	CreatedBefore  time.Time
	CallbackError  *bool
	ProviderTaskID string
	Limit          int
}

// JobStore is the durable record of generation jobs.
type JobStore interface {
	Create(ctx context.Context, job *GenerationJob) error
	Get(ctx context.Context, id string) (*GenerationJob, error)
	// Upsert applies patch and returns the stored job. It fails with
	// ErrNotFound for unknown ids and ErrTerminalJob when the patch touches
	// lifecycle fields of a completed or failed job.
	Upsert(ctx context.Context, id string, patch JobPatch) (*GenerationJob, error)
	// Query returns matching jobs ordered by creation time, oldest first.
	Query(ctx context.Context, filter JobFilter) ([]GenerationJob, error)
}

// VariantStore persists result variants. UpsertVariant is idempotent on
// (JobID, Index).
type VariantStore interface {
	UpsertVariant(ctx context.Context, v Variant) error
	ListVariants(ctx context.Context, jobID string) ([]Variant, error)
}

// Store bundles both record types; every backend implements it.
type Store interface {
	JobStore
	VariantStore
}

// Matches reports whether j satisfies every constraint of f (Limit aside).
func (f JobFilter) Matches(j *GenerationJob) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, j.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, j.Status) {
		return false
	}
	if f.Provider != "" && j.Provider != f.Provider {
		return false
	}
	if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.CallbackError != nil && j.CallbackError != *f.CallbackError {
		return false
	}
	if f.ProviderTaskID != "" && j.ProviderTaskID != f.ProviderTaskID {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
