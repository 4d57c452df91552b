// Package memstore is an in-process domain.Store used by tests and by the
// API binary when no database is configured for a local demo.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

type Store struct {
	mu       sync.Mutex
	jobs     map[string]*domain.GenerationJob
	variants map[string]map[int]domain.Variant
	now      func() time.Time
}

var _ domain.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:     make(map[string]*domain.GenerationJob),
		variants: make(map[string]map[int]domain.Variant),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for UpdatedAt stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Create(_ context.Context, job *domain.GenerationJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("memstore: create: %w: job id required", domain.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("memstore: create: %w: job %s exists", domain.ErrInvalidRequest, job.ID)
	}
	c := job.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.jobs[job.ID] = c
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("memstore: job %s: %w", id, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *Store) Upsert(_ context.Context, id string, patch domain.JobPatch) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("memstore: job %s: %w", id, domain.ErrNotFound)
	}
	next := job.Clone()
	if err := patch.Apply(next, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *Store) Query(_ context.Context, filter domain.JobFilter) ([]domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.GenerationJob
	for _, job := range s.jobs {
		if filter.Matches(job) {
			out = append(out, *job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpsertVariant(_ context.Context, v domain.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[v.JobID]; !ok {
		return fmt.Errorf("memstore: variant for job %s: %w", v.JobID, domain.ErrNotFound)
	}
	byIndex := s.variants[v.JobID]
	if byIndex == nil {
		byIndex = make(map[int]domain.Variant)
		s.variants[v.JobID] = byIndex
	}
	now := s.now()
	if prev, ok := byIndex[v.Index]; ok {
		v.CreatedAt = prev.CreatedAt
	} else if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	v.Tags = append([]string(nil), v.Tags...)
	byIndex[v.Index] = v
	return nil
}

func (s *Store) ListVariants(_ context.Context, jobID string) ([]domain.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Variant, 0, len(s.variants[jobID]))
	for _, v := range s.variants[jobID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
