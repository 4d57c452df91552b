package memstore

import (
	"context"
	"testing"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/adapter/storetest"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.Store { return New() })
}

func TestGetReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, &domain.GenerationJob{ID: "j", Status: domain.JobStatusPending, Metadata: map[string]any{"a": 1}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _ := s.Get(ctx, "j")
	got.Metadata["a"] = 2
	got.Status = domain.JobStatusFailed
	again, _ := s.Get(ctx, "j")
	if again.Metadata["a"] != 1 || again.Status != domain.JobStatusPending {
		t.Fatalf("stored job mutated through returned copy: %+v", again)
	}
}
