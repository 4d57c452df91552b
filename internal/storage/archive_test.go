package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

func TestArchiverCollectsStoredTrackMedia(t *testing.T) {
	files, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	for key, data := range map[string]string{
		"generated/j1/main.mp3":      "main",
		"generated/j1/cover.png":     "cover",
		"generated/j1/video.mp4":     "video",
		"generated/j1/version-1.mp3": "v1",
	} {
		if _, err := files.Write(ctx, key, []byte(data)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	base := "https://media.example/static"
	job := &domain.GenerationJob{
		ID:    "j1",
		Kind:  domain.JobKindTrack,
		Title: "Neon Nights",
		Result: &domain.JobResult{
			AudioURL: base + "/generated/j1/main.mp3",
			CoverURL: base + "/generated/j1/cover.png",
			VideoURL: base + "/generated/j1/video.mp4",
		},
	}
	variants := []domain.Variant{
		{JobID: "j1", Index: 1, AudioURL: base + "/generated/j1/version-1.mp3", CoverURL: "https://cdn.provider/c.png"},
	}

	b, err := NewArchiver(files, base+"/").Collect(ctx, job, variants)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if b.Name != "neon_nights.zip" {
		t.Fatalf("name = %q", b.Name)
	}
	got := map[string]string{}
	for _, e := range b.Entries {
		got[e.Name] = string(e.Data)
	}
	want := map[string]string{
		"neon_nights.mp3":       "main",
		"neon_nights-cover.png": "cover",
		"neon_nights-video.mp4": "video",
		"neon_nights-v1.mp3":    "v1",
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for name, data := range want {
		if got[name] != data {
			t.Fatalf("%s = %q, want %q", name, got[name], data)
		}
	}
	if len(b.Skipped) != 1 || b.Skipped[0] != "https://cdn.provider/c.png" {
		t.Fatalf("skipped = %v", b.Skipped)
	}
}

func TestArchiverLyricsAndNothingStored(t *testing.T) {
	a := NewArchiver(nil, "https://media.example/static")
	ctx := context.Background()

	b, err := a.Collect(ctx, &domain.GenerationJob{ID: "l1", Kind: domain.JobKindLyrics}, []domain.Variant{
		{Index: 0, Content: "[Verse]\nhello"},
		{Index: 1, Content: "  "},
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(b.Entries) != 1 || b.Entries[0].Name != "l1-1.txt" {
		t.Fatalf("entries = %+v", b.Entries)
	}

	_, err = a.Collect(ctx, &domain.GenerationJob{ID: "t1", Kind: domain.JobKindTrack, Result: &domain.JobResult{AudioURL: "https://cdn.provider/a.mp3"}}, nil)
	if !errors.Is(err, ErrNothingStored) {
		t.Fatalf("err = %v, want ErrNothingStored", err)
	}
}
