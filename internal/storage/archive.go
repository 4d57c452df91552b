package storage

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/pkg/zip"
)

// ErrNothingStored means none of a job's media lives in our storage yet.
var ErrNothingStored = errors.New("storage: job has no stored media")

// Reader is the part of FileStore the archiver needs.
type Reader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// Archiver gathers a job's persisted assets for a single download.
type Archiver struct {
	files   Reader
	baseURL string
}

func NewArchiver(files Reader, baseURL string) *Archiver {
	return &Archiver{files: files, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

// Bundle is an archive ready to be written, plus the URLs left out because
// they are still provider hosted.
type Bundle struct {
	Name    string
	Entries []zip.Entry
	Skipped []string
}

// Collect reads the job's stored media. Lyrics variants become text files.
func (a *Archiver) Collect(ctx context.Context, job *domain.GenerationJob, variants []domain.Variant) (*Bundle, error) {
	stem := zip.SafeName(job.Title)
	if stem == "" {
		stem = job.ID
	}
	b := &Bundle{Name: stem + ".zip"}

	if job.Kind == domain.JobKindLyrics {
		for _, v := range variants {
			if strings.TrimSpace(v.Content) == "" {
				continue
			}
			b.Entries = append(b.Entries, zip.Entry{
				Name: stem + "-" + strconv.Itoa(v.Index+1) + ".txt",
				Data: []byte(v.Content),
			})
		}
	} else {
		seen := map[string]bool{}
		add := func(ctx context.Context, name, url string) error {
			if url == "" || seen[url] {
				return nil
			}
			seen[url] = true
			return a.add(ctx, b, name, url)
		}
		if r := job.Result; r != nil {
			if err := add(ctx, stem, r.AudioURL); err != nil {
				return nil, err
			}
			if err := add(ctx, stem+"-cover", r.CoverURL); err != nil {
				return nil, err
			}
			if err := add(ctx, stem+"-video", r.VideoURL); err != nil {
				return nil, err
			}
			names := make([]string, 0, len(r.Stems))
			for name := range r.Stems {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if err := add(ctx, stem+"-"+zip.SafeName(name), r.Stems[name]); err != nil {
					return nil, err
				}
			}
		}
		for _, v := range variants {
			if err := add(ctx, stem+"-v"+strconv.Itoa(v.Index), v.AudioURL); err != nil {
				return nil, err
			}
			if err := add(ctx, stem+"-v"+strconv.Itoa(v.Index)+"-cover", v.CoverURL); err != nil {
				return nil, err
			}
			if err := add(ctx, stem+"-v"+strconv.Itoa(v.Index)+"-video", v.VideoURL); err != nil {
				return nil, err
			}
		}
	}

	if len(b.Entries) == 0 {
		return b, ErrNothingStored
	}
	return b, nil
}

func (a *Archiver) add(ctx context.Context, b *Bundle, name, url string) error {
	key, ok := strings.CutPrefix(url, a.baseURL+"/")
	if !ok || a.baseURL == "" {
		b.Skipped = append(b.Skipped, url)
		return nil
	}
	data, err := a.files.Read(ctx, key)
	if err != nil {
		return err
	}
	b.Entries = append(b.Entries, zip.Entry{Name: name + path.Ext(key), Data: data})
	return nil
}
