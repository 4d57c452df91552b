package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/resilience"
)

const defaultMaxMediaBytes = 200 << 20

// ErrMediaTooLarge is returned when a download exceeds the size limit.
var ErrMediaTooLarge = errors.New("storage: media exceeds size limit")

// Writer is the part of FileStore MediaStore needs.
type Writer interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

type MediaOptions struct {
	Files      Writer
	BaseURL    string
	HTTPClient *http.Client
	Retry      resilience.RetryPolicy
	MaxBytes   int64
	Logger     *infra.Logger
}

// MediaStore copies provider hosted media (which expires) into our storage
// and hands back a stable URL.
type MediaStore struct {
	files    Writer
	baseURL  string
	client   *http.Client
	retry    resilience.RetryPolicy
	maxBytes int64
	logger   *infra.Logger
}

func NewMediaStore(opts MediaOptions) (*MediaStore, error) {
	if opts.Files == nil {
		return nil, errors.New("storage: media store requires a writer")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storage: media store requires a base url")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMediaBytes
	}
	return &MediaStore{
		files:    opts.Files,
		baseURL:  baseURL,
		client:   client,
		retry:    opts.Retry,
		maxBytes: maxBytes,
		logger:   infra.OrDiscard(opts.Logger),
	}, nil
}

// Storage keys for a job's assets. The extension is appended by Persist.
func MainKey(jobID string) string                { return "generated/" + jobID + "/main" }
func CoverKey(jobID string) string               { return "generated/" + jobID + "/cover" }
func VideoKey(jobID string) string               { return "generated/" + jobID + "/video" }
func VersionKey(jobID string, n int) string      { return "generated/" + jobID + "/version-" + strconv.Itoa(n) }
func VersionCoverKey(jobID string, n int) string { return VersionKey(jobID, n) + "-cover" }
func VersionVideoKey(jobID string, n int) string { return VersionKey(jobID, n) + "-video" }
func StemKey(jobID, name string) string          { return "generated/" + jobID + "/stem-" + name }

// Persist downloads sourceURL and stores it at key plus an extension derived
// from the response content type. URLs already under the base URL are
// returned unchanged.
func (m *MediaStore) Persist(ctx context.Context, sourceURL, key string) (string, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return "", errors.New("storage: source url is required")
	}
	if strings.HasPrefix(sourceURL, m.baseURL+"/") {
		return sourceURL, nil
	}
	type download struct {
		data        []byte
		contentType string
	}
	got, err := resilience.Execute(ctx, m.retry, func(ctx context.Context) (download, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return download{}, fmt.Errorf("storage: build request: %w", err)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return download{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return download{}, &resilience.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
		if err != nil {
			return download{}, err
		}
		if int64(len(data)) > m.maxBytes {
			return download{}, ErrMediaTooLarge
		}
		return download{data: data, contentType: resp.Header.Get("Content-Type")}, nil
	})
	if err != nil {
		return "", fmt.Errorf("storage: download %s: %w", sourceURL, err)
	}
	fullKey := key + "." + extensionFor(got.contentType, sourceURL)
	stored, err := m.files.Write(ctx, fullKey, got.data)
	if err != nil {
		return "", err
	}
	m.logger.Debug().Str("key", stored).Int("bytes", len(got.data)).Msg("storage: media persisted")
	return m.baseURL + "/" + stored, nil
}

var extensions = map[string]string{
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/wav":    "wav",
	"audio/x-wav":  "wav",
	"audio/wave":   "wav",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
	"audio/mp4":    "m4a",
	"image/jpeg":   "jpeg",
	"image/jpg":    "jpeg",
	"image/png":    "png",
	"image/webp":   "webp",
	"video/mp4":    "mp4",
}

var knownExtensions = map[string]struct{}{
	"mp3": {}, "wav": {}, "flac": {}, "m4a": {}, "jpeg": {}, "jpg": {}, "png": {}, "webp": {}, "mp4": {},
}

// extensionFor prefers the content type, then the URL path, then mp3.
func extensionFor(contentType, sourceURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extensions[strings.ToLower(mediaType)]; ok {
			return ext
		}
	}
	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
		if _, ok := knownExtensions[ext]; ok {
			return ext
		}
	}
	return "mp3"
}
