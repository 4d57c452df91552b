// Package suno adapts the Suno API (sunoapi.org compatible) to music.Provider.
package suno

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/gateway"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/resilience"
)

const (
	defaultModel = "V5"

	StemModeSeparateVocal = "separate_vocal"
	StemModeSplitStem     = "split_stem"
)

// Options configures a Client.
type Options struct {
	Config     infra.SunoConfig
	HTTPClient *http.Client
	Retry      resilience.RetryPolicy
	Breakers   *resilience.Registry
	Logger     *infra.Logger
}

// Client implements music.Provider for Suno.
type Client struct {
	cfg     infra.SunoConfig
	gateway *gateway.Client
	logger  *infra.Logger
}

var (
	_ music.Provider  = (*Client)(nil)
	_ music.Validator = (*Client)(nil)
)

// NewClient constructs a Suno adapter. The API key is sent in every header
// variant the public proxies accept.
func NewClient(opts Options) *Client {
	key := strings.TrimSpace(opts.Config.APIKey)
	logger := infra.OrDiscard(opts.Logger)
	return &Client{
		cfg:    opts.Config,
		logger: logger,
		gateway: gateway.NewClient(gateway.Options{
			HTTPClient: opts.HTTPClient,
			Retry:      opts.Retry,
			Breakers:   opts.Breakers,
			Logger:     logger,
			Authorize: func(r *http.Request) {
				if key == "" {
					return
				}
				r.Header.Set("Authorization", "Bearer "+key)
				r.Header.Set("X-API-Key", key)
				r.Header.Set("api-key", key)
			},
		}),
	}
}

func (c *Client) Name() domain.Provider { return domain.ProviderSuno }

func (c *Client) Supports(kind domain.JobKind) bool {
	switch kind {
	case domain.JobKindTrack, domain.JobKindLyrics, domain.JobKindStems, domain.JobKindFormatConversion:
		return true
	}
	return false
}

type generateBody struct {
	Prompt              string   `json:"prompt"`
	Tags                string   `json:"tags,omitempty"`
	Title               string   `json:"title,omitempty"`
	Instrumental        bool     `json:"instrumental"`
	Model               string   `json:"model"`
	CustomMode          bool     `json:"customMode"`
	CallBackURL         string   `json:"callBackUrl,omitempty"`
	NegativeTags        string   `json:"negativeTags,omitempty"`
	VocalGender         string   `json:"vocalGender,omitempty"`
	StyleWeight         *float64 `json:"styleWeight,omitempty"`
	WeirdnessConstraint *float64 `json:"weirdnessConstraint,omitempty"`
	AudioWeight         *float64 `json:"audioWeight,omitempty"`
	ReferenceAudioURL   string   `json:"referenceAudioUrl,omitempty"`
}

type lyricsBody struct {
	Prompt      string `json:"prompt"`
	CallBackURL string `json:"callBackUrl,omitempty"`
}

type stemBody struct {
	TaskID      string `json:"taskId"`
	AudioID     string `json:"audioId"`
	Type        string `json:"type"`
	CallBackURL string `json:"callBackUrl,omitempty"`
}

type conversionBody struct {
	TaskID      string `json:"taskId"`
	AudioID     string `json:"audioId"`
	CallBackURL string `json:"callBackUrl,omitempty"`
}

// Submit starts a task for req.Kind and returns the provider task id.
func (c *Client) Submit(ctx context.Context, req music.SubmitRequest) (*music.Submission, error) {
	call, err := c.submitRequest(req)
	if err != nil {
		return nil, err
	}
	res, err := c.gateway.Call(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("suno: submit %s: %w", req.Kind, err)
	}
	c.logger.Info().
		Str("job_id", req.JobID).
		Str("kind", string(req.Kind)).
		Str("task_id", res.IDs.TaskID).
		Msg("suno: task submitted")
	return &music.Submission{TaskID: res.IDs.TaskID, JobID: res.IDs.JobID, Endpoint: res.Endpoint}, nil
}

// Validate checks req the way Submit would, without calling Suno.
func (c *Client) Validate(req music.SubmitRequest) error {
	_, err := c.submitRequest(req)
	return err
}

func (c *Client) submitRequest(req music.SubmitRequest) (gateway.Request, error) {
	switch req.Kind {
	case domain.JobKindTrack:
		body := generateBody{
			Prompt:              strings.TrimSpace(req.Prompt),
			Tags:                strings.Join(music.NormalizeTags(req.Tags...), ", "),
			Title:               strings.TrimSpace(req.Title),
			Model:               strings.TrimSpace(req.Model),
			CallBackURL:         req.CallbackURL,
			NegativeTags:        strings.TrimSpace(req.NegativeTags),
			VocalGender:         strings.TrimSpace(req.VocalGender),
			StyleWeight:         req.StyleWeight,
			WeirdnessConstraint: req.WeirdnessConstraint,
			AudioWeight:         req.AudioWeight,
			ReferenceAudioURL:   strings.TrimSpace(req.ReferenceAudioURL),
		}
		if req.Instrumental != nil {
			body.Instrumental = *req.Instrumental
		}
		if req.CustomMode != nil {
			body.CustomMode = *req.CustomMode
		}
		// In custom mode the prompt field carries the lyrics.
		if lyrics := music.NormalizeText(req.Lyrics); lyrics != "" {
			body.Prompt = lyrics
			body.CustomMode = true
		}
		if body.Model == "" {
			body.Model = defaultModel
		}
		if body.Prompt == "" && !body.Instrumental {
			return gateway.Request{}, fmt.Errorf("%w: prompt or lyrics required", domain.ErrInvalidRequest)
		}
		return gateway.Request{Capability: "suno.generate", Endpoints: c.cfg.GenerateURLs, Body: body, RequireTaskID: true}, nil
	case domain.JobKindLyrics:
		prompt := strings.TrimSpace(req.Prompt)
		if prompt == "" {
			return gateway.Request{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidRequest)
		}
		return gateway.Request{
			Capability:    "suno.lyrics",
			Endpoints:     c.cfg.LyricsURLs,
			Body:          lyricsBody{Prompt: prompt, CallBackURL: req.CallbackURL},
			RequireTaskID: true,
		}, nil
	case domain.JobKindStems:
		if req.SourceTaskID == "" || req.SourceAudioID == "" {
			return gateway.Request{}, fmt.Errorf("%w: source task and audio id required", domain.ErrInvalidRequest)
		}
		mode := req.StemMode
		switch mode {
		case "":
			mode = StemModeSeparateVocal
		case StemModeSeparateVocal, StemModeSplitStem:
		default:
			return gateway.Request{}, fmt.Errorf("%w: unknown stem mode %q", domain.ErrInvalidRequest, mode)
		}
		return gateway.Request{
			Capability:    "suno.stems",
			Endpoints:     c.cfg.StemURLs,
			Body:          stemBody{TaskID: req.SourceTaskID, AudioID: req.SourceAudioID, Type: mode, CallBackURL: req.CallbackURL},
			RequireTaskID: true,
		}, nil
	case domain.JobKindFormatConversion:
		if req.SourceTaskID == "" || req.SourceAudioID == "" {
			return gateway.Request{}, fmt.Errorf("%w: source task and audio id required", domain.ErrInvalidRequest)
		}
		return gateway.Request{
			Capability:    "suno.convert",
			Endpoints:     c.cfg.ConversionURLs,
			Body:          conversionBody{TaskID: req.SourceTaskID, AudioID: req.SourceAudioID, CallBackURL: req.CallbackURL},
			RequireTaskID: true,
		}, nil
	}
	return gateway.Request{}, fmt.Errorf("%w: suno %s", domain.ErrUnsupportedKind, req.Kind)
}

// Query reads the current state of a task.
func (c *Client) Query(ctx context.Context, kind domain.JobKind, taskID string) (*music.RemoteStatus, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("%w: task id required", domain.ErrInvalidRequest)
	}
	var capability string
	var endpoints []string
	switch kind {
	case domain.JobKindTrack:
		capability, endpoints = "suno.query", c.cfg.QueryURLs
	case domain.JobKindLyrics:
		capability, endpoints = "suno.lyrics_query", c.cfg.LyricsQueryURLs
	case domain.JobKindStems:
		capability, endpoints = "suno.stems_query", c.cfg.StemQueryURLs
	case domain.JobKindFormatConversion:
		capability, endpoints = "suno.convert_query", c.cfg.ConversionQueryURLs
	default:
		return nil, fmt.Errorf("%w: suno %s", domain.ErrUnsupportedKind, kind)
	}
	res, err := c.gateway.Call(ctx, gateway.Request{
		Capability: capability,
		Method:     http.MethodGet,
		Endpoints:  endpoints,
		TaskID:     taskID,
	})
	if err != nil {
		return nil, fmt.Errorf("suno: query %s: %w", kind, err)
	}
	data := music.Obj(res.Body, "data")
	if data == nil {
		return nil, fmt.Errorf("suno: query %s: %w: response has no data", kind, domain.ErrProviderFailure)
	}
	status, err := parseStatus(kind, data)
	if err != nil {
		return nil, fmt.Errorf("suno: query %s: %w", kind, err)
	}
	if status.State == music.StateFailed && status.Message == "" {
		status.Message = res.Message
	}
	return status, nil
}

func parseStatus(kind domain.JobKind, data map[string]any) (*music.RemoteStatus, error) {
	switch kind {
	case domain.JobKindTrack:
		raw := music.Str(data, "status")
		if raw == "" {
			return nil, fmt.Errorf("%w: missing status", domain.ErrProviderFailure)
		}
		resp := music.Obj(data, "response")
		items := parseTracks(music.Arr(resp, "sunoData"))
		return &music.RemoteStatus{
			State:   trackState(raw),
			Raw:     raw,
			Message: music.Str(data, "errorMessage", "errorCode"),
			Items:   items,
		}, nil
	case domain.JobKindLyrics:
		raw := music.Str(data, "status")
		variants := parseLyrics(music.Arr(data, "data"))
		if raw == "" && len(variants) == 0 {
			return nil, fmt.Errorf("%w: missing status", domain.ErrProviderFailure)
		}
		return &music.RemoteStatus{
			State:   lyricsState(raw, variants),
			Raw:     raw,
			Message: music.Str(data, "errorMessage"),
			Items:   variants,
		}, nil
	case domain.JobKindStems:
		raw := music.Str(data, "successFlag", "status")
		if raw == "" {
			return nil, fmt.Errorf("%w: missing status", domain.ErrProviderFailure)
		}
		return &music.RemoteStatus{
			State:   trackState(raw),
			Raw:     raw,
			Message: music.Str(data, "errorMessage"),
			Stems:   stemAssets(music.Obj(data, "response")),
		}, nil
	case domain.JobKindFormatConversion:
		raw := music.Str(data, "successFlag", "status")
		if raw == "" {
			return nil, fmt.Errorf("%w: missing status", domain.ErrProviderFailure)
		}
		st := &music.RemoteStatus{State: trackState(raw), Raw: raw, Message: music.Str(data, "errorMessage")}
		if wav := music.Str(music.Obj(data, "response"), "audioWavUrl", "audio_wav_url"); wav != "" {
			st.Items = []music.Item{{ID: music.Str(data, "musicId", "audioId"), Status: raw, AudioURL: wav}}
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: suno %s", domain.ErrUnsupportedKind, kind)
}

var failedStatuses = map[string]struct{}{
	"CREATE_TASK_FAILED":     {},
	"GENERATE_AUDIO_FAILED":  {},
	"GENERATE_LYRICS_FAILED": {},
	"CALLBACK_EXCEPTION":     {},
	"SENSITIVE_WORD_ERROR":   {},
}

// trackState maps Suno task statuses. Anything unknown is still running:
// PENDING, TEXT_SUCCESS and FIRST_SUCCESS are intermediate stages.
func trackState(raw string) music.State {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "SUCCESS" {
		return music.StateSucceeded
	}
	if _, ok := failedStatuses[raw]; ok {
		return music.StateFailed
	}
	return music.StatePending
}

func lyricsState(raw string, variants []music.Item) music.State {
	if st := trackState(raw); st != music.StatePending {
		return st
	}
	for _, v := range variants {
		if strings.EqualFold(v.Status, "complete") && v.Content != "" {
			return music.StateSucceeded
		}
	}
	return music.StatePending
}

func parseTracks(raw []map[string]any) []music.Item {
	items := make([]music.Item, 0, len(raw))
	for _, t := range raw {
		item := music.Item{
			ID:             music.Str(t, "id", "audioId", "audio_id"),
			Title:          music.Str(t, "title"),
			Content:        music.NormalizeText(music.Str(t, "prompt", "lyric", "lyrics")),
			AudioURL:       music.Str(t, "audioUrl", "audio_url", "sourceAudioUrl"),
			StreamAudioURL: music.Str(t, "streamAudioUrl", "stream_audio_url", "sourceStreamAudioUrl"),
			CoverURL:       music.Str(t, "imageUrl", "image_url", "sourceImageUrl"),
			VideoURL:       music.Str(t, "videoUrl", "video_url"),
			Tags:           music.NormalizeTags(music.Str(t, "tags")),
			ModelName:      music.Str(t, "modelName", "model_name"),
			Status:         music.Str(t, "status"),
		}
		if d, ok := music.Num(t, "duration"); ok {
			item.DurationSeconds = d
		}
		items = append(items, item)
	}
	return items
}

func parseLyrics(raw []map[string]any) []music.Item {
	items := make([]music.Item, 0, len(raw))
	for _, v := range raw {
		items = append(items, music.Item{
			ID:           music.Str(v, "id"),
			Title:        music.Str(v, "title"),
			Content:      music.NormalizeText(music.Str(v, "text", "lyrics")),
			Status:       strings.ToLower(music.Str(v, "status")),
			ErrorMessage: music.Str(v, "errorMessage", "error_message"),
		})
	}
	return items
}

// stemAssets collects every string field named "<instrument>Url".
func stemAssets(resp map[string]any) map[string]string {
	if resp == nil {
		return nil
	}
	out := make(map[string]string)
	for k := range resp {
		name, ok := strings.CutSuffix(k, "Url")
		if !ok || name == "" {
			continue
		}
		if u := music.Str(resp, k); u != "" {
			out[name] = u
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
