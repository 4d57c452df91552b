// Package mureka adapts the Mureka song API to music.Provider.
package mureka

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
	pathGenerate   = "/v1/song/generate"
	pathQuery      = "/v1/song/query/{taskId}"
	pathStem       = "/v1/song/stem"
	pathStemQuery  = "/v1/song/stem/{taskId}"
	maxVariants    = 3
	msPerSecond    = 1000.0
	defaultBaseURL = "https://api.mureka.ai"
)

type Options struct {
	Config     infra.MurekaConfig
	HTTPClient *http.Client
	Retry      resilience.RetryPolicy
	Breakers   *resilience.Registry
	Logger     *infra.Logger
}

// Client implements music.Provider for Mureka. Lyrics generation and format
// conversion are not offered by this provider.
type Client struct {
	bases   []string
	gateway *gateway.Client
	logger  *infra.Logger
}

var (
	_ music.Provider  = (*Client)(nil)
	_ music.Validator = (*Client)(nil)
)

func NewClient(opts Options) *Client {
	key := strings.TrimSpace(opts.Config.APIKey)
	bases := make([]string, 0, len(opts.Config.BaseURLs))
	for _, b := range opts.Config.BaseURLs {
		if b = strings.TrimRight(strings.TrimSpace(b), "/"); b != "" {
			bases = append(bases, b)
		}
	}
	if len(bases) == 0 {
		bases = []string{defaultBaseURL}
	}
	logger := infra.OrDiscard(opts.Logger)
	return &Client{
		bases:  bases,
		logger: logger,
		gateway: gateway.NewClient(gateway.Options{
			HTTPClient: opts.HTTPClient,
			Retry:      opts.Retry,
			Breakers:   opts.Breakers,
			Logger:     logger,
			Authorize: func(r *http.Request) {
				if key != "" {
					r.Header.Set("Authorization", "Bearer "+key)
				}
			},
		}),
	}
}

func (c *Client) Name() domain.Provider { return domain.ProviderMureka }

func (c *Client) Supports(kind domain.JobKind) bool {
	return kind == domain.JobKindTrack || kind == domain.JobKindStems
}

func (c *Client) endpoints(path string) []string {
	out := make([]string, len(c.bases))
	for i, b := range c.bases {
		out[i] = b + path
	}
	return out
}

type generateBody struct {
	Lyrics      string `json:"lyrics"`
	Prompt      string `json:"prompt,omitempty"`
	Model       string `json:"model,omitempty"`
	N           int    `json:"n,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	VocalID     string `json:"vocal_id,omitempty"`
	MelodyID    string `json:"melody_id,omitempty"`
}

type stemBody struct {
	AudioFile string `json:"audio_file"`
}

// Validate checks req the way Submit would, without calling Mureka.
func (c *Client) Validate(req music.SubmitRequest) error {
	_, err := c.submitRequest(req)
	return err
}

func (c *Client) Submit(ctx context.Context, req music.SubmitRequest) (*music.Submission, error) {
	call, err := c.submitRequest(req)
	if err != nil {
		return nil, err
	}
	res, err := c.gateway.Call(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("mureka: submit %s: %w", req.Kind, err)
	}
	c.logger.Info().
		Str("job_id", req.JobID).
		Str("kind", string(req.Kind)).
		Str("task_id", res.IDs.TaskID).
		Msg("mureka: task submitted")
	return &music.Submission{TaskID: res.IDs.TaskID, JobID: res.IDs.JobID, Endpoint: res.Endpoint}, nil
}

func (c *Client) submitRequest(req music.SubmitRequest) (gateway.Request, error) {
	var call gateway.Request
	switch req.Kind {
	case domain.JobKindTrack:
		lyrics := music.NormalizeText(req.Lyrics)
		if lyrics == "" {
			return gateway.Request{}, fmt.Errorf("%w: mureka requires lyrics", domain.ErrInvalidRequest)
		}
		var parts []string
		if p := strings.TrimSpace(req.Prompt); p != "" {
			parts = append(parts, p)
		}
		prompt := strings.Join(append(parts, music.NormalizeTags(req.Tags...)...), ", ")
		n := req.Variants
		if n > maxVariants {
			n = maxVariants
		}
		call = gateway.Request{
			Capability: "mureka.generate",
			Endpoints:  c.endpoints(pathGenerate),
			Body: generateBody{
				Lyrics:      lyrics,
				Prompt:      prompt,
				Model:       strings.TrimSpace(req.Model),
				N:           n,
				ReferenceID: strings.TrimSpace(req.ReferenceID),
				VocalID:     strings.TrimSpace(req.VocalID),
				MelodyID:    strings.TrimSpace(req.MelodyID),
			},
			RequireTaskID: true,
		}
	case domain.JobKindStems:
		source := strings.TrimSpace(req.SourceAudioURL)
		if source == "" {
			return gateway.Request{}, fmt.Errorf("%w: mureka stems require a source audio url", domain.ErrInvalidRequest)
		}
		call = gateway.Request{
			Capability:    "mureka.stems",
			Endpoints:     c.endpoints(pathStem),
			Body:          stemBody{AudioFile: source},
			RequireTaskID: true,
		}
	default:
		return gateway.Request{}, fmt.Errorf("%w: mureka %s", domain.ErrUnsupportedKind, req.Kind)
	}
	return call, nil
}

func (c *Client) Query(ctx context.Context, kind domain.JobKind, taskID string) (*music.RemoteStatus, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("%w: task id required", domain.ErrInvalidRequest)
	}
	var call gateway.Request
	switch kind {
	case domain.JobKindTrack:
		call = gateway.Request{Capability: "mureka.query", Method: http.MethodGet, Endpoints: c.endpoints(pathQuery), TaskID: taskID}
	case domain.JobKindStems:
		call = gateway.Request{Capability: "mureka.stems_query", Method: http.MethodGet, Endpoints: c.endpoints(pathStemQuery), TaskID: taskID}
	default:
		return nil, fmt.Errorf("%w: mureka %s", domain.ErrUnsupportedKind, kind)
	}
	res, err := c.gateway.Call(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("mureka: query %s: %w", kind, err)
	}
	st, err := parseStatus(kind, res.Body)
	if err != nil {
		return nil, fmt.Errorf("mureka: query %s: %w", kind, err)
	}
	return st, nil
}

// ParseCallback accepts a webhook carrying the same object the query
// endpoint returns, optionally wrapped in "data".
func (c *Client) ParseCallback(kind domain.JobKind, body []byte) (*music.Callback, error) {
	if !c.Supports(kind) {
		return nil, fmt.Errorf("%w: mureka %s", domain.ErrUnsupportedKind, kind)
	}
	payload, err := music.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("mureka: callback: %w", err)
	}
	st, err := parseStatus(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("mureka: callback: %w", err)
	}
	root := unwrap(payload)
	return &music.Callback{
		TaskID:  music.Str(root, "task_id", "taskId", "id"),
		Stage:   strings.ToLower(st.Raw),
		Message: st.Message,
		Status:  st,
	}, nil
}

// unwrap returns body.data when the task object is nested there.
func unwrap(body map[string]any) map[string]any {
	if inner := music.Obj(body, "data"); inner != nil && music.Str(inner, "status") != "" {
		return inner
	}
	return body
}

func parseStatus(kind domain.JobKind, body map[string]any) (*music.RemoteStatus, error) {
	root := unwrap(body)
	raw := music.Str(root, "status")
	if raw == "" {
		return nil, fmt.Errorf("%w: missing status", domain.ErrProviderFailure)
	}
	st := &music.RemoteStatus{
		State:   mapState(raw),
		Raw:     raw,
		Message: music.Str(root, "failed_reason", "error_message", "error", "message"),
	}
	if kind == domain.JobKindStems {
		st.Stems = stemAssets(root)
		return st, nil
	}
	st.Items = parseItems(root)
	return st, nil
}

func mapState(raw string) music.State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "completed", "success":
		return music.StateSucceeded
	case "failed", "timeouted", "cancelled", "canceled", "error":
		return music.StateFailed
	}
	return music.StatePending
}

func parseItems(root map[string]any) []music.Item {
	var raw []map[string]any
	for _, key := range []string{"choices", "clips", "data"} {
		if raw = music.Arr(root, key); len(raw) > 0 {
			break
		}
	}
	items := make([]music.Item, 0, len(raw))
	for _, c := range raw {
		item := music.Item{
			ID:        music.Str(c, "id", "index"),
			Status:    music.Str(c, "status"),
			Title:     music.Str(c, "title", "name"),
			Content:   music.NormalizeText(music.Str(c, "lyrics")),
			AudioURL:  music.Str(c, "url", "audio_url", "mp3_url", "flac_url"),
			CoverURL:  music.Str(c, "image_url", "cover_url"),
			VideoURL:  music.Str(c, "video_url"),
			Tags:      music.NormalizeTags(music.Str(c, "tags")),
			ModelName: music.Str(c, "model"),
		}
		if item.ModelName == "" {
			item.ModelName = music.Str(root, "model")
		}
		if ms, ok := music.Num(c, "duration"); ok {
			item.DurationSeconds = ms / msPerSecond
		}
		items = append(items, item)
	}
	return items
}

var knownStems = []string{"vocals", "instrumental", "drums", "bass", "piano", "guitar", "other", "backing_vocals", "lead_vocals", "zip"}

// stemAssets reads stems keyed by type ("vocals" or "vocals_url") or as an
// array of {type, url} entries, from response.stems, data or the root.
func stemAssets(root map[string]any) map[string]string {
	out := make(map[string]string)
	source := root
	if resp := music.Obj(root, "response"); resp != nil {
		source = resp
	}
	if list := music.Arr(source, "stems"); len(list) > 0 {
		collectStemList(list, out)
	} else if obj := music.Obj(source, "stems"); obj != nil {
		collectStemMap(obj, out)
	} else if list := music.Arr(source, "data"); len(list) > 0 {
		collectStemList(list, out)
	} else {
		collectStemMap(source, out)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func collectStemList(list []map[string]any, out map[string]string) {
	for _, entry := range list {
		name := strings.ToLower(music.Str(entry, "type", "stem_type", "name"))
		url := music.Str(entry, "url", "audio_url", "file_url")
		if name != "" && url != "" {
			out[name] = url
		}
	}
}

func collectStemMap(obj map[string]any, out map[string]string) {
	for _, name := range knownStems {
		if url := music.Str(obj, name, name+"_url"); url != "" {
			out[name] = url
		}
	}
}
