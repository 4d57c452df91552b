package suno

import (
	"fmt"
	"strings"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
)

// Callback stages reported in data.callbackType.
const (
	StageText     = "text"
	StageFirst    = "first"
	StageComplete = "complete"
	StageError    = "error"
)

// ParseCallback decodes a webhook of the form
// {code, msg, data: {task_id, callbackType, data: [...]}}.
func (c *Client) ParseCallback(kind domain.JobKind, body []byte) (*music.Callback, error) {
	payload, err := music.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("suno: callback: %w", err)
	}
	data := music.Obj(payload, "data")
	if data == nil {
		return nil, fmt.Errorf("suno: callback: %w: missing data", domain.ErrInvalidRequest)
	}
	cb := &music.Callback{
		TaskID:  music.Str(data, "task_id", "taskId"),
		Stage:   strings.ToLower(music.Str(data, "callbackType", "callback_type")),
		Message: music.Str(payload, "msg", "message"),
	}
	if code, ok := music.Num(payload, "code"); ok {
		cb.Code = int(code)
	}
	if cb.Code >= 400 || cb.Stage == StageError {
		cb.Error = true
		return cb, nil
	}

	switch kind {
	case domain.JobKindTrack:
		items := parseTracks(music.Arr(data, "data"))
		state := music.StatePending
		if cb.Stage == StageComplete {
			state = music.StateSucceeded
		}
		cb.Status = &music.RemoteStatus{State: state, Raw: strings.ToUpper(cb.Stage), Items: items}
	case domain.JobKindLyrics:
		variants := parseLyrics(music.Arr(data, "data"))
		state := lyricsState("", variants)
		if cb.Stage == StageComplete && state == music.StatePending && len(variants) > 0 {
			state = music.StateSucceeded
		}
		cb.Status = &music.RemoteStatus{State: state, Raw: strings.ToUpper(cb.Stage), Items: variants}
	case domain.JobKindStems:
		info := music.Obj(data, "vocal_removal_info")
		if info == nil {
			info = music.Obj(data, "response")
		}
		cb.Status = &music.RemoteStatus{State: music.StateSucceeded, Raw: "SUCCESS", Stems: snakeStemAssets(info)}
		if cb.Stage == "" {
			cb.Stage = StageComplete
		}
	case domain.JobKindFormatConversion:
		wav := music.Str(data, "audio_wav_url", "audioWavUrl")
		if wav == "" {
			wav = music.Str(music.Obj(data, "response"), "audioWavUrl", "audio_wav_url")
		}
		st := &music.RemoteStatus{State: music.StatePending, Raw: "PENDING"}
		if wav != "" {
			st.State, st.Raw = music.StateSucceeded, "SUCCESS"
			st.Items = []music.Item{{AudioURL: wav, Status: "SUCCESS"}}
		}
		cb.Status = st
		if cb.Stage == "" {
			cb.Stage = StageComplete
		}
	default:
		return nil, fmt.Errorf("%w: suno %s", domain.ErrUnsupportedKind, kind)
	}
	if cb.Status != nil && cb.Status.State == music.StateSucceeded && cb.Stage == "" {
		cb.Stage = StageComplete
	}
	return cb, nil
}

// snakeStemAssets accepts both "vocal_url" and "vocalUrl" keys.
func snakeStemAssets(info map[string]any) map[string]string {
	if info == nil {
		return nil
	}
	out := make(map[string]string)
	for k := range info {
		name, ok := strings.CutSuffix(k, "_url")
		if !ok {
			name, ok = strings.CutSuffix(k, "Url")
		}
		if !ok || name == "" {
			continue
		}
		if u := music.Str(info, k); u != "" {
			out[name] = u
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
