// Package taskid locates provider task and job identifiers in response
// payloads whose shape differs between providers and API versions.
package taskid

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// IDs is the extraction result. TaskID empty means nothing was found.
type IDs struct {
	TaskID string
	JobID  string
}

// Found reports whether a task identifier was located.
func (i IDs) Found() bool { return i.TaskID != "" }

// maxShallowDepth bounds the data/result/response recursion; anything deeper
// is left to the deep scan.
const maxShallowDepth = 4

type strategy func(v any, depth int) (IDs, bool)

// chain is evaluated in order and stops at the first match.
var chain []strategy

func init() {
	chain = []strategy{
		directKeys,
		nestedData,
		dataString,
		dataArray,
		nestedResultOrResponse,
	}
}

// FromJSON decodes raw and runs Extract. Invalid JSON yields no ids.
func FromJSON(raw []byte) IDs {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return IDs{}
	}
	return Extract(v)
}

// Extract looks for a task id in a decoded payload: direct keys first, then
// the data, result and response envelopes, and finally a breadth-first scan
// of the whole document.
func Extract(v any) IDs {
	if ids, ok := shallow(v, 0); ok {
		return ids
	}
	return deepScan(v)
}

func shallow(v any, depth int) (IDs, bool) {
	if depth > maxShallowDepth {
		return IDs{}, false
	}
	for _, s := range chain {
		if ids, ok := s(v, depth); ok {
			return ids, true
		}
	}
	return IDs{}, false
}

var (
	directTaskKeys = []string{"taskId", "task_id", "id"}
	directJobKeys  = []string{"jobId", "job_id"}
)

func directKeys(v any, _ int) (IDs, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return IDs{}, false
	}
	for _, key := range directTaskKeys {
		if id, ok := scalarString(obj[key]); ok {
			return IDs{TaskID: id, JobID: firstKey(obj, directJobKeys)}, true
		}
	}
	return IDs{}, false
}

func nestedData(v any, depth int) (IDs, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return IDs{}, false
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return IDs{}, false
	}
	ids, ok := shallow(data, depth+1)
	if ok && ids.JobID == "" {
		ids.JobID = firstKey(obj, directJobKeys)
	}
	return ids, ok
}

func dataString(v any, _ int) (IDs, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return IDs{}, false
	}
	s, ok := obj["data"].(string)
	if !ok {
		return IDs{}, false
	}
	if s = strings.TrimSpace(s); s == "" {
		return IDs{}, false
	}
	return IDs{TaskID: s, JobID: firstKey(obj, directJobKeys)}, true
}

func dataArray(v any, _ int) (IDs, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return IDs{}, false
	}
	arr, ok := obj["data"].([]any)
	if !ok || len(arr) == 0 {
		return IDs{}, false
	}
	return directKeys(arr[0], 0)
}

func nestedResultOrResponse(v any, depth int) (IDs, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return IDs{}, false
	}
	for _, key := range []string{"result", "response"} {
		inner, ok := obj[key].(map[string]any)
		if !ok {
			continue
		}
		if ids, ok := shallow(inner, depth+1); ok {
			return ids, true
		}
	}
	return IDs{}, false
}

var (
	deepTaskKeys = map[string]struct{}{"taskid": {}, "task_id": {}, "task-id": {}, "task": {}}
	deepJobKeys  = map[string]struct{}{"jobid": {}, "job_id": {}, "job-id": {}}
)

// deepScan walks the payload breadth first. Keys are visited in sorted order
// so the first match is deterministic, and every map or slice is visited at
// most once.
func deepScan(root any) IDs {
	var ids IDs
	queue := []any{root}
	seen := make(map[uintptr]struct{})
	for len(queue) > 0 && (ids.TaskID == "" || ids.JobID == "") {
		node := queue[0]
		queue = queue[1:]
		if !markVisited(seen, node) {
			continue
		}
		switch n := node.(type) {
		case map[string]any:
			keys := make([]string, 0, len(n))
			for k := range n {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				val := n[k]
				lower := strings.ToLower(k)
				if _, ok := deepTaskKeys[lower]; ok && ids.TaskID == "" {
					if id, ok := scalarString(val); ok {
						ids.TaskID = id
					}
				}
				if _, ok := deepJobKeys[lower]; ok && ids.JobID == "" {
					if id, ok := scalarString(val); ok {
						ids.JobID = id
					}
				}
				switch val.(type) {
				case map[string]any, []any:
					queue = append(queue, val)
				}
			}
		case []any:
			for _, item := range n {
				switch item.(type) {
				case map[string]any, []any:
					queue = append(queue, item)
				}
			}
		}
	}
	if ids.TaskID == "" {
		return IDs{}
	}
	return ids
}

func markVisited(seen map[uintptr]struct{}, node any) bool {
	rv := reflect.ValueOf(node)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.Len() == 0 {
			return false
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return false
		}
		seen[ptr] = struct{}{}
		return true
	}
	return false
}

func firstKey(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if id, ok := scalarString(obj[k]); ok {
			return id
		}
	}
	return ""
}

// scalarString converts string and numeric identifiers. Numbers are written
// without exponent so 1.2e7 becomes "12000000".
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		if f, err := t.Float64(); err == nil {
			return formatFloat(f)
		}
		return t.String(), t.String() != ""
	case float64:
		return formatFloat(t)
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func formatFloat(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}
