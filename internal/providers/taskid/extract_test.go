package taskid

import "testing"

func TestFromJSONPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		task    string
		job     string
	}{
		{"direct taskId", `{"taskId":"t-1","id":"other"}`, "t-1", ""},
		{"direct task_id", `{"task_id":"t-2"}`, "t-2", ""},
		{"top level id wins over nested taskId", `{"id":"top","data":{"inner":{"taskId":"deep"}}}`, "top", ""},
		{"job id beside task id", `{"taskId":"t-3","jobId":"j-3"}`, "t-3", "j-3"},
		{"nested data object", `{"code":200,"data":{"taskId":"t-4"}}`, "t-4", ""},
		{"nested data keeps outer job id", `{"job_id":"j-5","data":{"task_id":"t-5"}}`, "t-5", "j-5"},
		{"data as string", `{"code":200,"data":"t-6"}`, "t-6", ""},
		{"data as array", `{"data":[{"id":"t-7"},{"id":"t-x"}]}`, "t-7", ""},
		{"result envelope", `{"result":{"taskId":"t-8"}}`, "t-8", ""},
		{"response envelope", `{"response":{"data":{"id":"t-9"}}}`, "t-9", ""},
		{"numeric id", `{"id":12000000}`, "12000000", ""},
		{"numeric float id", `{"taskId":1.5}`, "1.5", ""},
		{"deep scan three levels", `{"a":{"b":{"c":{"taskId":"deep"}}}}`, "deep", ""},
		{"deep scan case insensitive", `{"payload":{"meta":{"Task-ID":"dash"}}}`, "dash", ""},
		{"deep scan task key", `{"items":[{"meta":{"task":"tk"}}]}`, "tk", ""},
		{"deep scan job id", `{"x":{"TaskID":"a","x":{"JOB_ID":"b"}}}`, "a", "b"},
		{"blank strings ignored", `{"taskId":"  ","data":{"id":"t-10"}}`, "t-10", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FromJSON([]byte(tc.payload))
			if got.TaskID != tc.task {
				t.Fatalf("TaskID = %q, want %q", got.TaskID, tc.task)
			}
			if got.JobID != tc.job {
				t.Fatalf("JobID = %q, want %q", got.JobID, tc.job)
			}
		})
	}
}

func TestFromJSONNothingFound(t *testing.T) {
	for _, payload := range []string{`{"code":200,"msg":"ok"}`, `[]`, `not json`, `{"data":[]}`, `{"job_id":"j-only"}`} {
		if got := FromJSON([]byte(payload)); got.Found() {
			t.Fatalf("FromJSON(%s) = %+v, want nothing", payload, got)
		}
	}
}

func TestExtractIsCycleSafe(t *testing.T) {
	a := map[string]any{"name": "a"}
	b := map[string]any{"name": "b", "parent": a}
	a["child"] = b
	list := []any{a, b}
	a["siblings"] = list

	if got := Extract(a); got.Found() {
		t.Fatalf("Extract = %+v, want nothing", got)
	}

	b["taskId"] = "found"
	// b is reached through a, so the direct strategies miss it and the scan finds it.
	if got := Extract(map[string]any{"wrapper": a}); got.TaskID != "found" {
		t.Fatalf("TaskID = %q, want found", got.TaskID)
	}
}

func TestShallowRecursionIsBounded(t *testing.T) {
	var v any = map[string]any{"taskId": "bottom"}
	for i := 0; i < 10; i++ {
		v = map[string]any{"data": v}
	}
	if got := Extract(v); got.TaskID != "bottom" {
		t.Fatalf("TaskID = %q, want bottom", got.TaskID)
	}
}
