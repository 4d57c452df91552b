package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLintFlagsMissingAndDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package q\n\nconst QOne = `--sql 1b4e28ba-2fa1-41d2-883f-0016d3cca427\nselect 1;\n`\n\nconst QBare = `select 2;`\n")
	writeGo(t, dir, "b.go", "package q\n\nconst QTwo = `--sql 1b4e28ba-2fa1-41d2-883f-0016d3cca427\nupdate t set x = 1;\n`\n\nconst Label = \"not sql\"\n")
	writeGo(t, dir, "b_test.go", "package q\n\nconst QTest = `select 3;`\n")

	violations, err := lint([]string{dir})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("violations = %+v, want 2", violations)
	}
	byName := map[string]string{}
	for _, v := range violations {
		byName[v.name] = v.message
	}
	if !strings.Contains(byName["QBare"], "missing") {
		t.Fatalf("QBare = %q", byName["QBare"])
	}
	if !strings.Contains(byName["QTwo"], "QOne") {
		t.Fatalf("QTwo = %q, want duplicate of QOne", byName["QTwo"])
	}
}

func TestLintRejectsMalformedMarker(t *testing.T) {
	dir := t.TempDir()
	path := writeGo(t, dir, "q.go", "package q\n\nvar QBad = \"--sql not-a-uuid\\nselect 1\"\n")

	violations, err := lint([]string{path})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(violations) != 1 || violations[0].line != 3 {
		t.Fatalf("violations = %+v", violations)
	}
}

func TestRunExitCodes(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "ok.go", "package q\n\nconst QOk = `--sql 6f1c1a9e-6a57-4d7e-9a53-2b7c5e1d9f00\nselect 1;\n`\n")

	var out bytes.Buffer
	if code := run([]string{dir}, &out); code != 0 {
		t.Fatalf("run = %d, output %q", code, out.String())
	}
	if code := run([]string{filepath.Join(dir, "missing")}, &out); code != 1 {
		t.Fatalf("run on missing path = %d, want 1", code)
	}
}

func TestRepositoryQueriesAreMarked(t *testing.T) {
	violations, err := lint([]string{filepath.Join("..", "..", "sqlinline")})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	for _, v := range violations {
		t.Errorf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
	}
}
