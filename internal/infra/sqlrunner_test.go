package infra

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type recordingExecutor struct {
	queries []string
}

func (r *recordingExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	r.queries = append(r.queries, query)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (r *recordingExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	r.queries = append(r.queries, query)
	return errorRow{err: pgx.ErrNoRows}
}

func (r *recordingExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	r.queries = append(r.queries, query)
	return nil, errors.New("not implemented")
}

func TestSQLRunnerStripsMarker(t *testing.T) {
	db := &recordingExecutor{}
	runner := NewSQLRunner(db, zerolog.New(io.Discard))

	query := "--sql 3f0c2f4e-2d7b-4f59-9d0b-4c7f3b8a2e11\nupdate generation_jobs set status = $1;"
	tag, err := runner.Exec(context.Background(), query, "failed")
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	if tag.RowsAffected() != 1 {
		t.Fatalf("RowsAffected = %d, want 1", tag.RowsAffected())
	}
	if len(db.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(db.queries))
	}
	if strings.Contains(db.queries[0], "--sql") {
		t.Fatalf("marker leaked into query: %q", db.queries[0])
	}
}

func TestSQLRunnerRejectsQueriesWithoutMarker(t *testing.T) {
	db := &recordingExecutor{}
	runner := NewSQLRunner(db, zerolog.New(io.Discard))

	if _, err := runner.Exec(context.Background(), "update generation_jobs set status = $1;"); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("Exec err = %v, want ErrMissingMarker", err)
	}
	var id string
	if err := runner.QueryRow(context.Background(), "select 1").Scan(&id); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("QueryRow err = %v, want ErrMissingMarker", err)
	}
	if len(db.queries) != 0 {
		t.Fatalf("unmarked query reached the database: %v", db.queries)
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(pgx.ErrNoRows) {
		t.Fatalf("IsNoRows(pgx.ErrNoRows) = false")
	}
	if IsNoRows(errors.New("boom")) {
		t.Fatalf("IsNoRows(boom) = true")
	}
}
