// Package sqlitestore is the single-node domain.Store backed by the pure Go
// modernc SQLite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL DEFAULT '',
  provider TEXT NOT NULL,
  kind TEXT NOT NULL,
  status TEXT NOT NULL,
  provider_task_id TEXT NOT NULL DEFAULT '',
  provider_job_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  prompt TEXT NOT NULL DEFAULT '',
  params_json TEXT,
  result_json TEXT,
  error_message TEXT,
  callback_evidence INTEGER NOT NULL DEFAULT 0,
  callback_error INTEGER NOT NULL DEFAULT 0,
  metadata_json TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  last_synced_at INTEGER
);
CREATE INDEX IF NOT EXISTS generation_jobs_status_created ON generation_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS generation_jobs_task ON generation_jobs (provider_task_id);
CREATE TABLE IF NOT EXISTS job_variants (
  job_id TEXT NOT NULL REFERENCES generation_jobs(id),
  variant_index INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  audio_url TEXT NOT NULL DEFAULT '',
  stream_audio_url TEXT NOT NULL DEFAULT '',
  cover_url TEXT NOT NULL DEFAULT '',
  video_url TEXT NOT NULL DEFAULT '',
  duration_seconds REAL NOT NULL DEFAULT 0,
  tags_json TEXT NOT NULL DEFAULT '[]',
  provider_item_id TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (job_id, variant_index)
);
`

const jobColumns = `id, user_id, provider, kind, status, provider_task_id, provider_job_id, title, prompt,
  params_json, result_json, error_message, callback_evidence, callback_error, metadata_json,
  created_at, updated_at, last_synced_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// One connection keeps a ":memory:" database alive and shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, job *domain.GenerationJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("sqlitestore: create: %w: job id required", domain.ErrInvalidRequest)
	}
	j := job.Clone()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	row, err := encodeJob(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO generation_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, row...)
	if err != nil {
		return fmt.Errorf("sqlitestore: create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.GenerationJob, error) {
	return getJob(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryer, id string) (*domain.GenerationJob, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlitestore: job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlitestore: get: %w", err)
	}
	return job, nil
}

// Upsert reads, patches and writes the job inside one transaction so the
// terminal check and the write cannot interleave with another writer.
func (s *Store) Upsert(ctx context.Context, id string, patch domain.JobPatch) (*domain.GenerationJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(job, s.now()); err != nil {
		return nil, err
	}
	row, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	// row[0] is the id; move it to the WHERE clause.
	args := append(row[1:], id)
	_, err = tx.ExecContext(ctx, `UPDATE generation_jobs SET
  user_id = ?, provider = ?, kind = ?, status = ?, provider_task_id = ?, provider_job_id = ?,
  title = ?, prompt = ?, params_json = ?, result_json = ?, error_message = ?,
  callback_evidence = ?, callback_error = ?, metadata_json = ?, created_at = ?, updated_at = ?,
  last_synced_at = ?
WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return job, nil
}

func (s *Store) Query(ctx context.Context, filter domain.JobFilter) ([]domain.GenerationJob, error) {
	var where []string
	var args []any
	if len(filter.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, string(filter.Provider))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.CreatedBefore.UnixMilli())
	}
	if filter.CallbackError != nil {
		where = append(where, "callback_error = ?")
		args = append(args, boolInt(*filter.CallbackError))
	}
	if filter.ProviderTaskID != "" {
		where = append(where, "provider_task_id = ?")
		args = append(args, filter.ProviderTaskID)
	}
	query := `SELECT ` + jobColumns + ` FROM generation_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()
	var out []domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *Store) UpsertVariant(ctx context.Context, v domain.Variant) error {
	tags, err := json.Marshal(nonNilTags(v.Tags))
	if err != nil {
		return fmt.Errorf("sqlitestore: encode tags: %w", err)
	}
	meta, err := marshalMap(v.Metadata)
	if err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM generation_jobs WHERE id = ?`, v.JobID).Scan(&exists); err != nil {
		return fmt.Errorf("sqlitestore: variant job lookup: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("sqlitestore: variant for job %s: %w", v.JobID, domain.ErrNotFound)
	}
	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `INSERT INTO job_variants (job_id, variant_index, status, title, content, audio_url,
  stream_audio_url, cover_url, video_url, duration_seconds, tags_json, provider_item_id, error_message, metadata_json,
  created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (job_id, variant_index) DO UPDATE SET
  status = excluded.status, title = excluded.title, content = excluded.content, audio_url = excluded.audio_url,
  stream_audio_url = excluded.stream_audio_url, cover_url = excluded.cover_url, video_url = excluded.video_url,
  duration_seconds = excluded.duration_seconds, tags_json = excluded.tags_json,
  provider_item_id = excluded.provider_item_id, error_message = excluded.error_message,
  metadata_json = excluded.metadata_json, updated_at = excluded.updated_at`,
		v.JobID, v.Index, v.Status, v.Title, v.Content, v.AudioURL, v.StreamAudioURL, v.CoverURL, v.VideoURL,
		v.DurationSeconds, string(tags), v.ProviderItemID, v.ErrorMessage, meta, now, now,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert variant: %w", err)
	}
	return nil
}

func (s *Store) ListVariants(ctx context.Context, jobID string) ([]domain.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, variant_index, status, title, content, audio_url, stream_audio_url,
  cover_url, video_url, duration_seconds, tags_json, provider_item_id, error_message, metadata_json, created_at, updated_at
FROM job_variants WHERE job_id = ? ORDER BY variant_index ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list variants: %w", err)
	}
	defer rows.Close()
	var out []domain.Variant
	for rows.Next() {
		var (
			v                    domain.Variant
			tags, meta           string
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&v.JobID, &v.Index, &v.Status, &v.Title, &v.Content, &v.AudioURL, &v.StreamAudioURL,
			&v.CoverURL, &v.VideoURL, &v.DurationSeconds, &tags, &v.ProviderItemID, &v.ErrorMessage, &meta,
			&createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan variant: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode tags: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &v.Metadata); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode variant metadata: %w", err)
		}
		v.CreatedAt = time.UnixMilli(createdMs).UTC()
		v.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.GenerationJob, error) {
	var (
		j                      domain.GenerationJob
		provider, kind, status string
		params, result, errMsg sql.NullString
		evidence, cbErr        int
		meta                   string
		createdMs, updatedMs   int64
		lastSynced             sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.UserID, &provider, &kind, &status, &j.ProviderTaskID, &j.ProviderJobID, &j.Title,
		&j.Prompt, &params, &result, &errMsg, &evidence, &cbErr, &meta, &createdMs, &updatedMs, &lastSynced); err != nil {
		return nil, err
	}
	j.Provider = domain.Provider(provider)
	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobStatus(status)
	if params.Valid {
		j.Params = []byte(params.String)
	}
	if result.Valid && result.String != "" {
		var r domain.JobResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &r
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	j.CallbackEvidence = evidence != 0
	j.CallbackError = cbErr != 0
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	j.CreatedAt = time.UnixMilli(createdMs).UTC()
	j.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if lastSynced.Valid {
		t := time.UnixMilli(lastSynced.Int64).UTC()
		j.LastSyncedAt = &t
	}
	return &j, nil
}

// encodeJob returns the column values in jobColumns order.
func encodeJob(j *domain.GenerationJob) ([]any, error) {
	var params, result, errMsg, lastSynced any
	if len(j.Params) > 0 {
		params = string(j.Params)
	}
	if j.Result != nil {
		raw, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: encode result: %w", err)
		}
		result = string(raw)
	}
	if j.ErrorMessage != "" {
		errMsg = j.ErrorMessage
	}
	if j.LastSyncedAt != nil {
		lastSynced = j.LastSyncedAt.UnixMilli()
	}
	meta, err := marshalMap(j.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		j.ID, j.UserID, string(j.Provider), string(j.Kind), string(j.Status), j.ProviderTaskID, j.ProviderJobID,
		j.Title, j.Prompt, params, result, errMsg, boolInt(j.CallbackEvidence), boolInt(j.CallbackError), meta,
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(), lastSynced,
	}, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: encode metadata: %w", err)
	}
	return string(raw), nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
