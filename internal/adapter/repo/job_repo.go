package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/sqlinline"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// JobStorePG implements domain.Store on PostgreSQL. Every query goes
// through infra.SQLRunner and therefore carries an audit marker.
type JobStorePG struct {
	sql    infra.SQLExecutor
	begin  TxBeginner
	logger zerolog.Logger
	now    func() time.Time
}

var _ domain.Store = (*JobStorePG)(nil)

// NewJobStore creates a job store backed by the pool.
func NewJobStore(pool *pgxpool.Pool, logger zerolog.Logger) *JobStorePG {
	return newJobStore(pool, pool, logger)
}

func newJobStore(db infra.SQLExecutor, begin TxBeginner, logger zerolog.Logger) *JobStorePG {
	return &JobStorePG{
		sql:    infra.NewSQLRunner(db, logger),
		begin:  begin,
		logger: logger,
		now:    time.Now,
	}
}

// Migrate creates the tables when they do not exist yet.
func (r *JobStorePG) Migrate(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QCreateJobSchema); err != nil {
		return fmt.Errorf("repo: migrate: %w", err)
	}
	return nil
}

// Create inserts a new job record.
func (r *JobStorePG) Create(ctx context.Context, job *domain.GenerationJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("repo: create: %w: job id required", domain.ErrInvalidRequest)
	}
	j := job.Clone()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.now()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	result, err := encodeResult(j.Result)
	if err != nil {
		return err
	}
	meta, err := encodeMetadata(j.Metadata)
	if err != nil {
		return err
	}
	_, err = r.sql.Exec(ctx, sqlinline.QInsertJob,
		j.ID,
		j.UserID,
		string(j.Provider),
		string(j.Kind),
		string(j.Status),
		j.ProviderTaskID,
		j.ProviderJobID,
		j.Title,
		j.Prompt,
		nullableBytes(j.Params),
		result,
		nullableString(j.ErrorMessage),
		j.CallbackEvidence,
		j.CallbackError,
		meta,
		j.CreatedAt,
		j.UpdatedAt,
		j.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("repo: create job: %w", err)
	}
	return nil
}

// Get fetches a job by its identifier.
func (r *JobStorePG) Get(ctx context.Context, id string) (*domain.GenerationJob, error) {
	return r.get(ctx, r.sql, sqlinline.QSelectJob, id)
}

func (r *JobStorePG) get(ctx context.Context, db infra.SQLExecutor, query, id string) (*domain.GenerationJob, error) {
	job, err := scanJob(db.QueryRow(ctx, query, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("repo: job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("repo: get job: %w", err)
	}
	return job, nil
}

// Upsert locks the row, applies the patch in process and writes it back in
// the same transaction.
func (r *JobStorePG) Upsert(ctx context.Context, id string, patch domain.JobPatch) (*domain.GenerationJob, error) {
	tx, err := r.begin.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	runner := infra.NewSQLRunner(tx, r.logger)

	job, err := r.get(ctx, runner, sqlinline.QSelectJobForUpdate, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(job, r.now()); err != nil {
		return nil, err
	}
	result, err := encodeResult(job.Result)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(job.Metadata)
	if err != nil {
		return nil, err
	}
	tag, err := runner.Exec(ctx, sqlinline.QUpdateJob,
		job.ID,
		string(job.Status),
		job.ProviderTaskID,
		job.ProviderJobID,
		job.Title,
		result,
		nullableString(job.ErrorMessage),
		job.CallbackEvidence,
		job.CallbackError,
		meta,
		job.UpdatedAt,
		job.LastSyncedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("repo: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTerminalJob, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("repo: commit: %w", err)
	}
	return job, nil
}

// Query lists jobs matching filter, oldest first.
func (r *JobStorePG) Query(ctx context.Context, filter domain.JobFilter) ([]domain.GenerationJob, error) {
	var ids, statuses []string
	if len(filter.IDs) > 0 {
		ids = filter.IDs
	}
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	var createdBefore *time.Time
	if !filter.CreatedBefore.IsZero() {
		t := filter.CreatedBefore
		createdBefore = &t
	}
	var limit *int
	if filter.Limit > 0 {
		l := filter.Limit
		limit = &l
	}
	rows, err := r.sql.Query(ctx, sqlinline.QQueryJobs,
		ids,
		statuses,
		string(filter.Provider),
		createdBefore,
		filter.CallbackError,
		filter.ProviderTaskID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repo: query jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("repo: scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: query jobs: %w", err)
	}
	return out, nil
}

// UpsertVariant writes one variant, replacing any earlier row with the same
// (job id, index).
func (r *JobStorePG) UpsertVariant(ctx context.Context, v domain.Variant) error {
	var exists bool
	if err := r.sql.QueryRow(ctx, sqlinline.QJobExists, v.JobID).Scan(&exists); err != nil {
		return fmt.Errorf("repo: variant job lookup: %w", err)
	}
	if !exists {
		return fmt.Errorf("repo: variant for job %s: %w", v.JobID, domain.ErrNotFound)
	}
	meta, err := encodeMetadata(v.Metadata)
	if err != nil {
		return err
	}
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = r.sql.Exec(ctx, sqlinline.QUpsertVariant,
		v.JobID,
		v.Index,
		v.Status,
		v.Title,
		v.Content,
		v.AudioURL,
		v.StreamAudioURL,
		v.CoverURL,
		v.VideoURL,
		v.DurationSeconds,
		tags,
		v.ProviderItemID,
		v.ErrorMessage,
		meta,
	)
	if err != nil {
		return fmt.Errorf("repo: upsert variant: %w", err)
	}
	return nil
}

// ListVariants returns the variants of a job ordered by index.
func (r *JobStorePG) ListVariants(ctx context.Context, jobID string) ([]domain.Variant, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListVariants, jobID)
	if err != nil {
		return nil, fmt.Errorf("repo: list variants: %w", err)
	}
	defer rows.Close()
	var out []domain.Variant
	for rows.Next() {
		var (
			v    domain.Variant
			meta []byte
		)
		if err := rows.Scan(&v.JobID, &v.Index, &v.Status, &v.Title, &v.Content, &v.AudioURL, &v.StreamAudioURL,
			&v.CoverURL, &v.VideoURL, &v.DurationSeconds, &v.Tags, &v.ProviderItemID, &v.ErrorMessage, &meta,
			&v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan variant: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &v.Metadata); err != nil {
				return nil, fmt.Errorf("repo: decode variant metadata: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*domain.GenerationJob, error) {
	var (
		job                    domain.GenerationJob
		provider, kind, status string
		params, result, meta   []byte
		errMsg                 *string
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&provider,
		&kind,
		&status,
		&job.ProviderTaskID,
		&job.ProviderJobID,
		&job.Title,
		&job.Prompt,
		&params,
		&result,
		&errMsg,
		&job.CallbackEvidence,
		&job.CallbackError,
		&meta,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.LastSyncedAt,
	); err != nil {
		return nil, err
	}
	job.Provider = domain.Provider(provider)
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	if len(params) > 0 {
		job.Params = params
	}
	if len(result) > 0 && string(result) != "null" {
		var r domain.JobResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &r
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &job, nil
}

func encodeResult(r *domain.JobResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("repo: encode result: %w", err)
	}
	return raw, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("repo: encode metadata: %w", err)
	}
	return raw, nil
}

func nullableBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
