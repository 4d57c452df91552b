package sqlinline

const QCreateJobSchema = `--sql cba75624-8248-4bf8-896b-db7ff7437123
create table if not exists generation_jobs (
    id text primary key,
    user_id text not null default '',
    provider text not null,
    kind text not null,
    status text not null check (status in ('pending', 'processing', 'completed', 'failed')),
    provider_task_id text not null default '',
    provider_job_id text not null default '',
    title text not null default '',
    prompt text not null default '',
    params_json jsonb,
    result_json jsonb,
    error_message text,
    callback_evidence boolean not null default false,
    callback_error boolean not null default false,
    metadata jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now(),
    last_synced_at timestamptz
);
create index if not exists generation_jobs_status_created_idx on generation_jobs (status, created_at);
create index if not exists generation_jobs_task_idx on generation_jobs (provider_task_id) where provider_task_id <> '';
create table if not exists job_variants (
    job_id text not null references generation_jobs(id) on delete cascade,
    variant_index integer not null,
    status text not null default '',
    title text not null default '',
    content text not null default '',
    audio_url text not null default '',
    stream_audio_url text not null default '',
    cover_url text not null default '',
    video_url text not null default '',
    duration_seconds double precision not null default 0,
    tags text[] not null default '{}',
    provider_item_id text not null default '',
    error_message text not null default '',
    metadata jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now(),
    primary key (job_id, variant_index)
);
create table if not exists integration_tokens (
    id uuid primary key default gen_random_uuid(),
    provider text not null unique,
    token text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QInsertJob = `--sql 82ff320c-ba09-48f1-bb71-2baaeba4250e
insert into generation_jobs (
    id, user_id, provider, kind, status, provider_task_id, provider_job_id, title, prompt,
    params_json, result_json, error_message, callback_evidence, callback_error, metadata,
    created_at, updated_at, last_synced_at
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18);
`

const QSelectJob = `--sql b007c5ea-45e7-4e96-921b-ff9d059ad844
select id, user_id, provider, kind, status, provider_task_id, provider_job_id, title, prompt,
       params_json, result_json, error_message, callback_evidence, callback_error, metadata,
       created_at, updated_at, last_synced_at
from generation_jobs
where id = $1;
`

// QSelectJobForUpdate locks the row for the read-modify-write in Upsert.
const QSelectJobForUpdate = `--sql 053a45bf-b56e-4fd2-8b76-795f87befd88
select id, user_id, provider, kind, status, provider_task_id, provider_job_id, title, prompt,
       params_json, result_json, error_message, callback_evidence, callback_error, metadata,
       created_at, updated_at, last_synced_at
from generation_jobs
where id = $1
for update;
`

// QUpdateJob refuses to move a terminal row to another status even if a
// caller skipped the in-process check.
const QUpdateJob = `--sql 1d599594-999c-4de1-8f80-a278905bd39a
update generation_jobs
set status = $2,
    provider_task_id = $3,
    provider_job_id = $4,
    title = $5,
    result_json = $6,
    error_message = $7,
    callback_evidence = $8,
    callback_error = $9,
    metadata = $10,
    updated_at = $11,
    last_synced_at = $12
where id = $1
  and (status not in ('completed', 'failed') or status = $2);
`

const QQueryJobs = `--sql 750c46c1-d097-4fcb-8ef8-013d8aae78e4
select id, user_id, provider, kind, status, provider_task_id, provider_job_id, title, prompt,
       params_json, result_json, error_message, callback_evidence, callback_error, metadata,
       created_at, updated_at, last_synced_at
from generation_jobs
where ($1::text[] is null or id = any($1::text[]))
  and ($2::text[] is null or status = any($2::text[]))
  and ($3::text = '' or provider = $3::text)
  and ($4::timestamptz is null or created_at < $4::timestamptz)
  and ($5::boolean is null or callback_error = $5::boolean)
  and ($6::text = '' or provider_task_id = $6::text)
order by created_at asc, id asc
limit $7;
`

const QUpsertVariant = `--sql a8b7d17f-5b5b-4554-ae6d-e8f58b506404
insert into job_variants (
    job_id, variant_index, status, title, content, audio_url, stream_audio_url, cover_url, video_url,
    duration_seconds, tags, provider_item_id, error_message, metadata, created_at, updated_at
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, coalesce($14::jsonb, '{}'::jsonb), now(), now())
on conflict (job_id, variant_index) do update set
    status = excluded.status,
    title = excluded.title,
    content = excluded.content,
    audio_url = excluded.audio_url,
    stream_audio_url = excluded.stream_audio_url,
    cover_url = excluded.cover_url,
    video_url = excluded.video_url,
    duration_seconds = excluded.duration_seconds,
    tags = excluded.tags,
    provider_item_id = excluded.provider_item_id,
    error_message = excluded.error_message,
    metadata = excluded.metadata,
    updated_at = now();
`

const QListVariants = `--sql 3da389c4-5a0d-4565-a3c5-80de69f04125
select job_id, variant_index, status, title, content, audio_url, stream_audio_url, cover_url, video_url,
       duration_seconds, tags, provider_item_id, error_message, metadata, created_at, updated_at
from job_variants
where job_id = $1
order by variant_index asc;
`

const QJobExists = `--sql 9c26e11e-c11f-4228-aac3-86874710bac6
select exists(select 1 from generation_jobs where id = $1);
`
