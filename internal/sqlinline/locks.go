package sqlinline

const QTryAdvisoryLock = `--sql cea0f938-e6df-4cfb-a09b-14e0cc673719
select pg_try_advisory_lock($1)`

const QAdvisoryUnlock = `--sql 0f6e35a5-335d-4b0e-8b4f-842e0c4b0e1a
select pg_advisory_unlock($1)`
