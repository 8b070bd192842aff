// Package postgres is the reference durablebroker.JobQueue implementation,
// persisting jobs in a single Postgres table and claiming them with
// SELECT ... FOR UPDATE SKIP LOCKED, per spec.md §6.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/substrate/runtime/durablebroker"
)

// Config configures Open.
type Config struct {
	DSN   string
	Table string // defaults to "substrate_jobs"
}

// Queue is a Postgres-backed durablebroker.JobQueue.
//
// It applies QueueOptions.RecreateQueue, JobOptions.DedupeKey and RunAfter,
// and WorkerOptions Concurrency, PollInterval, RetryLimit, RetryDelay,
// RetryDelayKind, BackoffExponent and DeleteAfter. It ignores the other
// options: Policy, Partition, DeadLetterQueue, WarnSize, Expiry, Retention
// and SingletonThrottle. A job that exhausts its retries stays in the jobs
// table with status dead_letter whatever DeadLetterQueue says, and DedupeKey
// collapses sends under every policy.
type Queue struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects to cfg.DSN and ensures the jobs table exists.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	table := cfg.Table
	if table == "" {
		table = "substrate_jobs"
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("durablebroker/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("durablebroker/postgres: ping: %w", err)
	}
	q := &Queue{pool: pool, table: table}
	if err := q.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureTable(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          uuid PRIMARY KEY,
			queue       text NOT NULL,
			payload     bytea NOT NULL,
			status      text NOT NULL,
			attempts    integer NOT NULL DEFAULT 0,
			dedupe_key  text,
			run_at      timestamptz NOT NULL,
			created_at  timestamptz NOT NULL,
			locked_at   timestamptz
		);
		CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (queue, status, run_at);
	`, q.table, q.table, q.table))
	if err != nil {
		return fmt.Errorf("durablebroker/postgres: ensure table: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.pool.Close()
	return nil
}

func (q *Queue) CreateQueue(ctx context.Context, name string, opts durablebroker.QueueOptions) error {
	if opts.RecreateQueue {
		return q.DeleteQueue(ctx, name)
	}
	return nil
}

func (q *Queue) DeleteQueue(ctx context.Context, name string) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE queue = $1`, q.table), name)
	if err != nil {
		return fmt.Errorf("durablebroker/postgres: delete queue %s: %w", name, err)
	}
	return nil
}

func (q *Queue) Send(ctx context.Context, queue string, payload []byte, opts durablebroker.JobOptions) (string, error) {
	if opts.DedupeKey != "" {
		var existing string
		err := q.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT id FROM %s WHERE queue = $1 AND dedupe_key = $2 AND status = 'pending'
			LIMIT 1`, q.table), queue, opts.DedupeKey,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("durablebroker/postgres: dedupe lookup: %w", err)
		}
	}

	id := uuid.NewString()
	runAt := opts.RunAfter
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	var dedupe any
	if opts.DedupeKey != "" {
		dedupe = opts.DedupeKey
	}
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, queue, payload, status, attempts, dedupe_key, run_at, created_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6)`, q.table),
		id, queue, payload, dedupe, runAt, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("durablebroker/postgres: send to %s: %w", queue, err)
	}
	return id, nil
}

func (q *Queue) GetQueueStats(ctx context.Context, name string) (durablebroker.QueueStats, error) {
	var stats durablebroker.QueueStats
	err := q.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			count(*) FILTER (WHERE status = 'active'),
			count(*) FILTER (WHERE status = 'pending')
		FROM %s WHERE queue = $1`, q.table), name,
	).Scan(&stats.Active, &stats.Queued)
	if err != nil {
		return durablebroker.QueueStats{}, fmt.Errorf("durablebroker/postgres: stats for %s: %w", name, err)
	}
	return stats, nil
}

// Work polls queue every opts.PollInterval, claiming up to opts.Concurrency
// pending jobs per tick via SELECT ... FOR UPDATE SKIP LOCKED, and runs each
// claimed job's handler in its own goroutine. Blocks until ctx is canceled.
func (q *Queue) Work(ctx context.Context, queue string, opts durablebroker.WorkerOptions, handler durablebroker.JobHandler) error {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			jobs, err := q.claim(ctx, queue, concurrency)
			if err != nil {
				continue
			}
			for _, job := range jobs {
				job := job
				go q.run(ctx, job, opts, handler)
			}
		}
	}
}

func (q *Queue) claim(ctx context.Context, queue string, limit int) ([]durablebroker.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("durablebroker/postgres: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT id, payload, attempts, dedupe_key, created_at
		FROM %s
		WHERE queue = $1 AND status = 'pending' AND run_at <= now()
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, q.table), queue, limit)
	if err != nil {
		return nil, fmt.Errorf("durablebroker/postgres: claim query: %w", err)
	}

	var jobs []durablebroker.Job
	var ids []string
	for rows.Next() {
		var j durablebroker.Job
		var dedupe *string
		if err := rows.Scan(&j.ID, &j.Payload, &j.Attempts, &dedupe, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("durablebroker/postgres: claim scan: %w", err)
		}
		if dedupe != nil {
			j.DedupeKey = *dedupe
		}
		j.Queue = queue
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'active', locked_at = now() WHERE id = ANY($1)`, q.table), ids,
	); err != nil {
		return nil, fmt.Errorf("durablebroker/postgres: mark active: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("durablebroker/postgres: commit claim: %w", err)
	}
	return jobs, nil
}

func (q *Queue) run(ctx context.Context, job durablebroker.Job, opts durablebroker.WorkerOptions, handler durablebroker.JobHandler) {
	err := handler(ctx, job)
	if err == nil {
		q.finish(ctx, job, opts)
		return
	}
	q.retryOrDeadLetter(ctx, job, opts)
}

func (q *Queue) finish(ctx context.Context, job durablebroker.Job, opts durablebroker.WorkerOptions) {
	if opts.DeleteAfter {
		_, _ = q.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, q.table), job.ID)
		return
	}
	_, _ = q.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = 'completed' WHERE id = $1`, q.table), job.ID)
}

func (q *Queue) retryOrDeadLetter(ctx context.Context, job durablebroker.Job, opts durablebroker.WorkerOptions) {
	attempts := job.Attempts + 1
	if attempts <= opts.RetryLimit {
		delay := retryDelay(opts, attempts)
		_, _ = q.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET status = 'pending', attempts = $1, run_at = $2 WHERE id = $3`, q.table),
			attempts, time.Now().UTC().Add(delay), job.ID)
		return
	}
	_, _ = q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'dead_letter', attempts = $1 WHERE id = $2`, q.table), attempts, job.ID)
}

func retryDelay(opts durablebroker.WorkerOptions, attempt int) time.Duration {
	if opts.RetryDelayKind != durablebroker.RetryDelayExponential {
		return opts.RetryDelay
	}
	exp := opts.BackoffExponent
	if exp <= 0 {
		exp = 1
	}
	return time.Duration(float64(opts.RetryDelay) * math.Pow(exp, float64(attempt-1)))
}

var _ durablebroker.JobQueue = (*Queue)(nil)
