// Package durablebroker implements the Durable Event Broker (C7): a
// persistent variant of the in-process broker (C3) backed by a job queue
// over a relational store, with retries, a dead-letter queue, completion
// sinks, and domained-event interception, per spec.md §4.7.
package durablebroker

import (
	"context"
	"time"
)

// QueuePolicy controls delivery semantics for a registered queue.
type QueuePolicy string

const (
	// PolicyStandard delivers every enqueued job, at-least-once.
	PolicyStandard QueuePolicy = "standard"
	// PolicyShort is tuned for low-latency, short-lived jobs (shorter
	// default poll interval, no long retention).
	PolicyShort QueuePolicy = "short"
	// PolicySingleton collapses concurrent sends sharing a dedupe key
	// into a single pending job.
	PolicySingleton QueuePolicy = "singleton"
	// PolicyStately mirrors standard but additionally enforces at most
	// one in-flight job per subject, ordering same-subject jobs.
	PolicyStately QueuePolicy = "stately"
)

// QueueOptions configures a named queue at registration time (spec.md §4.7
// "Registration").
type QueueOptions struct {
	// RecreateQueue drops and recreates the queue's backing storage.
	RecreateQueue bool
	Policy        QueuePolicy
	// Partition, when non-empty, scopes FIFO ordering (under
	// PolicyStately) to jobs sharing the same partition key instead of
	// the whole queue.
	Partition string
	// DeadLetterQueue names the queue retry-exhausted jobs are moved to.
	// Empty disables the dead-letter behavior (failed jobs are dropped).
	DeadLetterQueue string
	// WarnSize is the pending-job count above which the queue counts as
	// backed up. Zero disables the warning. GetStats reports raw counts
	// only and does not compare them against WarnSize.
	WarnSize int
}

// RetryDelayKind selects between a fixed and an exponential-backoff retry
// schedule.
type RetryDelayKind string

const (
	RetryDelayFixed       RetryDelayKind = "fixed"
	RetryDelayExponential RetryDelayKind = "backoff"
)

// WorkerOptions configures the consumer side of a queue (spec.md §4.7
// "Registration").
type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	RetryLimit      int
	RetryDelay      time.Duration
	RetryDelayKind  RetryDelayKind
	BackoffExponent float64
	Expiry          time.Duration
	Retention       time.Duration
	DeleteAfter     bool
	// SingletonThrottle, under PolicySingleton, is the minimum spacing
	// enforced between successive jobs sharing a dedupe key.
	SingletonThrottle time.Duration
}

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobActive     JobStatus = "active"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Job is one unit of work dequeued by a worker.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	Attempts  int
	DedupeKey string
	CreatedAt time.Time
}

// JobOptions configures one Send call (spec.md §6 "job options control
// retention, retry, expiry, and singleton throttling").
type JobOptions struct {
	// DedupeKey, under PolicySingleton, collapses concurrent sends.
	DedupeKey string
	// RunAfter delays visibility of the job until this time.
	RunAfter time.Time
}

// QueueStats is returned by GetQueueStats (spec.md §4.7 "Stats").
type QueueStats struct {
	Active int
	Queued int
}

// JobHandler processes one dequeued Job. A non-nil error causes the worker
// to apply WorkerOptions' retry policy.
type JobHandler func(ctx context.Context, job Job) error

// JobQueue is the abstract durable queue adapter spec.md §6 describes:
// createQueue/deleteQueue/send/work/getQueueStats. Package
// durablebroker/postgres provides the reference implementation.
type JobQueue interface {
	CreateQueue(ctx context.Context, name string, opts QueueOptions) error
	DeleteQueue(ctx context.Context, name string) error
	Send(ctx context.Context, queue string, payload []byte, opts JobOptions) (string, error)
	// Work starts a worker pool consuming queue until ctx is canceled.
	// Blocks until ctx.Done() or a fatal setup error.
	Work(ctx context.Context, queue string, opts WorkerOptions, handler JobHandler) error
	GetQueueStats(ctx context.Context, name string) (QueueStats, error)
}
