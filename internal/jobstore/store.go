// Package jobstore provides a persistent, concurrency-safe store for job
// metadata and per-phase result lists, per spec §4.1.
package jobstore

import (
	"context"
	"errors"

	"github.com/oriys/cdrguard/internal/domain"
)

var (
	// ErrJobNotFound is returned by GetJob and mutation operations when the
	// job id does not exist (or has expired past its retention TTL).
	ErrJobNotFound = errors.New("jobstore: job not found")
	// ErrJobTerminal is returned by UpdateJob when a caller attempts to
	// transition a job out of a terminal status (Completed/Failed/Cancelled).
	ErrJobTerminal = errors.New("jobstore: job is in a terminal status")
)

// JobUpdate is a partial patch applied idempotently by UpdateJob. Nil fields
// are left untouched.
type JobUpdate struct {
	Status         *domain.JobStatus
	CurrentPhase   *domain.Phase
	TotalUnits     *int
	PhaseSummary   *domain.PhaseSummary
	ErrorMessage   *string
	StartedAt      *bool // true sets StartedAt=now if unset
	CompletedNow   bool
	CancelledNow   bool
}

// Store is the contract implemented by the Redis-backed primary store (and
// any durable analytics sink layered on top of it).
type Store interface {
	// CreateJob performs an atomic insert, adds JobID to the head of the
	// "recent jobs" ordered sequence, and sets the retention TTL.
	CreateJob(ctx context.Context, job *domain.Job) error

	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// UpdateJob applies an idempotent partial patch. It returns
	// ErrJobTerminal if the job is already in a terminal status.
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*domain.Job, error)

	// IncrementProcessed and IncrementFailed are atomic counter bumps.
	// Failed also counts as processed, per spec: callers call only one of
	// the two per unit, and IncrementFailed internally bumps both counters.
	IncrementProcessed(ctx context.Context, jobID string) error
	IncrementFailed(ctx context.Context, jobID string) error

	// AppendPhaseResult appends a single result record (Phase1Result,
	// Phase2Result, or Phase3Result) to the job's per-phase list.
	AppendPhaseResult(ctx context.Context, jobID string, phase domain.Phase, result any) error
	// ListPhaseResults returns the raw JSON-decoded result records for a
	// phase, in append order. Callers type-assert/unmarshal per phase.
	ListPhaseResults(ctx context.Context, jobID string, phase domain.Phase, out any) error

	ListRecentJobs(ctx context.Context, limit int) ([]*domain.Job, error)

	// CancelJob transitions a non-terminal job to Cancelled. It returns
	// false (no error) if the job is already terminal or missing.
	CancelJob(ctx context.Context, jobID string) (bool, error)

	// DeleteJob removes job metadata, all per-phase lists, and the
	// recent-jobs list entry.
	DeleteJob(ctx context.Context, jobID string) error

	Close() error
}
