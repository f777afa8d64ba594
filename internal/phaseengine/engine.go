// Package phaseengine implements the fan-out/join primitive shared by all
// three phase runners, per spec §4.3: given a list of work units, a worker
// function, and a concurrency bound, run all units concurrently, append
// every result via the Job Store, update the Processed/Failed counters, and
// return the full aggregated result list once every dispatched unit has
// settled.
//
// # Concurrency
//
// Dispatch is bounded with golang.org/x/sync/errgroup's SetLimit, the same
// package the originating executor uses for its own concurrent pre-fetch
// fan-out. Unlike that pre-fetch use, worker functions here never return a
// non-nil error to the group — a worker's failure is captured into a
// terminal unit result instead — so a single failing unit never cancels its
// siblings (errgroup.WithContext's default behaviour would otherwise do
// exactly that).
//
// # Retries
//
// A worker may request a retry by returning retryable=true. The engine
// re-enqueues the unit up to MaxRetries times with a fixed inter-attempt
// delay; a retried unit still counts once toward Processed/Failed.
//
// # Cancellation
//
// Cancellation is cooperative: before dispatching each unit (including
// retries), the engine checks the job's current status via the Job Store.
// Once it observes Cancelled, it stops dispatching new units and waits for
// in-flight units to finish; already-dispatched units are expected to
// observe cancellation at their own next suspension point.
package phaseengine

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/logging"
)

// DefaultRetryDelay is the fixed inter-attempt delay when a worker requests
// a retry, per spec §4.3's default.
const DefaultRetryDelay = 60 * time.Second

// Worker processes a single unit of work and returns a result record ready
// to append to the job's phase list, the result's terminal status, and
// whether a failure should be retried.
type Worker[U any, R any] func(ctx context.Context, unit U) (result R, status domain.UnitStatus, retryable bool, err error)

// Options configures a single Run invocation.
type Options struct {
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration // zero means DefaultRetryDelay
	// PhaseTimeout optionally bounds phase wall-clock time; zero means no
	// cap. Units still in flight when it elapses are treated as Error.
	PhaseTimeout time.Duration
}

// Engine runs phase fan-outs against a Job Store.
type Engine struct {
	store jobstore.Store
}

func New(store jobstore.Store) *Engine {
	return &Engine{store: store}
}

type unitOutcome[R any] struct {
	index  int
	result R
}

// Run executes the given units against worker with the configured
// concurrency bound, appending each terminal result to the job's phase list
// and advancing Processed/Failed as each unit settles. It returns every
// dispatched unit's result in dispatch order once all of them have produced
// a terminal result (the join condition), or once cancellation has been
// observed and all in-flight units have settled. Units skipped because
// cancellation was observed before dispatch are omitted from the returned
// slice entirely — they were never run and never counted toward
// Processed/Failed, so there is no terminal UnitStatus to report for them.
func Run[U any, R any](ctx context.Context, e *Engine, job *domain.Job, phase domain.Phase, units []U, worker Worker[U, R], opts Options) ([]R, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	runCtx := ctx
	if opts.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.PhaseTimeout)
		defer cancel()
	}

	outcomes := make(chan unitOutcome[R], len(units))

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(opts.Concurrency)

	for i, unit := range units {
		i, unit := i, unit
		g.Go(func() error {
			if e.jobCancelled(gctx, job.JobID) {
				return nil
			}

			result, status, _ := runWithRetries(gctx, e, job.JobID, unit, worker, opts)

			if err := e.store.AppendPhaseResult(gctx, job.JobID, phase, result); err != nil {
				logging.Op().Error("append phase result failed", "job_id", job.JobID, "phase", phase, "error", err)
			}

			if status == domain.UnitSuccess {
				if err := e.store.IncrementProcessed(gctx, job.JobID); err != nil {
					logging.Op().Error("increment processed failed", "job_id", job.JobID, "error", err)
				}
			} else {
				if err := e.store.IncrementFailed(gctx, job.JobID); err != nil {
					logging.Op().Error("increment failed failed", "job_id", job.JobID, "error", err)
				}
			}

			outcomes <- unitOutcome[R]{index: i, result: result}
			return nil
		})
	}

	_ = g.Wait()
	close(outcomes)

	settled := make([]unitOutcome[R], 0, len(units))
	for o := range outcomes {
		settled = append(settled, o)
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].index < settled[j].index })

	results := make([]R, len(settled))
	for i, o := range settled {
		results[i] = o.result
	}
	return results, nil
}

// runWithRetries invokes worker, re-dispatching up to opts.MaxRetries times
// on a retryable failure, with a fixed delay between attempts. It always
// returns a terminal (result, status); the bool return reports whether the
// final attempt converged without exhausting retries.
func runWithRetries[U any, R any](ctx context.Context, e *Engine, jobID string, unit U, worker Worker[U, R], opts Options) (R, domain.UnitStatus, bool) {
	var lastResult R
	var lastStatus domain.UnitStatus

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if e.jobCancelled(ctx, jobID) {
				return lastResult, lastStatus, false
			}
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				return lastResult, lastStatus, false
			}
		}

		result, status, retryable, err := worker(ctx, unit)
		lastResult, lastStatus = result, status
		if err == nil || !retryable {
			return result, status, true
		}
	}
	return lastResult, lastStatus, false
}

func (e *Engine) jobCancelled(ctx context.Context, jobID string) bool {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == domain.JobCancelled
}
