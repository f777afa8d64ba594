// Package coordinator owns job lifecycle: accepting a batch request,
// planning enabled phases, wiring each phase's completion into the next,
// and finalizing the job — per spec §4.7.
//
// # Design rationale
//
// The originating implementation wires phase completions via a task-queue
// "chord" callback that imports the next phase module directly, which
// creates a cyclic-import hazard (§9, "Cyclic phase imports"). This
// coordinator breaks that cycle: each phase runner returns its aggregate to
// the coordinator, which alone decides and dispatches the next phase. No
// phase package imports another.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/logging"
	"github.com/oriys/cdrguard/internal/observability"
	"github.com/oriys/cdrguard/internal/phase1"
	"github.com/oriys/cdrguard/internal/phase2"
	"github.com/oriys/cdrguard/internal/phase3"
	"github.com/oriys/cdrguard/internal/vmpool"
)

// EngineSet is the service container of configured adapter instances a job
// runs against — analogous to the originating implementation's
// module-level client singletons, but built once and injected rather than
// relying on import-time global initialization order (§9, "Singleton
// adapters").
type EngineSet struct {
	CDR     []adapters.CDREngine
	AV      []adapters.AVEngine
	EDR     map[string]adapters.EDRConsole // keyed by EDR/VM-pool label
	Blob    adapters.BlobStore
	Backend adapters.VMBackend
	Pool    *vmpool.Pool
}

// Config bundles the per-phase runner configuration.
type Config struct {
	Phase1 phase1.Config
	Phase2 phase2.Config
	Phase3 phase3.Config
}

// Coordinator drives jobs end to end.
type Coordinator struct {
	store   jobstore.Store
	engines EngineSet
	cfg     Config
}

func New(store jobstore.Store, engines EngineSet, cfg Config) *Coordinator {
	return &Coordinator{store: store, engines: engines, cfg: cfg}
}

// schedulerHints maps Priority to the advisory scheduler hint named in
// spec §4.7 — advisory only, per spec §9's open-question resolution; no
// component here treats priority as a hard ordering constraint.
var schedulerHints = map[domain.Priority]int{
	domain.PriorityLow:    3,
	domain.PriorityNormal: 5,
	domain.PriorityHigh:   7,
}

// Submit accepts a batch request, creates the job record, and launches its
// phase pipeline asynchronously. It returns immediately once the job has
// been durably recorded as Pending; phase execution happens in a
// background goroutine, and the job document is the single channel for
// observing progress (spec §7: "the coordinator never observes partial
// success silently").
func (c *Coordinator) Submit(ctx context.Context, req domain.BatchJobRequest) (*domain.Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	jobID, err := newJobID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	phases := domain.NewPhaseSet(req.EnabledPhases...)
	job := &domain.Job{
		JobID:          jobID,
		ContainerName:  req.ContainerName,
		FilePaths:      req.FilePaths,
		EnabledPhases:  phases,
		Priority:       req.Priority,
		Status:         domain.JobPending,
		CreatedAt:      time.Now(),
		PhaseSummaries: map[domain.Phase]domain.PhaseSummary{},
	}

	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	go c.run(context.Background(), job)

	return job, nil
}

func validate(req domain.BatchJobRequest) error {
	if req.ContainerName == "" {
		return fmt.Errorf("container_name is required")
	}
	wantsPhase := func(p domain.Phase) bool {
		for _, e := range req.EnabledPhases {
			if e == p {
				return true
			}
		}
		return false
	}
	// Phase 2/3 consume Phase 1 outputs; enabling either without Phase 1 is
	// rejected at planning time per spec §8's documented constraint rather
	// than guessing intent (§9, open question).
	if (wantsPhase(domain.Phase2AV) || wantsPhase(domain.Phase3EDR)) && !wantsPhase(domain.Phase1CDR) {
		return fmt.Errorf("phase 2 or 3 requires phase 1 to be enabled")
	}
	return nil
}

func newJobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// run executes the job's enabled phases in strict sequence, wiring each
// phase's completion into the coordinator's decision of what runs next.
// Any uncaught error transitions the job to Failed; an observed Cancelled
// status halts further wiring without marking the job Failed.
func (c *Coordinator) run(ctx context.Context, job *domain.Job) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "coordinator.run",
		observability.AttrJobID.String(job.JobID),
		observability.AttrPriority.String(string(job.Priority)),
	)
	defer func() {
		span.SetAttributes(observability.AttrDurationMs.Int64(time.Since(start).Milliseconds()))
		span.End()
	}()

	markRunning := domain.JobRunning
	if _, err := c.store.UpdateJob(ctx, job.JobID, jobstore.JobUpdate{Status: &markRunning, StartedAt: boolPtr(true)}); err != nil {
		c.fail(ctx, job, fmt.Errorf("mark job running: %w", err))
		return
	}

	var phase1Results []domain.Phase1Result
	var phase2Files []phase2.FileUnit

	if job.EnabledPhases.Has(domain.Phase1CDR) {
		results, summary, err := c.runPhase1(ctx, job)
		if err != nil {
			c.fail(ctx, job, err)
			return
		}
		if c.cancelled(ctx, job) {
			c.settleCancelled(ctx, job)
			return
		}
		phase1Results = results
		c.recordPhaseSummary(ctx, job, domain.Phase1CDR, summary)
	}

	if job.EnabledPhases.Has(domain.Phase2AV) {
		phase2Files = phase2.PlanFiles(phase1Results)
		summary, err := c.runPhase2(ctx, job, phase2Files)
		if err != nil {
			c.fail(ctx, job, err)
			return
		}
		if c.cancelled(ctx, job) {
			c.settleCancelled(ctx, job)
			return
		}
		c.recordPhaseSummary(ctx, job, domain.Phase2AV, summary)
	}

	if job.EnabledPhases.Has(domain.Phase3EDR) {
		if phase2Files == nil {
			phase2Files = phase2.PlanFiles(phase1Results)
		}
		summary, err := c.runPhase3(ctx, job, phase2Files)
		if err != nil {
			c.fail(ctx, job, err)
			return
		}
		if c.cancelled(ctx, job) {
			c.settleCancelled(ctx, job)
			return
		}
		c.recordPhaseSummary(ctx, job, domain.Phase3EDR, summary)
	}

	c.complete(ctx, job)
}

func (c *Coordinator) runPhase1(ctx context.Context, job *domain.Job) ([]domain.Phase1Result, map[string]any, error) {
	runner := phase1.New(c.store, c.engines.Blob, c.cfg.Phase1)
	units, err := runner.Plan(ctx, job, c.engines.CDR)
	if err != nil {
		return nil, nil, fmt.Errorf("plan phase 1: %w", err)
	}
	if err := c.addTotalUnits(ctx, job, len(units)); err != nil {
		return nil, nil, err
	}

	results, agg, err := runner.Run(ctx, job, units)
	if err != nil {
		return nil, nil, fmt.Errorf("run phase 1: %w", err)
	}
	return results, map[string]any{"success": agg.Success, "failed": agg.Failed, "error": agg.Error}, nil
}

func (c *Coordinator) runPhase2(ctx context.Context, job *domain.Job, files []phase2.FileUnit) (map[string]any, error) {
	runner := phase2.New(c.store, c.engines.Blob, c.cfg.Phase2)
	units := runner.Plan(files, c.engines.AV)
	if err := c.addTotalUnits(ctx, job, len(units)); err != nil {
		return nil, err
	}

	_, agg, err := runner.Run(ctx, job, units)
	if err != nil {
		return nil, fmt.Errorf("run phase 2: %w", err)
	}
	return map[string]any{
		"pre_cdr_detections": agg.PreCDRDetections, "post_cdr_detections": agg.PostCDRDetections,
		"detection_reduction": agg.DetectionReduction, "detection_reduction_percent": agg.DetectionReductionPercent,
	}, nil
}

func (c *Coordinator) runPhase3(ctx context.Context, job *domain.Job, files []phase2.FileUnit) (map[string]any, error) {
	runner := phase3.New(c.store, c.engines.Blob, c.engines.Pool, c.engines.Backend, c.cfg.Phase3)
	p3Files := make([]phase3.FileUnit, 0, len(files))
	for _, f := range files {
		p3Files = append(p3Files, phase3.NewFileUnit(f.BlobPath, f.Version, f.CDREngine, f.OriginalBlobPath))
	}
	units := runner.Plan(p3Files, c.engines.EDR)
	if err := c.addTotalUnits(ctx, job, len(units)); err != nil {
		return nil, err
	}

	_, agg, err := runner.Run(ctx, job, units)
	if err != nil {
		return nil, fmt.Errorf("run phase 3: %w", err)
	}
	return map[string]any{
		"pre_cdr_alerts": agg.PreCDRAlerts, "post_cdr_alerts": agg.PostCDRAlerts,
		"alert_reduction": agg.AlertReduction, "alert_reduction_percent": agg.AlertReductionPercent,
		"per_label": agg.PerLabel,
	}, nil
}

// addTotalUnits accumulates n onto job.TotalUnits — Phase 1's unit count is
// set first, then Phase 2 and Phase 3 each add their own, so TotalUnits
// stays the running sum matched against Processed/Failed's cumulative
// counts across the whole job, not just the most recently run phase.
func (c *Coordinator) addTotalUnits(ctx context.Context, job *domain.Job, n int) error {
	total := job.TotalUnits + n
	if _, err := c.store.UpdateJob(ctx, job.JobID, jobstore.JobUpdate{TotalUnits: &total}); err != nil {
		return fmt.Errorf("set total units: %w", err)
	}
	job.TotalUnits = total
	return nil
}

func (c *Coordinator) recordPhaseSummary(ctx context.Context, job *domain.Job, phase domain.Phase, metrics map[string]any) {
	summary := domain.PhaseSummary{Phase: phase, Metrics: metrics, UpdatedAt: time.Now()}
	if _, err := c.store.UpdateJob(ctx, job.JobID, jobstore.JobUpdate{PhaseSummary: &summary, CurrentPhase: &phase}); err != nil {
		logging.Op().Error("record phase summary failed", "job_id", job.JobID, "phase", phase, "error", err)
	}
}

func (c *Coordinator) cancelled(ctx context.Context, job *domain.Job) bool {
	current, err := c.store.GetJob(ctx, job.JobID)
	if err != nil {
		return false
	}
	return current.Status == domain.JobCancelled
}

func (c *Coordinator) settleCancelled(ctx context.Context, job *domain.Job) {
	logging.Op().Info("job settled as cancelled", "job_id", job.JobID)
}

func (c *Coordinator) complete(ctx context.Context, job *domain.Job) {
	status := domain.JobCompleted
	if _, err := c.store.UpdateJob(ctx, job.JobID, jobstore.JobUpdate{Status: &status, CompletedNow: true}); err != nil {
		logging.Op().Error("mark job completed failed", "job_id", job.JobID, "error", err)
	}
}

func (c *Coordinator) fail(ctx context.Context, job *domain.Job, cause error) {
	logging.Op().Error("job failed", "job_id", job.JobID, "error", cause)
	status := domain.JobFailed
	msg := cause.Error()
	if _, err := c.store.UpdateJob(ctx, job.JobID, jobstore.JobUpdate{Status: &status, ErrorMessage: &msg}); err != nil {
		logging.Op().Error("mark job failed failed", "job_id", job.JobID, "error", err)
	}
}

func boolPtr(b bool) *bool { return &b }

// Cancel requests cancellation of a running job. It returns false (no
// error) if the job is already terminal or missing, per
// jobstore.Store.CancelJob's contract.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (bool, error) {
	return c.store.CancelJob(ctx, jobID)
}
