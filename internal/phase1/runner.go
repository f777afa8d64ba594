// Package phase1 runs the CDR sanitize phase, per spec §4.4.
package phase1

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/metrics"
	"github.com/oriys/cdrguard/internal/phaseengine"
)

// Config is the phase-1 specific slice of the configuration inputs
// described in spec §6 ("Phases").
type Config struct {
	MaxConcurrency int
	MaxRetries     int
	ScratchDir     string
}

// Unit is one (file path, CDR engine) pair to sanitize.
type Unit struct {
	OriginalPath string
	Engine       adapters.CDREngine
}

// Runner drives phase 1 to completion and returns the aggregate counts.
type Runner struct {
	engine *phaseengine.Engine
	store  jobstore.Store
	blob   adapters.BlobStore
	cfg    Config
}

func New(store jobstore.Store, blob adapters.BlobStore, cfg Config) *Runner {
	return &Runner{engine: phaseengine.New(store), store: store, blob: blob, cfg: cfg}
}

// Plan builds the fan-out unit list: one unit per (file_path, CDR engine),
// where file_path is either the caller-supplied list or, if empty, the
// result of listing the container.
func (r *Runner) Plan(ctx context.Context, job *domain.Job, engines []adapters.CDREngine) ([]Unit, error) {
	filePaths := job.FilePaths
	if len(filePaths) == 0 {
		listed, err := r.blob.List(ctx, job.ContainerName, "")
		if err != nil {
			return nil, fmt.Errorf("list container %s: %w", job.ContainerName, err)
		}
		filePaths = listed
	}

	units := make([]Unit, 0, len(filePaths)*len(engines))
	for _, path := range filePaths {
		for _, engine := range engines {
			units = append(units, Unit{OriginalPath: path, Engine: engine})
		}
	}
	return units, nil
}

// Aggregate is computed once every unit has produced a terminal result.
type Aggregate struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Error   int `json:"error"`
}

// Run executes the full phase-1 fan-out and returns the per-unit results
// plus the aggregate counts.
func (r *Runner) Run(ctx context.Context, job *domain.Job, units []Unit) ([]domain.Phase1Result, Aggregate, error) {
	worker := func(ctx context.Context, unit Unit) (domain.Phase1Result, domain.UnitStatus, bool, error) {
		result, status := r.runUnit(ctx, job.ContainerName, unit)
		return result, status, false, nil // spec §4.4 defines no retry policy for phase 1
	}

	results, err := phaseengine.Run(ctx, r.engine, job, domain.Phase1CDR, units, worker, phaseengine.Options{
		Concurrency: r.cfg.MaxConcurrency,
		MaxRetries:  0,
	})
	if err != nil {
		return nil, Aggregate{}, err
	}

	agg := Aggregate{}
	for _, res := range results {
		switch res.Status {
		case domain.UnitSuccess:
			agg.Success++
		case domain.UnitFailed:
			agg.Failed++
		default:
			agg.Error++
		}
		metrics.Global().RecordUnitExecution("phase1_cdr", res.ProcessingMillis, false, res.Status == domain.UnitSuccess)
	}
	return results, agg, nil
}

func (r *Runner) runUnit(ctx context.Context, container string, unit Unit) (domain.Phase1Result, domain.UnitStatus) {
	started := time.Now()
	result := domain.Phase1Result{
		OriginalBlobPath: unit.OriginalPath,
		CDREngine:        unit.Engine.Name(),
		StartedAt:        started,
	}

	local, cleanup, err := r.downloadToScratch(ctx, container, unit.OriginalPath)
	if err != nil {
		result.Status = domain.UnitError
		result.Error = err.Error()
		result.EndedAt = time.Now()
		return result, result.Status
	}
	defer cleanup()

	info, err := os.Stat(local)
	if err == nil {
		result.BytesBefore = info.Size()
	}

	sanitized, err := unit.Engine.Sanitize(ctx, local)
	result.EndedAt = time.Now()
	result.ProcessingMillis = result.EndedAt.Sub(started).Milliseconds()

	if err != nil || sanitized.Status == adapters.SanitizeErr {
		result.Status = domain.UnitError
		if err != nil {
			result.Error = err.Error()
		} else if sanitized.Err != nil {
			result.Error = sanitized.Err.Error()
		}
		return result, result.Status
	}

	result.ThreatsFound = sanitized.ThreatsFound
	result.BytesAfter = sanitized.BytesAfter

	uploadPath := path.Join("post-cdr", unit.Engine.Name(), unit.OriginalPath)
	if err := r.blob.Upload(ctx, container, sanitized.SanitizedPath, uploadPath); err != nil {
		result.Status = domain.UnitError
		result.Error = fmt.Sprintf("upload sanitized artifact: %v", err)
		return result, result.Status
	}

	result.SanitizedBlobPath = uploadPath
	result.Status = domain.UnitSuccess
	return result, result.Status
}

func (r *Runner) downloadToScratch(ctx context.Context, container, blobPath string) (localPath string, cleanup func(), err error) {
	dest, err := os.CreateTemp(r.cfg.ScratchDir, "cdrguard-phase1-*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch file: %w", err)
	}
	localPath = dest.Name()
	dest.Close()

	cleanup = func() { os.Remove(localPath) }

	if err := r.blob.Download(ctx, container, blobPath, localPath); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("download %s: %w", blobPath, err)
	}
	return localPath, cleanup, nil
}
