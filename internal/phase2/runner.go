// Package phase2 runs the antivirus scanning phase, per spec §4.5.
package phase2

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/metrics"
	"github.com/oriys/cdrguard/internal/phaseengine"
)

// Config is the phase-2 specific slice of the configuration inputs.
type Config struct {
	MaxConcurrency int
	ScratchDir     string
}

// FileUnit is one (blob path, version) pair to scan, independent of which AV
// engine eventually scans it — the Cartesian product with engines happens in
// Plan.
type FileUnit struct {
	BlobPath         string
	Version          domain.FileVersion
	CDREngine        string // set only for VersionPostCDR
	OriginalBlobPath string
}

// Unit is one (file, AV engine) pair.
type Unit struct {
	File   FileUnit
	Engine adapters.AVEngine
}

// Runner drives phase 2 to completion.
type Runner struct {
	engine *phaseengine.Engine
	store  jobstore.Store
	blob   adapters.BlobStore
	cfg    Config
}

func New(store jobstore.Store, blob adapters.BlobStore, cfg Config) *Runner {
	return &Runner{engine: phaseengine.New(store), store: store, blob: blob, cfg: cfg}
}

// PlanFiles reconstructs the unique file set to scan from Phase-1 success
// results: one pre-CDR unit per unique original file, plus one post-CDR unit
// per successful CDR engine for that file.
func PlanFiles(phase1Results []domain.Phase1Result) []FileUnit {
	seenOriginal := map[string]bool{}
	files := make([]FileUnit, 0, len(phase1Results))

	for _, r := range phase1Results {
		if !seenOriginal[r.OriginalBlobPath] {
			seenOriginal[r.OriginalBlobPath] = true
			files = append(files, FileUnit{BlobPath: r.OriginalBlobPath, Version: domain.VersionPreCDR, OriginalBlobPath: r.OriginalBlobPath})
		}
		if r.Status == domain.UnitSuccess {
			files = append(files, FileUnit{
				BlobPath:         r.SanitizedBlobPath,
				Version:          domain.VersionPostCDR,
				CDREngine:        r.CDREngine,
				OriginalBlobPath: r.OriginalBlobPath,
			})
		}
	}
	return files
}

// Plan builds the fan-out unit list: the Cartesian product of the planned
// files with the configured AV engines.
func (r *Runner) Plan(files []FileUnit, engines []adapters.AVEngine) []Unit {
	units := make([]Unit, 0, len(files)*len(engines))
	for _, f := range files {
		for _, e := range engines {
			units = append(units, Unit{File: f, Engine: e})
		}
	}
	return units
}

// Aggregate is the before/after detection comparison computed once every
// unit has produced a terminal result.
type Aggregate struct {
	PreCDRDetections          int     `json:"pre_cdr_detections"`
	PostCDRDetections         int     `json:"post_cdr_detections"`
	DetectionReduction        int     `json:"detection_reduction"`
	DetectionReductionPercent float64 `json:"detection_reduction_percent"`
}

// Run executes the full phase-2 fan-out and returns the per-unit results
// plus the aggregate comparison.
func (r *Runner) Run(ctx context.Context, job *domain.Job, units []Unit) ([]domain.Phase2Result, Aggregate, error) {
	worker := func(ctx context.Context, unit Unit) (domain.Phase2Result, domain.UnitStatus, bool, error) {
		result, status := r.runUnit(ctx, job.ContainerName, unit)
		return result, status, false, nil // spec §4.5 defines no retry policy for phase 2
	}

	results, err := phaseengine.Run(ctx, r.engine, job, domain.Phase2AV, units, worker, phaseengine.Options{
		Concurrency: r.cfg.MaxConcurrency,
		MaxRetries:  0,
	})
	if err != nil {
		return nil, Aggregate{}, err
	}

	agg := Aggregate{}
	for _, res := range results {
		metrics.Global().RecordUnitExecution("phase2_av", res.ScanMillis, false, res.Status == domain.UnitSuccess)
		if res.Status != domain.UnitSuccess || !res.IsMalicious {
			continue
		}
		switch res.Version {
		case domain.VersionPreCDR:
			agg.PreCDRDetections++
		case domain.VersionPostCDR:
			agg.PostCDRDetections++
		}
	}
	agg.DetectionReduction = agg.PreCDRDetections - agg.PostCDRDetections
	if agg.PreCDRDetections > 0 {
		agg.DetectionReductionPercent = 100 * float64(agg.DetectionReduction) / float64(agg.PreCDRDetections)
	}
	return results, agg, nil
}

func (r *Runner) runUnit(ctx context.Context, container string, unit Unit) (domain.Phase2Result, domain.UnitStatus) {
	started := time.Now()
	result := domain.Phase2Result{
		BlobPath:         unit.File.BlobPath,
		Version:          unit.File.Version,
		CDREngine:        unit.File.CDREngine,
		OriginalBlobPath: unit.File.OriginalBlobPath,
		AVEngine:         unit.Engine.Name(),
		StartedAt:        started,
	}

	local, cleanup, err := r.downloadToScratch(ctx, container, unit.File.BlobPath)
	if err != nil {
		result.Status = domain.UnitError
		result.Error = err.Error()
		result.EndedAt = time.Now()
		return result, result.Status
	}
	defer cleanup()

	verdict, err := unit.Engine.Scan(ctx, local)
	result.EndedAt = time.Now()
	result.ScanMillis = result.EndedAt.Sub(started).Milliseconds()
	if err != nil {
		result.Status = domain.UnitError
		result.Error = err.Error()
		return result, result.Status
	}

	result.IsMalicious = verdict.IsMalicious
	result.ThreatName = verdict.ThreatName
	result.Confidence = verdict.Confidence
	result.EngineVersion = verdict.EngineVersion
	result.Status = domain.UnitSuccess
	return result, result.Status
}

func (r *Runner) downloadToScratch(ctx context.Context, container, blobPath string) (localPath string, cleanup func(), err error) {
	dest, err := os.CreateTemp(r.cfg.ScratchDir, "cdrguard-phase2-*")
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
