// Package phase3 runs the EDR detonation phase, per spec §4.6.
package phase3

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/logging"
	"github.com/oriys/cdrguard/internal/metrics"
	"github.com/oriys/cdrguard/internal/phaseengine"
	"github.com/oriys/cdrguard/internal/vmpool"
)

// Config is the phase-3 specific slice of the configuration inputs.
type Config struct {
	MaxConcurrency      int
	MaxRetries          int           // default 3, per spec §4.6
	AcquireTimeout      time.Duration // default 1h, per spec §5
	InteractionDuration time.Duration // detonation dwell time, default 300s
	SettleDelay         time.Duration // propagation delay, default 60s
	ScratchDir          string
	// SampleAlertsCap bounds how many raw alerts are retained per unit
	// result, per spec §3's "first K raw entries for later analysis".
	SampleAlertsCap int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = time.Hour
	}
	if c.InteractionDuration == 0 {
		c.InteractionDuration = 300 * time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 60 * time.Second
	}
	if c.SampleAlertsCap == 0 {
		c.SampleAlertsCap = 10
	}
	return c
}

// Unit is one (file, EDR console) pair to detonate and query.
type Unit struct {
	File    FileUnit
	Console adapters.EDRConsole
	EDR     string // pool label used to acquire a detonation VM; matches Console.Name() by convention
}

// FileUnit mirrors phase2.FileUnit's shape without importing phase2,
// keeping phase3 usable standalone; the coordinator passes the same values
// through from phase2.PlanFiles.
type FileUnit struct {
	BlobPath         string
	Version          domain.FileVersion
	CDREngine        string
	OriginalBlobPath string
}

// NewFileUnit constructs a phase-3 file unit from the blob path, version,
// CDR engine label, and original path — the same tuple phase2.FileUnit
// carries.
func NewFileUnit(blobPath string, version domain.FileVersion, cdrEngine, originalBlobPath string) FileUnit {
	return FileUnit{BlobPath: blobPath, Version: version, CDREngine: cdrEngine, OriginalBlobPath: originalBlobPath}
}

// Runner drives phase 3 to completion. It holds the VM backend directly (in
// addition to the pool, which only hands out and reclaims VM records) since
// copying a file and running the detonation command are backend operations
// the pool itself does not perform on the caller's behalf.
type Runner struct {
	engine  *phaseengine.Engine
	store   jobstore.Store
	blob    adapters.BlobStore
	pool    *vmpool.Pool
	backend adapters.VMBackend
	cfg     Config
}

func New(store jobstore.Store, blob adapters.BlobStore, pool *vmpool.Pool, backend adapters.VMBackend, cfg Config) *Runner {
	return &Runner{engine: phaseengine.New(store), store: store, blob: blob, pool: pool, backend: backend, cfg: cfg.withDefaults()}
}

// Plan builds the fan-out unit list: the Cartesian product of the planned
// files with the configured EDR consoles.
func (r *Runner) Plan(files []FileUnit, consoles map[string]adapters.EDRConsole) []Unit {
	units := make([]Unit, 0, len(files)*len(consoles))
	for _, f := range files {
		for label, c := range consoles {
			units = append(units, Unit{File: f, Console: c, EDR: label})
		}
	}
	return units
}

// Aggregate is the before/after alert comparison, overall and per EDR label.
type Aggregate struct {
	PreCDRAlerts           int                    `json:"pre_cdr_alerts"`
	PostCDRAlerts          int                    `json:"post_cdr_alerts"`
	AlertReduction         int                    `json:"alert_reduction"`
	AlertReductionPercent  float64                `json:"alert_reduction_percent"`
	PerLabel               map[string]LabelStats  `json:"per_label"`
}

// LabelStats is the per-EDR-label row of the aggregate table.
type LabelStats struct {
	TestsPerformed        int     `json:"tests_performed"`
	PreCDRAlerts          int     `json:"pre_cdr_alerts"`
	PostCDRAlerts         int     `json:"post_cdr_alerts"`
	ReductionPercent      float64 `json:"reduction_percent"`
}

// Run executes the full phase-3 fan-out and returns the per-unit results
// plus the aggregate alert-reduction comparison.
func (r *Runner) Run(ctx context.Context, job *domain.Job, units []Unit) ([]domain.Phase3Result, Aggregate, error) {
	worker := func(ctx context.Context, unit Unit) (domain.Phase3Result, domain.UnitStatus, bool, error) {
		result, status, retryable, err := r.runUnit(ctx, job.JobID, job.ContainerName, unit)
		return result, status, retryable, err
	}

	results, err := phaseengine.Run(ctx, r.engine, job, domain.Phase3EDR, units, worker, phaseengine.Options{
		Concurrency: r.cfg.MaxConcurrency,
		MaxRetries:  r.cfg.MaxRetries,
		RetryDelay:  r.cfg.SettleDelay,
	})
	if err != nil {
		return nil, Aggregate{}, err
	}

	return results, r.aggregate(results), nil
}

func (r *Runner) aggregate(results []domain.Phase3Result) Aggregate {
	agg := Aggregate{PerLabel: map[string]LabelStats{}}
	for _, res := range results {
		durationMs := res.Window.End.Sub(res.Window.Start).Milliseconds()
		metrics.Global().RecordUnitExecution("phase3_edr", durationMs, res.Retries > 0, res.Status == domain.UnitSuccess)
		if res.Status != domain.UnitSuccess {
			continue
		}
		stats := agg.PerLabel[res.EDRConsole]
		stats.TestsPerformed++
		switch res.Version {
		case domain.VersionPreCDR:
			agg.PreCDRAlerts += res.AlertCount
			stats.PreCDRAlerts += res.AlertCount
		case domain.VersionPostCDR:
			agg.PostCDRAlerts += res.AlertCount
			stats.PostCDRAlerts += res.AlertCount
		}
		agg.PerLabel[res.EDRConsole] = stats
	}

	agg.AlertReduction = agg.PreCDRAlerts - agg.PostCDRAlerts
	if agg.PreCDRAlerts > 0 {
		agg.AlertReductionPercent = 100 * float64(agg.AlertReduction) / float64(agg.PreCDRAlerts)
	}
	for label, stats := range agg.PerLabel {
		if stats.PreCDRAlerts > 0 {
			stats.ReductionPercent = 100 * float64(stats.PreCDRAlerts-stats.PostCDRAlerts) / float64(stats.PreCDRAlerts)
		}
		agg.PerLabel[label] = stats
	}
	return agg
}

// runUnit is the critical path of spec §4.6: acquire → download → copy →
// execute → settle → query → summarize → release (unconditionally, with
// Clean=true), scoped so the VM is returned along every exit path.
func (r *Runner) runUnit(ctx context.Context, jobID, container string, unit Unit) (domain.Phase3Result, domain.UnitStatus, bool, error) {
	result := domain.Phase3Result{
		BlobPath:         unit.File.BlobPath,
		Version:          unit.File.Version,
		CDREngine:        unit.File.CDREngine,
		OriginalBlobPath: unit.File.OriginalBlobPath,
		EDRConsole:       unit.Console.Name(),
	}

	start := time.Now()
	defer func() {
		logging.Default().Log(&logging.DetonationLog{
			JobID:      jobID,
			BlobPath:   unit.File.BlobPath,
			VMName:     result.VMName,
			EDRConsole: result.EDRConsole,
			DurationMs: time.Since(start).Milliseconds(),
			Success:    result.Status == domain.UnitSuccess,
			Error:      result.Error,
			AlertCount: result.AlertCount,
			Retries:    result.Retries,
		})
	}()

	vm, err := r.pool.Acquire(ctx, unit.EDR, r.cfg.AcquireTimeout)
	if err != nil {
		// Acquire-timeouts are not retried, per spec §4.6.
		result.Status = domain.UnitError
		result.Error = fmt.Sprintf("acquire vm: %v", err)
		return result, result.Status, false, nil
	}
	result.VMName = vm.VMName

	// Every other exit path below must release the VM exactly once, with
	// Clean=true, regardless of how step 2-7 concluded.
	defer func() {
		if relErr := r.pool.Release(context.WithoutCancel(ctx), vm, true); relErr != nil {
			result.Error = appendErr(result.Error, fmt.Sprintf("release vm: %v", relErr))
		}
	}()

	local, cleanup, err := r.downloadToScratch(ctx, container, unit.File.BlobPath)
	if err != nil {
		result.Status = domain.UnitError
		result.Error = err.Error()
		return result, result.Status, true, err
	}
	defer cleanup()

	handle := adapters.VMHandle{Name: vm.VMName, PublicIP: vm.PublicIP, PrivateIP: vm.PrivateIP}

	remotePath := path.Join(`C:\cdrguard`, path.Base(unit.File.BlobPath))
	if err := r.backend.CopyFile(ctx, handle, local, remotePath); err != nil {
		result.Status = domain.UnitError
		result.Error = fmt.Sprintf("copy to vm: %v", err)
		return result, result.Status, true, err
	}

	window := domain.ExecutionWindow{Start: time.Now()}
	output, err := r.backend.RunCommand(ctx, handle, detonateCommand(remotePath), r.cfg.InteractionDuration)
	if err != nil {
		result.Status = domain.UnitError
		result.Error = fmt.Sprintf("execute on vm: %v", err)
		return result, result.Status, true, err
	}
	window.End = time.Now()
	result.Window = window

	if store := logging.GetOutputStore(); store != nil {
		store.Store(fmt.Sprintf("%s-%s", jobID, vm.VMName), jobID, output)
	}

	select {
	case <-time.After(r.cfg.SettleDelay):
	case <-ctx.Done():
		result.Status = domain.UnitError
		result.Error = ctx.Err().Error()
		return result, result.Status, true, ctx.Err()
	}

	alerts, err := unit.Console.GetAlerts(ctx, vm.VMName, window.Start, window.End.Add(r.cfg.SettleDelay))
	if err != nil {
		result.Status = domain.UnitError
		result.Error = fmt.Sprintf("query alerts: %v", err)
		return result, result.Status, true, err
	}

	r.summarize(&result, alerts)
	result.Status = domain.UnitSuccess
	return result, result.Status, false, nil
}

func (r *Runner) summarize(result *domain.Phase3Result, alerts []adapters.Alert) {
	result.AlertCount = len(alerts)
	result.EDRDetected = result.AlertCount > 0

	seenTypes := map[string]bool{}
	for i, a := range alerts {
		if !seenTypes[a.ThreatType] {
			seenTypes[a.ThreatType] = true
			result.AlertTypes = append(result.AlertTypes, a.ThreatType)
		}
		if isHighSeverity(a.Severity) {
			result.HighSeverityCount++
		}
		if i < r.cfg.SampleAlertsCap {
			result.SampleAlerts = append(result.SampleAlerts, domain.AlertRecord{
				AlertID:    a.ID,
				Severity:   a.Severity,
				ThreatType: a.ThreatType,
				Detail:     a.Detail,
				Timestamp:  a.Timestamp,
			})
		}
	}
}

func isHighSeverity(severity string) bool {
	switch severity {
	case "high", "critical":
		return true
	default:
		return false
	}
}

func detonateCommand(remotePath string) string {
	return fmt.Sprintf(`powershell -NoProfile -ExecutionPolicy Bypass -Command "Start-Process -FilePath '%s' -Wait"`, remotePath)
}

func appendErr(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}

func (r *Runner) downloadToScratch(ctx context.Context, container, blobPath string) (localPath string, cleanup func(), err error) {
	dest, err := os.CreateTemp(r.cfg.ScratchDir, "cdrguard-phase3-*")
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
