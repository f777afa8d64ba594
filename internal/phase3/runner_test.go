package phase3

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/vmpool"
)

type fakeBlobStore struct {
	files map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{files: map[string][]byte{}} }

func (f *fakeBlobStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	return nil, nil
}

func (f *fakeBlobStore) Download(ctx context.Context, container, path, localDest string) error {
	data, ok := f.files[path]
	if !ok {
		return errors.New("no such blob: " + path)
	}
	return os.WriteFile(localDest, data, 0o600)
}

func (f *fakeBlobStore) Upload(ctx context.Context, container, localSrc, path string) error { return nil }

type fakeBackend struct {
	copyFails bool
	runFails  bool
}

func (f *fakeBackend) Create(ctx context.Context, spec adapters.VMSpec) (adapters.VMHandle, error) {
	return adapters.VMHandle{Name: "vm-1", PublicIP: "10.0.0.1"}, nil
}
func (f *fakeBackend) Delete(ctx context.Context, vm adapters.VMHandle) error { return nil }
func (f *fakeBackend) RunCommand(ctx context.Context, vm adapters.VMHandle, command string, timeout time.Duration) (string, error) {
	if f.runFails {
		return "", errors.New("detonation crashed the guest agent")
	}
	return "ok", nil
}
func (f *fakeBackend) CopyFile(ctx context.Context, vm adapters.VMHandle, localPath, remotePath string) error {
	if f.copyFails {
		return errors.New("copy refused")
	}
	return nil
}
func (f *fakeBackend) GetIPs(ctx context.Context, vm adapters.VMHandle) (string, string, error) {
	return vm.PublicIP, vm.PrivateIP, nil
}

type fakeConsole struct {
	name   string
	alerts []adapters.Alert
	err    error
}

func (c *fakeConsole) Name() string { return c.name }
func (c *fakeConsole) GetAlerts(ctx context.Context, host string, from, to time.Time) ([]adapters.Alert, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.alerts, nil
}

type memStore struct{ job *domain.Job }

func (m *memStore) CreateJob(ctx context.Context, job *domain.Job) error { m.job = job; return nil }
func (m *memStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.job, nil
}
func (m *memStore) UpdateJob(ctx context.Context, jobID string, update jobstore.JobUpdate) (*domain.Job, error) {
	return m.job, nil
}
func (m *memStore) IncrementProcessed(ctx context.Context, jobID string) error {
	m.job.Processed++
	return nil
}
func (m *memStore) IncrementFailed(ctx context.Context, jobID string) error {
	m.job.Failed++
	m.job.Processed++
	return nil
}
func (m *memStore) AppendPhaseResult(ctx context.Context, jobID string, phase domain.Phase, result any) error {
	return nil
}
func (m *memStore) ListPhaseResults(ctx context.Context, jobID string, phase domain.Phase, out any) error {
	return nil
}
func (m *memStore) ListRecentJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return []*domain.Job{m.job}, nil
}
func (m *memStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	m.job.Status = domain.JobCancelled
	return true, nil
}
func (m *memStore) DeleteJob(ctx context.Context, jobID string) error { return nil }
func (m *memStore) Close() error                                     { return nil }

func testPool(backend adapters.VMBackend) *vmpool.Pool {
	pool := vmpool.New(backend, vmpool.Config{Labels: []vmpool.LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 2, MaxUses: 10, BaseImage: "win10-base"},
	}})
	if err := pool.Initialize(context.Background()); err != nil {
		panic(err)
	}
	return pool
}

func fastConfig() Config {
	return Config{
		MaxConcurrency:      2,
		MaxRetries:          2,
		AcquireTimeout:      time.Second,
		InteractionDuration: time.Millisecond,
		SettleDelay:         time.Millisecond,
		ScratchDir:          os.TempDir(),
	}
}

func TestRunSuccessReleasesVMAndRecordsAlerts(t *testing.T) {
	blob := newFakeBlobStore()
	blob.files["a.pdf"] = []byte("original")
	backend := &fakeBackend{}
	pool := testPool(backend)
	defer pool.Shutdown(context.Background())

	job := &domain.Job{JobID: "j1", ContainerName: "uploads", Status: domain.JobRunning}
	store := &memStore{job: job}
	r := New(store, blob, pool, backend, fastConfig())

	console := &fakeConsole{name: "crowdstrike", alerts: []adapters.Alert{
		{ID: "a1", Severity: "high", ThreatType: "trojan"},
		{ID: "a2", Severity: "low", ThreatType: "trojan"},
	}}
	units := []Unit{{File: NewFileUnit("a.pdf", domain.VersionPreCDR, "", "a.pdf"), Console: console, EDR: "crowdstrike"}}

	results, agg, err := r.Run(context.Background(), job, units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Status != domain.UnitSuccess {
		t.Fatalf("expected success, got %v (%s)", results[0].Status, results[0].Error)
	}
	if results[0].AlertCount != 2 || results[0].HighSeverityCount != 1 {
		t.Fatalf("unexpected alert summary: %+v", results[0])
	}
	if !results[0].EDRDetected {
		t.Fatal("expected EDRDetected=true")
	}
	if agg.PreCDRAlerts != 2 {
		t.Fatalf("PreCDRAlerts = %d, want 2", agg.PreCDRAlerts)
	}

	stats := pool.Stats()
	if stats["crowdstrike"] != 2 {
		t.Fatalf("expected the VM to be returned to the pool, stats=%+v", stats)
	}
}

func TestRunReleasesVMEvenOnExecuteFailure(t *testing.T) {
	blob := newFakeBlobStore()
	blob.files["a.pdf"] = []byte("original")
	backend := &fakeBackend{runFails: true}
	pool := testPool(backend)
	defer pool.Shutdown(context.Background())

	job := &domain.Job{JobID: "j2", ContainerName: "uploads", Status: domain.JobRunning}
	store := &memStore{job: job}
	cfg := fastConfig()
	cfg.MaxRetries = 0
	r := New(store, blob, pool, backend, cfg)

	units := []Unit{{File: NewFileUnit("a.pdf", domain.VersionPreCDR, "", "a.pdf"), Console: &fakeConsole{name: "crowdstrike"}, EDR: "crowdstrike"}}

	results, _, err := r.Run(context.Background(), job, units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Status != domain.UnitError {
		t.Fatalf("expected error status, got %v", results[0].Status)
	}

	stats := pool.Stats()
	if stats["crowdstrike"] != 2 {
		t.Fatalf("expected the VM to still be returned to the pool after a failed unit, stats=%+v", stats)
	}
}

func TestRunAcquireTimeoutIsNotRetried(t *testing.T) {
	backend := &fakeBackend{}
	pool := vmpool.New(backend, vmpool.Config{Labels: []vmpool.LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 0, MaxUses: 10},
	}})
	defer pool.Shutdown(context.Background())

	job := &domain.Job{JobID: "j3", ContainerName: "uploads", Status: domain.JobRunning}
	store := &memStore{job: job}
	cfg := fastConfig()
	cfg.AcquireTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 5
	r := New(store, newFakeBlobStore(), pool, backend, cfg)

	units := []Unit{{File: NewFileUnit("a.pdf", domain.VersionPreCDR, "", "a.pdf"), Console: &fakeConsole{name: "crowdstrike"}, EDR: "crowdstrike"}}

	start := time.Now()
	results, _, err := r.Run(context.Background(), job, units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Status != domain.UnitError {
		t.Fatalf("expected error status on acquire timeout, got %v", results[0].Status)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("acquire timeout should not be retried, run took too long")
	}
}

func TestAggregateComputesPerLabelReduction(t *testing.T) {
	r := &Runner{}
	results := []domain.Phase3Result{
		{EDRConsole: "crowdstrike", Version: domain.VersionPreCDR, AlertCount: 4, Status: domain.UnitSuccess},
		{EDRConsole: "crowdstrike", Version: domain.VersionPostCDR, AlertCount: 1, Status: domain.UnitSuccess},
		{EDRConsole: "sentinelone", Version: domain.VersionPreCDR, AlertCount: 2, Status: domain.UnitSuccess},
		{EDRConsole: "sentinelone", Version: domain.VersionPostCDR, AlertCount: 0, Status: domain.UnitSuccess},
	}

	agg := r.aggregate(results)
	if agg.PreCDRAlerts != 6 || agg.PostCDRAlerts != 1 {
		t.Fatalf("unexpected overall totals: %+v", agg)
	}
	if agg.PerLabel["sentinelone"].ReductionPercent != 100 {
		t.Fatalf("expected 100%% reduction for sentinelone, got %+v", agg.PerLabel["sentinelone"])
	}
}
