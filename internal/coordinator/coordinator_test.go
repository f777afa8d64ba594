package coordinator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/phase1"
	"github.com/oriys/cdrguard/internal/phase2"
	"github.com/oriys/cdrguard/internal/phase3"
	"github.com/oriys/cdrguard/internal/vmpool"
)

// memStore is a hand-written in-memory stand-in for jobstore.Store.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemStore() *memStore { return &memStore{jobs: map[string]*domain.Job{}} }

func (m *memStore) CreateJob(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
	return nil
}

func (m *memStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrJobNotFound
	}
	return j, nil
}

func (m *memStore) UpdateJob(ctx context.Context, jobID string, update jobstore.JobUpdate) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return nil, jobstore.ErrJobTerminal
	}
	if update.Status != nil {
		j.Status = *update.Status
	}
	if update.CurrentPhase != nil {
		j.CurrentPhase = *update.CurrentPhase
	}
	if update.TotalUnits != nil {
		j.TotalUnits = *update.TotalUnits
	}
	if update.PhaseSummary != nil {
		if j.PhaseSummaries == nil {
			j.PhaseSummaries = map[domain.Phase]domain.PhaseSummary{}
		}
		j.PhaseSummaries[update.PhaseSummary.Phase] = *update.PhaseSummary
	}
	if update.ErrorMessage != nil {
		j.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil && *update.StartedAt && j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
	}
	if update.CompletedNow {
		now := time.Now()
		j.CompletedAt = &now
	}
	if update.CancelledNow {
		now := time.Now()
		j.CancelledAt = &now
	}
	return j, nil
}

func (m *memStore) IncrementProcessed(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Processed++
	return nil
}

func (m *memStore) IncrementFailed(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Failed++
	m.jobs[jobID].Processed++
	return nil
}

func (m *memStore) AppendPhaseResult(ctx context.Context, jobID string, phase domain.Phase, result any) error {
	return nil
}

func (m *memStore) ListPhaseResults(ctx context.Context, jobID string, phase domain.Phase, out any) error {
	return nil
}

func (m *memStore) ListRecentJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = domain.JobCancelled
	return true, nil
}

func (m *memStore) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) snapshot(jobID string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[jobID]
}

type fakeBlobStore struct {
	files map[string][]byte
	mu    sync.Mutex
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{files: map[string][]byte{}} }

func (f *fakeBlobStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	return nil, nil
}

func (f *fakeBlobStore) Download(ctx context.Context, container, path, localDest string) error {
	f.mu.Lock()
	data, ok := f.files[path]
	f.mu.Unlock()
	if !ok {
		return errors.New("no such blob: " + path)
	}
	return os.WriteFile(localDest, data, 0o600)
}

func (f *fakeBlobStore) Upload(ctx context.Context, container, localSrc, path string) error {
	data, err := os.ReadFile(localSrc)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.files[path] = data
	f.mu.Unlock()
	return nil
}

type fakeCDREngine struct{ name string }

func (e *fakeCDREngine) Name() string { return e.name }
func (e *fakeCDREngine) Sanitize(ctx context.Context, localPath string) (adapters.SanitizeResult, error) {
	out := localPath + ".out"
	if err := os.WriteFile(out, []byte("clean"), 0o600); err != nil {
		return adapters.SanitizeResult{}, err
	}
	return adapters.SanitizeResult{Status: adapters.SanitizeOK, SanitizedPath: out, BytesAfter: 5}, nil
}

type fakeAVEngine struct{ name string }

func (e *fakeAVEngine) Name() string { return e.name }
func (e *fakeAVEngine) Scan(ctx context.Context, localPath string) (adapters.ScanVerdict, error) {
	return adapters.ScanVerdict{IsMalicious: false, Confidence: 90}, nil
}

type fakeVMBackend struct{ counter int }

func (b *fakeVMBackend) Create(ctx context.Context, spec adapters.VMSpec) (adapters.VMHandle, error) {
	b.counter++
	return adapters.VMHandle{Name: "vm-1", PublicIP: "10.0.0.1"}, nil
}
func (b *fakeVMBackend) Delete(ctx context.Context, vm adapters.VMHandle) error { return nil }
func (b *fakeVMBackend) RunCommand(ctx context.Context, vm adapters.VMHandle, command string, timeout time.Duration) (string, error) {
	return "ok", nil
}
func (b *fakeVMBackend) CopyFile(ctx context.Context, vm adapters.VMHandle, localPath, remotePath string) error {
	return nil
}
func (b *fakeVMBackend) GetIPs(ctx context.Context, vm adapters.VMHandle) (string, string, error) {
	return vm.PublicIP, vm.PrivateIP, nil
}

type fakeConsole struct{ name string }

func (c *fakeConsole) Name() string { return c.name }
func (c *fakeConsole) GetAlerts(ctx context.Context, host string, from, to time.Time) ([]adapters.Alert, error) {
	return nil, nil
}

func waitForTerminal(t *testing.T, store *memStore, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := store.snapshot(jobID)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return domain.Job{}
}

func newTestCoordinator(blob *fakeBlobStore, backend adapters.VMBackend) (*Coordinator, *memStore) {
	store := newMemStore()
	pool := vmpool.New(backend, vmpool.Config{Labels: []vmpool.LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 1, MaxUses: 10, BaseImage: "win10-base"},
	}})
	_ = pool.Initialize(context.Background())

	engines := EngineSet{
		CDR:     []adapters.CDREngine{&fakeCDREngine{name: "glasswall"}},
		AV:      []adapters.AVEngine{&fakeAVEngine{name: "defender"}},
		EDR:     map[string]adapters.EDRConsole{"crowdstrike": &fakeConsole{name: "crowdstrike"}},
		Blob:    blob,
		Backend: backend,
		Pool:    pool,
	}
	cfg := Config{
		Phase1: phase1.Config{MaxConcurrency: 2, ScratchDir: os.TempDir()},
		Phase2: phase2.Config{MaxConcurrency: 2, ScratchDir: os.TempDir()},
		Phase3: phase3.Config{MaxConcurrency: 2, AcquireTimeout: time.Second, InteractionDuration: time.Millisecond, SettleDelay: time.Millisecond, ScratchDir: os.TempDir()},
	}
	return New(store, engines, cfg), store
}

func TestSubmitRunsAllThreePhasesToCompletion(t *testing.T) {
	blob := newFakeBlobStore()
	blob.files["a.pdf"] = []byte("original-a")
	backend := &fakeVMBackend{}
	coord, store := newTestCoordinator(blob, backend)

	job, err := coord.Submit(context.Background(), domain.BatchJobRequest{
		ContainerName: "uploads",
		FilePaths:     []string{"a.pdf"},
		EnabledPhases: []domain.Phase{domain.Phase1CDR, domain.Phase2AV, domain.Phase3EDR},
		Priority:      domain.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, store, job.JobID)
	if final.Status != domain.JobCompleted {
		t.Fatalf("expected Completed, got %v (error=%q)", final.Status, final.ErrorMessage)
	}
	if final.ProgressPercent() != 100 {
		t.Fatalf("expected 100%% progress, got %.1f", final.ProgressPercent())
	}
	if len(final.PhaseSummaries) != 3 {
		t.Fatalf("expected 3 phase summaries, got %d", len(final.PhaseSummaries))
	}
}

func TestSubmitRejectsPhase2WithoutPhase1(t *testing.T) {
	blob := newFakeBlobStore()
	coord, _ := newTestCoordinator(blob, &fakeVMBackend{})

	_, err := coord.Submit(context.Background(), domain.BatchJobRequest{
		ContainerName: "uploads",
		EnabledPhases: []domain.Phase{domain.Phase2AV},
		Priority:      domain.PriorityNormal,
	})
	if err == nil {
		t.Fatal("expected an error rejecting phase 2 without phase 1")
	}
}

func TestSubmitRequiresContainerName(t *testing.T) {
	coord, _ := newTestCoordinator(newFakeBlobStore(), &fakeVMBackend{})
	_, err := coord.Submit(context.Background(), domain.BatchJobRequest{EnabledPhases: []domain.Phase{domain.Phase1CDR}})
	if err == nil {
		t.Fatal("expected an error for missing container_name")
	}
}

func TestSubmitWithNoFilesCompletesImmediatelyAtZeroUnits(t *testing.T) {
	coord, store := newTestCoordinator(newFakeBlobStore(), &fakeVMBackend{})

	job, err := coord.Submit(context.Background(), domain.BatchJobRequest{
		ContainerName: "empty-bucket",
		FilePaths:     []string{},
		EnabledPhases: []domain.Phase{domain.Phase1CDR},
		Priority:      domain.PriorityLow,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, store, job.JobID)
	if final.Status != domain.JobCompleted {
		t.Fatalf("expected Completed, got %v", final.Status)
	}
	if final.TotalUnits != 0 || final.ProgressPercent() != 0 {
		t.Fatalf("expected TotalUnits=0 and ProgressPercent=0, got %+v", final)
	}
}

func TestCancelHaltsJob(t *testing.T) {
	coord, store := newTestCoordinator(newFakeBlobStore(), &fakeVMBackend{})

	job, err := coord.Submit(context.Background(), domain.BatchJobRequest{
		ContainerName: "uploads",
		FilePaths:     []string{},
		EnabledPhases: []domain.Phase{domain.Phase1CDR},
		Priority:      domain.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ok, err := coord.Cancel(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_ = ok // the job may already be terminal by the time Cancel runs; both outcomes are valid here

	final := waitForTerminal(t, store, job.JobID)
	if !final.Status.IsTerminal() {
		t.Fatalf("expected a terminal status, got %v", final.Status)
	}
}
