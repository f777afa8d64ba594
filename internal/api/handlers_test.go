package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oriys/cdrguard/internal/coordinator"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
)

// fakeStore is a hand-written in-memory jobstore.Store, in the teacher's
// fakes-not-mocks test style.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	results map[string][]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*domain.Job{}, results: map[string][]json.RawMessage{}}
}

func (f *fakeStore) CreateJob(_ context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) UpdateJob(_ context.Context, jobID string, update jobstore.JobUpdate) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrJobNotFound
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.CurrentPhase != nil {
		job.CurrentPhase = *update.CurrentPhase
	}
	if update.TotalUnits != nil {
		job.TotalUnits = *update.TotalUnits
	}
	if update.PhaseSummary != nil {
		if job.PhaseSummaries == nil {
			job.PhaseSummaries = map[domain.Phase]domain.PhaseSummary{}
		}
		job.PhaseSummaries[update.PhaseSummary.Phase] = *update.PhaseSummary
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	if update.CompletedNow {
		now := time.Now()
		job.CompletedAt = &now
	}
	if update.CancelledNow {
		now := time.Now()
		job.CancelledAt = &now
	}
	return job, nil
}

func (f *fakeStore) IncrementProcessed(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.Processed++
	}
	return nil
}

func (f *fakeStore) IncrementFailed(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.Processed++
		job.Failed++
	}
	return nil
}

func (f *fakeStore) AppendPhaseResult(_ context.Context, jobID string, _ domain.Phase, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	f.results[jobID] = append(f.results[jobID], raw)
	return nil
}

func (f *fakeStore) ListPhaseResults(_ context.Context, jobID string, _ domain.Phase, out any) error {
	f.mu.Lock()
	raws := append([]json.RawMessage(nil), f.results[jobID]...)
	f.mu.Unlock()
	combined, err := json.Marshal(raws)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, out)
}

func (f *fakeStore) ListRecentJobs(_ context.Context, limit int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := make([]*domain.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		jobs = append(jobs, j)
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (f *fakeStore) CancelJob(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = domain.JobCancelled
	return true, nil
}

func (f *fakeStore) DeleteJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
	delete(f.results, jobID)
	return nil
}

func (f *fakeStore) Close() error { return nil }

var _ jobstore.Store = (*fakeStore)(nil)

func TestHandleGetJobNotFound(t *testing.T) {
	store := newFakeStore()
	h := &Handler{Store: store}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListJobs(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.jobs["job-1"] = &domain.Job{JobID: "job-1", ContainerName: "uploads", Status: domain.JobCompleted, CreatedAt: now}
	h := &Handler{Store: store}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Jobs []domain.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Jobs) != 1 || body.Jobs[0].JobID != "job-1" {
		t.Fatalf("unexpected jobs list: %+v", body.Jobs)
	}
}

func TestHandleSubmitBatchRejectsMissingPhase1(t *testing.T) {
	store := newFakeStore()
	coord := coordinator.New(store, coordinator.EngineSet{}, coordinator.Config{})
	h := &Handler{Store: store, Coordinator: coord}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	reqBody, _ := json.Marshal(domain.BatchJobRequest{
		ContainerName: "uploads",
		EnabledPhases: []domain.Phase{domain.Phase2AV},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/batch", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSubmitBatchAccepted(t *testing.T) {
	store := newFakeStore()
	coord := coordinator.New(store, coordinator.EngineSet{}, coordinator.Config{})
	h := &Handler{Store: store, Coordinator: coord}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// No enabled phases: the background run loop completes immediately
	// without touching any adapter, keeping this test free of goroutine
	// races against unconfigured engines.
	reqBody, _ := json.Marshal(domain.BatchJobRequest{ContainerName: "uploads"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/batch", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.JobID == "" || job.Status != domain.JobPending {
		t.Fatalf("unexpected job in response: %+v", job)
	}
}
