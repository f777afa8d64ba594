package vmpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
)

// fakeBackend is a hand-written stand-in for adapters.VMBackend; no mocking
// library is used anywhere in this codebase.
type fakeBackend struct {
	created  atomic.Int64
	deleted  atomic.Int64
	failNext atomic.Bool
}

func (f *fakeBackend) Create(ctx context.Context, spec adapters.VMSpec) (adapters.VMHandle, error) {
	if f.failNext.Swap(false) {
		return adapters.VMHandle{}, fmt.Errorf("simulated provision failure")
	}
	n := f.created.Add(1)
	return adapters.VMHandle{Name: fmt.Sprintf("%s-vm-%d", spec.EDRLabel, n), PublicIP: "10.0.0.1"}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, vm adapters.VMHandle) error {
	f.deleted.Add(1)
	return nil
}

func (f *fakeBackend) RunCommand(ctx context.Context, vm adapters.VMHandle, command string, timeout time.Duration) (string, error) {
	return "ok", nil
}

func (f *fakeBackend) CopyFile(ctx context.Context, vm adapters.VMHandle, localPath, remotePath string) error {
	return nil
}

func (f *fakeBackend) GetIPs(ctx context.Context, vm adapters.VMHandle) (string, string, error) {
	return vm.PublicIP, vm.PrivateIP, nil
}

func testConfig() Config {
	return Config{Labels: []LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 2, MaxUses: 3, CleanTimeout: time.Second, BaseImage: "win10-base"},
	}}
}

func TestInitializeAndAcquire(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, testConfig())

	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	vm, err := pool.Acquire(ctx, "crowdstrike", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if vm.UseCount != 1 {
		t.Fatalf("UseCount = %d, want 1", vm.UseCount)
	}
	if string(vm.State) != "in_use" {
		t.Fatalf("State = %v, want in_use", vm.State)
	}
}

func TestAcquireUnknownLabel(t *testing.T) {
	pool := New(&fakeBackend{}, testConfig())
	if _, err := pool.Acquire(context.Background(), "bogus", time.Second); err == nil {
		t.Fatal("expected error for unknown label")
	}
}

func TestAcquireTimesOutWhenEmpty(t *testing.T) {
	pool := New(&fakeBackend{}, Config{Labels: []LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 0, MaxUses: 3},
	}})

	_, err := pool.Acquire(context.Background(), "crowdstrike", 20*time.Millisecond)
	if err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestReleaseRecyclesAtMaxUses(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, Config{Labels: []LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 1, MaxUses: 1, BaseImage: "win10-base"},
	}})

	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	vm, err := pool.Acquire(ctx, "crowdstrike", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := pool.Release(ctx, vm, true); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if backend.deleted.Load() != 1 {
		t.Fatalf("expected the at-limit VM to be deleted, deleted=%d", backend.deleted.Load())
	}

	// A replacement VM should have been provisioned and be acquirable.
	if _, err := pool.Acquire(ctx, "crowdstrike", time.Second); err != nil {
		t.Fatalf("expected replacement VM to be acquirable: %v", err)
	}
}

func TestReleaseWithoutCleanRequeuesDirectly(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, Config{Labels: []LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 1, MaxUses: 10, BaseImage: "win10-base"},
	}})

	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	vm, err := pool.Acquire(ctx, "crowdstrike", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := pool.Release(ctx, vm, false); err != nil {
		t.Fatalf("Release: %v", err)
	}

	vm2, err := pool.Acquire(ctx, "crowdstrike", time.Second)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if vm2.VMName != vm.VMName {
		t.Fatalf("expected same VM re-acquired without cleaning, got %s vs %s", vm2.VMName, vm.VMName)
	}
}

func TestInitializeSurvivesPartialProvisionFailure(t *testing.T) {
	backend := &fakeBackend{}
	backend.failNext.Store(true)
	pool := New(backend, Config{Labels: []LabelConfig{
		{EDRLabel: "crowdstrike", PoolSize: 2, MaxUses: 3, BaseImage: "win10-base"},
	}})

	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize should not fail on partial provisioning errors: %v", err)
	}

	stats := pool.Stats()
	if stats["crowdstrike"] != 1 {
		t.Fatalf("expected pool to run at reduced capacity (1), got %d", stats["crowdstrike"])
	}
}

func TestShutdownDeletesAllTrackedVMs(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, testConfig())

	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if backend.deleted.Load() != 2 {
		t.Fatalf("expected 2 VMs deleted, got %d", backend.deleted.Load())
	}
}
