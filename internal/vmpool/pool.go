// Package vmpool serves ready-to-use detonation VMs, one pool per EDR
// label, from a bounded, recycled set — per spec §4.2.
//
// # Design rationale
//
// Provisioning a detonation VM is expensive (minutes, not milliseconds), so
// the pool keeps PoolSize VMs warm per label and hands them out with
// Acquire/Release rather than creating one per phase-3 unit. A VM is
// recycled (destroyed and replaced) after MaxUses executions rather than
// reused forever, since repeated detonation runs accumulate EDR telemetry
// noise and forensic residue that a cleanup script cannot fully erase.
//
// # Topology
//
// One queue per EDR label. Acquire(label, ...) only ever waits on traffic
// for that label: a caller blocked on "crowdstrike" is never affected by
// "sentinelone" traffic. This matches spec §4.2's FIFO-within-label,
// no-cross-label-scheduling ordering requirement.
//
// # Concurrency model
//
// Each label's queue is a buffered Go channel of *domain.VMRecord acting as
// the ready set; Acquire receives from it (blocking with a timeout via
// context), Release sends back onto it. A channel is the idiomatic Go
// analogue of the bounded blocking queue the pool's originating design used,
// and gives FIFO ordering and blocking-with-timeout for free without a
// condition variable. Per-label VM accounting (count, in-flight) uses a
// mutex-guarded map since mutations are rare relative to Acquire traffic.
//
// # Invariants
//
//   - At any instant, tracked VMs for a label equals PoolSize minus those
//     currently in Recycling and those whose provisioning failed.
//   - A VM in InUse is owned by exactly one caller.
//   - A VM cannot be returned to the queue while InUse, Cleaning, or
//     Recycling.
package vmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/logging"
	"github.com/oriys/cdrguard/internal/metrics"
)

// ErrTimedOut is returned by Acquire when no VM becomes available within
// the caller's timeout, and by in-flight Acquire calls when Shutdown runs.
var ErrTimedOut = errors.New("vmpool: acquire timed out")

// LabelConfig is the per-EDR-label pool configuration.
type LabelConfig struct {
	EDRLabel     string
	PoolSize     int
	MaxUses      int
	CleanTimeout time.Duration
	BaseImage    string
	VMSize       string
	SubnetID     string
	AdminUser    string
	AdminPass    string
}

// Config holds the full pool configuration: one LabelConfig per EDR label.
type Config struct {
	Labels []LabelConfig
}

type labelPool struct {
	cfg      LabelConfig
	queue    chan *domain.VMRecord
	mu       sync.Mutex
	tracked  map[string]*domain.VMRecord // vm name -> record, including those not currently queued
}

// Pool is the central VM resource manager, one labelPool per EDR label.
type Pool struct {
	backend adapters.VMBackend
	labels  map[string]*labelPool
	group   singleflight.Group

	mu       sync.RWMutex
	closing  bool
}

func New(backend adapters.VMBackend, cfg Config) *Pool {
	p := &Pool{
		backend: backend,
		labels:  make(map[string]*labelPool, len(cfg.Labels)),
	}
	for _, lc := range cfg.Labels {
		p.labels[lc.EDRLabel] = &labelPool{
			cfg:     lc,
			queue:   make(chan *domain.VMRecord, lc.PoolSize),
			tracked: make(map[string]*domain.VMRecord, lc.PoolSize),
		}
	}
	return p
}

// Initialize concurrently provisions PoolSize VMs for every configured EDR
// label. Per-VM provisioning failures are logged and do not abort sibling
// provisioning; the pool simply runs under capacity for that label.
func (p *Pool) Initialize(ctx context.Context) error {
	var wg sync.WaitGroup
	for label, lp := range p.labels {
		for i := 0; i < lp.cfg.PoolSize; i++ {
			wg.Add(1)
			go func(label string, lp *labelPool) {
				defer wg.Done()
				if err := p.provisionOne(ctx, lp); err != nil {
					logging.Op().Warn("vm provisioning failed during initialize",
						"edr_label", label, "error", err)
				}
			}(label, lp)
		}
	}
	wg.Wait()
	return nil
}

func (p *Pool) provisionOne(ctx context.Context, lp *labelPool) error {
	name := fmt.Sprintf("edr-%s-%s", lp.cfg.EDRLabel, uuid.New().String()[:8])

	record := &domain.VMRecord{
		VMName:    name,
		EDRLabel:  lp.cfg.EDRLabel,
		State:     domain.VMProvisioning,
		CreatedAt: time.Now(),
		MaxUses:   lp.cfg.MaxUses,
	}
	lp.mu.Lock()
	lp.tracked[name] = record
	lp.mu.Unlock()

	handle, err := p.backend.Create(ctx, adapters.VMSpec{
		EDRLabel:      lp.cfg.EDRLabel,
		BaseImage:     lp.cfg.BaseImage,
		VMSize:        lp.cfg.VMSize,
		SubnetID:      lp.cfg.SubnetID,
		AdminUsername: lp.cfg.AdminUser,
		AdminPassword: lp.cfg.AdminPass,
	})
	if err != nil {
		lp.mu.Lock()
		delete(lp.tracked, name)
		lp.mu.Unlock()
		return fmt.Errorf("provision vm %s: %w", name, err)
	}

	lp.mu.Lock()
	record.State = domain.VMAvailable
	record.PublicIP = handle.PublicIP
	record.PrivateIP = handle.PrivateIP
	lp.mu.Unlock()

	err = p.enqueue(lp, record)
	p.recordGauge(lp.cfg.EDRLabel, lp)
	return err
}

// Acquire blocks until an Available VM exists in the label's queue, or the
// timeout elapses. On success it transitions the VM to InUse, stamps
// LastUsedAt, and increments UseCount.
func (p *Pool) Acquire(ctx context.Context, edrLabel string, timeout time.Duration) (*domain.VMRecord, error) {
	lp, ok := p.labels[edrLabel]
	if !ok {
		return nil, fmt.Errorf("vmpool: unknown edr label %q", edrLabel)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	waitStart := time.Now()
	select {
	case record, ok := <-lp.queue:
		metrics.SetQueueWaitMs(edrLabel, time.Since(waitStart).Milliseconds())
		if !ok {
			return nil, ErrTimedOut // queue closed by Shutdown
		}
		lp.mu.Lock()
		record.State = domain.VMInUse
		now := time.Now()
		record.LastUsedAt = &now
		record.UseCount++
		lp.mu.Unlock()
		p.recordGauge(edrLabel, lp)
		return record, nil
	case <-waitCtx.Done():
		metrics.SetQueueWaitMs(edrLabel, time.Since(waitStart).Milliseconds())
		return nil, ErrTimedOut
	}
}

// Release returns a VM to service according to spec §4.2's three-way
// policy: recycle if past MaxUses, clean-then-requeue if Clean is true,
// otherwise requeue directly.
func (p *Pool) Release(ctx context.Context, vm *domain.VMRecord, clean bool) error {
	lp, ok := p.labels[vm.EDRLabel]
	if !ok {
		return fmt.Errorf("vmpool: unknown edr label %q", vm.EDRLabel)
	}

	if vm.DueForRecycle() {
		return p.recycle(ctx, lp, vm)
	}

	if clean {
		lp.mu.Lock()
		vm.State = domain.VMCleaning
		lp.mu.Unlock()

		cleanCtx := ctx
		var cancel context.CancelFunc
		if lp.cfg.CleanTimeout > 0 {
			cleanCtx, cancel = context.WithTimeout(ctx, lp.cfg.CleanTimeout)
			defer cancel()
		}

		handle := adapters.VMHandle{Name: vm.VMName, PublicIP: vm.PublicIP, PrivateIP: vm.PrivateIP}
		_, err := p.backend.RunCommand(cleanCtx, handle, cleanupScript, lp.cfg.CleanTimeout)
		if err != nil {
			logging.Op().Warn("vm cleanup failed, recycling instead", "vm", vm.VMName, "error", err)
			return p.recycle(ctx, lp, vm)
		}
	}

	lp.mu.Lock()
	vm.State = domain.VMAvailable
	lp.mu.Unlock()

	err := p.enqueue(lp, vm)
	p.recordGauge(vm.EDRLabel, lp)
	return err
}

// enqueue returns a VM to its label's queue, guarding against sending on a
// queue already closed by Shutdown.
func (p *Pool) enqueue(lp *labelPool, vm *domain.VMRecord) error {
	p.mu.RLock()
	closing := p.closing
	p.mu.RUnlock()
	if closing {
		return nil
	}

	select {
	case lp.queue <- vm:
		return nil
	default:
		// Queue is momentarily full (e.g. a racing recycle already
		// replaced this slot); drop this record rather than block Release.
		return nil
	}
}

// cleanupScript removes test artifacts, temp files, Downloads, and the
// recent-files registry between detonation runs.
const cleanupScript = `rm -rf /tmp/cdrguard-* ~/Downloads/* && reg delete "HKCU\Software\Microsoft\Windows\CurrentVersion\Explorer\RecentDocs" /f`

func (p *Pool) recycle(ctx context.Context, lp *labelPool, vm *domain.VMRecord) error {
	lp.mu.Lock()
	vm.State = domain.VMRecycling
	delete(lp.tracked, vm.VMName)
	lp.mu.Unlock()

	handle := adapters.VMHandle{Name: vm.VMName, PublicIP: vm.PublicIP, PrivateIP: vm.PrivateIP}
	if err := p.backend.Delete(ctx, handle); err != nil {
		logging.Op().Warn("vm delete failed during recycle", "vm", vm.VMName, "error", err)
	}
	lp.mu.Lock()
	vm.State = domain.VMDeleted
	lp.mu.Unlock()
	p.recordGauge(vm.EDRLabel, lp)

	// Dedup concurrent recycles racing to replace the same slot.
	_, err, _ := p.group.Do("provision:"+lp.cfg.EDRLabel, func() (interface{}, error) {
		return nil, p.provisionOne(ctx, lp)
	})
	return err
}

// Shutdown deletes every tracked VM across all labels, each once. It closes
// every label's queue, so in-flight Acquire callers return ErrTimedOut at
// once, and it stops replenishing the queues.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	p.mu.Unlock()

	var firstErr error
	for _, lp := range p.labels {
		close(lp.queue)
		for record := range lp.queue {
			handle := adapters.VMHandle{Name: record.VMName, PublicIP: record.PublicIP, PrivateIP: record.PrivateIP}
			if err := p.backend.Delete(ctx, handle); err != nil && firstErr == nil {
				firstErr = err
			}
			lp.mu.Lock()
			record.State = domain.VMDeleted
			lp.mu.Unlock()
		}
		lp.mu.Lock()
		for _, record := range lp.tracked {
			if record.State == domain.VMDeleted {
				continue
			}
			handle := adapters.VMHandle{Name: record.VMName, PublicIP: record.PublicIP, PrivateIP: record.PrivateIP}
			_ = p.backend.Delete(ctx, handle)
			record.State = domain.VMDeleted
		}
		lp.mu.Unlock()
	}
	return firstErr
}

// recordGauge publishes the label's current idle/busy split to the
// Prometheus pool-size gauge, per spec §7's observability surface.
func (p *Pool) recordGauge(label string, lp *labelPool) {
	lp.mu.Lock()
	idle := len(lp.queue)
	busy := len(lp.tracked) - idle
	lp.mu.Unlock()
	if busy < 0 {
		busy = 0
	}
	metrics.SetVMPoolSize(label, idle, busy)
}

// Stats reports the current tracked-VM count per label, for metrics export.
func (p *Pool) Stats() map[string]int {
	out := make(map[string]int, len(p.labels))
	for label, lp := range p.labels {
		lp.mu.Lock()
		out[label] = len(lp.tracked)
		lp.mu.Unlock()
	}
	return out
}
