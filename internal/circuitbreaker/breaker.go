// Package circuitbreaker protects adapter calls (CDR/AV/EDR engines, VM
// backend) from cascading failures. It wraps github.com/sony/gobreaker: a
// battle-tested implementation of the same three-state model the pipeline
// needs, rather than re-deriving sliding-window bookkeeping by hand.
//
// # State machine
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// # Concurrency
//
// gobreaker.TwoStepCircuitBreaker is safe for concurrent use on its own; Registry
// adds a read-write mutex so the common read path (Get for an existing
// breaker) does not contend with the rare write path (a new adapter label
// registered).
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/oriys/cdrguard/internal/metrics"
)

// ErrOpen is returned by an adapter call rejected because its breaker is
// open. Callers should surface it as a transport-level failure, the same
// as any other dial/timeout error from the vendor.
var ErrOpen = errors.New("circuit breaker open")

// State mirrors gobreaker.State under names matching the pipeline's own
// vocabulary, so callers outside this package never import gobreaker
// directly.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds the circuit breaker configuration for one adapter label.
// config.CircuitBreakerConfig carries the on-disk/env-var form of these
// same fields, shared across every adapter label.
type Config struct {
	ErrorPct       float64       // Error percentage threshold to trip the breaker (0-100)
	WindowDuration time.Duration // Sliding window used to compute the error rate
	OpenDuration   time.Duration // How long the breaker stays open before probing again
	HalfOpenProbes int           // Number of probe requests allowed in half-open state
}

// Breaker wraps a single gobreaker.TwoStepCircuitBreaker.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// Permit is returned by a successful Allow and must be settled exactly once
// via Success or Failure.
type Permit struct {
	done func(success bool)
}

func (p Permit) Success() {
	if p.done != nil {
		p.done(true)
	}
}

func (p Permit) Failure() {
	if p.done != nil {
		p.done(false)
	}
}

// New creates a new circuit breaker with the given configuration.
func New(name string, cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenProbes),
		Interval:    cfg.WindowDuration,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			errorPct := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return errorPct >= cfg.ErrorPct
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			state := fromGobreakerState(to)
			metrics.SetCircuitBreakerState(breakerName, int(state))
			metrics.RecordCircuitBreakerTrip(breakerName, state.String())
		},
	}

	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow checks whether a request should be allowed through the breaker. If
// permitted it returns a Permit that the caller must settle exactly once
// with Success or Failure; ok is false (zero Permit) when the breaker is
// open and the caller must not proceed.
func (b *Breaker) Allow() (permit Permit, ok bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return Permit{}, false
	}
	return Permit{done: done}, true
}

// Run executes fn under the breaker in a single step: it checks Allow,
// invokes fn, and records the outcome. This is the preferred call shape for
// new adapter call sites.
func (b *Breaker) Run(ctx context.Context, fn func(context.Context) error) error {
	done, err := b.cb.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err == nil)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// Registry holds per-adapter-label circuit breakers (e.g. one per CDR
// engine, AV engine, EDR console, or VM backend label).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a label, creating one if the config is valid.
// Returns nil if circuit breaking is not configured for this label.
func (r *Registry) Get(label string, cfg Config) *Breaker {
	if cfg.ErrorPct <= 0 || cfg.WindowDuration <= 0 || cfg.OpenDuration <= 0 {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[label]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[label]; ok {
		return b
	}
	b = New(label, cfg)
	r.breakers[label] = b
	return b
}

// Remove deletes the breaker for a label (e.g. when an adapter is removed).
func (r *Registry) Remove(label string) {
	r.mu.Lock()
	delete(r.breakers, label)
	r.mu.Unlock()
}

// Snapshot returns a map of label to breaker state, for observability.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for label, b := range r.breakers {
		out[label] = b.State().String()
	}
	return out
}
