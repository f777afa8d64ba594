package domain

import (
	"encoding/json"
	"time"
)

// Priority is the caller-supplied scheduling hint for a job. The coordinator
// maps it to a numeric scheduler hint (Low=3, Normal=5, High=7).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// SchedulerHint maps a priority to the numeric hint used when scheduling
// phase work; higher runs sooner.
func (p Priority) SchedulerHint() int {
	switch p {
	case PriorityLow:
		return 3
	case PriorityHigh:
		return 7
	default:
		return 5
	}
}

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Phase identifies one of the three pipeline stages. A Job's CurrentPhase is
// nullable (no phase started yet) and monotonically increases once set.
type Phase int

const (
	PhaseNone Phase = 0
	Phase1CDR Phase = 1
	Phase2AV  Phase = 2
	Phase3EDR Phase = 3
)

func (p Phase) Valid() bool {
	return p == Phase1CDR || p == Phase2AV || p == Phase3EDR
}

// PhaseSet is the set of enabled phases for a job, represented as a sorted
// bitmask-free set for readable JSON round-tripping.
type PhaseSet map[Phase]struct{}

func NewPhaseSet(phases ...Phase) PhaseSet {
	s := make(PhaseSet, len(phases))
	for _, p := range phases {
		s[p] = struct{}{}
	}
	return s
}

func (s PhaseSet) Has(p Phase) bool {
	_, ok := s[p]
	return ok
}

func (s PhaseSet) MarshalJSON() ([]byte, error) {
	phases := make([]Phase, 0, len(s))
	for p := range s {
		phases = append(phases, p)
	}
	// Deterministic ordering: 1, 2, 3.
	sorted := make([]Phase, 0, len(phases))
	for _, candidate := range []Phase{Phase1CDR, Phase2AV, Phase3EDR} {
		if _, ok := s[candidate]; ok {
			sorted = append(sorted, candidate)
		}
	}
	return json.Marshal(sorted)
}

func (s *PhaseSet) UnmarshalJSON(data []byte) error {
	var phases []Phase
	if err := json.Unmarshal(data, &phases); err != nil {
		return err
	}
	*s = NewPhaseSet(phases...)
	return nil
}

// NextEnabled returns the first enabled phase strictly after `after`, or
// PhaseNone if there is none.
func (s PhaseSet) NextEnabled(after Phase) Phase {
	for _, candidate := range []Phase{Phase1CDR, Phase2AV, Phase3EDR} {
		if candidate > after && s.Has(candidate) {
			return candidate
		}
	}
	return PhaseNone
}

// PhaseSummary is a small dictionary of aggregate metrics computed once a
// phase's fan-out has fully joined. Its Metrics shape differs per phase
// (see phase1/phase2/phase3 Aggregate outputs) so it is carried as a raw map
// rather than a phase-specific struct.
type PhaseSummary struct {
	Phase     Phase          `json:"phase"`
	Metrics   map[string]any `json:"metrics"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Job is the top-level unit of work tracked by the Job Store. The coordinator
// owns its lifecycle; the Phase Engine only appends per-unit results and
// advances Processed/Failed counters.
type Job struct {
	JobID         string    `json:"job_id"`
	ContainerName string    `json:"container_name"`
	FilePaths     []string  `json:"file_paths,omitempty"`
	EnabledPhases PhaseSet  `json:"enabled_phases"`
	Priority      Priority  `json:"priority"`
	Status        JobStatus `json:"status"`

	TotalUnits int `json:"total_units"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`

	CurrentPhase Phase `json:"current_phase"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	PhaseSummaries map[Phase]PhaseSummary `json:"phase_summaries,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// ProgressPercent implements the invariant ProgressPercent =
// 100*Processed/TotalUnits when TotalUnits > 0, else 0.
func (j *Job) ProgressPercent() float64 {
	if j.TotalUnits <= 0 {
		return 0
	}
	return 100 * float64(j.Processed) / float64(j.TotalUnits)
}

// CanTransitionTo enforces that terminal statuses are final.
func (j *Job) CanTransitionTo(next JobStatus) bool {
	if j.Status.IsTerminal() {
		return false
	}
	return true
}

// AdvancePhase enforces CurrentPhase monotonicity; a job never rewinds to an
// earlier phase once a later one has started.
func (j *Job) AdvancePhase(next Phase) bool {
	if next <= j.CurrentPhase {
		return false
	}
	j.CurrentPhase = next
	return true
}

func (j *Job) MarshalBinary() ([]byte, error) {
	return json.Marshal(j)
}

func (j *Job) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, j)
}

// BatchJobRequest is the inbound request accepted by the coordinator to
// start a new job.
type BatchJobRequest struct {
	ContainerName string   `json:"container_name"`
	FilePaths     []string `json:"file_paths,omitempty"`
	EnabledPhases []Phase  `json:"enabled_phases"`
	Priority      Priority `json:"priority"`
}
