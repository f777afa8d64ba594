package domain

import "testing"

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name       string
		totalUnits int
		processed  int
		want       float64
	}{
		{"zero total", 0, 0, 0},
		{"half done", 10, 5, 50},
		{"fully done", 4, 4, 100},
	}

	for _, tt := range tests {
		j := &Job{TotalUnits: tt.totalUnits, Processed: tt.processed}
		if got := j.ProgressPercent(); got != tt.want {
			t.Fatalf("%s: ProgressPercent() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobPending, true},
		{JobRunning, true},
		{JobCompleted, false},
		{JobFailed, false},
		{JobCancelled, false},
	}

	for _, tt := range tests {
		j := &Job{Status: tt.status}
		if got := j.CanTransitionTo(JobRunning); got != tt.want {
			t.Fatalf("status %q: CanTransitionTo() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestAdvancePhaseMonotonic(t *testing.T) {
	j := &Job{CurrentPhase: Phase1CDR}

	if j.AdvancePhase(Phase1CDR) {
		t.Fatalf("AdvancePhase should reject advancing to the same phase")
	}
	if !j.AdvancePhase(Phase2AV) {
		t.Fatalf("AdvancePhase should accept a later phase")
	}
	if j.CurrentPhase != Phase2AV {
		t.Fatalf("CurrentPhase = %v, want %v", j.CurrentPhase, Phase2AV)
	}
	if j.AdvancePhase(Phase1CDR) {
		t.Fatalf("AdvancePhase should reject rewinding to an earlier phase")
	}
}

func TestPhaseSetNextEnabled(t *testing.T) {
	tests := []struct {
		name  string
		set   PhaseSet
		after Phase
		want  Phase
	}{
		{"all enabled from none", NewPhaseSet(Phase1CDR, Phase2AV, Phase3EDR), PhaseNone, Phase1CDR},
		{"skip disabled phase 2", NewPhaseSet(Phase1CDR, Phase3EDR), Phase1CDR, Phase3EDR},
		{"nothing left", NewPhaseSet(Phase1CDR), Phase1CDR, PhaseNone},
	}

	for _, tt := range tests {
		if got := tt.set.NextEnabled(tt.after); got != tt.want {
			t.Fatalf("%s: NextEnabled(%v) = %v, want %v", tt.name, tt.after, got, tt.want)
		}
	}
}

func TestPhaseSetJSONRoundTrip(t *testing.T) {
	set := NewPhaseSet(Phase3EDR, Phase1CDR)

	data, err := set.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(data) != "[1,3]" {
		t.Fatalf("MarshalJSON = %s, want [1,3]", data)
	}

	var decoded PhaseSet
	if err := decoded.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if !decoded.Has(Phase1CDR) || !decoded.Has(Phase3EDR) || decoded.Has(Phase2AV) {
		t.Fatalf("UnmarshalJSON produced unexpected set: %+v", decoded)
	}
}

func TestPrioritySchedulerHint(t *testing.T) {
	tests := []struct {
		priority Priority
		want     int
	}{
		{PriorityLow, 3},
		{PriorityNormal, 5},
		{PriorityHigh, 7},
		{Priority("bogus"), 5},
	}

	for _, tt := range tests {
		if got := tt.priority.SchedulerHint(); got != tt.want {
			t.Fatalf("%q.SchedulerHint() = %d, want %d", tt.priority, got, tt.want)
		}
	}
}
