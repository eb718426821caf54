package models

import "testing"

func TestPhase_Valid(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseNone, true},
		{PhaseTeamPlanning, true},
		{PhasePlanConsolidation, true},
		{PhaseExecution, true},
		{PhaseEvaluation, true},
		{Phase(""), false},
		{Phase("review"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			if got := tt.phase.Valid(); got != tt.want {
				t.Errorf("Phase(%q).Valid() = %v, want %v", tt.phase, got, tt.want)
			}
		})
	}
}

func TestPhase_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
		want bool
	}{
		{"none to team planning", PhaseNone, PhaseTeamPlanning, true},
		{"none skips directly to consolidation", PhaseNone, PhasePlanConsolidation, true},
		{"team planning to consolidation", PhaseTeamPlanning, PhasePlanConsolidation, true},
		{"consolidation to execution", PhasePlanConsolidation, PhaseExecution, true},
		{"execution to evaluation", PhaseExecution, PhaseEvaluation, true},
		{"evaluation loops back to none", PhaseEvaluation, PhaseNone, true},
		{"no regression to earlier phase", PhaseExecution, PhaseTeamPlanning, false},
		{"no self transition", PhaseExecution, PhaseExecution, false},
		{"no loop-back from execution", PhaseExecution, PhaseNone, false},
		{"unknown target rejected", PhaseNone, Phase("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
				t.Errorf("Phase(%q).CanAdvanceTo(%q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestPriorityLevel_Before(t *testing.T) {
	tests := []struct {
		name string
		a, b PriorityLevel
		want bool
	}{
		{"critical before normal", PriorityCritical, PriorityNormal, true},
		{"high before low", PriorityHigh, PriorityLow, true},
		{"normal not before high", PriorityNormal, PriorityHigh, false},
		{"equal levels not before", PriorityNormal, PriorityNormal, false},
		{"unknown level never first", PriorityLevel("bogus"), PriorityLow, false},
		{"low before unknown level", PriorityLow, PriorityLevel("bogus"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Before(tt.b); got != tt.want {
				t.Errorf("%q.Before(%q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
