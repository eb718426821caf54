package models

// Phase represents one stage of the feature-mode iterative workflow.
//
// Phases advance strictly forward within an iteration:
//
//	None -> TeamPlanning -> PlanConsolidation -> Execution -> Evaluation
//
// The only backward transition is Evaluation -> None, taken when the
// evaluation decides another iteration is needed.
type Phase string

const (
	// PhaseNone is the initial planning phase of an iteration.
	PhaseNone Phase = "none"
	// PhaseTeamPlanning fans out planning work to a team of children.
	PhaseTeamPlanning Phase = "team_planning"
	// PhasePlanConsolidation merges team plans into one execution plan.
	PhasePlanConsolidation Phase = "plan_consolidation"
	// PhaseExecution fans out the plan's steps to execution children.
	PhaseExecution Phase = "execution"
	// PhaseEvaluation judges the iteration's result and decides whether to loop.
	PhaseEvaluation Phase = "evaluation"
)

// phaseOrder maps each phase to its position within an iteration.
var phaseOrder = map[Phase]int{
	PhaseNone:              0,
	PhaseTeamPlanning:      1,
	PhasePlanConsolidation: 2,
	PhaseExecution:         3,
	PhaseEvaluation:        4,
}

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Order returns the phase's position within an iteration, or -1 if unknown.
func (p Phase) Order() int {
	if o, ok := phaseOrder[p]; ok {
		return o
	}
	return -1
}

// CanAdvanceTo reports whether moving from p to next is a legal transition.
// Legal moves are any strictly forward step plus the Evaluation -> None
// loop-back.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if !p.Valid() || !next.Valid() {
		return false
	}
	if p == PhaseEvaluation && next == PhaseNone {
		return true
	}
	return next.Order() > p.Order()
}
