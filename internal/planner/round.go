package planner

// StopReason names why planning ended.
type StopReason string

const (
	StopNone        StopReason = ""
	StopNoProposals StopReason = "no_proposals"
	StopHalted      StopReason = "halted"
	StopCompleted   StopReason = "completed"
	StopPlanFull    StopReason = "plan_full"
	StopExhausted   StopReason = "iterations_exhausted"
)

// roundState is what one planning round observed.
type roundState struct {
	Round     int // 1-based
	MaxRounds int
	Proposed  int // proposals after filtering
	PlanLen   int
	MaxLen    int
	Halted    bool // an executed step asked for clarification or failed
	Completed bool // an executed step reported complete
}

// decide is the PLANNING_ROUND -> {CONTINUE, STOP} transition.
func decide(s roundState) (next bool, reason StopReason) {
	switch {
	case s.Proposed == 0:
		return false, StopNoProposals
	case s.Halted:
		return false, StopHalted
	case s.Completed:
		return false, StopCompleted
	case s.MaxLen > 0 && s.PlanLen >= s.MaxLen:
		return false, StopPlanFull
	case s.Round >= s.MaxRounds:
		return false, StopExhausted
	default:
		return true, StopNone
	}
}
