package types

// Phase is a pipeline state. Each invoice traverses the phases exactly once.
type Phase string

// Pipeline phases, in traversal order
const (
	PhaseRecall Phase = "recall"
	PhaseApply  Phase = "apply"
	PhaseDecide Phase = "decide"
	PhaseLearn  Phase = "learn"
	PhaseDone   Phase = "done"
)

// ValidPhases contains all pipeline phases in traversal order.
var ValidPhases = []Phase{
	PhaseRecall,
	PhaseApply,
	PhaseDecide,
	PhaseLearn,
	PhaseDone,
}

// IsValidPhase checks if p is a known phase. Empty string is considered valid
// (the pipeline has not started).
func IsValidPhase(p Phase) bool {
	if p == "" {
		return true
	}

	for _, valid := range ValidPhases {
		if p == valid {
			return true
		}
	}
	return false
}

// IsValidPhaseTransition validates phase transitions.
//
// Valid transitions:
//
//	(empty) -> recall
//	recall -> apply
//	apply -> decide
//	decide -> learn
//	learn -> done
//	done -> (terminal, no transitions out)
//
// A skipped learn phase still transitions through learn so the audit trail
// records why learning did not happen.
func IsValidPhaseTransition(current, next Phase) bool {
	if next == "" {
		return false
	}

	switch current {
	case "":
		return next == PhaseRecall
	case PhaseRecall:
		return next == PhaseApply
	case PhaseApply:
		return next == PhaseDecide
	case PhaseDecide:
		return next == PhaseLearn
	case PhaseLearn:
		return next == PhaseDone
	case PhaseDone:
		return false // Terminal state
	default:
		return false
	}
}
