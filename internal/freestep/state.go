package freestep

// State is a position in the step lifecycle. States only move forward; a
// step either reaches StateResponded or stops at the state it failed in.
type State int

const (
	StateStart State = iota
	StateAuthChecked
	StateInputValidated
	StateQuotaAdmitted
	StateGenerativeCallCompleted
	StateNormalized
	StateEventsDerivedAndMetered
	StateResponded
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAuthChecked:
		return "auth_checked"
	case StateInputValidated:
		return "input_validated"
	case StateQuotaAdmitted:
		return "quota_admitted"
	case StateGenerativeCallCompleted:
		return "generative_call_completed"
	case StateNormalized:
		return "normalized"
	case StateEventsDerivedAndMetered:
		return "events_derived_and_metered"
	case StateResponded:
		return "responded"
	default:
		return "unknown"
	}
}
