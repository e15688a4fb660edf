// -- pkg/workflow/states.go --
package workflow

// State represents the coarse position of a mission in the site workflow.
// The string values are a serialization concern for the transition log; in
// memory the type is opaque.
type State string

const (
	StateInitial           State = "initial"
	StateAnalyzingSite     State = "analyzing_site"
	StateLocatingEntry     State = "locating_entry"
	StateFormDetected      State = "form_detected"
	StateFilling           State = "filling"
	StateHandlingCaptcha   State = "handling_captcha"
	StateSubmitting        State = "submitting"
	StateWaiting           State = "waiting"
	StateEmailVerification State = "email_verification"
	StatePhoneVerification State = "phone_verification"
	StateTwoFactor         State = "two_factor"
	StateAuthenticated     State = "authenticated"
	StateError             State = "error"
	StateStuck             State = "stuck"
	StateAchieved          State = "achieved"
	StateFailed            State = "failed"
)

// AllStates returns every recognized workflow state.
func AllStates() []State {
	return []State{
		StateInitial, StateAnalyzingSite, StateLocatingEntry,
		StateFormDetected, StateFilling, StateHandlingCaptcha,
		StateSubmitting, StateWaiting, StateEmailVerification,
		StatePhoneVerification, StateTwoFactor, StateAuthenticated,
		StateError, StateStuck, StateAchieved, StateFailed,
	}
}

// IsValid reports whether s is a recognized workflow state.
func (s State) IsValid() bool {
	for _, st := range AllStates() {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the mission is over in state s.
func (s State) IsTerminal() bool {
	return s == StateAchieved || s == StateFailed
}

// IsBlocked reports whether s cannot progress without human intervention.
func (s State) IsBlocked() bool {
	return s == StatePhoneVerification || s == StateTwoFactor || s == StateStuck
}

// validTransitions is the advisory adjacency map. Unlike the watchdog FSM,
// the workflow layer never blocks a transition outside this map; it only
// logs a warning. Pages jump around and the classifier must follow them.
var validTransitions = map[State][]State{
	StateInitial:           {StateAnalyzingSite, StateLocatingEntry, StateError},
	StateAnalyzingSite:     {StateLocatingEntry, StateFormDetected, StateHandlingCaptcha, StateWaiting, StateError},
	StateLocatingEntry:     {StateFormDetected, StateAnalyzingSite, StateHandlingCaptcha, StateError},
	StateFormDetected:      {StateFilling, StateHandlingCaptcha, StateError},
	StateFilling:           {StateSubmitting, StateHandlingCaptcha, StateFormDetected, StateError},
	StateHandlingCaptcha:   {StateFilling, StateSubmitting, StateFormDetected, StateStuck, StateError},
	StateSubmitting:        {StateWaiting, StateAuthenticated, StateEmailVerification, StatePhoneVerification, StateTwoFactor, StateHandlingCaptcha, StateAchieved, StateError},
	StateWaiting:           {StateAuthenticated, StateEmailVerification, StateSubmitting, StateStuck, StateError},
	StateEmailVerification: {StateAuthenticated, StateWaiting, StateStuck, StateError},
	StatePhoneVerification: {StateStuck, StateError},
	StateTwoFactor:         {StateStuck, StateError},
	StateAuthenticated:     {StateAchieved, StateError},
	StateError:             {StateStuck, StateFailed, StateAnalyzingSite, StateFormDetected},
	StateStuck:             {StateFailed},
	StateAchieved:          {},
	StateFailed:            {},
}

// isExpectedTransition reports whether from->to is in the adjacency map.
// Self-transitions are always expected.
func isExpectedTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
