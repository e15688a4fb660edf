// -- api/schemas/actions.go --
package schemas

// ActionType enumerates the structured actions the driver can execute.
type ActionType string

const (
	ActionNavigate      ActionType = "navigate"
	ActionClick         ActionType = "click"
	ActionInputText     ActionType = "input_text"
	ActionPressKey      ActionType = "press_key"
	ActionScroll        ActionType = "scroll"
	ActionWait          ActionType = "wait"
	ActionRetryLast     ActionType = "retry_last"
	ActionSwitchTab     ActionType = "switch_tab"
	ActionDelegateVLM   ActionType = "delegate_vlm"
	ActionSwitchProfile ActionType = "switch_profile"
	ActionConsentClick  ActionType = "consent_click"
	ActionAbort         ActionType = "abort"
)

// Action is a single structured step executed against the live page.
type Action struct {
	Type   ActionType `json:"action"`
	Target string     `json:"target,omitempty"`
	Value  string     `json:"value,omitempty"`
	// DurationMS applies to wait actions.
	DurationMS int `json:"duration_ms,omitempty"`
	// AmountPx applies to scroll actions; positive scrolls down.
	AmountPx int `json:"amount_px,omitempty"`
	// TabIndex applies to switch_tab actions.
	TabIndex int `json:"tab_index,omitempty"`
	// Reason annotates abort and switch_profile actions.
	Reason string `json:"reason,omitempty"`
}

// PlanCandidate is one candidate action sequence proposed by the planner.
type PlanCandidate struct {
	ID    string   `json:"id"`
	Steps []Action `json:"steps"`
	// Success names the condition under which the candidate is considered
	// to have achieved its purpose (free text, evaluated by the verifier
	// against the post-action scene).
	Success string `json:"success,omitempty"`
	// StopOn lists conditions that should halt execution of the candidate.
	StopOn []string `json:"stop_on,omitempty"`
}

// Plan is the planner's output contract. The control loop only reads the
// chosen candidate and its steps.
type Plan struct {
	Candidates []PlanCandidate `json:"candidates"`
	Chosen     string          `json:"chosen"`
}

// ChosenCandidate resolves the chosen candidate, falling back to the first
// one when the chosen id is absent or unknown.
func (p *Plan) ChosenCandidate() (PlanCandidate, bool) {
	if len(p.Candidates) == 0 {
		return PlanCandidate{}, false
	}
	for _, c := range p.Candidates {
		if c.ID == p.Chosen {
			return c, true
		}
	}
	return p.Candidates[0], true
}

// RemediationTag names the recovery strategy a verification verdict calls for.
type RemediationTag string

const (
	RemediationNone          RemediationTag = "none"
	RemediationRetryTarget   RemediationTag = "retry_target"
	RemediationScroll        RemediationTag = "scroll"
	RemediationCloseDialog   RemediationTag = "close_dialog"
	RemediationSwitchTab     RemediationTag = "switch_tab"
	RemediationWait          RemediationTag = "wait"
	RemediationVLMGround     RemediationTag = "vlm_ground"
	RemediationSwitchProfile RemediationTag = "switch_profile"
	RemediationAbort         RemediationTag = "abort"
)

// VerifyResult is the verdict on whether an executed action did what it was
// expected to do. Computed fresh on every verify call, never persisted.
type VerifyResult struct {
	Success     bool           `json:"success"`
	Expected    string         `json:"expected"`
	Observed    string         `json:"observed"`
	Remediation RemediationTag `json:"remediation"`
}

// Abort reasons surfaced to the caller when a mission terminates. The reason
// string is the sole diagnostic a mission reports upward.
const (
	AbortHardTimeout        = "hard_timeout_exceeded"
	AbortSameErrorRepeated  = "same_error_repeated"
	AbortAntiBotDetected    = "antibot_detected"
	AbortUnrecoverableError = "unrecoverable_error"
	AbortPolicyError        = "policy_error"
	AbortUnsupportedCaptcha = "unsupported_captcha"
)
