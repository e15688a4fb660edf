// -- pkg/recovery/planner.go --
// The recovery planner maps a remediation tag onto a canned short sequence
// of recovery actions. No tag ever produces zero steps and none throw; a
// missing mapping degrades to the default-wait entry.
package recovery

import (
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
)

// Planner resolves remediation tags to recovery steps.
type Planner struct {
	logger *zap.Logger
}

// NewPlanner creates a recovery planner.
func NewPlanner(logger *zap.Logger) *Planner {
	return &Planner{logger: logger.Named("recovery")}
}

// PlanRecovery returns the recovery sequence for the tag. At most two steps.
func (p *Planner) PlanRecovery(scene *schemas.Scene, tag schemas.RemediationTag, goal schemas.Goal) []schemas.Action {
	switch tag {
	case schemas.RemediationRetryTarget:
		return []schemas.Action{
			{Type: schemas.ActionWait, DurationMS: 1000},
			{Type: schemas.ActionRetryLast},
		}

	case schemas.RemediationScroll:
		return []schemas.Action{
			{Type: schemas.ActionScroll, AmountPx: 400},
		}

	case schemas.RemediationCloseDialog:
		return []schemas.Action{
			{Type: schemas.ActionPressKey, Value: "Escape"},
			{Type: schemas.ActionWait, DurationMS: 500},
		}

	case schemas.RemediationSwitchTab:
		return []schemas.Action{
			{Type: schemas.ActionSwitchTab, TabIndex: 0},
		}

	case schemas.RemediationWait:
		return []schemas.Action{
			{Type: schemas.ActionWait, DurationMS: 2000},
		}

	case schemas.RemediationVLMGround:
		return []schemas.Action{
			{Type: schemas.ActionDelegateVLM},
		}

	case schemas.RemediationSwitchProfile:
		// Profile switching is escalated to mission level, not handled
		// inline: the session's fingerprint is already burned.
		return []schemas.Action{
			{Type: schemas.ActionAbort, Reason: schemas.AbortAntiBotDetected},
		}

	case schemas.RemediationAbort:
		return []schemas.Action{
			{Type: schemas.ActionAbort, Reason: schemas.AbortUnrecoverableError},
		}

	default:
		p.logger.Warn("No recovery mapping for remediation tag; defaulting to wait",
			zap.String("tag", string(tag)))
		return []schemas.Action{
			{Type: schemas.ActionWait, DurationMS: 1000},
		}
	}
}
