// -- pkg/verify/verifier.go --
// The verifier compares the pre-action and post-action scenes against the
// executed action's expectation. It always produces a verdict: internal
// failures fail closed to an abort remediation, mirroring the policy
// engine's philosophy of never leaving the loop in an undefined state.
package verify

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
)

// Verifier produces success/failure verdicts with a remediation tag.
type Verifier struct {
	logger *zap.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(logger *zap.Logger) *Verifier {
	return &Verifier{logger: logger.Named("verify")}
}

// Verify applies the ordered verdict rules; the first applicable one wins.
func (v *Verifier) Verify(prev, curr *schemas.Scene, lastAction schemas.Action, goal schemas.Goal) (result schemas.VerifyResult) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("Verification panicked; failing closed", zap.Any("panic", r))
			result = schemas.VerifyResult{
				Success:     false,
				Expected:    "verification to complete",
				Observed:    fmt.Sprintf("internal panic: %v", r),
				Remediation: schemas.RemediationAbort,
			}
		}
	}()

	// 1. A navigation must land on (or near) the requested URL.
	if lastAction.Type == schemas.ActionNavigate {
		fragment := expectedURLFragment(lastAction)
		if fragment != "" && !strings.Contains(curr.URL, fragment) {
			return schemas.VerifyResult{
				Success:     false,
				Expected:    fmt.Sprintf("url containing %q", fragment),
				Observed:    curr.URL,
				Remediation: schemas.RemediationRetryTarget,
			}
		}
	}

	// 2. An anti-bot wall appearing after the action means the action
	// tripped detection.
	if !prev.AntiBot.Present && curr.AntiBot.Present {
		return schemas.VerifyResult{
			Success:     false,
			Expected:    "no anti-bot obstacle",
			Observed:    fmt.Sprintf("antibot %s appeared", curr.AntiBot.Type),
			Remediation: schemas.RemediationSwitchProfile,
		}
	}

	// 3. The page has not settled yet; not a failure of the action itself,
	// but nothing can be concluded until loading finishes.
	if curr.Hints.Loading {
		return schemas.VerifyResult{
			Success:     false,
			Expected:    "page settled",
			Observed:    "page still loading",
			Remediation: schemas.RemediationWait,
		}
	}

	// 4. Dialogs do not fail the action, but they need cleanup before the
	// next step.
	if curr.Hints.Dialogs > 0 {
		return schemas.VerifyResult{
			Success:     true,
			Expected:    "action completed",
			Observed:    fmt.Sprintf("%d open dialog(s)", curr.Hints.Dialogs),
			Remediation: schemas.RemediationCloseDialog,
		}
	}

	// 5. Nothing suspicious.
	return schemas.VerifyResult{
		Success:     true,
		Expected:    "action completed",
		Observed:    "scene consistent with expectation",
		Remediation: schemas.RemediationNone,
	}
}

// expectedURLFragment extracts the fragment a navigate action should land
// on. The target takes precedence over the value; the scheme is stripped so
// http/https redirects do not count as failures.
func expectedURLFragment(action schemas.Action) string {
	fragment := action.Target
	if fragment == "" {
		fragment = action.Value
	}
	fragment = strings.TrimPrefix(fragment, "https://")
	fragment = strings.TrimPrefix(fragment, "http://")
	return strings.TrimSuffix(fragment, "/")
}
