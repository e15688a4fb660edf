// -- pkg/interfaces/interfaces.go --
// Shared collaborator contracts. The decision core depends only on these
// interfaces; the chromedp and Gemini implementations live in pkg/browser
// and pkg/llmclient.
package interfaces

import (
	"context"

	"github.com/skylark9/skylark-cli/api/schemas"
)

// GenerationOptions holds parameters for controlling LLM generation.
type GenerationOptions struct {
	// Temperature controls the creativity of the response. Lower is more deterministic.
	Temperature float32
	// MaxTokens sets the maximum length of the generated response.
	MaxTokens int
	// ForceJSONFormat asks the provider to enforce JSON output mode if available.
	ForceJSONFormat bool
}

// GenerationRequest encapsulates all inputs for a single LLM API call.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Options      GenerationOptions
}

// LLMClient abstracts the text-completion provider away from the agent logic.
type LLMClient interface {
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}

// Perceptor produces Scene snapshots from the live page.
type Perceptor interface {
	CaptureScene(ctx context.Context) (*schemas.Scene, error)
}

// Driver executes a single structured action against the live page. The
// decision core treats it as opaque I/O: any failure comes back as an error
// whose text feeds the watchdog's error-repetition guard.
type Driver interface {
	Execute(ctx context.Context, action schemas.Action) error
	// SwitchProfile re-provisions the browsing identity (fingerprint,
	// proxy class, timezone) under a named profile.
	SwitchProfile(ctx context.Context, profile string) error
}

// Planner turns (goal, scene) into candidate action sequences.
type Planner interface {
	GeneratePlan(ctx context.Context, goal schemas.Goal, scene *schemas.Scene) (*schemas.Plan, error)
}

// CaptchaSolver is invoked when the anti-bot policy defers to an external
// solving service. Solve blocks until the challenge is cleared or the
// context expires.
type CaptchaSolver interface {
	Solve(ctx context.Context, scene *schemas.Scene) error
}
