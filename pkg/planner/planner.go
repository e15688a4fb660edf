// -- pkg/planner/planner.go --
// Prompt-driven planner: turns (goal, scene) into one to three candidate
// action sequences. The control loop only consumes the Plan contract; the
// prompt content here is policy, not control flow.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/pkg/interfaces"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonBlockRegex extracts a JSON object from a possibly fenced LLM response.
var jsonBlockRegex = regexp.MustCompile("(?s)(?:```json\\s*|)(\\{.*\\})(?:```|)")

// LLMPlanner implements interfaces.Planner on a text-completion client.
type LLMPlanner struct {
	logger *zap.Logger
	llm    interfaces.LLMClient
}

// New creates an LLM-backed planner.
func New(logger *zap.Logger, llm interfaces.LLMClient) *LLMPlanner {
	return &LLMPlanner{
		logger: logger.Named("planner"),
		llm:    llm,
	}
}

// GeneratePlan asks the LLM for candidate sequences and validates the
// response. A malformed response degrades to a single conservative
// observe-and-wait candidate rather than an error: planning failures should
// slow the mission down, not kill it.
func (p *LLMPlanner) GeneratePlan(ctx context.Context, goal schemas.Goal, scene *schemas.Scene) (*schemas.Plan, error) {
	if p.llm == nil {
		return fallbackPlan(), nil
	}

	apiCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := interfaces.GenerationRequest{
		SystemPrompt: plannerSystemPrompt,
		UserPrompt:   buildPlannerPrompt(goal, scene),
		Options: interfaces.GenerationOptions{
			Temperature:     0.2,
			ForceJSONFormat: true,
		},
	}
	response, err := p.llm.GenerateResponse(apiCtx, req)
	if err != nil {
		p.logger.Warn("Plan generation failed; using fallback plan", zap.Error(err))
		return fallbackPlan(), nil
	}

	plan, err := parsePlanResponse(response)
	if err != nil {
		p.logger.Warn("Failed to parse plan response; using fallback plan",
			zap.String("raw_response", truncate(response, 512)), zap.Error(err))
		return fallbackPlan(), nil
	}

	p.logger.Debug("Plan generated",
		zap.Int("candidates", len(plan.Candidates)), zap.String("chosen", plan.Chosen))
	return plan, nil
}

// parsePlanResponse unmarshals the LLM's JSON into a Plan and validates the
// parts the control loop depends on.
func parsePlanResponse(response string) (*schemas.Plan, error) {
	response = strings.TrimSpace(response)

	jsonString := response
	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		jsonString = matches[1]
	}

	var plan schemas.Plan
	if err := json.Unmarshal([]byte(jsonString), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if len(plan.Candidates) == 0 {
		return nil, fmt.Errorf("plan has no candidates")
	}
	if len(plan.Candidates) > 3 {
		plan.Candidates = plan.Candidates[:3]
	}
	for i, c := range plan.Candidates {
		if len(c.Steps) == 0 {
			return nil, fmt.Errorf("candidate %d (%q) has no steps", i, c.ID)
		}
		for j, step := range c.Steps {
			if step.Type == "" {
				return nil, fmt.Errorf("candidate %q step %d missing action type", c.ID, j)
			}
		}
	}
	return &plan, nil
}

// fallbackPlan is the conservative candidate used when planning fails: give
// the page a moment, then surface more of it.
func fallbackPlan() *schemas.Plan {
	return &schemas.Plan{
		Candidates: []schemas.PlanCandidate{
			{
				ID: "fallback-observe",
				Steps: []schemas.Action{
					{Type: schemas.ActionWait, DurationMS: 2000},
					{Type: schemas.ActionScroll, AmountPx: 400},
				},
				Success: "page content changed",
			},
		},
		Chosen: "fallback-observe",
	}
}

const plannerSystemPrompt = `You plan the next steps for a browser automation agent.
You receive the mission goal and a structured snapshot of the current page.
Respond ONLY with a single JSON object:
{"candidates":[{"id":"...","steps":[{"action":"...","target":"...","value":"..."}],"success":"...","stop_on":["..."]}],"chosen":"<candidate id>"}
Available actions: navigate, click, input_text, press_key, scroll, wait.
Produce 1-3 candidates with at most 5 steps each. Prefer precise element ids
from the snapshot as targets. The "success" field names the observable
condition that means the candidate worked.`

func buildPlannerPrompt(goal schemas.Goal, scene *schemas.Scene) string {
	sceneJSON, err := json.Marshal(scene)
	if err != nil {
		sceneJSON = []byte("{}")
	}
	return fmt.Sprintf("Mission: %s %s on %s\n\nCurrent page snapshot (JSON):\n%s\n\nPlan the next step(s). Respond with a single JSON object.",
		goal.Task, goal.Brief, goal.Site, string(sceneJSON))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
