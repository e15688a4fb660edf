// -- pkg/planner/planner_test.go --
package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/pkg/interfaces"
)

type stubLLM struct {
	response string
	err      error
	lastReq  interfaces.GenerationRequest
}

func (s *stubLLM) GenerateResponse(_ context.Context, req interfaces.GenerationRequest) (string, error) {
	s.lastReq = req
	return s.response, s.err
}

const validPlanJSON = `{
	"candidates": [
		{
			"id": "fill-form",
			"steps": [
				{"action": "input_text", "target": "input:email", "value": "user@example.com"},
				{"action": "click", "target": "btn-submit"}
			],
			"success": "redirected to welcome page",
			"stop_on": ["captcha appears"]
		},
		{
			"id": "find-entry",
			"steps": [{"action": "click", "target": "link-signup"}],
			"success": "registration form visible"
		}
	],
	"chosen": "fill-form"
}`

func TestGeneratePlan_ParsesResponse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		response string
	}{
		{"bare json", validPlanJSON},
		{"fenced json", "```json\n" + validPlanJSON + "\n```"},
		{"json with prose prefix", "Here is the plan:\n" + validPlanJSON},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := New(zap.NewNop(), &stubLLM{response: tc.response})
			plan, err := p.GeneratePlan(context.Background(), schemas.Goal{Task: schemas.TaskRegister}, &schemas.Scene{})
			require.NoError(t, err)
			require.Len(t, plan.Candidates, 2)
			assert.Equal(t, "fill-form", plan.Chosen)

			chosen, ok := plan.ChosenCandidate()
			require.True(t, ok)
			want := schemas.PlanCandidate{
				ID: "fill-form",
				Steps: []schemas.Action{
					{Type: schemas.ActionInputText, Target: "input:email", Value: "user@example.com"},
					{Type: schemas.ActionClick, Target: "btn-submit"},
				},
				Success: "redirected to welcome page",
				StopOn:  []string{"captcha appears"},
			}
			assert.Empty(t, cmp.Diff(want, chosen))
		})
	}
}

func TestGeneratePlan_DegradesToFallback(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		llm  interfaces.LLMClient
	}{
		{"nil client", nil},
		{"llm error", &stubLLM{err: errors.New("rate limited")}},
		{"not json", &stubLLM{response: "I cannot help with that."}},
		{"empty candidates", &stubLLM{response: `{"candidates": [], "chosen": ""}`}},
		{"candidate without steps", &stubLLM{response: `{"candidates":[{"id":"x","steps":[]}],"chosen":"x"}`}},
		{"step without action type", &stubLLM{response: `{"candidates":[{"id":"x","steps":[{"target":"y"}]}],"chosen":"x"}`}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := New(zap.NewNop(), tc.llm)
			plan, err := p.GeneratePlan(context.Background(), schemas.Goal{}, &schemas.Scene{})
			require.NoError(t, err, "planning failures degrade, they never error")
			require.Len(t, plan.Candidates, 1)
			assert.Equal(t, "fallback-observe", plan.Chosen)

			chosen, ok := plan.ChosenCandidate()
			require.True(t, ok)
			require.Len(t, chosen.Steps, 2)
			assert.Equal(t, schemas.ActionWait, chosen.Steps[0].Type)
			assert.Equal(t, schemas.ActionScroll, chosen.Steps[1].Type)
		})
	}
}

func TestGeneratePlan_TruncatesExcessCandidates(t *testing.T) {
	t.Parallel()

	response := `{"candidates":[
		{"id":"a","steps":[{"action":"wait","duration_ms":500}]},
		{"id":"b","steps":[{"action":"wait","duration_ms":500}]},
		{"id":"c","steps":[{"action":"wait","duration_ms":500}]},
		{"id":"d","steps":[{"action":"wait","duration_ms":500}]}
	],"chosen":"a"}`

	p := New(zap.NewNop(), &stubLLM{response: response})
	plan, err := p.GeneratePlan(context.Background(), schemas.Goal{}, &schemas.Scene{})
	require.NoError(t, err)
	assert.Len(t, plan.Candidates, 3)
}

func TestGeneratePlan_RequestShape(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{response: validPlanJSON}
	p := New(zap.NewNop(), llm)
	goal := schemas.Goal{Site: "https://example.com", Task: schemas.TaskRegister, Brief: "create a trial account"}
	scene := &schemas.Scene{URL: "https://example.com/signup", Elements: []schemas.Element{{ID: "input:email", Role: "email"}}}

	_, err := p.GeneratePlan(context.Background(), goal, scene)
	require.NoError(t, err)

	assert.True(t, llm.lastReq.Options.ForceJSONFormat)
	assert.NotEmpty(t, llm.lastReq.SystemPrompt)
	assert.Contains(t, llm.lastReq.UserPrompt, "create a trial account")
	assert.Contains(t, llm.lastReq.UserPrompt, "input:email", "the snapshot must reach the prompt")
}

func TestParsePlanResponse_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"truncated json", `{"candidates":[{"id":"a"`},
		{"wrong top-level type", `[1,2,3]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parsePlanResponse(tc.input)
			assert.Error(t, err)
		})
	}
}
