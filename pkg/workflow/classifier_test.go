// -- pkg/workflow/classifier_test.go --
package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/pkg/interfaces"
)

// stubLLM returns a canned answer or error for every request.
type stubLLM struct {
	answer string
	err    error
	calls  int
}

func (s *stubLLM) GenerateResponse(_ context.Context, _ interfaces.GenerationRequest) (string, error) {
	s.calls++
	return s.answer, s.err
}

var _ interfaces.LLMClient = (*stubLLM)(nil)

func testGoal() schemas.Goal {
	return schemas.Goal{Site: "https://example.com", Task: schemas.TaskRegister}
}

func TestDetermineState_OrderedRules(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		scene schemas.Scene
		prev  State
		want  State
	}{
		{
			name:  "success marker beats form",
			scene: schemas.Scene{Text: "Welcome back, you are logged in", Elements: []schemas.Element{{ID: "f", Role: "form"}}, PageType: "form"},
			prev:  StateSubmitting,
			want:  StateAuthenticated,
		},
		{
			name:  "dashboard page type",
			scene: schemas.Scene{PageType: "dashboard"},
			prev:  StateWaiting,
			want:  StateAuthenticated,
		},
		{
			name:  "email verification demand",
			scene: schemas.Scene{Text: "Please verify your email address to continue"},
			prev:  StateSubmitting,
			want:  StateEmailVerification,
		},
		{
			name:  "sms verification demand",
			scene: schemas.Scene{Text: "verify the code we sent via sms"},
			prev:  StateSubmitting,
			want:  StatePhoneVerification,
		},
		{
			name:  "captcha via antibot signal",
			scene: schemas.Scene{AntiBot: schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotCaptcha}},
			prev:  StateFilling,
			want:  StateHandlingCaptcha,
		},
		{
			name:  "captcha via text marker",
			scene: schemas.Scene{Text: "prove you are not a robot"},
			prev:  StateFormDetected,
			want:  StateHandlingCaptcha,
		},
		{
			name:  "http error",
			scene: schemas.Scene{HTTPStatus: 503},
			prev:  StateSubmitting,
			want:  StateError,
		},
		{
			name:  "repeated error escalates to stuck",
			scene: schemas.Scene{HTTPStatus: 503},
			prev:  StateError,
			want:  StateStuck,
		},
		{
			name:  "error marker in text",
			scene: schemas.Scene{Text: "Something went wrong, try again later"},
			prev:  StateSubmitting,
			want:  StateError,
		},
		{
			name:  "form on registration page",
			scene: schemas.Scene{PageType: "registration", Elements: []schemas.Element{{ID: "e", Role: "email"}}},
			prev:  StateLocatingEntry,
			want:  StateFormDetected,
		},
		{
			name:  "form stays filling when already filling",
			scene: schemas.Scene{PageType: "login", Elements: []schemas.Element{{ID: "p", Role: "password"}}},
			prev:  StateFilling,
			want:  StateFilling,
		},
		{
			name:  "entry url without form elements",
			scene: schemas.Scene{URL: "https://example.com/signup?ref=nav"},
			prev:  StateLocatingEntry,
			want:  StateFormDetected,
		},
		{
			name:  "entry url sticky while submitting",
			scene: schemas.Scene{URL: "https://example.com/login"},
			prev:  StateSubmitting,
			want:  StateSubmitting,
		},
		{
			name:  "loading hint",
			scene: schemas.Scene{Hints: schemas.Hints{Loading: true}},
			prev:  StateSubmitting,
			want:  StateWaiting,
		},
		{
			name:  "please wait text",
			scene: schemas.Scene{Text: "Please wait while we set things up"},
			prev:  StateSubmitting,
			want:  StateWaiting,
		},
		{
			name:  "nothing matched mid-mission holds",
			scene: schemas.Scene{URL: "https://example.com/about", Text: "About our company"},
			prev:  StateWaiting,
			want:  StateWaiting,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := NewClassifier(zap.NewNop(), nil)
			got := c.DetermineState(context.Background(), &tc.scene, tc.prev, testGoal())
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDetermineState_Deterministic(t *testing.T) {
	t.Parallel()

	c := NewClassifier(zap.NewNop(), nil)
	scene := schemas.Scene{PageType: "registration", Elements: []schemas.Element{{ID: "e", Role: "email"}}}
	first := c.DetermineState(context.Background(), &scene, StateLocatingEntry, testGoal())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.DetermineState(context.Background(), &scene, StateLocatingEntry, testGoal()))
	}
}

func TestDetermineState_NilScene(t *testing.T) {
	t.Parallel()

	c := NewClassifier(zap.NewNop(), nil)
	got := c.DetermineState(context.Background(), nil, StateFilling, testGoal())
	assert.Equal(t, StateFilling, got)
}

func TestDetermineState_LLMFallback(t *testing.T) {
	t.Parallel()

	ambiguous := schemas.Scene{URL: "https://example.com/", Text: "Lorem ipsum"}

	t.Run("mapped answer", func(t *testing.T) {
		t.Parallel()
		llm := &stubLLM{answer: "locating_entry"}
		c := NewClassifier(zap.NewNop(), llm)
		got := c.DetermineState(context.Background(), &ambiguous, StateInitial, testGoal())
		assert.Equal(t, StateLocatingEntry, got)
		assert.Equal(t, 1, llm.calls)
	})

	t.Run("answer with quotes and whitespace", func(t *testing.T) {
		t.Parallel()
		llm := &stubLLM{answer: "  \"analyzing_site\"\n"}
		c := NewClassifier(zap.NewNop(), llm)
		got := c.DetermineState(context.Background(), &ambiguous, StateInitial, testGoal())
		assert.Equal(t, StateAnalyzingSite, got)
	})

	t.Run("unmapped answer holds previous state", func(t *testing.T) {
		t.Parallel()
		llm := &stubLLM{answer: "i have no idea"}
		c := NewClassifier(zap.NewNop(), llm)
		got := c.DetermineState(context.Background(), &ambiguous, StateAnalyzingSite, testGoal())
		assert.Equal(t, StateAnalyzingSite, got)
	})

	t.Run("llm error holds previous state", func(t *testing.T) {
		t.Parallel()
		llm := &stubLLM{err: errors.New("provider unavailable")}
		c := NewClassifier(zap.NewNop(), llm)
		got := c.DetermineState(context.Background(), &ambiguous, StateInitial, testGoal())
		assert.Equal(t, StateInitial, got)
	})

	t.Run("nil llm holds previous state", func(t *testing.T) {
		t.Parallel()
		c := NewClassifier(zap.NewNop(), nil)
		got := c.DetermineState(context.Background(), &ambiguous, StateInitial, testGoal())
		assert.Equal(t, StateInitial, got)
	})

	t.Run("not consulted mid-mission", func(t *testing.T) {
		t.Parallel()
		llm := &stubLLM{answer: "authenticated"}
		c := NewClassifier(zap.NewNop(), llm)
		got := c.DetermineState(context.Background(), &ambiguous, StateFilling, testGoal())
		assert.Equal(t, StateFilling, got)
		assert.Zero(t, llm.calls, "LLM must only back rules for early-mission scenes")
	})
}

func TestTransitionTo_AppendOnlyLog(t *testing.T) {
	t.Parallel()

	c := NewClassifier(zap.NewNop(), nil)
	require.Equal(t, StateInitial, c.Current())

	c.TransitionTo(StateAnalyzingSite, nil)
	c.TransitionTo(StateFormDetected, map[string]string{"url": "https://example.com/signup"})
	// Off-map transition: logged with a warning but never blocked.
	c.TransitionTo(StateAuthenticated, nil)

	assert.Equal(t, StateAuthenticated, c.Current())

	log := c.Log()
	require.Len(t, log, 3)
	assert.Equal(t, StateInitial, log[0].From)
	assert.Equal(t, StateAnalyzingSite, log[0].To)
	assert.Equal(t, StateFormDetected, log[1].To)
	assert.Equal(t, "https://example.com/signup", log[1].Meta["url"])
	assert.Equal(t, StateAuthenticated, log[2].To)
	assert.False(t, log[0].At.After(log[1].At))
}

func TestState_Predicates(t *testing.T) {
	t.Parallel()

	assert.Len(t, AllStates(), 16)
	for _, s := range AllStates() {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, State("bogus").IsValid())

	assert.True(t, StateAchieved.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateAuthenticated.IsTerminal())

	assert.True(t, StatePhoneVerification.IsBlocked())
	assert.True(t, StateTwoFactor.IsBlocked())
	assert.True(t, StateStuck.IsBlocked())
	assert.False(t, StateEmailVerification.IsBlocked())
}
