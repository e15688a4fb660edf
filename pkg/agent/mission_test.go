// -- pkg/agent/mission_test.go --
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/internal/config"
	"github.com/skylark9/skylark-cli/pkg/antibot"
	"github.com/skylark9/skylark-cli/pkg/recovery"
	"github.com/skylark9/skylark-cli/pkg/verify"
	"github.com/skylark9/skylark-cli/pkg/watchdog"
	"github.com/skylark9/skylark-cli/pkg/workflow"
)

// funcPerceptor delegates scene capture to a closure.
type funcPerceptor struct {
	fn func() (*schemas.Scene, error)
}

func (p *funcPerceptor) CaptureScene(context.Context) (*schemas.Scene, error) { return p.fn() }

// mockDriver records every executed action and fails per the execErr hook.
type mockDriver struct {
	mu       sync.Mutex
	executed []schemas.Action
	profiles []string
	execErr  func(schemas.Action) error
}

func (d *mockDriver) Execute(_ context.Context, action schemas.Action) error {
	d.mu.Lock()
	d.executed = append(d.executed, action)
	d.mu.Unlock()
	if d.execErr != nil {
		return d.execErr(action)
	}
	return nil
}

func (d *mockDriver) SwitchProfile(_ context.Context, profile string) error {
	d.mu.Lock()
	d.profiles = append(d.profiles, profile)
	d.mu.Unlock()
	return nil
}

func (d *mockDriver) actions() []schemas.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]schemas.Action, len(d.executed))
	copy(out, d.executed)
	return out
}

// stubPlanner returns the same plan on every call.
type stubPlanner struct {
	plan *schemas.Plan
}

func (p *stubPlanner) GeneratePlan(context.Context, schemas.Goal, *schemas.Scene) (*schemas.Plan, error) {
	return p.plan, nil
}

func singleStepPlan(action schemas.Action) *schemas.Plan {
	return &schemas.Plan{
		Candidates: []schemas.PlanCandidate{{ID: "only", Steps: []schemas.Action{action}}},
		Chosen:     "only",
	}
}

func testDeps(t *testing.T, perceptor *funcPerceptor, driver *mockDriver, plan *schemas.Plan) Deps {
	t.Helper()
	logger := zap.NewNop()
	return Deps{
		Watchdog: watchdog.New(logger, config.WatchdogConfig{
			HardTimeout:          time.Minute,
			SceneLoopThreshold:   3,
			ErrorRepeatThreshold: 2,
		}),
		Classifier: workflow.NewClassifier(logger, nil),
		Policy:     antibot.NewEngine(logger, config.AntiBotConfig{BaseBackoff: time.Millisecond, MaxRetries: 2}),
		Verifier:   verify.NewVerifier(logger),
		Recovery:   recovery.NewPlanner(logger),
		Planner:    &stubPlanner{plan: plan},
		Perceptor:  perceptor,
		Driver:     driver,
	}
}

func registerGoal() schemas.Goal {
	return schemas.Goal{Site: "https://example.com", Task: schemas.TaskRegister}
}

func dashboardScene() *schemas.Scene {
	return &schemas.Scene{
		URL:        "https://example.com/dashboard",
		HTTPStatus: 200,
		PageType:   "dashboard",
		Text:       "logged in as user@example.com",
	}
}

func neutralScene(url string) *schemas.Scene {
	return &schemas.Scene{URL: url, HTTPStatus: 200, Text: "some marketing copy"}
}

func TestNewMission_Validation(t *testing.T) {
	t.Parallel()
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return neutralScene("https://example.com"), nil }}
	driver := &mockDriver{}

	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))
	deps.Watchdog = nil
	_, err := NewMission(zap.NewNop(), registerGoal(), deps)
	assert.Error(t, err)

	deps = testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))
	deps.Driver = nil
	_, err = NewMission(zap.NewNop(), registerGoal(), deps)
	assert.Error(t, err)
}

func TestMission_AchievesOnAuthenticated(t *testing.T) {
	t.Parallel()

	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return dashboardScene(), nil }}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Achieved)
	assert.Empty(t, result.AbortReason)
	assert.Equal(t, workflow.StateAchieved, result.FinalState)
	assert.Equal(t, 1, result.Cycles)

	// The mission opened the site before observing.
	actions := driver.actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, schemas.ActionNavigate, actions[0].Type)
	assert.Equal(t, "https://example.com", actions[0].Target)
}

func TestMission_BlocksOnPhoneVerification(t *testing.T) {
	t.Parallel()

	scene := &schemas.Scene{
		URL:        "https://example.com/verify",
		HTTPStatus: 200,
		Text:       "verify your phone number to continue",
	}
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return scene, nil }}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Achieved)
	assert.Empty(t, result.AbortReason, "blocked is not aborted")
	assert.Equal(t, workflow.StatePhoneVerification, result.FinalState)
}

func TestMission_AbortsOnUnsupportedCaptcha(t *testing.T) {
	t.Parallel()

	scene := &schemas.Scene{
		URL:        "https://example.com/signup",
		HTTPStatus: 200,
		AntiBot:    schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotCaptcha, Provider: "funcaptcha"},
	}
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return scene, nil }}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Achieved)
	assert.Equal(t, schemas.AbortUnsupportedCaptcha, result.AbortReason)
}

func TestMission_AbortsOnSolvableCaptchaWithoutSolver(t *testing.T) {
	t.Parallel()

	scene := &schemas.Scene{
		URL:        "https://example.com/signup",
		HTTPStatus: 200,
		AntiBot:    schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotCaptcha, Provider: "recaptcha"},
	}
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return scene, nil }}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Achieved)
	assert.Equal(t, schemas.AbortAntiBotDetected, result.AbortReason)
}

func TestMission_AbortsOnRepeatedDriverError(t *testing.T) {
	t.Parallel()

	var captures int
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) {
		captures++
		// Distinct URLs keep the scene-loop guard quiet so the test isolates
		// the error-repetition guard.
		return neutralScene(fmt.Sprintf("https://example.com/page-%d", captures)), nil
	}}
	driver := &mockDriver{execErr: func(a schemas.Action) error {
		if a.Type == schemas.ActionClick {
			return errors.New("element not found: #btn-submit")
		}
		return nil
	}}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionClick, Target: "#btn-submit"}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Achieved)
	assert.Equal(t, schemas.AbortSameErrorRepeated, result.AbortReason)
	assert.Equal(t, 2, result.Cycles)
}

func TestMission_AbortsOnHardTimeout(t *testing.T) {
	t.Parallel()

	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return neutralScene("https://example.com"), nil }}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))
	deps.Watchdog = watchdog.New(zap.NewNop(), config.WatchdogConfig{
		HardTimeout:          time.Nanosecond,
		SceneLoopThreshold:   3,
		ErrorRepeatThreshold: 2,
	})

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Achieved)
	assert.Equal(t, schemas.AbortHardTimeout, result.AbortReason)
}

func TestMission_RepairsOnSceneLoop(t *testing.T) {
	t.Parallel()

	stuck := &schemas.Scene{URL: "https://example.com/frozen", HTTPStatus: 200, Text: "nothing changes here"}
	driver := &mockDriver{}
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) {
		// The page stays frozen until the recovery scroll lands, then the
		// mission discovers it is authenticated.
		for _, a := range driver.actions() {
			if a.Type == schemas.ActionScroll {
				return dashboardScene(), nil
			}
		}
		return stuck, nil
	}}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionClick, Target: "#next"}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Achieved, "the loop guard must unfreeze the mission, not kill it")

	var scrolled bool
	for _, a := range driver.actions() {
		if a.Type == schemas.ActionScroll {
			scrolled = true
		}
	}
	assert.True(t, scrolled, "the forced repair runs the scroll recovery step")
}

func TestMission_SwitchesProfileOnChallenge(t *testing.T) {
	t.Parallel()

	var captures int
	driver := &mockDriver{}
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) {
		captures++
		if captures == 1 {
			return &schemas.Scene{
				URL:        "https://example.com/challenge",
				HTTPStatus: 200,
				AntiBot:    schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotCFChallenge},
			}, nil
		}
		return dashboardScene(), nil
	}}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Achieved)

	driver.mu.Lock()
	profiles := driver.profiles
	driver.mu.Unlock()
	assert.Contains(t, profiles, "stealth", "first challenge encounter switches to the stealth profile")
}

func TestStopConditionMet(t *testing.T) {
	t.Parallel()

	scene := &schemas.Scene{Text: "We detected unusual activity from your network."}
	cond, hit := stopConditionMet([]string{"captcha", " Unusual Activity "}, scene)
	assert.True(t, hit)
	assert.Equal(t, " Unusual Activity ", cond)

	_, hit = stopConditionMet([]string{"captcha"}, scene)
	assert.False(t, hit)
	_, hit = stopConditionMet([]string{""}, scene)
	assert.False(t, hit, "empty conditions never match")
	_, hit = stopConditionMet([]string{"anything"}, nil)
	assert.False(t, hit)
}

func TestMission_StopOnSkipsRemainingSteps(t *testing.T) {
	t.Parallel()

	driver := &mockDriver{}
	var stopScenes int
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) {
		var clicked bool
		for _, a := range driver.actions() {
			if a.Type == schemas.ActionClick {
				clicked = true
			}
		}
		if !clicked {
			return neutralScene("https://example.com/start"), nil
		}
		// The two captures after the first click (verify + baseline) show
		// the stop condition; everything after that is authenticated.
		if stopScenes < 2 {
			stopScenes++
			return &schemas.Scene{
				URL:        "https://example.com/start",
				HTTPStatus: 200,
				Text:       "we detected unusual activity",
			}, nil
		}
		return dashboardScene(), nil
	}}

	plan := &schemas.Plan{
		Candidates: []schemas.PlanCandidate{{
			ID: "two-clicks",
			Steps: []schemas.Action{
				{Type: schemas.ActionClick, Target: "#first"},
				{Type: schemas.ActionClick, Target: "#second"},
			},
			StopOn: []string{"unusual activity"},
		}},
		Chosen: "two-clicks",
	}
	deps := testDeps(t, perceptor, driver, plan)

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Achieved)

	var firstClicks, secondClicks int
	for _, a := range driver.actions() {
		if a.Type == schemas.ActionClick && a.Target == "#first" {
			firstClicks++
		}
		if a.Type == schemas.ActionClick && a.Target == "#second" {
			secondClicks++
		}
	}
	assert.Equal(t, 1, firstClicks)
	assert.Zero(t, secondClicks, "steps after a met stop condition are skipped")
}

func TestMission_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var captures int
	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) {
		captures++
		if captures >= 3 {
			cancel()
		}
		return neutralScene(fmt.Sprintf("https://example.com/p-%d", captures)), nil
	}}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)

	result, err := m.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result, "a result is reported even on cancellation")
	assert.False(t, result.Achieved)
}

func TestMission_CloseCycleUnwindsToIdle(t *testing.T) {
	t.Parallel()

	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return neutralScene("https://example.com"), nil }}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)
	require.NoError(t, deps.Watchdog.InitSession(m.ID(), registerGoal()))

	for _, next := range []watchdog.State{
		watchdog.StateSnapshot, watchdog.StatePlan, watchdog.StateExecute, watchdog.StateVerify,
	} {
		res, err := deps.Watchdog.Transition(m.ID(), next, watchdog.TransitionData{})
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	outcome, err := m.closeCycle(watchdog.StateVerify)
	require.NoError(t, err)
	assert.Equal(t, cycleContinue, outcome.kind)

	status, err := deps.Watchdog.GetStatus(m.ID())
	require.NoError(t, err)
	assert.Equal(t, watchdog.StateIdle, status.State, "the unwind ends at Idle, ready for the next cycle")
}

func TestMission_CloseCycleAbortsOnTimeoutMidUnwind(t *testing.T) {
	t.Parallel()

	perceptor := &funcPerceptor{fn: func() (*schemas.Scene, error) { return neutralScene("https://example.com"), nil }}
	driver := &mockDriver{}
	deps := testDeps(t, perceptor, driver, singleStepPlan(schemas.Action{Type: schemas.ActionWait, DurationMS: 1}))
	deps.Watchdog = watchdog.New(zap.NewNop(), config.WatchdogConfig{
		HardTimeout:          time.Nanosecond,
		SceneLoopThreshold:   3,
		ErrorRepeatThreshold: 2,
	})

	m, err := NewMission(zap.NewNop(), registerGoal(), deps)
	require.NoError(t, err)
	require.NoError(t, deps.Watchdog.InitSession(m.ID(), registerGoal()))

	outcome, err := m.closeCycle(watchdog.StateSnapshot)
	require.NoError(t, err)
	assert.Equal(t, cycleAborted, outcome.kind)
	assert.Equal(t, schemas.AbortHardTimeout, outcome.abortReason)
}
