// -- pkg/agent/mission.go --
// Mission drives the Snapshot -> Plan -> Execute -> Verify loop for one
// goal. All decision components are owned explicitly by the mission; the
// watchdog's guard checks have priority over every intended transition, and
// only the watchdog can end a mission through an Abort.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/pkg/antibot"
	"github.com/skylark9/skylark-cli/pkg/interfaces"
	"github.com/skylark9/skylark-cli/pkg/recovery"
	"github.com/skylark9/skylark-cli/pkg/verify"
	"github.com/skylark9/skylark-cli/pkg/watchdog"
	"github.com/skylark9/skylark-cli/pkg/workflow"
)

// Deps are the collaborators and decision components a mission needs.
// The watchdog may be shared among missions (it keys state by session id);
// everything else is either stateless or per-mission.
type Deps struct {
	Watchdog   *watchdog.Watchdog
	Classifier *workflow.Classifier
	Policy     *antibot.Engine
	Verifier   *verify.Verifier
	Recovery   *recovery.Planner

	Planner   interfaces.Planner
	Perceptor interfaces.Perceptor
	Driver    interfaces.Driver
	// Solver may be nil; without one, a wait_solver decision aborts the
	// mission instead of blocking forever.
	Solver interfaces.CaptchaSolver
}

// Result is what a finished mission reports upward. AbortReason is the sole
// diagnostic string for aborted missions.
type Result struct {
	SessionID   string                `json:"session_id"`
	Achieved    bool                  `json:"achieved"`
	AbortReason string                `json:"abort_reason,omitempty"`
	FinalState  workflow.State        `json:"final_state"`
	Cycles      int                   `json:"cycles"`
	Transitions []workflow.Transition `json:"transitions"`
}

// Mission is a single sequential control loop. Not safe for concurrent use;
// run one goroutine per mission.
type Mission struct {
	id     string
	goal   schemas.Goal
	logger *zap.Logger
	deps   Deps

	encounters []antibot.Encounter
	lastAction schemas.Action
	hasLast    bool
}

// NewMission assembles a mission for the goal.
func NewMission(logger *zap.Logger, goal schemas.Goal, deps Deps) (*Mission, error) {
	if deps.Watchdog == nil || deps.Classifier == nil || deps.Policy == nil ||
		deps.Verifier == nil || deps.Recovery == nil {
		return nil, fmt.Errorf("mission requires all decision components")
	}
	if deps.Planner == nil || deps.Perceptor == nil || deps.Driver == nil {
		return nil, fmt.Errorf("mission requires planner, perceptor and driver collaborators")
	}
	id := uuid.NewString()
	return &Mission{
		id:     id,
		goal:   goal,
		logger: logger.Named("mission").With(zap.String("session_id", id)),
		deps:   deps,
	}, nil
}

// ID returns the mission's session id.
func (m *Mission) ID() string { return m.id }

// Run executes the control loop until the workflow reaches a terminal or
// blocked state, or the watchdog aborts. The returned error is reserved for
// caller bugs and context cancellation; mission outcomes, including aborts,
// are reported in the Result.
func (m *Mission) Run(ctx context.Context) (*Result, error) {
	if err := m.deps.Watchdog.InitSession(m.id, m.goal); err != nil {
		return nil, err
	}
	defer m.deps.Watchdog.Cleanup(m.id)

	m.logger.Info("Mission starting",
		zap.String("site", m.goal.Site), zap.String("task", string(m.goal.Task)))

	// Open the site before the first observation cycle.
	if err := m.deps.Driver.Execute(ctx, schemas.Action{
		Type:   schemas.ActionNavigate,
		Target: m.goal.Site,
	}); err != nil {
		m.logger.Warn("Initial navigation failed; the first cycle will observe whatever loaded", zap.Error(err))
	}

	cycles := 0
	for {
		if err := ctx.Err(); err != nil {
			return m.finish(cycles, false, schemas.AbortUnrecoverableError), err
		}
		cycles++

		outcome, err := m.runCycle(ctx)
		if err != nil {
			return m.finish(cycles, false, schemas.AbortUnrecoverableError), err
		}
		switch outcome.kind {
		case cycleAborted:
			m.logger.Warn("Mission aborted", zap.String("abort_reason", outcome.abortReason))
			return m.finish(cycles, false, outcome.abortReason), nil
		case cycleAchieved:
			m.logger.Info("Mission achieved", zap.Int("cycles", cycles))
			return m.finish(cycles, true, ""), nil
		case cycleBlocked:
			m.logger.Warn("Mission blocked; human intervention required",
				zap.String("workflow_state", string(outcome.finalState)))
			return m.finish(cycles, false, ""), nil
		case cycleContinue:
			// Next observation cycle.
		}
	}
}

type cycleKind int

const (
	cycleContinue cycleKind = iota
	cycleAchieved
	cycleBlocked
	cycleAborted
)

type cycleOutcome struct {
	kind        cycleKind
	abortReason string
	finalState  workflow.State
}

func abortedOutcome(res watchdog.TransitionResult) cycleOutcome {
	return cycleOutcome{kind: cycleAborted, abortReason: res.AbortReason}
}

// runCycle performs one Snapshot -> Plan -> Execute -> Verify pass.
func (m *Mission) runCycle(ctx context.Context) (cycleOutcome, error) {
	// --- Snapshot ---
	scene, sceneErr := m.deps.Perceptor.CaptureScene(ctx)
	data := watchdog.TransitionData{}
	if sceneErr != nil {
		data.Error = sceneErr.Error()
	} else {
		data.SceneHash = scene.Hash()
	}

	res, err := m.deps.Watchdog.Transition(m.id, watchdog.StateSnapshot, data)
	if err != nil {
		return cycleOutcome{}, err
	}
	if res.ShouldAbort {
		return abortedOutcome(res), nil
	}
	if res.State == watchdog.StateRepair {
		// Same-scene loop: the page is not changing in response to our
		// actions. Re-plan after perturbing the viewport.
		return m.repair(ctx, scene, schemas.RemediationScroll)
	}
	if sceneErr != nil {
		// The snapshot transition absorbed the error into the guard
		// histogram; skip the rest of the cycle and observe again.
		return m.closeCycle(watchdog.StateSnapshot)
	}

	// --- Side channels: workflow classification and anti-bot policy ---
	prevWF := m.deps.Classifier.Current()
	wfState := m.deps.Classifier.DetermineState(ctx, scene, prevWF, m.goal)
	if wfState != prevWF {
		m.deps.Classifier.TransitionTo(wfState, map[string]string{"url": scene.URL})
	}
	if wfState.IsTerminal() {
		if wfState == workflow.StateAchieved {
			return cycleOutcome{kind: cycleAchieved, finalState: wfState}, nil
		}
		return cycleOutcome{kind: cycleBlocked, finalState: wfState}, nil
	}
	if wfState.IsBlocked() {
		return cycleOutcome{kind: cycleBlocked, finalState: wfState}, nil
	}
	if wfState == workflow.StateAuthenticated {
		// Authenticated satisfies login and registration missions.
		if m.goal.Task == schemas.TaskLogin || m.goal.Task == schemas.TaskRegister {
			m.deps.Classifier.TransitionTo(workflow.StateAchieved, nil)
			return cycleOutcome{kind: cycleAchieved, finalState: workflow.StateAchieved}, nil
		}
	}

	if outcome, handled, err := m.applyPolicy(ctx, scene); handled || err != nil {
		return outcome, err
	}

	// --- Plan ---
	res, err = m.deps.Watchdog.Transition(m.id, watchdog.StatePlan, watchdog.TransitionData{})
	if err != nil {
		return cycleOutcome{}, err
	}
	if res.ShouldAbort {
		return abortedOutcome(res), nil
	}
	if res.State == watchdog.StateRepair {
		return m.repair(ctx, scene, schemas.RemediationWait)
	}

	plan, err := m.deps.Planner.GeneratePlan(ctx, m.goal, scene)
	if err != nil {
		return m.abortWithReason(schemas.AbortUnrecoverableError)
	}
	candidate, ok := plan.ChosenCandidate()
	if !ok {
		return m.abortWithReason(schemas.AbortUnrecoverableError)
	}
	m.logger.Debug("Executing plan candidate",
		zap.String("candidate", candidate.ID), zap.Int("steps", len(candidate.Steps)))

	// --- Execute + Verify, one step at a time ---
	for _, step := range candidate.Steps {
		outcome, done, err := m.executeStep(ctx, scene, step)
		if err != nil {
			return cycleOutcome{}, err
		}
		if done {
			return outcome, nil
		}
		// The post-action scene becomes the baseline for the next step.
		if post, perr := m.deps.Perceptor.CaptureScene(ctx); perr == nil {
			scene = post
		}
		if cond, hit := stopConditionMet(candidate.StopOn, scene); hit {
			m.logger.Debug("Stop condition met; ending candidate early",
				zap.String("candidate", candidate.ID), zap.String("condition", cond))
			break
		}
	}

	return m.closeCycle(watchdog.StateVerify)
}

// executeStep runs one action through Execute and Verify, applying recovery
// on failed verification. done=true means the cycle (or mission) is over.
func (m *Mission) executeStep(ctx context.Context, pre *schemas.Scene, step schemas.Action) (cycleOutcome, bool, error) {
	execErr := m.deps.Driver.Execute(ctx, step)
	m.lastAction = step
	m.hasLast = true

	data := watchdog.TransitionData{}
	if execErr != nil {
		data.Error = execErr.Error()
	}
	res, err := m.deps.Watchdog.Transition(m.id, watchdog.StateExecute, data)
	if err != nil {
		return cycleOutcome{}, false, err
	}
	if res.ShouldAbort {
		return abortedOutcome(res), true, nil
	}
	if res.State == watchdog.StateRepair {
		outcome, err := m.repair(ctx, pre, schemas.RemediationWait)
		return outcome, true, err
	}

	post, perr := m.deps.Perceptor.CaptureScene(ctx)
	if perr != nil {
		post = pre
	}
	verdict := m.deps.Verifier.Verify(pre, post, step, m.goal)

	res, err = m.deps.Watchdog.Transition(m.id, watchdog.StateVerify, watchdog.TransitionData{})
	if err != nil {
		return cycleOutcome{}, false, err
	}
	if res.ShouldAbort {
		return abortedOutcome(res), true, nil
	}

	if post.AntiBot.Present {
		m.encounters = append(m.encounters, antibot.Encounter{
			Type: post.AntiBot.Type, At: time.Now().UTC(),
		})
	}

	if verdict.Success {
		if verdict.Remediation == schemas.RemediationCloseDialog {
			// Advisory cleanup even on success.
			steps := m.deps.Recovery.PlanRecovery(post, verdict.Remediation, m.goal)
			if outcome, done, err := m.applyRecoverySteps(ctx, steps); done || err != nil {
				return outcome, done, err
			}
		}
		return cycleOutcome{}, false, nil
	}

	m.logger.Debug("Verification failed",
		zap.String("expected", verdict.Expected),
		zap.String("observed", verdict.Observed),
		zap.String("remediation", string(verdict.Remediation)))
	outcome, err := m.repair(ctx, post, verdict.Remediation)
	return outcome, true, err
}

// repair consults the recovery planner and runs the patch steps through the
// Repair -> Execute path, then closes the cycle so the loop re-observes.
func (m *Mission) repair(ctx context.Context, scene *schemas.Scene, tag schemas.RemediationTag) (cycleOutcome, error) {
	// The watchdog may already have forced Repair; a caller-requested
	// Verify -> Repair hop is also legal. Tolerate a rejection here, since
	// the only cause is already being in Repair.
	if res, err := m.deps.Watchdog.Transition(m.id, watchdog.StateRepair, watchdog.TransitionData{}); err != nil {
		return cycleOutcome{}, err
	} else if res.ShouldAbort {
		return abortedOutcome(res), nil
	}

	steps := m.deps.Recovery.PlanRecovery(scene, tag, m.goal)
	outcome, done, err := m.applyRecoverySteps(ctx, steps)
	if err != nil || done {
		return outcome, err
	}
	return m.closeCycle(watchdog.StateVerify)
}

// applyRecoverySteps executes recovery actions through the FSM. done=true
// means the mission ended (abort step or guard fired).
func (m *Mission) applyRecoverySteps(ctx context.Context, steps []schemas.Action) (cycleOutcome, bool, error) {
	for _, step := range steps {
		if step.Type == schemas.ActionAbort {
			outcome, err := m.abortWithReason(step.Reason)
			return outcome, true, err
		}

		res, err := m.deps.Watchdog.Transition(m.id, watchdog.StateExecute, watchdog.TransitionData{})
		if err != nil {
			return cycleOutcome{}, false, err
		}
		if res.ShouldAbort {
			return abortedOutcome(res), true, nil
		}

		execErr := m.executeRecoveryAction(ctx, step)
		data := watchdog.TransitionData{}
		if execErr != nil {
			data.Error = execErr.Error()
		}
		res, err = m.deps.Watchdog.Transition(m.id, watchdog.StateVerify, data)
		if err != nil {
			return cycleOutcome{}, false, err
		}
		if res.ShouldAbort {
			return abortedOutcome(res), true, nil
		}
	}
	return cycleOutcome{}, false, nil
}

// executeRecoveryAction resolves retry_last before handing the action to
// the driver.
func (m *Mission) executeRecoveryAction(ctx context.Context, step schemas.Action) error {
	if step.Type == schemas.ActionRetryLast {
		if !m.hasLast {
			return nil
		}
		return m.deps.Driver.Execute(ctx, m.lastAction)
	}
	return m.deps.Driver.Execute(ctx, step)
}

// applyPolicy consults the anti-bot engine at snapshot time. handled=true
// means the cycle should not proceed to planning (backoff, solver wait,
// profile switch or abort happened).
func (m *Mission) applyPolicy(ctx context.Context, scene *schemas.Scene) (cycleOutcome, bool, error) {
	decision := m.deps.Policy.EvalPolicy(scene, m.encounters)
	if scene.AntiBot.Present {
		m.encounters = append(m.encounters, antibot.Encounter{
			Type: scene.AntiBot.Type, At: time.Now().UTC(),
		})
	}

	switch decision.Action {
	case antibot.ActionContinue:
		return cycleOutcome{}, false, nil

	case antibot.ActionWaitSolver:
		if m.deps.Solver == nil {
			m.logger.Warn("Captcha requires a solver but none is configured")
			outcome, err := m.abortWithReason(schemas.AbortAntiBotDetected)
			return outcome, true, err
		}
		if err := m.deps.Solver.Solve(ctx, scene); err != nil {
			m.logger.Warn("Captcha solver failed", zap.Error(err))
			outcome, err := m.abortWithReason(schemas.AbortAntiBotDetected)
			return outcome, true, err
		}
		outcome, err := m.closeCycle(watchdog.StateSnapshot)
		return outcome, true, err

	case antibot.ActionConsentClick:
		if err := m.deps.Driver.Execute(ctx, schemas.Action{Type: schemas.ActionConsentClick}); err != nil {
			m.logger.Warn("Consent click failed", zap.Error(err))
		}
		outcome, err := m.closeCycle(watchdog.StateSnapshot)
		return outcome, true, err

	case antibot.ActionSwitchProfile, antibot.ActionBackoff, antibot.ActionRetry:
		if decision.Profile != "" {
			profile, perr := m.deps.Policy.SwitchProfile(decision.Profile)
			if perr != nil {
				outcome, err := m.abortWithReason(schemas.AbortPolicyError)
				return outcome, true, err
			}
			if err := m.deps.Driver.SwitchProfile(ctx, profile.Name); err != nil {
				m.logger.Warn("Driver profile switch failed", zap.Error(err))
			}
		}
		if decision.BackoffMS > 0 {
			m.logger.Info("Backing off per anti-bot policy",
				zap.String("action", string(decision.Action)),
				zap.Int("backoff_ms", decision.BackoffMS))
			if err := sleepCtx(ctx, time.Duration(decision.BackoffMS)*time.Millisecond); err != nil {
				return cycleOutcome{}, true, err
			}
		}
		outcome, err := m.closeCycle(watchdog.StateSnapshot)
		return outcome, true, err

	case antibot.ActionAbort:
		reason := decision.Reason
		if reason == "" {
			reason = schemas.AbortAntiBotDetected
		}
		outcome, err := m.abortWithReason(reason)
		return outcome, true, err

	default:
		outcome, err := m.abortWithReason(schemas.AbortPolicyError)
		return outcome, true, err
	}
}

// closeCycle walks the FSM through Done back to Idle so the next cycle can
// snapshot again. from names the state the session is currently in.
func (m *Mission) closeCycle(from watchdog.State) (cycleOutcome, error) {
	path := cyclePathToIdle(from)
	for _, next := range path {
		res, err := m.deps.Watchdog.Transition(m.id, next, watchdog.TransitionData{})
		if err != nil {
			return cycleOutcome{}, err
		}
		if res.ShouldAbort {
			return abortedOutcome(res), nil
		}
	}
	return cycleOutcome{kind: cycleContinue}, nil
}

// cyclePathToIdle returns the legal transition chain from the given state
// back to Idle.
func cyclePathToIdle(from watchdog.State) []watchdog.State {
	switch from {
	case watchdog.StateSnapshot:
		return []watchdog.State{watchdog.StatePlan, watchdog.StateExecute, watchdog.StateVerify, watchdog.StateDone, watchdog.StateIdle}
	case watchdog.StatePlan:
		return []watchdog.State{watchdog.StateExecute, watchdog.StateVerify, watchdog.StateDone, watchdog.StateIdle}
	case watchdog.StateExecute:
		return []watchdog.State{watchdog.StateVerify, watchdog.StateDone, watchdog.StateIdle}
	case watchdog.StateVerify, watchdog.StateRepair:
		return []watchdog.State{watchdog.StateDone, watchdog.StateIdle}
	case watchdog.StateDone:
		return []watchdog.State{watchdog.StateIdle}
	default:
		return nil
	}
}

// abortWithReason requests an explicit Abort through the legal path from
// wherever the session currently is.
func (m *Mission) abortWithReason(reason string) (cycleOutcome, error) {
	status, err := m.deps.Watchdog.GetStatus(m.id)
	if err != nil {
		return cycleOutcome{}, err
	}

	// Abort is only adjacent to Plan, Execute and Repair; walk there first.
	var path []watchdog.State
	switch status.State {
	case watchdog.StatePlan, watchdog.StateExecute, watchdog.StateRepair:
		path = []watchdog.State{watchdog.StateAbort}
	case watchdog.StateSnapshot:
		path = []watchdog.State{watchdog.StatePlan, watchdog.StateAbort}
	case watchdog.StateVerify:
		path = []watchdog.State{watchdog.StateRepair, watchdog.StateAbort}
	case watchdog.StateIdle, watchdog.StateDone:
		path = []watchdog.State{watchdog.StateSnapshot, watchdog.StatePlan, watchdog.StateAbort}
		if status.State == watchdog.StateDone {
			path = append([]watchdog.State{watchdog.StateIdle}, path...)
		}
	case watchdog.StateAbort:
		return cycleOutcome{kind: cycleAborted, abortReason: status.AbortReason}, nil
	}

	for i, next := range path {
		data := watchdog.TransitionData{}
		if i == len(path)-1 {
			data.AbortReason = reason
		}
		res, err := m.deps.Watchdog.Transition(m.id, next, data)
		if err != nil {
			return cycleOutcome{}, err
		}
		if res.ShouldAbort {
			return abortedOutcome(res), nil
		}
	}
	return cycleOutcome{kind: cycleAborted, abortReason: reason}, nil
}

func (m *Mission) finish(cycles int, achieved bool, abortReason string) *Result {
	return &Result{
		SessionID:   m.id,
		Achieved:    achieved,
		AbortReason: abortReason,
		FinalState:  m.deps.Classifier.Current(),
		Cycles:      cycles,
		Transitions: m.deps.Classifier.Log(),
	}
}

// stopConditionMet reports whether any of the candidate's stop_on markers
// appear in the scene's visible text. The remaining steps of the candidate
// are skipped; the next cycle re-observes and re-plans.
func stopConditionMet(conditions []string, scene *schemas.Scene) (string, bool) {
	if scene == nil {
		return "", false
	}
	text := strings.ToLower(scene.Text)
	for _, cond := range conditions {
		c := strings.ToLower(strings.TrimSpace(cond))
		if c != "" && strings.Contains(text, c) {
			return cond, true
		}
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
