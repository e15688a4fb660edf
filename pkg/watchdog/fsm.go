// -- pkg/watchdog/fsm.go --
// The watchdog is the sole authority that decides when a mission stops. It
// owns per-session FSM state, detects loops (repeated identical scene
// hashes, repeated identical errors) and hard timeouts, and is the only
// component in the system that hard-blocks invalid transitions.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/internal/config"
)

// State is one of the eight control-loop FSM states.
type State string

const (
	StateIdle     State = "idle"
	StateSnapshot State = "snapshot"
	StatePlan     State = "plan"
	StateExecute  State = "execute"
	StateVerify   State = "verify"
	StateDone     State = "done"
	StateRepair   State = "repair"
	StateAbort    State = "abort"
)

// validTransitions is the hard adjacency table. Abort is terminal: its
// adjacency set is empty and once reached the session never leaves it.
var validTransitions = map[State][]State{
	StateIdle:     {StateSnapshot},
	StateSnapshot: {StatePlan},
	StatePlan:     {StateExecute, StateAbort},
	StateExecute:  {StateVerify, StateAbort},
	StateVerify:   {StateDone, StateRepair, StateExecute},
	StateRepair:   {StateExecute, StateAbort},
	StateDone:     {StateIdle},
	StateAbort:    {},
}

func isValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step is one entry in a session's transition log.
type Step struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"ts"`
}

// session is the per-mission FSM state, owned exclusively by the watchdog
// and mutated only under the registry lock.
type session struct {
	id             string
	goal           schemas.Goal
	state          State
	startTime      time.Time
	sceneHashCount map[string]int
	errorCount     map[string]int
	lastSceneHash  string
	steps          []Step
	abortReason    string
}

// TransitionData carries the loop-detection signals for one transition call.
type TransitionData struct {
	// SceneHash is the fingerprint of the scene observed this cycle.
	SceneHash string
	// Error is the error text produced this cycle, if any.
	Error string
	// AbortReason names the cause when the caller requests StateAbort
	// explicitly. Ignored for any other requested state.
	AbortReason string
}

// TransitionResult reports the outcome of a transition request. The state
// actually entered may differ from the requested one when a guard fires.
type TransitionResult struct {
	OK          bool   `json:"ok"`
	State       State  `json:"state"`
	ShouldAbort bool   `json:"should_abort"`
	AbortReason string `json:"abort_reason,omitempty"`
	// Forced is set when a guard overrode the requested next state.
	Forced bool   `json:"forced,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Status is a read-only snapshot of a session.
type Status struct {
	State       State          `json:"state"`
	Elapsed     time.Duration  `json:"elapsed"`
	Steps       int            `json:"steps"`
	SceneHashes map[string]int `json:"scene_hashes"`
	Errors      map[string]int `json:"errors"`
	AbortReason string         `json:"abort_reason,omitempty"`
}

// Watchdog is the session registry plus the guard logic. Different sessions
// never contend beyond the registry lock; each session is expected to be
// driven by a single caller at a time.
type Watchdog struct {
	logger *zap.Logger

	hardTimeout    time.Duration
	sceneLoopLimit int
	errorLimit     int

	// now is the clock, swappable in tests.
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a watchdog from configuration.
func New(logger *zap.Logger, cfg config.WatchdogConfig) *Watchdog {
	hardTimeout := cfg.HardTimeout
	if hardTimeout <= 0 {
		hardTimeout = 120 * time.Second
	}
	sceneLoopLimit := cfg.SceneLoopThreshold
	if sceneLoopLimit <= 0 {
		sceneLoopLimit = 3
	}
	errorLimit := cfg.ErrorRepeatThreshold
	if errorLimit <= 0 {
		errorLimit = 2
	}
	return &Watchdog{
		logger:         logger.Named("watchdog"),
		hardTimeout:    hardTimeout,
		sceneLoopLimit: sceneLoopLimit,
		errorLimit:     errorLimit,
		now:            time.Now,
		sessions:       make(map[string]*session),
	}
}

// InitSession registers a new mission session at Idle.
func (w *Watchdog) InitSession(sessionID string, goal schemas.Goal) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.sessions[sessionID]; exists {
		return fmt.Errorf("session %q already exists", sessionID)
	}
	w.sessions[sessionID] = &session{
		id:             sessionID,
		goal:           goal,
		state:          StateIdle,
		startTime:      w.now(),
		sceneHashCount: make(map[string]int),
		errorCount:     make(map[string]int),
	}
	w.logger.Info("Session initialized",
		zap.String("session_id", sessionID),
		zap.String("site", goal.Site),
		zap.String("task", string(goal.Task)))
	return nil
}

// Transition requests a move to nextState. Guard checks run in strict
// priority order and may override the request:
//
//  1. hard timeout forces Abort regardless of anything else;
//  2. a scene hash repeated sceneLoopLimit times consecutively forces
//     Repair (loops are recoverable by re-planning);
//  3. an identical error repeated errorLimit times forces Abort;
//  4. otherwise the adjacency table is enforced.
//
// An unknown session id is a caller bug and returns an error.
func (w *Watchdog) Transition(sessionID string, nextState State, data TransitionData) (TransitionResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[sessionID]
	if !ok {
		return TransitionResult{OK: false}, fmt.Errorf("unknown session %q", sessionID)
	}

	// Abort is final: no transition call changes it.
	if s.state == StateAbort {
		return TransitionResult{
			OK:          false,
			State:       StateAbort,
			ShouldAbort: true,
			AbortReason: s.abortReason,
			Reason:      "session already aborted",
		}, nil
	}

	// Guard 1: hard timeout preempts everything, including the requested
	// next state.
	if w.now().Sub(s.startTime) > w.hardTimeout {
		w.force(s, StateAbort, schemas.AbortHardTimeout)
		return TransitionResult{
			OK:          true,
			State:       StateAbort,
			ShouldAbort: true,
			AbortReason: schemas.AbortHardTimeout,
			Forced:      true,
			Reason:      schemas.AbortHardTimeout,
		}, nil
	}

	// Guard 2: consecutive identical scenes mean the loop is not making
	// progress; force a Repair so the mission re-plans.
	if data.SceneHash != "" {
		if data.SceneHash == s.lastSceneHash {
			s.sceneHashCount[data.SceneHash]++
		} else {
			s.sceneHashCount[data.SceneHash] = 1
		}
		s.lastSceneHash = data.SceneHash

		if s.sceneHashCount[data.SceneHash] >= w.sceneLoopLimit {
			// Reset so the repaired loop gets a fresh window.
			s.sceneHashCount[data.SceneHash] = 0
			w.force(s, StateRepair, "")
			return TransitionResult{
				OK:     true,
				State:  StateRepair,
				Forced: true,
				Reason: "same_scene_loop_detected",
			}, nil
		}
	}

	// Guard 3: the same error twice is not going to fix itself.
	if data.Error != "" {
		s.errorCount[data.Error]++
		if s.errorCount[data.Error] >= w.errorLimit {
			w.force(s, StateAbort, schemas.AbortSameErrorRepeated)
			return TransitionResult{
				OK:          true,
				State:       StateAbort,
				ShouldAbort: true,
				AbortReason: schemas.AbortSameErrorRepeated,
				Forced:      true,
				Reason:      schemas.AbortSameErrorRepeated,
			}, nil
		}
	}

	// Guard 4: enforce the adjacency table.
	if !isValidTransition(s.state, nextState) {
		w.logger.Warn("Rejected invalid FSM transition",
			zap.String("session_id", s.id),
			zap.String("from", string(s.state)),
			zap.String("to", string(nextState)))
		return TransitionResult{
			OK:     false,
			State:  s.state,
			Reason: fmt.Sprintf("invalid transition %s -> %s", s.state, nextState),
		}, nil
	}

	w.commit(s, nextState)
	if nextState == StateAbort {
		s.abortReason = data.AbortReason
		if s.abortReason == "" {
			s.abortReason = schemas.AbortUnrecoverableError
		}
		return TransitionResult{
			OK:          true,
			State:       StateAbort,
			ShouldAbort: true,
			AbortReason: s.abortReason,
		}, nil
	}
	return TransitionResult{OK: true, State: nextState}, nil
}

// force moves the session to a guard-chosen state, bypassing the adjacency
// table. Guards have priority over the caller's intent.
func (w *Watchdog) force(s *session, to State, abortReason string) {
	w.logger.Warn("Guard forced FSM transition",
		zap.String("session_id", s.id),
		zap.String("from", string(s.state)),
		zap.String("to", string(to)),
		zap.String("abort_reason", abortReason))
	w.commit(s, to)
	if abortReason != "" {
		s.abortReason = abortReason
	}
}

func (w *Watchdog) commit(s *session, to State) {
	s.steps = append(s.steps, Step{From: s.state, To: to, At: w.now().UTC()})
	s.state = to
}

// GetStatus returns a read-only snapshot of the session.
func (w *Watchdog) GetStatus(sessionID string) (Status, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s, ok := w.sessions[sessionID]
	if !ok {
		return Status{}, fmt.Errorf("unknown session %q", sessionID)
	}

	hashes := make(map[string]int, len(s.sceneHashCount))
	for k, v := range s.sceneHashCount {
		hashes[k] = v
	}
	errors := make(map[string]int, len(s.errorCount))
	for k, v := range s.errorCount {
		errors[k] = v
	}
	return Status{
		State:       s.state,
		Elapsed:     w.now().Sub(s.startTime),
		Steps:       len(s.steps),
		SceneHashes: hashes,
		Errors:      errors,
		AbortReason: s.abortReason,
	}, nil
}

// Steps returns a copy of the session's transition log.
func (w *Watchdog) Steps(sessionID string) ([]Step, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s, ok := w.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out, nil
}

// Cleanup deletes the session entirely. No soft-delete; no history is
// retained beyond process lifetime.
func (w *Watchdog) Cleanup(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, sessionID)
	w.logger.Debug("Session cleaned up", zap.String("session_id", sessionID))
}
