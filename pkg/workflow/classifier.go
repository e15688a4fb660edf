// -- pkg/workflow/classifier.go --
package workflow

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/pkg/interfaces"
)

// entryURLPattern matches URL paths that indicate a registration or login
// entry point.
var entryURLPattern = regexp.MustCompile(`/(register|signup|sign-up|login|signin|sign-in)(/|$|\?)`)

// successMarkers indicate an authenticated or completed state in page text.
var successMarkers = []string{
	"welcome back",
	"successfully registered",
	"account created",
	"you are logged in",
	"logged in as",
	"sign out",
	"log out",
}

// captchaMarkers indicate an active captcha challenge in page text.
var captchaMarkers = []string{
	"captcha",
	"recaptcha",
	"hcaptcha",
	"are you human",
	"prove you are not a robot",
	"verify you are human",
}

// errorMarkers indicate the page is showing a failure.
var errorMarkers = []string{
	"something went wrong",
	"an error occurred",
	"access denied",
	"forbidden",
	"try again later",
}

// llmAnswerStates maps the fallback classifier's textual answers onto
// workflow states. Unmapped answers degrade to the previous state.
var llmAnswerStates = map[string]State{
	"initial":            StateInitial,
	"analyzing_site":     StateAnalyzingSite,
	"analyzing":          StateAnalyzingSite,
	"locating_entry":     StateLocatingEntry,
	"form_detected":      StateFormDetected,
	"form":               StateFormDetected,
	"filling":            StateFilling,
	"handling_captcha":   StateHandlingCaptcha,
	"captcha":            StateHandlingCaptcha,
	"submitting":         StateSubmitting,
	"waiting":            StateWaiting,
	"email_verification": StateEmailVerification,
	"phone_verification": StatePhoneVerification,
	"two_factor":         StateTwoFactor,
	"authenticated":      StateAuthenticated,
	"error":              StateError,
	"stuck":              StateStuck,
	"achieved":           StateAchieved,
	"failed":             StateFailed,
}

// Transition is one entry in the append-only workflow audit log.
type Transition struct {
	From State             `json:"from"`
	To   State             `json:"to"`
	At   time.Time         `json:"ts"`
	Meta map[string]string `json:"metadata,omitempty"`
}

// Classifier maps a scene plus the previous workflow state onto one of the
// sixteen named states. Classification never fails: ambiguity resolves to
// the previous state, worst case via the LLM fallback.
type Classifier struct {
	logger *zap.Logger
	// llm backs the fallback branch for ambiguous early-mission scenes.
	// May be nil, in which case the fallback holds the previous state.
	llm interfaces.LLMClient

	mu      sync.Mutex
	current State
	log     []Transition
}

// NewClassifier creates a classifier starting at StateInitial.
func NewClassifier(logger *zap.Logger, llm interfaces.LLMClient) *Classifier {
	return &Classifier{
		logger:  logger.Named("workflow"),
		llm:     llm,
		current: StateInitial,
	}
}

// Current returns the classifier's current workflow state.
func (c *Classifier) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Log returns a copy of the transition log accumulated so far.
func (c *Classifier) Log() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.log))
	copy(out, c.log)
	return out
}

// TransitionTo moves the workflow to the target state, logging a warning
// (but not blocking) when the move is outside the adjacency map. The
// transition is appended to the audit log unconditionally.
func (c *Classifier) TransitionTo(to State, meta map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.current
	if !isExpectedTransition(from, to) {
		c.logger.Warn("Unusual workflow transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	c.log = append(c.log, Transition{From: from, To: to, At: time.Now().UTC(), Meta: meta})
	c.current = to
}

// DetermineState classifies the scene. Ordered priority rules, first match
// wins; rule eight delegates to the LLM, rule nine holds the previous state.
// Any internal failure also resolves to the previous state.
func (c *Classifier) DetermineState(ctx context.Context, scene *schemas.Scene, prev State, goal schemas.Goal) (state State) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Classifier panicked; holding previous state", zap.Any("panic", r))
			state = prev
		}
	}()

	if scene == nil {
		return prev
	}
	text := strings.ToLower(scene.Text)

	// 1. Success markers or a dashboard page beat everything else.
	if scene.PageType == "dashboard" || containsAny(text, successMarkers) {
		return StateAuthenticated
	}

	// 2. Out-of-band verification demands.
	if strings.Contains(text, "verify") {
		if strings.Contains(text, "email") {
			return StateEmailVerification
		}
		if strings.Contains(text, "phone") || strings.Contains(text, "sms") {
			return StatePhoneVerification
		}
	}

	// 3. Active captcha challenge.
	if (scene.AntiBot.Present && scene.AntiBot.Type == schemas.AntiBotCaptcha) ||
		scene.Hints.Captcha || containsAny(text, captchaMarkers) {
		return StateHandlingCaptcha
	}

	// 4. Error pages; repeated errors escalate to Stuck.
	if scene.HTTPStatus >= 400 || containsAny(text, errorMarkers) {
		if prev == StateError || prev == StateStuck {
			return StateStuck
		}
		return StateError
	}

	// 5. A visible form on a form-bearing page.
	if scene.HasForm() && isFormPageType(scene.PageType) {
		if prev == StateFilling {
			return StateFilling
		}
		return StateFormDetected
	}

	// 6. Entry-point URL, unless we are mid-form (sticky).
	if entryURLPattern.MatchString(strings.ToLower(scene.URL)) {
		if prev == StateFilling || prev == StateSubmitting {
			return prev
		}
		return StateFormDetected
	}

	// 7. The page is still settling.
	if scene.Hints.Loading || strings.Contains(text, "loading") || strings.Contains(text, "please wait") {
		return StateWaiting
	}

	// 8. Early in the mission nothing matched; ask the LLM.
	if prev == StateInitial || prev == StateAnalyzingSite {
		return c.classifyWithLLM(ctx, scene, prev, goal)
	}

	// 9. Hold.
	return prev
}

func isFormPageType(pageType string) bool {
	switch pageType {
	case "registration", "login", "form":
		return true
	}
	return false
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// classifyWithLLM asks the text-completion collaborator to name the state.
// Failures and unmapped answers degrade to prev; this branch never errors.
func (c *Classifier) classifyWithLLM(ctx context.Context, scene *schemas.Scene, prev State, goal schemas.Goal) State {
	if c.llm == nil {
		return prev
	}

	apiCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req := interfaces.GenerationRequest{
		SystemPrompt: llmClassifierSystemPrompt,
		UserPrompt:   buildClassifierPrompt(scene, prev, goal),
		Options: interfaces.GenerationOptions{
			Temperature: 0.0,
			MaxTokens:   16,
		},
	}
	answer, err := c.llm.GenerateResponse(apiCtx, req)
	if err != nil {
		c.logger.Warn("LLM fallback classification failed; holding previous state", zap.Error(err))
		return prev
	}

	normalized := strings.ToLower(strings.TrimSpace(answer))
	normalized = strings.Trim(normalized, "\"'`.")
	if st, ok := llmAnswerStates[normalized]; ok {
		c.logger.Debug("LLM fallback classified scene",
			zap.String("answer", normalized), zap.String("state", string(st)))
		return st
	}
	c.logger.Warn("LLM fallback answer unmapped; holding previous state", zap.String("answer", normalized))
	return prev
}

const llmClassifierSystemPrompt = `You classify the state of a web automation workflow.
Respond with exactly one of these tokens and nothing else:
initial, analyzing_site, locating_entry, form_detected, filling, handling_captcha,
submitting, waiting, email_verification, phone_verification, two_factor,
authenticated, error, stuck, achieved, failed`

func buildClassifierPrompt(scene *schemas.Scene, prev State, goal schemas.Goal) string {
	var b strings.Builder
	b.WriteString("Goal: ")
	b.WriteString(string(goal.Task))
	b.WriteString(" on ")
	b.WriteString(goal.Site)
	b.WriteString("\nPrevious state: ")
	b.WriteString(string(prev))
	b.WriteString("\nURL: ")
	b.WriteString(scene.URL)
	b.WriteString("\nTitle: ")
	b.WriteString(scene.Title)
	b.WriteString("\nVisible text excerpt:\n")
	text := scene.Text
	if len(text) > 1200 {
		text = text[:1200]
	}
	b.WriteString(text)
	b.WriteString("\n\nWhich workflow state is this page in?")
	return b.String()
}
