// -- pkg/antibot/policy.go --
// The anti-bot policy engine maps a detected obstacle plus the encounter
// history onto one remediation decision. It is deterministic and fails
// closed: an internal failure yields an abort decision, never a panic.
package antibot

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/internal/config"
)

// PolicyAction is the remediation class a decision prescribes.
type PolicyAction string

const (
	ActionContinue      PolicyAction = "continue"
	ActionWaitSolver    PolicyAction = "wait_solver"
	ActionBackoff       PolicyAction = "backoff"
	ActionSwitchProfile PolicyAction = "switch_profile"
	ActionConsentClick  PolicyAction = "consent_click"
	ActionRetry         PolicyAction = "retry"
	ActionAbort         PolicyAction = "abort"
)

// Decision is a value object recomputed fresh on every policy evaluation.
type Decision struct {
	Action    PolicyAction `json:"action"`
	Profile   string       `json:"profile,omitempty"`
	BackoffMS int          `json:"backoff_ms"`
	Reason    string       `json:"reason,omitempty"`
}

// Encounter records one prior anti-bot obstacle, used for escalation.
type Encounter struct {
	Type schemas.AntiBotType `json:"type"`
	At   time.Time           `json:"at"`
}

// Profile is a named browsing identity preset the driver can switch to.
type Profile struct {
	Name       string
	UserAgent  string
	TimezoneID string
	Locale     string
	// ProxyClass selects the egress pool: "direct", "residential" or "slow".
	ProxyClass string
}

// profileRegistry is the fixed set of switchable identities.
var profileRegistry = map[string]Profile{
	"default": {
		Name:       "default",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		TimezoneID: "America/New_York",
		Locale:     "en-US",
		ProxyClass: "direct",
	},
	"stealth": {
		Name:       "stealth",
		UserAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		TimezoneID: "America/Chicago",
		Locale:     "en-US",
		ProxyClass: "residential",
	},
	"slow_proxy": {
		Name:       "slow_proxy",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		TimezoneID: "America/New_York",
		Locale:     "en-US",
		ProxyClass: "slow",
	},
	"alt_ua": {
		Name:       "alt_ua",
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
		TimezoneID: "America/New_York",
		Locale:     "en-US",
		ProxyClass: "direct",
	},
	"alt_tz": {
		Name:       "alt_tz",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		TimezoneID: "Europe/Berlin",
		Locale:     "de-DE",
		ProxyClass: "direct",
	},
}

// supportedCaptchaProviders are the ones the external solver can clear.
var supportedCaptchaProviders = map[string]bool{
	"recaptcha": true,
	"hcaptcha":  true,
	"turnstile": true,
}

// Engine evaluates the anti-bot decision table.
type Engine struct {
	logger      *zap.Logger
	baseBackoff time.Duration
	maxRetries  int
}

// NewEngine creates a policy engine from configuration.
func NewEngine(logger *zap.Logger, cfg config.AntiBotConfig) *Engine {
	base := cfg.BaseBackoff
	if base <= 0 {
		base = 4 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Engine{
		logger:      logger.Named("antibot"),
		baseBackoff: base,
		maxRetries:  maxRetries,
	}
}

// EvalPolicy decides how to respond to the scene's anti-bot signal given the
// encounter history. Deterministic; any internal failure fails closed to
// abort with reason policy_error.
func (e *Engine) EvalPolicy(scene *schemas.Scene, history []Encounter) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Policy evaluation panicked; failing closed", zap.Any("panic", r))
			decision = Decision{Action: ActionAbort, Reason: schemas.AbortPolicyError}
		}
	}()

	if scene == nil || !scene.AntiBot.Present {
		return Decision{Action: ActionContinue, BackoffMS: 0}
	}

	obstacle := scene.AntiBot
	count := countEncounters(history, obstacle.Type)
	baseMS := int(e.baseBackoff / time.Millisecond)

	switch {
	case obstacle.Type == schemas.AntiBotCaptcha:
		if supportedCaptchaProviders[strings.ToLower(obstacle.Provider)] {
			return Decision{Action: ActionWaitSolver, BackoffMS: 0}
		}
		return Decision{
			Action: ActionAbort,
			Reason: schemas.AbortUnsupportedCaptcha,
		}

	case obstacle.Type == schemas.AntiBotRateLimit:
		if count < e.maxRetries {
			// Escalate the backoff linearly with each encounter.
			return Decision{
				Action:    ActionBackoff,
				Profile:   "slow_proxy",
				BackoffMS: baseMS * (count + 1),
			}
		}
		return Decision{Action: ActionAbort, Reason: "Max retries exceeded"}

	case strings.Contains(string(obstacle.Type), "cf") || obstacle.Type == schemas.AntiBotInterstitial:
		if count == 0 {
			return Decision{
				Action:    ActionSwitchProfile,
				Profile:   "stealth",
				BackoffMS: baseMS,
			}
		}
		if count < e.maxRetries {
			return Decision{
				Action:    ActionBackoff,
				Profile:   "slow_proxy",
				BackoffMS: 2 * baseMS,
			}
		}
		return Decision{Action: ActionAbort, Reason: "Max retries exceeded"}

	case obstacle.Type == schemas.AntiBotLoginWall:
		return Decision{Action: ActionConsentClick, BackoffMS: 0}

	default:
		if count == 0 {
			return Decision{Action: ActionRetry, BackoffMS: baseMS}
		}
		return Decision{
			Action: ActionAbort,
			Reason: fmt.Sprintf("unknown antibot type %q persisted", obstacle.Type),
		}
	}
}

// SwitchProfile validates the profile name against the fixed registry. An
// unknown name is an error, not a panic.
func (e *Engine) SwitchProfile(name string) (Profile, error) {
	p, ok := profileRegistry[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown browser profile %q", name)
	}
	e.logger.Info("Switching browser profile",
		zap.String("profile", p.Name), zap.String("proxy_class", p.ProxyClass))
	return p, nil
}

// Profiles returns the names of all registered profiles.
func Profiles() []string {
	names := make([]string, 0, len(profileRegistry))
	for name := range profileRegistry {
		names = append(names, name)
	}
	return names
}

// LookupProfile fetches a profile preset without engine-level logging.
func LookupProfile(name string) (Profile, bool) {
	p, ok := profileRegistry[name]
	return p, ok
}

func countEncounters(history []Encounter, t schemas.AntiBotType) int {
	n := 0
	for _, enc := range history {
		if enc.Type == t {
			n++
		}
	}
	return n
}
