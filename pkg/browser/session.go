// -- pkg/browser/session.go --
// Session is the chromedp-backed implementation of the Perceptor and Driver
// collaborator interfaces. The decision core treats everything in here as
// opaque I/O.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/internal/config"
	"github.com/skylark9/skylark-cli/pkg/antibot"
)

// Session owns one browser tab for the lifetime of a mission.
type Session struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	// lastStatus is the HTTP status of the most recent document response.
	// Written from the CDP event goroutine, read from the mission loop.
	lastStatus atomic.Int64
}

// NewSession launches the browser and applies the configured profile.
func NewSession(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	s := &Session{
		logger:      logger.Named("browser"),
		cfg:         cfg,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.lastStatus.Store(200)

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			s.lastStatus.Store(resp.Response.Status)
		}
	})

	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}

	profileName := cfg.Profile
	if profileName == "" {
		profileName = "default"
	}
	if err := s.SwitchProfile(ctx, profileName); err != nil {
		cancel()
		allocCancel()
		return nil, err
	}
	return s, nil
}

// Close terminates the tab and the browser process.
func (s *Session) Close() {
	s.cancel()
	s.allocCancel()
}

// SwitchProfile applies a registered anti-bot profile to the live session.
func (s *Session) SwitchProfile(_ context.Context, name string) error {
	profile, ok := antibot.LookupProfile(name)
	if !ok {
		return fmt.Errorf("unknown browser profile %q", name)
	}
	if err := chromedp.Run(s.ctx, applyProfile(profile, s.logger)); err != nil {
		return fmt.Errorf("failed to apply profile %q: %w", name, err)
	}
	s.logger.Info("Browser profile switched", zap.String("profile", name))
	return nil
}

// pageProbe is the raw result of the in-page perception script.
type pageProbe struct {
	Lang     string           `json:"lang"`
	Text     string           `json:"text"`
	Dialogs  int              `json:"dialogs"`
	Loading  bool             `json:"loading"`
	PageType string           `json:"pageType"`
	AntiBot  string           `json:"antibot"`
	Provider string           `json:"provider"`
	Elements []schemas.Element `json:"elements"`
}

// runContext derives the CDP run context from the session, bounded by the
// navigation timeout and cancelled early when the caller's context is.
func (s *Session) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, s.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// CaptureScene produces a Scene snapshot of the current page. Missing data
// defaults to empty/false values, never an error, so a half-rendered page
// still yields a usable observation.
func (s *Session) CaptureScene(ctx context.Context) (*schemas.Scene, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var url, title string
	var probe pageProbe
	err := chromedp.Run(runCtx,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.Evaluate(perceptionScript(s.cfg.MaxElements), &probe),
	)
	if err != nil {
		return nil, fmt.Errorf("scene capture failed: %w", err)
	}

	status := int(s.lastStatus.Load())
	scene := &schemas.Scene{
		URL:        url,
		HTTPStatus: status,
		Title:      title,
		Text:       probe.Text,
		PageType:   probe.PageType,
		Viewport:   schemas.Viewport{Width: s.cfg.WindowWidth, Height: s.cfg.WindowHeight},
		Elements:   probe.Elements,
		Hints: schemas.Hints{
			Lang:    probe.Lang,
			Dialogs: probe.Dialogs,
			Loading: probe.Loading,
			Captcha: probe.AntiBot == "captcha",
		},
	}
	scene.AntiBot = classifyAntiBot(probe, status)
	return scene, nil
}

// classifyAntiBot merges the in-page probe with the HTTP status into the
// anti-bot signal the policy engine consumes.
func classifyAntiBot(probe pageProbe, status int) schemas.AntiBotInfo {
	if status == 429 {
		return schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotRateLimit, Severity: "high"}
	}
	switch probe.AntiBot {
	case "captcha":
		return schemas.AntiBotInfo{
			Present:  true,
			Type:     schemas.AntiBotCaptcha,
			Provider: probe.Provider,
			Severity: "high",
		}
	case "cf_challenge":
		return schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotCFChallenge, Severity: "high"}
	case "interstitial":
		return schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotInterstitial, Severity: "medium"}
	case "login_wall":
		return schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotLoginWall, Severity: "low"}
	}
	return schemas.AntiBotInfo{}
}

// Execute runs a single structured action against the page.
func (s *Session) Execute(ctx context.Context, action schemas.Action) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	switch action.Type {
	case schemas.ActionNavigate:
		target := action.Target
		if target == "" {
			target = action.Value
		}
		if !strings.Contains(target, "://") {
			target = "https://" + target
		}
		if err := chromedp.Run(runCtx, chromedp.Navigate(target)); err != nil {
			return fmt.Errorf("navigate to %s failed: %w", target, err)
		}
		return chromedp.Run(runCtx, chromedp.Sleep(s.cfg.PostLoadWait))

	case schemas.ActionClick, schemas.ActionConsentClick:
		sel := action.Target
		if sel == "" && action.Type == schemas.ActionConsentClick {
			// Best effort: common consent/continue buttons.
			sel = `button[id*="accept"], button[id*="agree"], button[id*="consent"], [role="button"][aria-label*="ccept"]`
		}
		if sel == "" {
			return fmt.Errorf("click action requires a target")
		}
		return chromedp.Run(runCtx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))

	case schemas.ActionInputText:
		if action.Target == "" {
			return fmt.Errorf("input_text action requires a target")
		}
		return chromedp.Run(runCtx,
			chromedp.Click(action.Target, chromedp.ByQuery),
			chromedp.SendKeys(action.Target, action.Value, chromedp.ByQuery),
		)

	case schemas.ActionPressKey:
		key := action.Value
		if key == "Escape" {
			key = kb.Escape
		}
		return chromedp.Run(runCtx, chromedp.KeyEvent(key))

	case schemas.ActionScroll:
		amount := action.AmountPx
		if amount == 0 {
			amount = 400
		}
		return chromedp.Run(runCtx,
			chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", amount), nil))

	case schemas.ActionWait:
		d := time.Duration(action.DurationMS) * time.Millisecond
		if d <= 0 {
			d = time.Second
		}
		return chromedp.Run(runCtx, chromedp.Sleep(d))

	case schemas.ActionSwitchTab:
		// Single-tab sessions: switching to tab 0 is a no-op.
		return nil

	case schemas.ActionDelegateVLM:
		return fmt.Errorf("vision grounding is not available in this build")

	default:
		return fmt.Errorf("browser session cannot execute action type %q", action.Type)
	}
}
