// -- pkg/browser/stealth.go --
package browser

import (
	"context"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/pkg/antibot"
)

// applyProfile translates a named anti-bot profile into CDP emulation
// overrides: user agent, timezone and locale. Applied at session start and
// again on every profile switch.
func applyProfile(profile antibot.Profile, logger *zap.Logger) chromedp.Tasks {
	l := logger.Named("stealth")
	return chromedp.Tasks{
		emulation.SetUserAgentOverride(profile.UserAgent).
			WithAcceptLanguage(profile.Locale),
		emulation.SetTimezoneOverride(profile.TimezoneID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			l.Debug("Browser profile applied",
				zap.String("profile", profile.Name),
				zap.String("timezone", profile.TimezoneID))
			return nil
		}),
	}
}
