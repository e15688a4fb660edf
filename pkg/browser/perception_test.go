// -- pkg/browser/perception_test.go --
package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skylark9/skylark-cli/api/schemas"
)

func TestPerceptionScript_EmbedsLimit(t *testing.T) {
	t.Parallel()

	script := perceptionScript(42)
	assert.Contains(t, script, "const limit = 42;")
	assert.False(t, strings.Contains(script, "%d"), "the limit placeholder must be substituted")

	// Non-positive limits fall back to the default cap.
	assert.Contains(t, perceptionScript(0), "const limit = 150;")
	assert.Contains(t, perceptionScript(-5), "const limit = 150;")
}

func TestClassifyAntiBot(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		probe  pageProbe
		status int
		want   schemas.AntiBotInfo
	}{
		{
			name:   "http 429 wins over page content",
			probe:  pageProbe{AntiBot: "captcha", Provider: "recaptcha"},
			status: 429,
			want:   schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotRateLimit, Severity: "high"},
		},
		{
			name:   "recaptcha",
			probe:  pageProbe{AntiBot: "captcha", Provider: "recaptcha"},
			status: 200,
			want:   schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotCaptcha, Provider: "recaptcha", Severity: "high"},
		},
		{
			name:   "cloudflare challenge",
			probe:  pageProbe{AntiBot: "cf_challenge"},
			status: 200,
			want:   schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotCFChallenge, Severity: "high"},
		},
		{
			name:   "interstitial",
			probe:  pageProbe{AntiBot: "interstitial"},
			status: 200,
			want:   schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotInterstitial, Severity: "medium"},
		},
		{
			name:   "login wall",
			probe:  pageProbe{AntiBot: "login_wall"},
			status: 200,
			want:   schemas.AntiBotInfo{Present: true, Type: schemas.AntiBotLoginWall, Severity: "low"},
		},
		{
			name:   "clean page",
			probe:  pageProbe{},
			status: 200,
			want:   schemas.AntiBotInfo{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, classifyAntiBot(tc.probe, tc.status))
		})
	}
}
