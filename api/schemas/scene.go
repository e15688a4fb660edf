// -- api/schemas/scene.go --
package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Viewport describes the browser viewport dimensions at capture time.
type Viewport struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// BBox is the bounding box of an element in viewport coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Element is one interactive node found on the page by the perception layer.
type Element struct {
	ID         string  `json:"id"`
	Role       string  `json:"role"`
	Label      string  `json:"label"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// AntiBotType categorizes a detected anti-automation obstacle.
type AntiBotType string

const (
	AntiBotCaptcha      AntiBotType = "captcha"
	AntiBotRateLimit    AntiBotType = "rate_limit"
	AntiBotCFChallenge  AntiBotType = "cf_challenge"
	AntiBotInterstitial AntiBotType = "interstitial"
	AntiBotLoginWall    AntiBotType = "login_wall"
)

// AntiBotInfo carries the anti-bot signals observed in a Scene.
type AntiBotInfo struct {
	Present  bool        `json:"present"`
	Type     AntiBotType `json:"type,omitempty"`
	Provider string      `json:"provider,omitempty"`
	Severity string      `json:"severity,omitempty"`
}

// Hints are coarse page-level signals that are cheap to extract.
type Hints struct {
	Lang    string `json:"lang,omitempty"`
	Dialogs int    `json:"dialogs"`
	Loading bool   `json:"loading"`
	Captcha bool   `json:"captcha"`
}

// Scene is a structured snapshot of the page at one point in time. It is
// immutable once captured; the verifier compares scenes pairwise and never
// mutates them.
type Scene struct {
	URL        string      `json:"url"`
	HTTPStatus int         `json:"http_status"`
	Title      string      `json:"title,omitempty"`
	// Text is a bounded excerpt of the visible page text, used by the
	// workflow heuristics.
	Text     string      `json:"text,omitempty"`
	PageType string      `json:"page_type,omitempty"`
	Viewport Viewport    `json:"viewport"`
	Elements []Element   `json:"elements"`
	AntiBot  AntiBotInfo `json:"antibot"`
	Hints    Hints       `json:"hints"`
}

// HasForm reports whether the scene contains a form or any input fields.
func (s *Scene) HasForm() bool {
	for _, el := range s.Elements {
		switch el.Role {
		case "form", "input", "textbox", "textarea", "password", "email":
			return true
		}
	}
	return false
}

// Hash fingerprints the scene for loop detection. Two consecutive snapshots
// with the same hash mean the page did not change in any way the agent can
// act on. The hash covers the URL, the identity of the interactive elements
// and the blocking signals, not volatile data like element positions.
func (s *Scene) Hash() string {
	ids := make([]string, 0, len(s.Elements))
	for _, el := range s.Elements {
		ids = append(ids, el.ID+"/"+el.Role)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(s.URL)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.HTTPStatus))
	b.WriteByte('|')
	b.WriteString(strings.Join(ids, ","))
	b.WriteByte('|')
	b.WriteString(string(s.AntiBot.Type))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.Hints.Dialogs))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(s.Hints.Loading))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// TaskType is the category of mission objective.
type TaskType string

const (
	TaskRegister TaskType = "register"
	TaskLogin    TaskType = "login"
	TaskFillForm TaskType = "fill_form"
	TaskNavigate TaskType = "navigate"
	TaskOther    TaskType = "other"
)

// Goal is the mission objective. Set once per mission and read-only
// throughout the loop.
type Goal struct {
	Site string   `json:"site"`
	Task TaskType `json:"task"`
	// Brief is the free-form natural language statement of the objective,
	// forwarded verbatim to the planner.
	Brief string `json:"brief,omitempty"`
}
