// internal/actions/action.go
package actions

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind tags the Action variant.
type Kind string

const (
	KindClick       Kind = "click"
	KindDoubleClick Kind = "double_click"
	KindMove        Kind = "move"
	KindType        Kind = "type"
	KindKeyPress    Kind = "keypress"
	KindScroll      Kind = "scroll"
	KindDrag        Kind = "drag"
	KindWait        Kind = "wait"
	KindScreenshot  Kind = "screenshot"
	KindNavigate    Kind = "navigate"
	KindBack        Kind = "back"
	KindForward     Kind = "forward"
)

// Button is a mouse button name.
type Button string

const (
	ButtonLeft    Button = "left"
	ButtonRight   Button = "right"
	ButtonMiddle  Button = "middle"
	ButtonBack    Button = "back"
	ButtonForward Button = "forward"
)

// MaxWait caps a model-requested wait.
const MaxWait = 30 * time.Second

// DefaultWait is used when a wait call carries no duration.
const DefaultWait = 300 * time.Millisecond

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Viewport is the size of the visible page area in CSS pixels.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Action is one canonical, executable browser operation. Only the fields
// relevant to Kind are set.
type Action struct {
	Kind     Kind          `json:"kind" yaml:"kind"`
	X        int           `json:"x,omitempty" yaml:"x,omitempty"`
	Y        int           `json:"y,omitempty" yaml:"y,omitempty"`
	Button   Button        `json:"button,omitempty" yaml:"button,omitempty"`
	Text     string        `json:"text,omitempty" yaml:"text,omitempty"`
	Keys     []string      `json:"keys,omitempty" yaml:"keys,omitempty"`
	DX       int           `json:"dx,omitempty" yaml:"dx,omitempty"`
	DY       int           `json:"dy,omitempty" yaml:"dy,omitempty"`
	Path     []Point       `json:"path,omitempty" yaml:"path,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	URL      string        `json:"url,omitempty" yaml:"url,omitempty"`
}

func Click(x, y int, button Button) Action {
	if button == "" {
		button = ButtonLeft
	}
	return Action{Kind: KindClick, X: x, Y: y, Button: button}
}

func DoubleClick(x, y int) Action {
	return Action{Kind: KindDoubleClick, X: x, Y: y, Button: ButtonLeft}
}

func Move(x, y int) Action { return Action{Kind: KindMove, X: x, Y: y} }

func TypeText(text string) Action { return Action{Kind: KindType, Text: text} }

func KeyPress(keys ...string) Action {
	canon := make([]string, 0, len(keys))
	for _, k := range keys {
		if c := CanonicalKey(k); c != "" {
			canon = append(canon, c)
		}
	}
	return Action{Kind: KindKeyPress, Keys: canon}
}

// Scroll wheels by (dx, dy) with the pointer at (x, y).
func Scroll(x, y, dx, dy int) Action {
	return Action{Kind: KindScroll, X: x, Y: y, DX: dx, DY: dy}
}

func Drag(path ...Point) Action { return Action{Kind: KindDrag, Path: path} }

func Wait(d time.Duration) Action {
	if d > MaxWait {
		d = MaxWait
	}
	if d < 0 {
		d = 0
	}
	return Action{Kind: KindWait, Duration: d}
}

func Screenshot() Action { return Action{Kind: KindScreenshot} }

// Back and Forward move through the tab's session history.
func Back() Action    { return Action{Kind: KindBack} }
func Forward() Action { return Action{Kind: KindForward} }

// Navigate builds a navigation action. A target without a scheme is
// assumed to be https.
func Navigate(target string) Action {
	return Action{Kind: KindNavigate, URL: NormalizeURL(target)}
}

// NormalizeURL trims the target and prefixes https:// when no scheme is given.
func NormalizeURL(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	lower := strings.ToLower(target)
	if strings.Contains(lower, "://") || strings.HasPrefix(lower, "about:") || strings.HasPrefix(lower, "data:") {
		return target
	}
	return "https://" + target
}

// Validate checks that the fields required by Kind are present.
func (a Action) Validate() error {
	switch a.Kind {
	case KindClick:
		switch a.Button {
		case ButtonLeft, ButtonRight, ButtonMiddle, ButtonBack, ButtonForward:
		default:
			return fmt.Errorf("click: unknown button %q", a.Button)
		}
	case KindDoubleClick, KindMove, KindScroll, KindScreenshot, KindBack, KindForward:
	case KindType:
		if a.Text == "" {
			return fmt.Errorf("type: empty text")
		}
	case KindKeyPress:
		if len(a.Keys) == 0 {
			return fmt.Errorf("keypress: no keys")
		}
	case KindDrag:
		if len(a.Path) < 2 {
			return fmt.Errorf("drag: path needs at least two points, got %d", len(a.Path))
		}
	case KindWait:
		if a.Duration < 0 || a.Duration > MaxWait {
			return fmt.Errorf("wait: duration %s out of range", a.Duration)
		}
	case KindNavigate:
		u, err := url.Parse(a.URL)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if u.Scheme == "" || (u.Host == "" && u.Scheme != "about" && u.Scheme != "data") {
			return fmt.Errorf("navigate: %q is not an absolute URL", a.URL)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

func (a Action) String() string {
	switch a.Kind {
	case KindClick:
		return fmt.Sprintf("click(%d,%d,%s)", a.X, a.Y, a.Button)
	case KindDoubleClick, KindMove:
		return fmt.Sprintf("%s(%d,%d)", a.Kind, a.X, a.Y)
	case KindType:
		return fmt.Sprintf("type(%d chars)", len(a.Text))
	case KindKeyPress:
		return "keypress(" + strings.Join(a.Keys, "+") + ")"
	case KindScroll:
		return fmt.Sprintf("scroll(%d,%d by %d,%d)", a.X, a.Y, a.DX, a.DY)
	case KindDrag:
		return fmt.Sprintf("drag(%d points)", len(a.Path))
	case KindWait:
		return "wait(" + a.Duration.String() + ")"
	case KindNavigate:
		return "navigate(" + a.URL + ")"
	}
	return string(a.Kind)
}

// Observation is the evidence captured after an action completes.
type Observation struct {
	// Screenshot holds the PNG bytes. It is not serialized into reports.
	Screenshot []byte    `json:"-" yaml:"-"`
	Location   string    `json:"location,omitempty" yaml:"location,omitempty"`
	Width      int       `json:"width" yaml:"width"`
	Height     int       `json:"height" yaml:"height"`
	URL        string    `json:"url" yaml:"url"`
	CapturedAt time.Time `json:"captured_at" yaml:"captured_at"`
}

// Viewport returns the dimensions the screenshot was taken at.
func (o Observation) Viewport() Viewport {
	return Viewport{Width: o.Width, Height: o.Height}
}
