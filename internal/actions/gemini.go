// internal/actions/gemini.go
package actions

import (
	"strings"
	"time"
)

// geminiGrid is the size of the normalized coordinate space Gemini emits.
const geminiGrid = 1000

// DefaultSearchURL is where Gemini's search() lands.
const DefaultSearchURL = "https://www.google.com"

var geminiHandlers = map[string]handler{
	"open_web_browser": func(args) ([]Action, error) { return []Action{Screenshot()}, nil },
	"wait_5_seconds":   func(args) ([]Action, error) { return []Action{Wait(5 * time.Second)}, nil },
	"go_back":          func(args) ([]Action, error) { return []Action{Back()}, nil },
	"go_forward":       func(args) ([]Action, error) { return []Action{Forward()}, nil },
	"search":           func(args) ([]Action, error) { return []Action{Navigate(DefaultSearchURL)}, nil },
	"navigate": func(a args) ([]Action, error) {
		u, err := a.str("url")
		if err != nil {
			return nil, err
		}
		return []Action{Navigate(u)}, nil
	},
	"click_at": func(a args) ([]Action, error) {
		x, y, err := a.scaled("x", "y")
		if err != nil {
			return nil, err
		}
		return []Action{Click(x, y, ButtonLeft)}, nil
	},
	"hover_at": func(a args) ([]Action, error) {
		x, y, err := a.scaled("x", "y")
		if err != nil {
			return nil, err
		}
		return []Action{Move(x, y)}, nil
	},
	"type_text_at": func(a args) ([]Action, error) {
		x, y, err := a.scaled("x", "y")
		if err != nil {
			return nil, err
		}
		text, err := a.str("text")
		if err != nil {
			return nil, err
		}
		out := []Action{Click(x, y, ButtonLeft)}
		if a.boolOr("clear_before_typing", true) {
			out = append(out, KeyPress("Control", "a"), KeyPress("Delete"))
		}
		if text != "" {
			out = append(out, TypeText(text))
		}
		if a.boolOr("press_enter", true) {
			out = append(out, KeyPress("Enter"))
		}
		return out, nil
	},
	"key_combination": func(a args) ([]Action, error) {
		raw, err := a.keys()
		if err != nil {
			return nil, err
		}
		var keys []string
		for _, k := range raw {
			keys = append(keys, strings.Split(k, "+")...)
		}
		return []Action{KeyPress(keys...)}, nil
	},
	"scroll_document": func(a args) ([]Action, error) {
		dir, err := a.str("direction")
		if err != nil {
			return nil, err
		}
		cx, cy := a.display.Width/2, a.display.Height/2
		dx, dy, err := scrollDelta(dir, a.display.Width*8/10, a.display.Height*8/10)
		if err != nil {
			return nil, err
		}
		return []Action{Scroll(cx, cy, dx, dy)}, nil
	},
	"scroll_at": func(a args) ([]Action, error) {
		x, y, err := a.scaled("x", "y")
		if err != nil {
			return nil, err
		}
		dir, err := a.str("direction")
		if err != nil {
			return nil, err
		}
		mag, err := a.intOr("magnitude", 800)
		if err != nil {
			return nil, err
		}
		dx, dy, err := scrollDelta(dir, mag*a.display.Width/geminiGrid, mag*a.display.Height/geminiGrid)
		if err != nil {
			return nil, err
		}
		return []Action{Scroll(x, y, dx, dy)}, nil
	},
	"drag_and_drop": func(a args) ([]Action, error) {
		x, y, err := a.scaled("x", "y")
		if err != nil {
			return nil, err
		}
		tx, ty, err := a.scaled("destination_x", "destination_y")
		if err != nil {
			return nil, err
		}
		return []Action{Drag(Point{X: x, Y: y}, Point{X: tx, Y: ty})}, nil
	},
}

// scaled reads a coordinate on the 0-999 grid and maps it onto the display.
func (a args) scaled(xPath, yPath string) (int, int, error) {
	x, err := a.int(xPath)
	if err != nil {
		return 0, 0, err
	}
	y, err := a.int(yPath)
	if err != nil {
		return 0, 0, err
	}
	return clamp(x*a.display.Width/geminiGrid, a.display.Width), clamp(y*a.display.Height/geminiGrid, a.display.Height), nil
}

func (a args) boolOr(path string, def bool) bool {
	v := a.Get(path)
	if !v.Exists() {
		return def
	}
	return v.Bool()
}

func scrollDelta(direction string, w, h int) (int, int, error) {
	switch strings.ToLower(direction) {
	case "up":
		return 0, -h, nil
	case "down":
		return 0, h, nil
	case "left":
		return -w, 0, nil
	case "right":
		return w, 0, nil
	}
	return 0, 0, fieldError("unknown scroll direction %q", direction)
}
