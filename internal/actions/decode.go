// internal/actions/decode.go
package actions

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

// Vocabulary selects which service's action names a Decoder understands.
type Vocabulary string

const (
	// VocabularyOpenAI is the computer_use_preview action set, absolute pixel coordinates.
	VocabularyOpenAI Vocabulary = "openai"
	// VocabularyGemini is the Gemini computer-use function set, coordinates on a 0-999 grid.
	VocabularyGemini Vocabulary = "gemini"
)

// args is the normalized argument object handed to a handler together with
// the display it was issued against.
type args struct {
	gjson.Result
	display Viewport
}

type handler func(a args) ([]Action, error)

// Decoder turns raw tool calls into canonical actions.
type Decoder struct {
	vocab    Vocabulary
	handlers map[string]handler
}

// NewDecoder returns a decoder for the given vocabulary. Unknown
// vocabularies fall back to OpenAI names.
func NewDecoder(v Vocabulary) *Decoder {
	d := &Decoder{vocab: v}
	switch v {
	case VocabularyGemini:
		d.handlers = geminiHandlers
	default:
		d.vocab = VocabularyOpenAI
		d.handlers = openAIHandlers
	}
	return d
}

func (d *Decoder) Vocabulary() Vocabulary { return d.vocab }

// Decode returns the single action a call maps to. Calls that expand to
// several actions yield the first one; use DecodeAll to get all of them.
func (d *Decoder) Decode(call ToolCall) (Action, error) {
	out, err := d.DecodeAll(call)
	if err != nil {
		return Action{}, err
	}
	return out[0], nil
}

// DecodeAll normalizes and decodes a call into one or more actions, to be
// executed in order.
func (d *Decoder) DecodeAll(call ToolCall) ([]Action, error) {
	name := strings.ToLower(strings.TrimSpace(call.Name))
	h, ok := d.handlers[name]
	if !ok {
		return nil, cuaerr.New(cuaerr.KindUnsupportedAction, "actions.decode", "unsupported action %q", call.Name)
	}

	display, err := Display(call.Tool)
	if err != nil {
		return nil, err
	}
	norm, err := Normalize(call.Arguments)
	if err != nil {
		return nil, err
	}

	out, err := h(args{Result: gjson.ParseBytes(norm), display: display})
	if err != nil {
		return nil, cuaerr.Decode("actions.decode", call.Arguments, "%s: %v", name, err)
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, cuaerr.Decode("actions.decode", call.Arguments, "%v", err)
		}
	}
	return out, nil
}

// -- field helpers --

func (a args) int(path string) (int, error) {
	v := a.Get(path)
	if !v.Exists() {
		return 0, fieldError("missing field %q", path)
	}
	if v.Type != gjson.Number {
		return 0, fieldError("field %q is not a number: %s", path, v.Raw)
	}
	return int(v.Int()), nil
}

func (a args) intOr(path string, def int) (int, error) {
	if !a.Get(path).Exists() {
		return def, nil
	}
	return a.int(path)
}

func (a args) str(path string) (string, error) {
	v := a.Get(path)
	if !v.Exists() {
		return "", fieldError("missing field %q", path)
	}
	if v.Type != gjson.String {
		return "", fieldError("field %q is not a string: %s", path, v.Raw)
	}
	return v.String(), nil
}

// point reads an absolute coordinate and clamps it into the display.
func (a args) point(xPath, yPath string) (int, int, error) {
	x, err := a.int(xPath)
	if err != nil {
		return 0, 0, err
	}
	y, err := a.int(yPath)
	if err != nil {
		return 0, 0, err
	}
	return clamp(x, a.display.Width), clamp(y, a.display.Height), nil
}

func (a args) keys() ([]string, error) {
	v := a.Get("keys")
	if !v.Exists() || !v.IsArray() {
		return nil, fieldError("missing field \"keys\"")
	}
	var out []string
	for _, k := range v.Array() {
		if k.Type != gjson.String {
			return nil, fieldError("key is not a string: %s", k.Raw)
		}
		out = append(out, k.String())
	}
	return out, nil
}

func clamp(v, size int) int {
	if v < 0 {
		return 0
	}
	if size > 0 && v >= size {
		return size - 1
	}
	return v
}

type fieldErr string

func (e fieldErr) Error() string { return string(e) }

func fieldError(format string, v ...any) error {
	return fieldErr(fmt.Sprintf(format, v...))
}

// -- OpenAI computer_use_preview --

var openAIHandlers = map[string]handler{
	"click": func(a args) ([]Action, error) {
		x, y, err := a.point("x", "y")
		if err != nil {
			return nil, err
		}
		return []Action{Click(x, y, openAIButton(a.Get("button").String()))}, nil
	},
	"double_click": func(a args) ([]Action, error) {
		x, y, err := a.point("x", "y")
		if err != nil {
			return nil, err
		}
		return []Action{DoubleClick(x, y)}, nil
	},
	"move": func(a args) ([]Action, error) {
		x, y, err := a.point("x", "y")
		if err != nil {
			return nil, err
		}
		return []Action{Move(x, y)}, nil
	},
	"scroll": func(a args) ([]Action, error) {
		x, err := a.intOr("x", a.display.Width/2)
		if err != nil {
			return nil, err
		}
		y, err := a.intOr("y", a.display.Height/2)
		if err != nil {
			return nil, err
		}
		dx, err := a.intOr("dx", 0)
		if err != nil {
			return nil, err
		}
		dy, err := a.intOr("dy", 0)
		if err != nil {
			return nil, err
		}
		return []Action{Scroll(clamp(x, a.display.Width), clamp(y, a.display.Height), dx, dy)}, nil
	},
	"type": func(a args) ([]Action, error) {
		text, err := a.str("text")
		if err != nil {
			return nil, err
		}
		return []Action{TypeText(text)}, nil
	},
	"keypress": func(a args) ([]Action, error) {
		keys, err := a.keys()
		if err != nil {
			return nil, err
		}
		return []Action{KeyPress(keys...)}, nil
	},
	"drag": openAIDrag,
	"wait": func(a args) ([]Action, error) {
		ms, err := a.intOr("ms", int(DefaultWait/time.Millisecond))
		if err != nil {
			return nil, err
		}
		return []Action{Wait(time.Duration(ms) * time.Millisecond)}, nil
	},
	"screenshot": func(args) ([]Action, error) { return []Action{Screenshot()}, nil },
	"navigate":   openAINavigate,
}

func init() {
	openAIHandlers["drag_path"] = openAIDrag
	openAIHandlers["wait_ms"] = openAIHandlers["wait"]
	openAIHandlers["goto"] = openAINavigate
}

func openAIDrag(a args) ([]Action, error) {
	path := a.Get("path")
	if !path.IsArray() {
		return nil, fieldError("missing field \"path\"")
	}
	var pts []Point
	for _, p := range path.Array() {
		sub := args{Result: p, display: a.display}
		x, y, err := sub.point("x", "y")
		if err != nil {
			return nil, err
		}
		pts = append(pts, Point{X: x, Y: y})
	}
	return []Action{Drag(pts...)}, nil
}

func openAINavigate(a args) ([]Action, error) {
	u, err := a.str("url")
	if err != nil {
		return nil, err
	}
	return []Action{Navigate(u)}, nil
}

func openAIButton(b string) Button {
	switch strings.ToLower(b) {
	case "right":
		return ButtonRight
	case "wheel", "middle":
		return ButtonMiddle
	case "back":
		return ButtonBack
	case "forward":
		return ButtonForward
	}
	return ButtonLeft
}
