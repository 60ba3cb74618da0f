// internal/browser/keys.go
package browser

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/chromedp/cdproto/input"
)

// keyDef is what Input.dispatchKeyEvent needs to reproduce one key.
type keyDef struct {
	Key     string
	Code    string
	KeyCode int64
	Text    string
}

var namedKeys = map[string]keyDef{
	"Enter":      {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"Tab":        {Key: "Tab", Code: "Tab", KeyCode: 9},
	"Backspace":  {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"Delete":     {Key: "Delete", Code: "Delete", KeyCode: 46},
	"Escape":     {Key: "Escape", Code: "Escape", KeyCode: 27},
	"Insert":     {Key: "Insert", Code: "Insert", KeyCode: 45},
	"Home":       {Key: "Home", Code: "Home", KeyCode: 36},
	"End":        {Key: "End", Code: "End", KeyCode: 35},
	"PageUp":     {Key: "PageUp", Code: "PageUp", KeyCode: 33},
	"PageDown":   {Key: "PageDown", Code: "PageDown", KeyCode: 34},
	"ArrowLeft":  {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"ArrowUp":    {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"ArrowRight": {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"ArrowDown":  {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	" ":          {Key: " ", Code: "Space", KeyCode: 32, Text: " "},
	"Shift":      {Key: "Shift", Code: "ShiftLeft", KeyCode: 16},
	"Control":    {Key: "Control", Code: "ControlLeft", KeyCode: 17},
	"Alt":        {Key: "Alt", Code: "AltLeft", KeyCode: 18},
	"Meta":       {Key: "Meta", Code: "MetaLeft", KeyCode: 91},
}

func init() {
	for i := 1; i <= 12; i++ {
		name := "F" + strconv.Itoa(i)
		namedKeys[name] = keyDef{Key: name, Code: name, KeyCode: int64(111 + i)}
	}
}

// lookupKey resolves a canonical key name. Unknown multi-character names
// are passed through with only the key field set.
func lookupKey(name string) keyDef {
	if def, ok := namedKeys[name]; ok {
		return def
	}
	r := []rune(name)
	if len(r) != 1 {
		return keyDef{Key: name}
	}
	c := r[0]
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		upper := unicode.ToUpper(c)
		return keyDef{Key: name, Code: "Key" + string(upper), KeyCode: int64(upper), Text: name}
	case c >= '0' && c <= '9':
		return keyDef{Key: name, Code: "Digit" + name, KeyCode: int64(c), Text: name}
	}
	return keyDef{Key: name, Text: name}
}

func modifierBit(key string) input.Modifier {
	switch key {
	case "Alt":
		return input.ModifierAlt
	case "Control":
		return input.ModifierCtrl
	case "Meta":
		return input.ModifierMeta
	case "Shift":
		return input.ModifierShift
	}
	return input.ModifierNone
}

// chordEvents expands a key combination into the ordered key events that
// press every key and release them in reverse. Text is suppressed while a
// non-shift modifier is held so that Control+a selects instead of typing.
func chordEvents(keys []string) []*input.DispatchKeyEventParams {
	var (
		mods   input.Modifier
		events []*input.DispatchKeyEventParams
	)
	defs := make([]keyDef, len(keys))
	for i, k := range keys {
		defs[i] = lookupKey(k)
	}

	for _, def := range defs {
		mods |= modifierBit(def.Key)
		typ := input.KeyRawDown
		text := def.Text
		if text != "" && mods&^input.ModifierShift == 0 {
			typ = input.KeyDown
			if mods&input.ModifierShift != 0 {
				text = strings.ToUpper(text)
			}
		} else {
			text = ""
		}
		ev := input.DispatchKeyEvent(typ).
			WithKey(def.Key).
			WithCode(def.Code).
			WithWindowsVirtualKeyCode(def.KeyCode).
			WithModifiers(mods)
		if text != "" {
			ev = ev.WithText(text)
		}
		events = append(events, ev)
	}

	for i := len(defs) - 1; i >= 0; i-- {
		def := defs[i]
		mods &^= modifierBit(def.Key)
		events = append(events, input.DispatchKeyEvent(input.KeyUp).
			WithKey(def.Key).
			WithCode(def.Code).
			WithWindowsVirtualKeyCode(def.KeyCode).
			WithModifiers(mods))
	}
	return events
}
