// internal/actions/keys.go
package actions

import "strings"

// keyAliases maps lowercased names models emit to DOM KeyboardEvent.key values.
var keyAliases = map[string]string{
	"ctrl":       "Control",
	"control":    "Control",
	"cmd":        "Meta",
	"command":    "Meta",
	"meta":       "Meta",
	"super":      "Meta",
	"win":        "Meta",
	"alt":        "Alt",
	"option":     "Alt",
	"shift":      "Shift",
	"enter":      "Enter",
	"return":     "Enter",
	"esc":        "Escape",
	"escape":     "Escape",
	"space":      " ",
	"tab":        "Tab",
	"backspace":  "Backspace",
	"delete":     "Delete",
	"del":        "Delete",
	"insert":     "Insert",
	"home":       "Home",
	"end":        "End",
	"pageup":     "PageUp",
	"page_up":    "PageUp",
	"pagedown":   "PageDown",
	"page_down":  "PageDown",
	"up":         "ArrowUp",
	"arrowup":    "ArrowUp",
	"down":       "ArrowDown",
	"arrowdown":  "ArrowDown",
	"left":       "ArrowLeft",
	"arrowleft":  "ArrowLeft",
	"right":      "ArrowRight",
	"arrowright": "ArrowRight",
}

// CanonicalKey maps a model-emitted key name onto its DOM key value.
// Single characters are kept as given; F-keys are upper-cased.
func CanonicalKey(k string) string {
	if k == " " {
		return " "
	}
	k = strings.TrimSpace(k)
	if k == "" {
		return ""
	}
	lower := strings.ToLower(k)
	if v, ok := keyAliases[lower]; ok {
		return v
	}
	if len(lower) >= 2 && len(lower) <= 3 && lower[0] == 'f' && lower[1] >= '1' && lower[1] <= '9' {
		return strings.ToUpper(lower)
	}
	return k
}

// IsModifier reports whether key is one of the four modifier keys.
func IsModifier(key string) bool {
	switch key {
	case "Control", "Alt", "Shift", "Meta":
		return true
	}
	return false
}
