// internal/actions/normalize.go
package actions

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

// ToolCall is a tool invocation as issued by the reasoning service, before
// decoding. Arguments and Tool are raw JSON objects.
type ToolCall struct {
	CallID string `json:"call_id,omitempty"`
	// Name is the action type or function name.
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Tool is the tool descriptor the call was issued against. It carries the
	// display dimensions.
	Tool json.RawMessage `json:"tool,omitempty"`
}

// rename lists the alternate field names seen across service deployments.
// The canonical key wins when both are present.
var renames = []struct{ from, to string }{
	{"display_width_px", "display_width"},
	{"display_height_px", "display_height"},
	{"scroll_x", "dx"},
	{"scroll_y", "dy"},
	{"points", "path"},
	{"wait_ms", "ms"},
	{"key", "keys"},
}

// Normalize rewrites raw into the single canonical shape the decoders read.
// Unknown fields pass through untouched.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, cuaerr.Decode("actions.normalize", raw, "invalid json")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, cuaerr.Decode("actions.normalize", raw, "expected a json object")
	}

	out := append([]byte(nil), raw...)
	var err error
	for _, r := range renames {
		alt := gjson.GetBytes(out, r.from)
		if !alt.Exists() {
			continue
		}
		if !gjson.GetBytes(out, r.to).Exists() {
			value := []byte(alt.Raw)
			if r.to == "keys" && !alt.IsArray() {
				value, _ = json.Marshal([]string{alt.String()})
			}
			if out, err = sjson.SetRawBytes(out, r.to, value); err != nil {
				return nil, cuaerr.Decode("actions.normalize", raw, "rewrite %s: %v", r.from, err)
			}
		}
		if out, err = sjson.DeleteBytes(out, r.from); err != nil {
			return nil, cuaerr.Decode("actions.normalize", raw, "drop %s: %v", r.from, err)
		}
	}

	if keys := gjson.GetBytes(out, "keys"); keys.Exists() && !keys.IsArray() {
		value, _ := json.Marshal([]string{keys.String()})
		if out, err = sjson.SetRawBytes(out, "keys", value); err != nil {
			return nil, cuaerr.Decode("actions.normalize", raw, "rewrite keys: %v", err)
		}
	}
	return out, nil
}

// Display reads the display dimensions off a tool descriptor. Either naming
// variant is accepted; missing both is a decode error.
func Display(tool json.RawMessage) (Viewport, error) {
	norm, err := Normalize(tool)
	if err != nil {
		return Viewport{}, err
	}
	w := gjson.GetBytes(norm, "display_width")
	h := gjson.GetBytes(norm, "display_height")
	if !w.Exists() || !h.Exists() {
		return Viewport{}, cuaerr.Decode("actions.display", tool, "tool descriptor has no display dimensions")
	}
	if w.Type != gjson.Number || h.Type != gjson.Number || w.Int() <= 0 || h.Int() <= 0 {
		return Viewport{}, cuaerr.Decode("actions.display", tool, "invalid display dimensions %s x %s", w.Raw, h.Raw)
	}
	return Viewport{Width: int(w.Int()), Height: int(h.Int())}, nil
}

// ToolDescriptor renders the canonical descriptor for a display.
func ToolDescriptor(vp Viewport, environment string) json.RawMessage {
	out, _ := sjson.SetBytes([]byte(`{}`), "display_width", vp.Width)
	out, _ = sjson.SetBytes(out, "display_height", vp.Height)
	if environment != "" {
		out, _ = sjson.SetBytes(out, "environment", environment)
	}
	return out
}
