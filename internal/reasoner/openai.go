// internal/reasoner/openai.go
package reasoner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/config"
	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

const (
	defaultOpenAIModel = "computer-use-preview"
	computerToolType   = "computer_use_preview"
)

// OpenAI drives the Responses API computer tool. Conversation state lives on
// the service and is threaded through previous_response_id.
type OpenAI struct {
	client            openai.Client
	model             string
	instructions      string
	continueOnMessage bool
	// backoff yields the retry schedule of one turn.
	backoff func() backoff.BackOff
	limiter *Limiter
	decoder *actions.Decoder
	logger  *zap.Logger
}

var _ Reasoner = (*OpenAI)(nil)

func NewOpenAI(cfg config.ReasonerConfig, limiter *Limiter, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, cuaerr.New(cuaerr.KindAuth, "reasoner.openai", "an API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	// Retries are ours so that they follow the run's error policy.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithHTTPClient(newHTTPClient(cfg, logger)))

	return &OpenAI{
		client:            openai.NewClient(opts...),
		model:             model,
		instructions:      cfg.Instructions,
		continueOnMessage: cfg.ContinueOnMessage,
		backoff:           func() backoff.BackOff { return newBackOff(cfg.MaxAttempts) },
		limiter:           limiter,
		decoder:           actions.NewDecoder(actions.VocabularyOpenAI),
		logger:            logger.Named("reasoner.openai"),
	}, nil
}

func (c *OpenAI) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	const op = "reasoner.openai.turn"
	logger := c.logger.With(zap.String("run_id", req.RunID), zap.Int("history", len(req.History)))

	body, err := buildOpenAIRequest(c.model, c.instructions, req)
	if err != nil {
		return TurnResult{}, cuaerr.Wrap(cuaerr.KindInternal, op, err)
	}

	var raw json.RawMessage
	err = withRetry(ctx, c.backoff(), logger, func(ctx context.Context) error {
		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return transportError(ctx, op, err)
		}
		defer release()

		start := time.Now()
		raw = nil
		err = c.client.Post(ctx, "responses", json.RawMessage(body), &raw)
		logger.Debug("Responses call finished.",
			zap.Int("request_bytes", len(body)),
			zap.Int("response_bytes", len(raw)),
			zap.Duration("duration", time.Since(start)))
		if err == nil {
			return nil
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return statusError(op, apiErr.StatusCode, []byte(apiErr.Error()))
		}
		return transportError(ctx, op, err)
	})
	if err != nil {
		return TurnResult{}, err
	}

	res, err := parseOpenAIResponse(c.decoder, raw)
	if err != nil {
		return TurnResult{}, err
	}
	if c.continueOnMessage {
		res = asMessage(res)
	}
	logger.Debug("Turn decoded.",
		zap.String("response_id", res.Turn.ResponseID),
		zap.Int("actions", len(res.Actions)),
		zap.Bool("done", res.Done))
	return res, nil
}

// buildOpenAIRequest renders a Responses API request. The first turn opens
// with the goal; a turn after a computer call returns its observation, and
// a turn after a plain message asks the model to continue.
func buildOpenAIRequest(model, instructions string, req TurnRequest) ([]byte, error) {
	env := req.Tool.Environment
	if env == "" {
		env = EnvironmentBrowser
	}
	tool := map[string]interface{}{
		"type":           computerToolType,
		"display_width":  req.Tool.DisplayWidth,
		"display_height": req.Tool.DisplayHeight,
		"environment":    env,
	}

	var (
		item     map[string]interface{}
		previous string
	)
	last, ok := req.LastTurn()
	if ok {
		previous = last.ResponseID
	}
	if ok && last.ResponseID != "" && last.CallID != "" {
		checks := last.SafetyChecks
		if checks == nil {
			checks = []SafetyCheck{}
		}
		item = map[string]interface{}{
			"type":                       "computer_call_output",
			"call_id":                    last.CallID,
			"acknowledged_safety_checks": checks,
		}
		if req.Observation != nil {
			item["output"] = map[string]interface{}{
				"type":      "input_image",
				"image_url": dataURL(req.Observation.Screenshot),
			}
			if req.Observation.URL != "" {
				item["current_url"] = req.Observation.URL
			}
		}
	} else {
		text := goalText(instructions, req)
		if previous != "" {
			text = continueText(req)
		}
		content := []interface{}{
			map[string]interface{}{"type": "input_text", "text": text},
		}
		if req.Observation != nil && len(req.Observation.Screenshot) > 0 {
			content = append(content, map[string]interface{}{
				"type":      "input_image",
				"image_url": dataURL(req.Observation.Screenshot),
			})
		}
		item = map[string]interface{}{"role": "user", "content": content}
	}

	type field struct {
		path  string
		value interface{}
	}
	fields := []field{
		{"model", model},
		{"truncation", "auto"},
		{"tools", []interface{}{tool}},
		{"input", []interface{}{item}},
	}
	if previous != "" {
		fields = append(fields, field{"previous_response_id", previous})
	}

	body := []byte(`{}`)
	for _, f := range fields {
		var err error
		if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// parseOpenAIResponse picks the first computer call; without one, an
// assistant message completes the run.
func parseOpenAIResponse(decoder *actions.Decoder, raw []byte) (TurnResult, error) {
	const op = "reasoner.openai.parse"

	if !gjson.ValidBytes(raw) {
		return TurnResult{}, cuaerr.Decode(op, raw, "response is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	id := root.Get("id").String()
	if id == "" {
		return TurnResult{}, cuaerr.Decode(op, raw, "response has no id")
	}

	res := TurnResult{Turn: TurnRef{ResponseID: id}}
	var (
		call    gjson.Result
		message []string
	)
	for _, item := range root.Get("output").Array() {
		switch item.Get("type").String() {
		case "computer_call":
			if !call.Exists() {
				call = item
			}
		case "message":
			for _, part := range item.Get("content").Array() {
				if t := part.Get("text").String(); t != "" {
					message = append(message, t)
				}
			}
		case "reasoning":
			if res.Plan == "" {
				res.Plan = item.Get("summary.0.text").String()
			}
		}
	}

	if !call.Exists() {
		res.Done = true
		res.Summary = strings.Join(message, "\n")
		return res, nil
	}

	action := call.Get("action")
	if !action.IsObject() {
		return TurnResult{}, cuaerr.Decode(op, raw, "computer_call has no action")
	}
	tool := root.Get(`tools.#(type=="` + computerToolType + `")`)
	if !tool.Exists() {
		return TurnResult{}, cuaerr.Decode(op, raw, "response does not describe the computer tool")
	}

	acts, err := decoder.DecodeAll(actions.ToolCall{
		CallID:    call.Get("call_id").String(),
		Name:      action.Get("type").String(),
		Arguments: json.RawMessage(action.Raw),
		Tool:      json.RawMessage(tool.Raw),
	})
	if err != nil {
		return TurnResult{}, err
	}

	res.Actions = acts
	res.Turn.CallID = call.Get("call_id").String()
	for _, check := range call.Get("pending_safety_checks").Array() {
		res.Turn.SafetyChecks = append(res.Turn.SafetyChecks, SafetyCheck{
			ID:      check.Get("id").String(),
			Code:    check.Get("code").String(),
			Message: check.Get("message").String(),
		})
	}
	if res.Plan == "" && len(message) > 0 {
		res.Plan = strings.Join(message, "\n")
	}
	return res, nil
}
