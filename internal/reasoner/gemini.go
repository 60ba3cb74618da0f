// internal/reasoner/gemini.go
package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/config"
	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

const (
	defaultGeminiModel = "gemini-2.5-computer-use-preview-10-2025"
	// recentScreenshots is how many of the latest observations are replayed
	// with their image; older ones keep only their URL.
	recentScreenshots = 3
)

// Gemini drives the Gemini computer-use tool. The service keeps no state, so
// every turn replays the run's history as contents.
type Gemini struct {
	client            *genai.Client
	model             string
	instructions      string
	continueOnMessage bool
	// backoff yields the retry schedule of one turn.
	backoff func() backoff.BackOff
	limiter *Limiter
	decoder *actions.Decoder
	logger  *zap.Logger
}

var _ Reasoner = (*Gemini)(nil)

func NewGemini(cfg config.ReasonerConfig, limiter *Limiter, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, cuaerr.New(cuaerr.KindAuth, "reasoner.gemini", "an API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  newHTTPClient(cfg, logger),
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	}
	// The context only matters for credential discovery, which an API key skips.
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, cuaerr.Wrap(cuaerr.KindInternal, "reasoner.gemini", err)
	}

	return &Gemini{
		client:            client,
		model:             model,
		instructions:      cfg.Instructions,
		continueOnMessage: cfg.ContinueOnMessage,
		backoff:           func() backoff.BackOff { return newBackOff(cfg.MaxAttempts) },
		limiter:           limiter,
		decoder:           actions.NewDecoder(actions.VocabularyGemini),
		logger:            logger.Named("reasoner.gemini"),
	}, nil
}

func (c *Gemini) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	const op = "reasoner.gemini.turn"
	logger := c.logger.With(zap.String("run_id", req.RunID), zap.Int("history", len(req.History)))

	contents, err := buildGeminiContents(c.instructions, req)
	if err != nil {
		return TurnResult{}, cuaerr.Wrap(cuaerr.KindInternal, op, err)
	}
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{
			ComputerUse: &genai.ComputerUse{Environment: genai.EnvironmentBrowser},
		}},
	}

	var resp *genai.GenerateContentResponse
	err = withRetry(ctx, c.backoff(), logger, func(ctx context.Context) error {
		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return transportError(ctx, op, err)
		}
		defer release()

		start := time.Now()
		resp, err = c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
		logger.Debug("GenerateContent call finished.",
			zap.Int("contents", len(contents)),
			zap.Duration("duration", time.Since(start)))
		if err == nil {
			return nil
		}
		if code, msg, ok := apiErrorStatus(err); ok {
			return statusError(op, code, []byte(msg))
		}
		return transportError(ctx, op, err)
	})
	if err != nil {
		return TurnResult{}, err
	}

	res, err := parseGeminiResponse(c.decoder, req.Tool, resp)
	if err != nil {
		return TurnResult{}, err
	}
	if c.continueOnMessage {
		res = asMessage(res)
	}
	logger.Debug("Turn decoded.", zap.Int("actions", len(res.Actions)), zap.Bool("done", res.Done))
	return res, nil
}

func apiErrorStatus(err error) (int, string, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, v.Message, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code, p.Message, true
	}
	return 0, "", false
}

// buildGeminiContents replays the run: the goal, then for every sealed step
// the model's turn and the user's function responses, or a prompt to
// continue when the model only sent a message.
func buildGeminiContents(instructions string, req TurnRequest) ([]*genai.Content, error) {
	opening := []*genai.Part{{Text: goalText(instructions, req)}}
	if len(req.History) == 0 && req.Observation != nil && len(req.Observation.Screenshot) > 0 {
		opening = append(opening, pngPart(req.Observation.Screenshot))
	}
	contents := []*genai.Content{{Role: string(genai.RoleUser), Parts: opening}}

	for i, ex := range req.History {
		if len(ex.Turn.Content) == 0 {
			continue
		}
		var model genai.Content
		if err := json.Unmarshal(ex.Turn.Content, &model); err != nil {
			return nil, err
		}
		contents = append(contents, &model)

		obs := ex.Observation
		if i == len(req.History)-1 && req.Observation != nil {
			obs = req.Observation
		}
		acknowledge := len(ex.Turn.SafetyChecks) > 0

		var (
			parts []*genai.Part
			calls int
		)
		for _, p := range model.Parts {
			if p == nil || p.FunctionCall == nil {
				continue
			}
			response := map[string]any{}
			if obs != nil {
				response["url"] = obs.URL
			}
			if acknowledge {
				response["safety_acknowledgement"] = "true"
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       p.FunctionCall.ID,
				Name:     p.FunctionCall.Name,
				Response: response,
			}})
			calls++
		}
		if calls == 0 {
			url := req.StartURL
			if obs != nil && obs.URL != "" {
				url = obs.URL
			}
			parts = append(parts, &genai.Part{Text: continueText(TurnRequest{StartURL: url})})
		}
		if obs != nil && len(obs.Screenshot) > 0 && len(req.History)-i <= recentScreenshots {
			parts = append(parts, pngPart(obs.Screenshot))
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: parts})
		}
	}
	return contents, nil
}

func pngPart(png []byte) *genai.Part {
	return &genai.Part{InlineData: &genai.Blob{MIMEType: "image/png", Data: png}}
}

// parseGeminiResponse decodes every function call in the first candidate.
// A reply with only text completes the run.
func parseGeminiResponse(decoder *actions.Decoder, tool ToolSchema, resp *genai.GenerateContentResponse) (TurnResult, error) {
	const op = "reasoner.gemini.parse"

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		payload, _ := json.Marshal(resp)
		return TurnResult{}, cuaerr.Decode(op, payload, "response has no candidate content")
	}
	content := resp.Candidates[0].Content

	var (
		texts []string
		calls []*genai.FunctionCall
	)
	for _, p := range content.Parts {
		if p == nil {
			continue
		}
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		} else if p.Text != "" && !p.Thought {
			texts = append(texts, p.Text)
		}
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return TurnResult{}, cuaerr.Wrap(cuaerr.KindInternal, op, err)
	}
	res := TurnResult{Turn: TurnRef{ResponseID: resp.ResponseID, Content: raw}}
	if len(calls) == 0 {
		res.Done = true
		res.Summary = strings.Join(texts, "\n")
		return res, nil
	}
	res.Plan = strings.Join(texts, "\n")

	descriptor := actions.ToolDescriptor(actions.Viewport{Width: tool.DisplayWidth, Height: tool.DisplayHeight}, tool.Environment)
	for _, fc := range calls {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			return TurnResult{}, cuaerr.Decode(op, nil, "function %s: %v", fc.Name, err)
		}
		acts, err := decoder.DecodeAll(actions.ToolCall{CallID: fc.ID, Name: fc.Name, Arguments: args, Tool: descriptor})
		if err != nil {
			return TurnResult{}, err
		}
		res.Actions = append(res.Actions, acts...)

		if sd, ok := fc.Args["safety_decision"].(map[string]any); ok {
			decision, _ := sd["decision"].(string)
			explanation, _ := sd["explanation"].(string)
			res.Turn.SafetyChecks = append(res.Turn.SafetyChecks, SafetyCheck{ID: fc.Name, Code: decision, Message: explanation})
		}
	}
	res.Turn.CallID = calls[0].ID
	return res, nil
}
