// internal/reasoner/reasoner.go
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/config"
	"github.com/xkilldash9x/cua-cli/internal/network"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	// EnvironmentBrowser is the only environment the runtime drives.
	EnvironmentBrowser = "browser"
)

// Reasoner asks the reasoning service for the next move.
type Reasoner interface {
	Turn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// ToolSchema is the computer tool as advertised to the service.
type ToolSchema struct {
	DisplayWidth  int    `json:"display_width"`
	DisplayHeight int    `json:"display_height"`
	Environment   string `json:"environment"`
}

// ToolSchemaFor builds the schema for a viewport.
func ToolSchemaFor(vp actions.Viewport) ToolSchema {
	return ToolSchema{DisplayWidth: vp.Width, DisplayHeight: vp.Height, Environment: EnvironmentBrowser}
}

// SafetyCheck is a pending check raised by the service. Checks are
// acknowledged on the following turn.
type SafetyCheck struct {
	ID      string `json:"id" yaml:"id"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// TurnRef carries the provider's conversation state for a turn.
type TurnRef struct {
	ResponseID   string        `json:"response_id,omitempty" yaml:"response_id,omitempty"`
	CallID       string        `json:"call_id,omitempty" yaml:"call_id,omitempty"`
	SafetyChecks []SafetyCheck `json:"safety_checks,omitempty" yaml:"safety_checks,omitempty"`
	// Content is the model turn as the provider returned it, replayed when
	// the provider keeps no server-side state.
	Content json.RawMessage `json:"-" yaml:"-"`
}

// Exchange is one sealed step as the service sees it.
type Exchange struct {
	Turn        TurnRef
	Action      *actions.Action
	Observation *actions.Observation
}

// TurnRequest holds everything a turn needs. Clients keep no per-run state.
type TurnRequest struct {
	RunID           string
	Goal            string
	Constraints     []string
	SuccessCriteria []string
	StartURL        string
	History         []Exchange
	// Observation is the latest observation, nil before the first action
	// when the run has no start URL.
	Observation *actions.Observation
	Tool        ToolSchema
}

// LastTurn returns the most recent turn in the history.
func (r TurnRequest) LastTurn() (TurnRef, bool) {
	if len(r.History) == 0 {
		return TurnRef{}, false
	}
	return r.History[len(r.History)-1].Turn, true
}

// CurrentURL is the best known location of the page.
func (r TurnRequest) CurrentURL() string {
	if r.Observation != nil && r.Observation.URL != "" {
		return r.Observation.URL
	}
	return r.StartURL
}

// TurnResult is a list of actions to run in order, completion, or, when the
// client does not stop on messages, an assistant message without actions.
type TurnResult struct {
	Plan    string
	Actions []actions.Action
	Done    bool
	Summary string
	Message string
	Turn    TurnRef
}

// Action returns the first action, if any.
func (r TurnResult) Action() (actions.Action, bool) {
	if len(r.Actions) == 0 {
		return actions.Action{}, false
	}
	return r.Actions[0], true
}

// New builds the client for the configured provider.
func New(cfg config.ReasonerConfig, limiter *Limiter, logger *zap.Logger) (Reasoner, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg, limiter, logger)
	case ProviderGemini:
		return NewGemini(cfg, limiter, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported reasoner provider %q. Supported: [%s, %s]", cfg.Provider, ProviderOpenAI, ProviderGemini)
	}
}

// newHTTPClient builds the transport shared by the provider SDKs. Timeout
// bounds a single attempt.
func newHTTPClient(cfg config.ReasonerConfig, logger *zap.Logger) *http.Client {
	hc := network.NewDefaultClientConfig(logger)
	hc.RequestTimeout = cfg.Timeout
	return network.NewClient(hc)
}

// continuePrompt follows an assistant message when the run goes on.
const continuePrompt = "Continue working toward the goal."

// goalText is the opening user text for a run: the base instructions, the
// goal with its constraints and success criteria, and the current URL.
func goalText(instructions string, req TurnRequest) string {
	var b strings.Builder
	if strings.TrimSpace(instructions) != "" {
		b.WriteString(instructions)
		b.WriteString("\n\n")
	}
	b.WriteString(req.Goal)
	writeList(&b, "Constraints", req.Constraints)
	writeList(&b, "Success criteria", req.SuccessCriteria)
	writeURL(&b, req.CurrentURL())
	return b.String()
}

// continueText answers an assistant message that carried no action.
func continueText(req TurnRequest) string {
	var b strings.Builder
	b.WriteString(continuePrompt)
	writeURL(&b, req.CurrentURL())
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString(":")
	for _, item := range items {
		b.WriteString("\n- ")
		b.WriteString(item)
	}
}

func writeURL(b *strings.Builder, u string) {
	if u != "" {
		b.WriteString("\ncurrent_url=")
		b.WriteString(u)
	}
}

// asMessage turns a completion that carries assistant text into a
// message turn so the run keeps going.
func asMessage(res TurnResult) TurnResult {
	if !res.Done || strings.TrimSpace(res.Summary) == "" {
		return res
	}
	res.Done = false
	res.Message = res.Summary
	if res.Plan == "" {
		res.Plan = res.Summary
	}
	res.Summary = ""
	return res
}
