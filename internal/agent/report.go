// internal/agent/report.go
package agent

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/config"
	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
	"github.com/xkilldash9x/cua-cli/internal/reasoner"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusBudgetExceeded Status = "budget_exceeded"
	StatusCancelled      Status = "cancelled"
)

// State is a node of the run state machine.
type State string

const (
	StateIdle              State = "idle"
	StateStarting          State = "starting"
	StateAwaitingModelTurn State = "awaiting_model_turn"
	StateActionPending     State = "action_pending"
	StateObserving         State = "observing"
	StateCompleted         State = State(StatusCompleted)
	StateFailed            State = State(StatusFailed)
	StateBudgetExceeded    State = State(StatusBudgetExceeded)
	StateCancelled         State = State(StatusCancelled)
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateBudgetExceeded, StateCancelled:
		return true
	}
	return false
}

// Goal is what a run is asked to achieve.
type Goal struct {
	Text            string   `json:"text" yaml:"text"`
	StartURL        string   `json:"start_url,omitempty" yaml:"start_url,omitempty"`
	Constraints     []string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
}

// Config bounds a run.
type Config struct {
	MaxSteps    int           `json:"max_steps" yaml:"max_steps"`
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`
	// StepRetries is how many extra attempts a step phase gets after a
	// timeout or transient failure.
	StepRetries int      `json:"step_retries" yaml:"step_retries"`
	Scopes      []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

func DefaultConfig() Config {
	return Config{MaxSteps: 25, StepTimeout: 90 * time.Second, StepRetries: 2}
}

// ConfigFromApp maps the application's agent section onto a Config.
func ConfigFromApp(c config.AgentConfig) Config {
	return Config{
		MaxSteps:    c.MaxSteps,
		StepTimeout: c.StepTimeout,
		StepRetries: c.StepRetries,
		Scopes:      c.Scopes,
	}
}

func (c Config) Validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive, got %s", c.StepTimeout)
	}
	if c.StepRetries < 0 {
		return fmt.Errorf("step_retries must not be negative, got %d", c.StepRetries)
	}
	return nil
}

// Step is one sealed iteration of the loop. Steps are never modified once
// appended to a report.
type Step struct {
	Index int    `json:"index" yaml:"index"`
	Plan  string `json:"plan,omitempty" yaml:"plan,omitempty"`
	// Message is set on a step where the model wrote to the user instead
	// of acting.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	// Action is the first action of the turn; Actions lists all of them
	// when the turn expanded to several.
	Action      *actions.Action      `json:"action,omitempty" yaml:"action,omitempty"`
	Actions     []actions.Action     `json:"actions,omitempty" yaml:"actions,omitempty"`
	Observation *actions.Observation `json:"observation,omitempty" yaml:"observation,omitempty"`
	Turn        reasoner.TurnRef     `json:"turn" yaml:"turn"`
	Error       string               `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time            `json:"ended_at" yaml:"ended_at"`
	// Attempts counts model turn attempts.
	Attempts int `json:"attempts" yaml:"attempts"`
}

// RunError is the structured failure of a run.
type RunError struct {
	Kind    cuaerr.Kind `json:"kind" yaml:"kind"`
	Message string      `json:"message" yaml:"message"`
	// Payload is the raw service response behind a decode failure.
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func newRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{
		Kind:    cuaerr.KindOf(err),
		Message: err.Error(),
		Payload: string(cuaerr.PayloadOf(err)),
	}
}

type Metrics struct {
	Steps    int           `json:"steps" yaml:"steps"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Success  bool          `json:"success" yaml:"success"`
}

// RunReport is the single result of a run.
type RunReport struct {
	RunID            string               `json:"run_id" yaml:"run_id"`
	Goal             Goal                 `json:"goal" yaml:"goal"`
	Status           Status               `json:"status" yaml:"status"`
	Steps            []Step               `json:"steps" yaml:"steps"`
	StartObservation *actions.Observation `json:"start_observation,omitempty" yaml:"start_observation,omitempty"`
	FinalObservation *actions.Observation `json:"final_observation,omitempty" yaml:"final_observation,omitempty"`
	Summary          string               `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error            *RunError            `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt        time.Time            `json:"started_at" yaml:"started_at"`
	EndedAt          time.Time            `json:"ended_at" yaml:"ended_at"`
	Metrics          Metrics              `json:"metrics" yaml:"metrics"`
}

// statusFor maps a run-ending error to its terminal status.
func statusFor(err error) Status {
	switch cuaerr.KindOf(err) {
	case cuaerr.KindCancelled:
		return StatusCancelled
	case cuaerr.KindBudgetExceeded:
		return StatusBudgetExceeded
	}
	return StatusFailed
}
