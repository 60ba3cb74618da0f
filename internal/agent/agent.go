// internal/agent/agent.go
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
	"github.com/xkilldash9x/cua-cli/internal/reasoner"
	"github.com/xkilldash9x/cua-cli/internal/scope"
	"github.com/xkilldash9x/cua-cli/internal/snapshot"
)

// Computer is the part of a browser session the loop drives.
type Computer interface {
	Execute(ctx context.Context, action actions.Action) (actions.Observation, error)
	Viewport() actions.Viewport
	Close(ctx context.Context) error
}

// Agent runs goals against one computer. An agent owns its computer and
// runs one goal at a time.
type Agent struct {
	reasoner reasoner.Reasoner
	computer Computer
	store    snapshot.Store
	runLog   snapshot.RunLog
	cfg      Config
	scope    *scope.Matcher
	logger   *zap.Logger

	now      func() time.Time
	newRunID func() string
	onState  func(runID string, s State)

	mu sync.Mutex
}

type Option func(*Agent)

// WithClock overrides the time source used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithRunIDs overrides run identifier generation.
func WithRunIDs(gen func() string) Option {
	return func(a *Agent) { a.newRunID = gen }
}

// WithRunLog journals run start, every sealed step, and run end to l.
func WithRunLog(l snapshot.RunLog) Option {
	return func(a *Agent) {
		if l != nil {
			a.runLog = l
		}
	}
}

// WithStateHook registers a callback invoked on every state transition.
func WithStateHook(fn func(runID string, s State)) Option {
	return func(a *Agent) { a.onState = fn }
}

// New validates cfg and builds an agent. A nil store discards snapshots.
func New(r reasoner.Reasoner, c Computer, store snapshot.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if r == nil {
		return nil, fmt.Errorf("agent requires a reasoner")
	}
	if c == nil {
		return nil, fmt.Errorf("agent requires a computer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	matcher, err := scope.New(cfg.Scopes)
	if err != nil {
		return nil, fmt.Errorf("invalid scope configuration: %w", err)
	}
	if store == nil {
		store = snapshot.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		reasoner: r,
		computer: c,
		store:    store,
		runLog:   snapshot.Noop{},
		cfg:      cfg,
		scope:    matcher,
		logger:   logger.Named("agent"),
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Close releases the agent's computer.
func (a *Agent) Close(ctx context.Context) error {
	return a.computer.Close(ctx)
}

// Run drives goal to a terminal state. Every outcome, including failure,
// is reported through the returned RunReport.
func (a *Agent) Run(ctx context.Context, goal Goal) RunReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &run{
		agent:  a,
		id:     a.newRunID(),
		state:  StateIdle,
		logger: a.logger,
	}
	r.logger = a.logger.With(zap.String("run_id", r.id))
	r.report = RunReport{
		RunID:     r.id,
		Goal:      goal,
		Steps:     []Step{},
		StartedAt: a.now(),
	}
	return r.execute(ctx)
}

// run is the state of a single goal execution.
type run struct {
	agent  *Agent
	id     string
	logger *zap.Logger

	state     State
	report    RunReport
	history   []reasoner.Exchange
	latest    *actions.Observation
	finalized bool
}

func (r *run) transition(s State) {
	if r.state.Terminal() {
		return
	}
	r.logger.Debug("Run state transition.", zap.String("from", string(r.state)), zap.String("to", string(s)))
	r.state = s
	if r.agent.onState != nil {
		r.agent.onState(r.id, s)
	}
}

func (r *run) execute(ctx context.Context) RunReport {
	r.transition(StateStarting)
	r.logger.Info("Run started.", zap.String("goal", r.report.Goal.Text), zap.String("start_url", r.report.Goal.StartURL))
	r.journal(ctx, snapshot.EntryRunStart, r.report.Goal)

	if r.report.Goal.Text == "" {
		return r.finish(ctx, cuaerr.New(cuaerr.KindInternal, "agent.run", "goal text is empty"))
	}
	if err := r.start(ctx); err != nil {
		return r.finish(ctx, err)
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, cancelled(err))
		}
		if step >= r.agent.cfg.MaxSteps {
			return r.finish(ctx, cuaerr.New(cuaerr.KindBudgetExceeded, "agent.run", "max_steps reached (%d)", r.agent.cfg.MaxSteps))
		}
		done, err := r.step(ctx, step)
		if err != nil {
			return r.finish(ctx, err)
		}
		if done {
			return r.finish(ctx, nil)
		}
	}
}

// start navigates to the goal's start URL and records the first observation.
func (r *run) start(ctx context.Context) error {
	start := r.report.Goal.StartURL
	if start == "" {
		return nil
	}
	nav := actions.Navigate(start)
	if err := r.agent.scope.Check(nav.URL); err != nil {
		return err
	}
	obs, err := r.act(ctx, nav)
	if err != nil {
		return err
	}
	r.record(ctx, snapshot.StartStep, &obs)
	r.report.StartObservation = &obs
	r.latest = &obs
	return nil
}

// step runs one model turn and its actions. It reports done when the model
// declared the goal complete.
func (r *run) step(ctx context.Context, index int) (bool, error) {
	r.transition(StateAwaitingModelTurn)
	sealed := Step{Index: index, StartedAt: r.agent.now()}

	res, attempts, err := r.turn(ctx)
	sealed.Attempts = attempts
	if err != nil {
		if cuaerr.Is(err, cuaerr.KindDecode) || cuaerr.Is(err, cuaerr.KindUnsupportedAction) {
			sealed.Error = err.Error()
			r.seal(ctx, sealed)
		}
		return false, err
	}
	sealed.Plan = res.Plan
	sealed.Turn = res.Turn

	if res.Done {
		r.report.Summary = res.Summary
		r.logger.Info("Model declared the goal complete.", zap.Int("step", index))
		return true, nil
	}
	if len(res.Actions) == 0 {
		if res.Message != "" {
			sealed.Message = res.Message
			sealed.Observation = r.latest
			r.seal(ctx, sealed)
			r.history = append(r.history, reasoner.Exchange{Turn: res.Turn, Observation: r.latest})
			r.logger.Info("Model sent a message, continuing.", zap.Int("step", index))
			return false, nil
		}
		err := cuaerr.New(cuaerr.KindDecode, "agent.step", "turn carried neither an action nor a completion")
		sealed.Error = err.Error()
		r.seal(ctx, sealed)
		return false, err
	}

	first := res.Actions[0]
	sealed.Action = &first
	if len(res.Actions) > 1 {
		sealed.Actions = append([]actions.Action(nil), res.Actions...)
	}
	if err := ctx.Err(); err != nil {
		err = cancelled(err)
		sealed.Error = err.Error()
		r.seal(ctx, sealed)
		return false, err
	}
	// A turn runs all of its actions or none of them.
	for _, action := range res.Actions {
		if action.Kind != actions.KindNavigate {
			continue
		}
		if err := r.agent.scope.Check(action.URL); err != nil {
			sealed.Error = err.Error()
			r.seal(ctx, sealed)
			return false, err
		}
	}

	r.transition(StateActionPending)
	var obs *actions.Observation
	for i, action := range res.Actions {
		if i > 0 && ctx.Err() != nil {
			break
		}
		o, err := r.act(ctx, action)
		if err != nil {
			// Actions that already ran changed the page; keep what they showed.
			if obs != nil {
				r.record(ctx, index, obs)
				sealed.Observation = obs
				r.latest = obs
			}
			sealed.Error = err.Error()
			r.seal(ctx, sealed)
			return false, err
		}
		r.logger.Debug("Action executed.", zap.Int("step", index), zap.Stringer("action", action))
		obs = &o
	}

	r.transition(StateObserving)
	r.record(ctx, index, obs)
	sealed.Observation = obs
	r.seal(ctx, sealed)
	r.latest = obs
	r.history = append(r.history, reasoner.Exchange{Turn: res.Turn, Action: sealed.Action, Observation: obs})
	return false, nil
}

// turn asks the reasoner for the next move, retrying timeouts and
// transient failures within the step budget.
func (r *run) turn(ctx context.Context) (reasoner.TurnResult, int, error) {
	req := reasoner.TurnRequest{
		RunID:           r.id,
		Goal:            r.report.Goal.Text,
		StartURL:        r.report.Goal.StartURL,
		Constraints:     r.report.Goal.Constraints,
		SuccessCriteria: r.report.Goal.SuccessCriteria,
		History:         append([]reasoner.Exchange(nil), r.history...),
		Observation:     r.latest,
		Tool:            reasoner.ToolSchemaFor(r.agent.computer.Viewport()),
	}
	var (
		res      reasoner.TurnResult
		attempts int
	)
	err := r.retry(ctx, "model turn", ctx, func(stepCtx context.Context) error {
		attempts++
		var err error
		res, err = r.agent.reasoner.Turn(stepCtx, req)
		return err
	})
	return res, attempts, err
}

// act executes one action. Cancellation of ctx does not abort an action
// already in flight; it is observed once the action returns.
func (r *run) act(ctx context.Context, action actions.Action) (actions.Observation, error) {
	var obs actions.Observation
	err := r.retry(ctx, "action "+string(action.Kind), context.WithoutCancel(ctx), func(stepCtx context.Context) error {
		var err error
		obs, err = r.agent.computer.Execute(stepCtx, action)
		return err
	})
	return obs, err
}

// retry runs fn under a fresh step deadline derived from base until it
// succeeds, fails permanently, or the retry budget runs out. ctx is the
// caller's context and decides cancellation.
func (r *run) retry(ctx context.Context, phase string, base context.Context, fn func(context.Context) error) error {
	cfg := r.agent.cfg
	for attempt := 0; ; attempt++ {
		stepCtx, cancel := context.WithTimeout(base, cfg.StepTimeout)
		err := fn(stepCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr)
		}
		if !cuaerr.IsRetryable(err) {
			return err
		}
		if attempt >= cfg.StepRetries {
			return &cuaerr.Error{
				Kind: cuaerr.KindBudgetExceeded,
				Op:   "agent.step",
				Msg:  fmt.Sprintf("%s did not complete within %s after %d attempts", phase, cfg.StepTimeout, attempt+1),
				Err:  err,
			}
		}
		r.logger.Warn("Step phase failed, retrying.",
			zap.String("phase", phase),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
}

// record persists the observation's screenshot, also after cancellation.
// Storage failures are logged and leave the location empty.
func (r *run) record(ctx context.Context, step int, obs *actions.Observation) {
	if obs == nil || len(obs.Screenshot) == 0 {
		return
	}
	loc, err := r.agent.store.Save(context.WithoutCancel(ctx), r.id, step, obs.Screenshot)
	if err != nil {
		r.logger.Warn("Failed to store snapshot.", zap.Int("step", step), zap.Error(err))
		return
	}
	obs.Location = loc
}

func (r *run) seal(ctx context.Context, s Step) {
	s.EndedAt = r.agent.now()
	r.report.Steps = append(r.report.Steps, s)
	r.journal(ctx, snapshot.EntryStep, s)
}

// journal appends an entry to the run log. Failures are logged and never
// change the outcome of the run.
func (r *run) journal(ctx context.Context, kind snapshot.EntryKind, payload any) {
	if _, noop := r.agent.runLog.(snapshot.Noop); noop {
		return
	}
	raw, err := json.Marshal(payload)
	if err == nil {
		err = r.agent.runLog.Append(context.WithoutCancel(ctx), snapshot.Entry{
			RunID:   r.id,
			Kind:    kind,
			At:      r.agent.now(),
			Payload: raw,
		})
	}
	if err != nil {
		r.logger.Warn("Failed to append run log entry.", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// finish moves the run into its terminal state. Only the first call has
// any effect.
func (r *run) finish(ctx context.Context, err error) RunReport {
	if r.finalized {
		return r.report
	}
	r.finalized = true

	status := StatusCompleted
	if err != nil {
		status = statusFor(err)
	}
	r.transition(State(status))

	r.report.Status = status
	r.report.Error = newRunError(err)
	r.report.FinalObservation = r.latest
	r.report.EndedAt = r.agent.now()
	r.report.Metrics = Metrics{
		Steps:    len(r.report.Steps),
		Duration: r.report.EndedAt.Sub(r.report.StartedAt),
		Success:  status == StatusCompleted,
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("steps", r.report.Metrics.Steps),
		zap.Duration("duration", r.report.Metrics.Duration),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		r.logger.Warn("Run finished without success.", fields...)
	} else {
		r.logger.Info("Run finished.", fields...)
	}
	r.journal(ctx, snapshot.EntryRunEnd, r.report)
	return r.report
}

func cancelled(err error) error {
	return cuaerr.Wrap(cuaerr.KindCancelled, "agent.run", err)
}
