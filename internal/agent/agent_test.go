// internal/agent/agent_test.go
package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
	"github.com/xkilldash9x/cua-cli/internal/reasoner"
	"github.com/xkilldash9x/cua-cli/internal/snapshot"
)

var testViewport = actions.Viewport{Width: 1024, Height: 768}

func setupTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func testConfig() Config {
	return Config{MaxSteps: 5, StepTimeout: time.Second, StepRetries: 2}
}

func observation(url string) actions.Observation {
	return actions.Observation{
		Screenshot: []byte("png:" + url),
		Width:      testViewport.Width,
		Height:     testViewport.Height,
		URL:        url,
		CapturedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func actionTurn(id string, acts ...actions.Action) reasoner.TurnResult {
	return reasoner.TurnResult{
		Plan:    "plan for " + id,
		Actions: acts,
		Turn:    reasoner.TurnRef{ResponseID: id, CallID: "call_" + id},
	}
}

func doneTurn(summary string) reasoner.TurnResult {
	return reasoner.TurnResult{Done: true, Summary: summary, Turn: reasoner.TurnRef{ResponseID: "resp_done"}}
}

func newComputer() *mockComputer {
	c := new(mockComputer)
	c.On("Viewport").Return(testViewport).Maybe()
	return c
}

// fixedClock advances one second per reading.
func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestAgent(t *testing.T, r reasoner.Reasoner, c Computer, store *mockStore, cfg Config, opts ...Option) *Agent {
	t.Helper()
	logger, _ := setupTestLogger()
	opts = append([]Option{WithClock(fixedClock()), WithRunIDs(func() string { return "run-1" })}, opts...)
	var a *Agent
	var err error
	if store == nil {
		a, err = New(r, c, nil, cfg, logger, opts...)
	} else {
		a, err = New(r, c, store, cfg, logger, opts...)
	}
	require.NoError(t, err)
	return a
}

func TestNew(t *testing.T) {
	logger, _ := setupTestLogger()
	r := new(mockReasoner)
	c := newComputer()

	t.Run("Valid", func(t *testing.T) {
		a, err := New(r, c, nil, testConfig(), logger)
		require.NoError(t, err)
		assert.NotNil(t, a)
	})

	t.Run("MissingDependencies", func(t *testing.T) {
		_, err := New(nil, c, nil, testConfig(), logger)
		assert.Error(t, err)
		_, err = New(r, nil, nil, testConfig(), logger)
		assert.Error(t, err)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxSteps = 0
		_, err := New(r, c, nil, cfg, logger)
		assert.ErrorContains(t, err, "max_steps")
	})

	t.Run("InvalidScope", func(t *testing.T) {
		cfg := testConfig()
		cfg.Scopes = []string{"https://[bad"}
		_, err := New(r, c, nil, cfg, logger)
		assert.ErrorContains(t, err, "scope")
	})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := testConfig()
	cfg.StepTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.StepRetries = -1
	assert.Error(t, cfg.Validate())
}

func TestRun_CompletesAfterStartAndOneAction(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := new(mockReasoner)
	c := newComputer()
	store := new(mockStore)

	start := observation("https://example.com/")
	after := observation("https://example.com/clicked")
	click := actions.Click(10, 20, actions.ButtonLeft)

	c.On("Execute", mock.Anything, actions.Navigate("https://example.com")).Return(start, nil).Once()
	c.On("Execute", mock.Anything, click).Return(after, nil).Once()
	store.On("Save", mock.Anything, "run-1", -1, start.Screenshot).Return("mem://start.png", nil).Once()
	store.On("Save", mock.Anything, "run-1", 0, after.Screenshot).Return("mem://step_000.png", nil).Once()

	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		return len(req.History) == 0
	})).Return(actionTurn("r1", click), nil).Once()
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		return len(req.History) == 1 && req.Observation != nil && req.Observation.URL == after.URL
	})).Return(doneTurn("clicked it"), nil).Once()

	a := newTestAgent(t, r, c, store, testConfig())
	report := a.Run(context.Background(), Goal{Text: "click the thing", StartURL: "https://example.com"})

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Nil(t, report.Error)
	assert.Equal(t, "clicked it", report.Summary)
	require.Len(t, report.Steps, 1)

	step := report.Steps[0]
	assert.Equal(t, 0, step.Index)
	assert.Equal(t, "plan for r1", step.Plan)
	require.NotNil(t, step.Action)
	assert.Equal(t, click, *step.Action)
	require.NotNil(t, step.Observation)
	assert.Equal(t, "mem://step_000.png", step.Observation.Location)
	assert.Equal(t, 1, step.Attempts)
	assert.Equal(t, "call_r1", step.Turn.CallID)
	assert.True(t, step.EndedAt.After(step.StartedAt))

	require.NotNil(t, report.StartObservation)
	assert.Equal(t, "mem://start.png", report.StartObservation.Location)
	require.NotNil(t, report.FinalObservation)
	assert.Equal(t, after.URL, report.FinalObservation.URL)

	assert.Equal(t, Metrics{Steps: 1, Duration: report.EndedAt.Sub(report.StartedAt), Success: true}, report.Metrics)
	r.AssertExpectations(t)
	c.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestRun_FirstTurnWithoutStartURL(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		return req.Observation == nil && req.Tool.DisplayWidth == 1024 && req.Tool.DisplayHeight == 768 && req.Goal == "g"
	})).Return(doneTurn("nothing to do"), nil).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	// The clock ticks once for the run start, once for the step start and
	// once for the run end.
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	want := RunReport{
		RunID:     "run-1",
		Goal:      Goal{Text: "g"},
		Status:    StatusCompleted,
		Steps:     []Step{},
		Summary:   "nothing to do",
		StartedAt: base.Add(time.Second),
		EndedAt:   base.Add(3 * time.Second),
		Metrics:   Metrics{Steps: 0, Duration: 2 * time.Second, Success: true},
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("unexpected report (-want +got):\n%s", diff)
	}
	c.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestRun_EmptyGoalFails(t *testing.T) {
	r := new(mockReasoner)
	report := newTestAgent(t, r, newComputer(), nil, testConfig()).Run(context.Background(), Goal{})

	assert.Equal(t, StatusFailed, report.Status)
	require.NotNil(t, report.Error)
	assert.Equal(t, cuaerr.KindInternal, report.Error.Kind)
	r.AssertNotCalled(t, "Turn", mock.Anything, mock.Anything)
}

func TestRun_BudgetExceeded(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	move := actions.Move(5, 5)
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r", move), nil)
	c.On("Execute", mock.Anything, move).Return(observation("https://example.com/"), nil)

	cfg := testConfig()
	cfg.MaxSteps = 3
	report := newTestAgent(t, r, c, nil, cfg).Run(context.Background(), Goal{Text: "loop forever"})

	assert.Equal(t, StatusBudgetExceeded, report.Status)
	require.NotNil(t, report.Error)
	assert.Equal(t, cuaerr.KindBudgetExceeded, report.Error.Kind)
	assert.Contains(t, report.Error.Message, "max_steps")
	require.Len(t, report.Steps, 3)
	for i, s := range report.Steps {
		assert.Equal(t, i, s.Index, "step indices are contiguous")
		assert.NotNil(t, s.Observation)
	}
	r.AssertNumberOfCalls(t, "Turn", 3)
	c.AssertNumberOfCalls(t, "Execute", 3)
}

func TestRun_ScopeViolation(t *testing.T) {
	cfg := testConfig()
	cfg.Scopes = []string{"example.com"}

	t.Run("StartURL", func(t *testing.T) {
		r := new(mockReasoner)
		c := newComputer()
		report := newTestAgent(t, r, c, nil, cfg).Run(context.Background(), Goal{Text: "g", StartURL: "https://evil.test/"})

		assert.Equal(t, StatusFailed, report.Status)
		assert.Equal(t, cuaerr.KindScopeViolation, report.Error.Kind)
		assert.Empty(t, report.Steps)
		assert.Nil(t, report.StartObservation)
		c.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
		r.AssertNotCalled(t, "Turn", mock.Anything, mock.Anything)
	})

	t.Run("ModelNavigate", func(t *testing.T) {
		r := new(mockReasoner)
		c := newComputer()
		r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", actions.Navigate("https://evil.test/")), nil).Once()

		report := newTestAgent(t, r, c, nil, cfg).Run(context.Background(), Goal{Text: "g"})

		assert.Equal(t, StatusFailed, report.Status)
		assert.Equal(t, cuaerr.KindScopeViolation, report.Error.Kind)
		require.Len(t, report.Steps, 1)
		assert.Nil(t, report.Steps[0].Observation)
		assert.NotEmpty(t, report.Steps[0].Error)
		c.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	})
}

func TestRun_DecodeFailureSealsStep(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	decodeErr := cuaerr.Decode("reasoner.openai", []byte(`{"bad":true}`), "computer call has no action")
	r.On("Turn", mock.Anything, mock.Anything).Return(reasoner.TurnResult{}, decodeErr).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusFailed, report.Status)
	require.NotNil(t, report.Error)
	assert.Equal(t, cuaerr.KindDecode, report.Error.Kind)
	assert.Equal(t, `{"bad":true}`, report.Error.Payload)
	require.Len(t, report.Steps, 1)
	assert.Nil(t, report.Steps[0].Action)
	assert.Nil(t, report.Steps[0].Observation)
	assert.Contains(t, report.Steps[0].Error, "computer call has no action")
	r.AssertNumberOfCalls(t, "Turn", 1)
	c.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestRun_EmptyTurnIsDecodeFailure(t *testing.T) {
	r := new(mockReasoner)
	r.On("Turn", mock.Anything, mock.Anything).Return(reasoner.TurnResult{Plan: "hmm"}, nil).Once()

	report := newTestAgent(t, r, newComputer(), nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, cuaerr.KindDecode, report.Error.Kind)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "hmm", report.Steps[0].Plan)
}

func TestRun_AuthFailureIsFatal(t *testing.T) {
	r := new(mockReasoner)
	r.On("Turn", mock.Anything, mock.Anything).
		Return(reasoner.TurnResult{}, cuaerr.New(cuaerr.KindAuth, "reasoner.openai", "status 401")).Once()

	report := newTestAgent(t, r, newComputer(), nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, cuaerr.KindAuth, report.Error.Kind)
	assert.Empty(t, report.Steps)
	r.AssertNumberOfCalls(t, "Turn", 1)
}

func TestRun_StepTimeoutRetried(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := new(mockReasoner)
	block := func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}
	r.On("Turn", mock.Anything, mock.Anything).Run(block).Return(reasoner.TurnResult{}, context.DeadlineExceeded).Twice()
	r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("finally"), nil).Once()

	cfg := testConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	cfg.StepRetries = 2
	report := newTestAgent(t, r, newComputer(), nil, cfg).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	r.AssertNumberOfCalls(t, "Turn", 3)
}

func TestRun_StepRetriesExhausted(t *testing.T) {
	r := new(mockReasoner)
	r.On("Turn", mock.Anything, mock.Anything).
		Return(reasoner.TurnResult{}, cuaerr.New(cuaerr.KindTransientIO, "reasoner.openai", "status 503"))

	cfg := testConfig()
	cfg.StepRetries = 1
	report := newTestAgent(t, r, newComputer(), nil, cfg).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusBudgetExceeded, report.Status)
	assert.Equal(t, cuaerr.KindBudgetExceeded, report.Error.Kind)
	assert.Contains(t, report.Error.Message, "after 2 attempts")
	r.AssertNumberOfCalls(t, "Turn", 2)
}

func TestRun_ActionTimeoutRetried(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	typing := actions.TypeText("hello")
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", typing), nil).Once()
	r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("typed"), nil).Once()
	c.On("Execute", mock.Anything, typing).Return(actions.Observation{}, context.DeadlineExceeded).Once()
	c.On("Execute", mock.Anything, typing).Return(observation("https://example.com/"), nil).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.Steps, 1)
	c.AssertNumberOfCalls(t, "Execute", 2)
}

func TestRun_ActionFailureFailsRun(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	move := actions.Move(1, 1)
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", move), nil).Once()
	c.On("Execute", mock.Anything, move).Return(actions.Observation{}, cuaerr.New(cuaerr.KindInternal, "browser.execute", "session is closed")).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, cuaerr.KindInternal, report.Error.Kind)
	require.Len(t, report.Steps, 1)
	assert.Nil(t, report.Steps[0].Observation)
}

func TestRun_CancelledDuringActionFinishesAction(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := new(mockReasoner)
	c := newComputer()
	click := actions.Click(1, 1, actions.ButtonLeft)
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", click), nil).Once()

	var actionCtxErr error
	c.On("Execute", mock.Anything, click).Run(func(args mock.Arguments) {
		cancel()
		actionCtxErr = args.Get(0).(context.Context).Err()
	}).Return(observation("https://example.com/"), nil).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(ctx, Goal{Text: "g"})

	assert.NoError(t, actionCtxErr, "an in-flight action is not aborted by caller cancellation")
	assert.Equal(t, StatusCancelled, report.Status)
	assert.Equal(t, cuaerr.KindCancelled, report.Error.Kind)
	require.Len(t, report.Steps, 1)
	assert.NotNil(t, report.Steps[0].Observation)
	r.AssertNumberOfCalls(t, "Turn", 1)
}

func TestRun_CancelledDuringModelTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := new(mockReasoner)
	r.On("Turn", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		cancel()
	}).Return(reasoner.TurnResult{}, context.Canceled).Once()

	report := newTestAgent(t, r, newComputer(), nil, testConfig()).Run(ctx, Goal{Text: "g"})

	assert.Equal(t, StatusCancelled, report.Status)
	assert.Empty(t, report.Steps)
}

func TestRun_SnapshotFailureAbsorbed(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	store := new(mockStore)
	move := actions.Move(3, 4)
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", move), nil).Once()
	r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("ok"), nil).Once()
	c.On("Execute", mock.Anything, move).Return(observation("https://example.com/"), nil).Once()
	store.On("Save", mock.Anything, "run-1", 0, mock.Anything).Return("", errors.New("disk full")).Once()

	core, logs := observer.New(zapcore.WarnLevel)
	a, err := New(r, c, store, testConfig(), zap.New(core), WithRunIDs(func() string { return "run-1" }))
	require.NoError(t, err)
	report := a.Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.Steps, 1)
	assert.Empty(t, report.Steps[0].Observation.Location)
	assert.Equal(t, 1, logs.FilterMessage("Failed to store snapshot.").Len())
}

func TestRun_CompositeTurnIsOneStep(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	click := actions.Click(100, 200, actions.ButtonLeft)
	typing := actions.TypeText("query")
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", click, typing), nil).Once()
	r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("searched"), nil).Once()
	c.On("Execute", mock.Anything, click).Return(observation("https://example.com/a"), nil).Once()
	c.On("Execute", mock.Anything, typing).Return(observation("https://example.com/b"), nil).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(context.Background(), Goal{Text: "search"})

	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.Steps, 1)
	step := report.Steps[0]
	assert.Equal(t, click, *step.Action)
	assert.Equal(t, []actions.Action{click, typing}, step.Actions)
	assert.Equal(t, "https://example.com/b", step.Observation.URL)
}

func TestRun_TerminalStateEnteredOnce(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	move := actions.Move(1, 2)
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", move), nil).Once()
	r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("ok"), nil).Once()
	c.On("Execute", mock.Anything, move).Return(observation("https://example.com/"), nil).Once()

	var states []State
	hook := WithStateHook(func(_ string, s State) { states = append(states, s) })
	report := newTestAgent(t, r, c, nil, testConfig(), hook).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, []State{
		StateStarting,
		StateAwaitingModelTurn,
		StateActionPending,
		StateObserving,
		StateAwaitingModelTurn,
		StateCompleted,
	}, states)
}

func TestRun_SafetyChecksCarryIntoHistory(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	move := actions.Move(1, 2)
	first := actionTurn("r1", move)
	first.Turn.SafetyChecks = []reasoner.SafetyCheck{{ID: "sc_1", Code: "malicious_instructions"}}
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool { return len(req.History) == 0 })).
		Return(first, nil).Once()
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		last, ok := req.LastTurn()
		return ok && len(last.SafetyChecks) == 1 && last.SafetyChecks[0].ID == "sc_1"
	})).Return(doneTurn("ok"), nil).Once()
	c.On("Execute", mock.Anything, move).Return(observation("https://example.com/"), nil).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	r.AssertExpectations(t)
}

func TestRun_NavigateWithoutStartURL(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	nav := actions.Navigate("https://example.com")
	landed := observation("https://example.com/")
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		return req.Observation == nil && len(req.History) == 0
	})).Return(actionTurn("r1", nav), nil).Once()
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		return req.Observation != nil && req.Observation.URL == landed.URL
	})).Return(doneTurn("arrived"), nil).Once()
	c.On("Execute", mock.Anything, nav).Return(landed, nil).Once()

	cfg := testConfig()
	cfg.Scopes = []string{"example.com"}
	report := newTestAgent(t, r, c, nil, cfg).Run(context.Background(), Goal{Text: "open example.com"})

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Nil(t, report.StartObservation)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, nav, *report.Steps[0].Action)
	require.NotNil(t, report.FinalObservation)
	assert.Equal(t, landed.URL, report.FinalObservation.URL)
	r.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestRun_MultiActionTurnWithNavigate(t *testing.T) {
	cfg := testConfig()
	cfg.Scopes = []string{"example.com"}
	click := actions.Click(5, 5, actions.ButtonLeft)

	t.Run("out of scope navigate runs nothing", func(t *testing.T) {
		r := new(mockReasoner)
		c := newComputer()
		r.On("Turn", mock.Anything, mock.Anything).
			Return(actionTurn("r1", click, actions.Navigate("https://evil.test/")), nil).Once()

		report := newTestAgent(t, r, c, nil, cfg).Run(context.Background(), Goal{Text: "g"})

		assert.Equal(t, StatusFailed, report.Status)
		assert.Equal(t, cuaerr.KindScopeViolation, report.Error.Kind)
		require.Len(t, report.Steps, 1)
		assert.Nil(t, report.Steps[0].Observation)
		assert.Len(t, report.Steps[0].Actions, 2)
		c.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	})

	t.Run("in scope navigate runs after the click", func(t *testing.T) {
		r := new(mockReasoner)
		c := newComputer()
		nav := actions.Navigate("https://app.example.com/next")
		r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", click, nav), nil).Once()
		r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("ok"), nil).Once()
		c.On("Execute", mock.Anything, click).Return(observation("https://example.com/"), nil).Once()
		c.On("Execute", mock.Anything, nav).Return(observation(nav.URL), nil).Once()

		report := newTestAgent(t, r, c, nil, cfg).Run(context.Background(), Goal{Text: "g"})

		assert.Equal(t, StatusCompleted, report.Status)
		require.Len(t, report.Steps, 1)
		assert.Equal(t, nav.URL, report.Steps[0].Observation.URL)
	})

	t.Run("a failure part way keeps the last observation", func(t *testing.T) {
		r := new(mockReasoner)
		c := newComputer()
		move := actions.Move(9, 9)
		clicked := observation("https://example.com/clicked")
		r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", click, move), nil).Once()
		c.On("Execute", mock.Anything, click).Return(clicked, nil).Once()
		c.On("Execute", mock.Anything, move).
			Return(actions.Observation{}, cuaerr.New(cuaerr.KindInternal, "browser.execute", "session is closed")).Once()

		report := newTestAgent(t, r, c, nil, cfg).Run(context.Background(), Goal{Text: "g"})

		assert.Equal(t, StatusFailed, report.Status)
		require.Len(t, report.Steps, 1)
		require.NotNil(t, report.Steps[0].Observation)
		assert.Equal(t, clicked.URL, report.Steps[0].Observation.URL)
		assert.Contains(t, report.Steps[0].Error, "session is closed")
		require.NotNil(t, report.FinalObservation)
		assert.Equal(t, clicked.URL, report.FinalObservation.URL)
	})
}

func TestRun_CancelledBetweenTurnAndAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := new(mockReasoner)
	c := newComputer()
	click := actions.Click(1, 1, actions.ButtonLeft)
	r.On("Turn", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(actionTurn("r1", click), nil).Once()

	var states []State
	hook := WithStateHook(func(_ string, s State) { states = append(states, s) })
	report := newTestAgent(t, r, c, nil, testConfig(), hook).Run(ctx, Goal{Text: "g"})

	assert.Equal(t, StatusCancelled, report.Status)
	assert.Equal(t, cuaerr.KindCancelled, report.Error.Kind)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, click, *report.Steps[0].Action)
	assert.Nil(t, report.Steps[0].Observation)
	assert.NotContains(t, states, StateActionPending)
	c.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestRun_MessageStepContinues(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	message := reasoner.TurnResult{
		Plan:    "Which account should I use?",
		Message: "Which account should I use?",
		Turn:    reasoner.TurnRef{ResponseID: "r1"},
	}
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool { return len(req.History) == 0 })).
		Return(message, nil).Once()
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		last, ok := req.LastTurn()
		return ok && last.ResponseID == "r1" && req.History[0].Action == nil
	})).Return(doneTurn("ok"), nil).Once()

	report := newTestAgent(t, r, c, nil, testConfig()).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "Which account should I use?", report.Steps[0].Message)
	assert.Nil(t, report.Steps[0].Action)
	assert.Empty(t, report.Steps[0].Error)
	r.AssertExpectations(t)
	c.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestRun_GoalConstraintsReachTheReasoner(t *testing.T) {
	r := new(mockReasoner)
	goal := Goal{Text: "g", Constraints: []string{"no purchases"}, SuccessCriteria: []string{"cart is empty"}}
	r.On("Turn", mock.Anything, mock.MatchedBy(func(req reasoner.TurnRequest) bool {
		return cmp.Equal(req.Constraints, goal.Constraints) && cmp.Equal(req.SuccessCriteria, goal.SuccessCriteria)
	})).Return(doneTurn("ok"), nil).Once()

	report := newTestAgent(t, r, newComputer(), nil, testConfig()).Run(context.Background(), goal)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, goal, report.Goal)
	r.AssertExpectations(t)
}

func TestRun_JournalsRunLifecycle(t *testing.T) {
	r := new(mockReasoner)
	c := newComputer()
	runLog := new(mockRunLog)
	move := actions.Move(1, 2)
	r.On("Turn", mock.Anything, mock.Anything).Return(actionTurn("r1", move), nil).Once()
	r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("ok"), nil).Once()
	c.On("Execute", mock.Anything, move).Return(observation("https://example.com/"), nil).Once()

	var kinds []snapshot.EntryKind
	runLog.On("Append", mock.Anything, mock.MatchedBy(func(e snapshot.Entry) bool { return e.RunID == "run-1" })).
		Run(func(args mock.Arguments) {
			kinds = append(kinds, args.Get(1).(snapshot.Entry).Kind)
		}).Return(nil)

	report := newTestAgent(t, r, c, nil, testConfig(), WithRunLog(runLog)).Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, []snapshot.EntryKind{snapshot.EntryRunStart, snapshot.EntryStep, snapshot.EntryRunEnd}, kinds)
	last := runLog.Calls[len(runLog.Calls)-1].Arguments.Get(1).(snapshot.Entry)
	assert.Contains(t, string(last.Payload), `"status":"completed"`)
}

func TestRun_RunLogFailureAbsorbed(t *testing.T) {
	r := new(mockReasoner)
	runLog := new(mockRunLog)
	r.On("Turn", mock.Anything, mock.Anything).Return(doneTurn("ok"), nil).Once()
	runLog.On("Append", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	core, logs := observer.New(zapcore.WarnLevel)
	a, err := New(r, newComputer(), nil, testConfig(), zap.New(core), WithRunLog(runLog))
	require.NoError(t, err)
	report := a.Run(context.Background(), Goal{Text: "g"})

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 2, logs.FilterMessage("Failed to append run log entry.").Len())
}
