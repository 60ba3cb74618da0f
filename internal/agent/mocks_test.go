// internal/agent/mocks_test.go
package agent

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/reasoner"
	"github.com/xkilldash9x/cua-cli/internal/snapshot"
)

// -- Mock Reasoner --

type mockReasoner struct {
	mock.Mock
}

func (m *mockReasoner) Turn(ctx context.Context, req reasoner.TurnRequest) (reasoner.TurnResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(reasoner.TurnResult), args.Error(1)
}

// -- Mock Computer --

type mockComputer struct {
	mock.Mock
}

func (m *mockComputer) Execute(ctx context.Context, action actions.Action) (actions.Observation, error) {
	args := m.Called(ctx, action)
	return args.Get(0).(actions.Observation), args.Error(1)
}

func (m *mockComputer) Viewport() actions.Viewport {
	args := m.Called()
	return args.Get(0).(actions.Viewport)
}

func (m *mockComputer) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// -- Mock Store --

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, runID string, step int, png []byte) (string, error) {
	args := m.Called(ctx, runID, step, png)
	return args.String(0), args.Error(1)
}

// -- Mock Run Log --

type mockRunLog struct {
	mock.Mock
}

func (m *mockRunLog) Append(ctx context.Context, e snapshot.Entry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}
