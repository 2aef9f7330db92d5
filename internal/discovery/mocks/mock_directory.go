package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/market-arena/market-arena/internal/discovery"
)

// MockDirectory is a mock implementation of discovery.Directory
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Register(ctx context.Context, description discovery.Description) error {
	args := m.Called(ctx, description)
	return args.Error(0)
}

func (m *MockDirectory) Unregister(ctx context.Context, agentID, modelName string) error {
	args := m.Called(ctx, agentID, modelName)
	return args.Error(0)
}

func (m *MockDirectory) Search(ctx context.Context, query discovery.Query) ([]string, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
