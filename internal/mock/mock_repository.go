package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/heapstream/pkg/model"
)

// MockLoadRunRepository is a mock implementation of LoadRunRepository.
type MockLoadRunRepository struct {
	mock.Mock
}

// Create mocks the Create method.
func (m *MockLoadRunRepository) Create(ctx context.Context, report *model.LoadReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// GetByRunID mocks the GetByRunID method.
func (m *MockLoadRunRepository) GetByRunID(ctx context.Context, runID string) (*model.LoadReport, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LoadReport), args.Error(1)
}

// ListRecent mocks the ListRecent method.
func (m *MockLoadRunRepository) ListRecent(ctx context.Context, limit int) ([]*model.LoadReport, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.LoadReport), args.Error(1)
}

// ExpectCreate sets up an expectation for any Create call.
func (m *MockLoadRunRepository) ExpectCreate(err error) *mock.Call {
	return m.On("Create", mock.Anything, mock.Anything).Return(err)
}
