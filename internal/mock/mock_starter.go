package mock

import (
	"github.com/stretchr/testify/mock"
)

// MockStarter records worker launches. Entries run on a goroutine unless
// Hold is set, in which case they are kept for the test to run.
type MockStarter struct {
	mock.Mock

	Hold    bool
	Entries []func()
}

// Start mocks the Start method.
func (m *MockStarter) Start(name string, entry func()) {
	m.Called(name)
	if m.Hold {
		m.Entries = append(m.Entries, entry)
		return
	}
	go entry()
}

// ExpectStart sets up an expectation for Start.
func (m *MockStarter) ExpectStart(name string) *mock.Call {
	return m.On("Start", name).Return()
}
