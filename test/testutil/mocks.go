package testutil

import (
	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/models"
)

var _ engine.Engine = (*MockEngine)(nil)

// MockEngine mocks the sync engine. Unexpected calls fail the test.
type MockEngine struct {
	mock.Mock
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (m *MockEngine) OpenSession(path string) error {
	return m.Called(path).Error(0)
}

func (m *MockEngine) Start(path string) error {
	return m.Called(path).Error(0)
}

func (m *MockEngine) Stop(path string) error {
	return m.Called(path).Error(0)
}

func (m *MockEngine) State(path string) (int8, error) {
	args := m.Called(path)
	return args.Get(0).(int8), args.Error(1)
}

func (m *MockEngine) ConnectionState(path string) (int8, error) {
	args := m.Called(path)
	return args.Get(0).(int8), args.Error(1)
}

func (m *MockEngine) AddProgressListener(path string, listenerID int64, direction models.Direction, streaming bool) (int64, error) {
	args := m.Called(path, listenerID, direction, streaming)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEngine) RemoveProgressListener(path string, token int64) error {
	return m.Called(path, token).Error(0)
}

func (m *MockEngine) AddConnectionListener(path string) (int64, error) {
	args := m.Called(path)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEngine) RemoveConnectionListener(token int64, path string) error {
	return m.Called(token, path).Error(0)
}

func (m *MockEngine) WaitForDownloadCompletion(callbackID int32, path string) (bool, error) {
	args := m.Called(callbackID, path)
	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) WaitForUploadCompletion(callbackID int32, path string) (bool, error) {
	args := m.Called(callbackID, path)
	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) Reconnect() error {
	return m.Called().Error(0)
}

func (m *MockEngine) ExecuteClientReset(path, backupPath string) (bool, error) {
	args := m.Called(path, backupPath)
	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) SetHandler(h engine.Handler) {
	m.Called(h)
}

func (m *MockEngine) Close() error {
	return m.Called().Error(0)
}
