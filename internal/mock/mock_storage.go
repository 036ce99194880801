// Package mock provides testify mocks for heapstream's interfaces.
package mock

import (
	"context"
	"io"
	"os"

	"github.com/stretchr/testify/mock"
)

// MockStorage is a mock implementation of the Storage interface.
type MockStorage struct {
	mock.Mock
}

// Upload mocks the Upload method.
func (m *MockStorage) Upload(ctx context.Context, key string, reader io.Reader) error {
	args := m.Called(ctx, key, reader)
	return args.Error(0)
}

// UploadFile mocks the UploadFile method.
func (m *MockStorage) UploadFile(ctx context.Context, key string, localPath string) error {
	args := m.Called(ctx, key, localPath)
	return args.Error(0)
}

// Download mocks the Download method.
func (m *MockStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

// DownloadFile mocks the DownloadFile method.
func (m *MockStorage) DownloadFile(ctx context.Context, key string, localPath string) error {
	args := m.Called(ctx, key, localPath)
	return args.Error(0)
}

// Delete mocks the Delete method.
func (m *MockStorage) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// Exists mocks the Exists method.
func (m *MockStorage) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

// GetURL mocks the GetURL method.
func (m *MockStorage) GetURL(key string) string {
	args := m.Called(key)
	return args.String(0)
}

// ExpectExists sets up an expectation for Exists.
func (m *MockStorage) ExpectExists(key string, ok bool, err error) *mock.Call {
	return m.On("Exists", mock.Anything, key).Return(ok, err)
}

// ExpectUploadFile sets up an expectation for UploadFile.
func (m *MockStorage) ExpectUploadFile(key, localPath string, err error) *mock.Call {
	return m.On("UploadFile", mock.Anything, key, localPath).Return(err)
}

// ExpectDownloadFile sets up a DownloadFile of key that writes content to
// whatever local path it is given.
func (m *MockStorage) ExpectDownloadFile(key string, content []byte) *mock.Call {
	return m.On("DownloadFile", mock.Anything, key, mock.Anything).
		Run(func(args mock.Arguments) {
			_ = os.WriteFile(args.String(2), content, 0644)
		}).
		Return(nil)
}

// ExpectDownloadFileError sets up a failing DownloadFile of key.
func (m *MockStorage) ExpectDownloadFileError(key string, err error) *mock.Call {
	return m.On("DownloadFile", mock.Anything, key, mock.Anything).Return(err)
}

// ExpectGetURL sets up an expectation for any GetURL call.
func (m *MockStorage) ExpectGetURL(url string) *mock.Call {
	return m.On("GetURL", mock.Anything).Return(url)
}
