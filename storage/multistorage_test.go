package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockKVStore implements interfaces.KVStore for testing
type MockKVStore struct {
	mock.Mock
	name string
}

func (m *MockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockKVStore) Put(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *MockKVStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockKVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockKVStore) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockKVStore) Name() string {
	return m.name
}

func (m *MockKVStore) LocationURI() string {
	return "mock:"
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{
			name:     "all backends available",
			backends: []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some backends available",
			backends: []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no backends available",
			backends: []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no backends",
			backends: []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.KVStore
			for i, available := range tt.backends {
				m := &MockKVStore{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, testLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockKVStore).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Get(t *testing.T) {
	testData := []byte(`{"threshold":2}`)
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.KVStore
		expectedData  []byte
		expectedError error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.KVStore {
				mock1 := &MockKVStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, "k").Return(testData, nil)

				mock2 := &MockKVStore{name: "mock-B"}
				return []interfaces.KVStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend misses, second has the key",
			setupMocks: func() []interfaces.KVStore {
				mock1 := &MockKVStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, "k").Return(nil, interfaces.ErrKeyNotFound)

				mock2 := &MockKVStore{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, "k").Return(testData, nil)
				return []interfaces.KVStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "unavailable backend is skipped",
			setupMocks: func() []interfaces.KVStore {
				mock1 := &MockKVStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockKVStore{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, "k").Return(testData, nil)
				return []interfaces.KVStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "key missing everywhere",
			setupMocks: func() []interfaces.KVStore {
				mock1 := &MockKVStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, "k").Return(nil, interfaces.ErrKeyNotFound)
				return []interfaces.KVStore{mock1}
			},
			expectedError: interfaces.ErrKeyNotFound,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.KVStore {
				mock1 := &MockKVStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, "k").Return(nil, testErr)

				mock2 := &MockKVStore{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, "k").Return(nil, interfaces.ErrKeyNotFound)
				return []interfaces.KVStore{mock1, mock2}
			},
			expectedError: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger())

			data, err := multi.Get(context.Background(), "k")
			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
				assert.Nil(t, data)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectedData, data)
			}

			for _, backend := range backends {
				backend.(*MockKVStore).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Put(t *testing.T) {
	value := []byte("v")

	t.Run("writes to every available backend", func(t *testing.T) {
		mock1 := &MockKVStore{name: "mock-A"}
		mock1.On("Available", mock.Anything).Return(true)
		mock1.On("Put", mock.Anything, "k", value).Return(nil)

		mock2 := &MockKVStore{name: "mock-B"}
		mock2.On("Available", mock.Anything).Return(false)

		mock3 := &MockKVStore{name: "mock-C"}
		mock3.On("Available", mock.Anything).Return(true)
		mock3.On("Put", mock.Anything, "k", value).Return(errors.New("disk full"))

		multi := NewMultiStorageBackend([]interfaces.KVStore{mock1, mock2, mock3}, testLogger())
		require.NoError(t, multi.Put(context.Background(), "k", value))

		mock1.AssertExpectations(t)
		mock2.AssertExpectations(t)
		mock3.AssertExpectations(t)
	})

	t.Run("fails when no backend accepts the write", func(t *testing.T) {
		mock1 := &MockKVStore{name: "mock-A"}
		mock1.On("Available", mock.Anything).Return(true)
		mock1.On("Put", mock.Anything, "k", value).Return(errors.New("disk full"))

		multi := NewMultiStorageBackend([]interfaces.KVStore{mock1}, testLogger())
		assert.ErrorIs(t, multi.Put(context.Background(), "k", value), interfaces.ErrBackendUnavailable)
	})
}

func TestMultiStorageBackend_Keys(t *testing.T) {
	mock1 := &MockKVStore{name: "mock-A"}
	mock1.On("Available", mock.Anything).Return(true)
	mock1.On("Keys", mock.Anything, "p/").Return([]string{"p/b", "p/a"}, nil)

	mock2 := &MockKVStore{name: "mock-B"}
	mock2.On("Available", mock.Anything).Return(true)
	mock2.On("Keys", mock.Anything, "p/").Return([]string{"p/c", "p/a"}, nil)

	multi := NewMultiStorageBackend([]interfaces.KVStore{mock1, mock2}, testLogger())
	keys, err := multi.Keys(context.Background(), "p/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b", "p/c"}, keys)
}
