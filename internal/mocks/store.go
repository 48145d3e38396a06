package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/valkyriedata/shardfs"
)

// MockObjectStore implements shardfs.ObjectStore for testing across packages
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) GetRange(ctx context.Context, key string, offset, length uint64) ([]byte, error) {
	args := m.Called(ctx, key, offset, length)

	// Handle function return types (for complex tests)
	if fn, ok := args.Get(0).(func(context.Context, string, uint64, uint64) []byte); ok {
		return fn(ctx, key, offset, length), args.Error(1)
	}

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockObjectStore) List(ctx context.Context, maxKeys int) ([]shardfs.ObjectInfo, bool, error) {
	args := m.Called(ctx, maxKeys)

	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]shardfs.ObjectInfo), args.Bool(1), args.Error(2)
}

var _ shardfs.ObjectStore = (*MockObjectStore)(nil)
