package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/teekit/securestore/interfaces"
)

// MockBackend implements interfaces.StorageBackend for testing.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Store(ctx context.Context, locationHint string, data []byte) (interfaces.StorageLocation, error) {
	args := m.Called(ctx, locationHint, data)
	return args.Get(0).(interfaces.StorageLocation), args.Error(1)
}

func (m *MockBackend) Load(ctx context.Context, loc interfaces.StorageLocation) ([]byte, error) {
	args := m.Called(ctx, loc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBackend) Overwrite(ctx context.Context, loc interfaces.StorageLocation, data []byte) error {
	args := m.Called(ctx, loc, data)
	return args.Error(0)
}

func (m *MockBackend) Delete(ctx context.Context, loc interfaces.StorageLocation) error {
	args := m.Called(ctx, loc)
	return args.Error(0)
}

func (m *MockBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockBackend) Name() string {
	return m.Called().String(0)
}

func (m *MockBackend) LocationURI() string {
	return m.Called().String(0)
}

func newMockBackend(name string) *MockBackend {
	b := new(MockBackend)
	b.On("Name").Return(name).Maybe()
	b.On("LocationURI").Return(fmt.Sprintf("mock://%s", name)).Maybe()
	return b
}

func locFor(name, handle string) interfaces.StorageLocation {
	return interfaces.StorageLocation{BackendURI: fmt.Sprintf("mock://%s", name), Handle: handle}
}

func TestMultiStoreReplicatesToAllAvailable(t *testing.T) {
	ctx := context.Background()
	b1 := newMockBackend("one")
	b2 := newMockBackend("two")
	b3 := newMockBackend("down")

	data := []byte("blob")
	b1.On("Available", ctx).Return(true)
	b2.On("Available", ctx).Return(true)
	b3.On("Available", ctx).Return(false)
	b1.On("Store", ctx, "h1", data).Return(locFor("one", "h1"), nil)
	b2.On("Store", ctx, "h1", data).Return(locFor("two", "h1"), nil)

	multi := NewMultiBackend([]interfaces.StorageBackend{b1, b2, b3}, testLogger())
	loc, err := multi.Store(ctx, "h1", data)
	require.NoError(t, err)
	assert.Equal(t, "h1", loc.Handle)

	b1.AssertExpectations(t)
	b2.AssertExpectations(t)
	b3.AssertNotCalled(t, "Store", ctx, "h1", data)
}

func TestMultiStoreSucceedsWithPartialFailure(t *testing.T) {
	ctx := context.Background()
	b1 := newMockBackend("failing")
	b2 := newMockBackend("working")

	data := []byte("blob")
	b1.On("Available", ctx).Return(true)
	b2.On("Available", ctx).Return(true)
	b1.On("Store", ctx, "h1", data).Return(interfaces.StorageLocation{}, errors.New("disk full"))
	b2.On("Store", ctx, "h1", data).Return(locFor("working", "h1"), nil)

	multi := NewMultiBackend([]interfaces.StorageBackend{b1, b2}, testLogger())
	_, err := multi.Store(ctx, "h1", data)
	require.NoError(t, err)
}

func TestMultiStoreFailsWhenAllFail(t *testing.T) {
	ctx := context.Background()
	b1 := newMockBackend("one")

	b1.On("Available", ctx).Return(true)
	b1.On("Store", ctx, "h1", mock.Anything).Return(interfaces.StorageLocation{}, errors.New("disk full"))

	multi := NewMultiBackend([]interfaces.StorageBackend{b1}, testLogger())
	_, err := multi.Store(ctx, "h1", []byte("blob"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrBackendError))
}

func TestMultiLoadFallsBack(t *testing.T) {
	ctx := context.Background()
	b1 := newMockBackend("one")
	b2 := newMockBackend("two")

	b1.On("Available", ctx).Return(true)
	b2.On("Available", ctx).Return(true)
	b1.On("Load", ctx, locFor("one", "h1")).Return(nil, notFoundErr("h1"))
	b2.On("Load", ctx, locFor("two", "h1")).Return([]byte("blob"), nil)

	multi := NewMultiBackend([]interfaces.StorageBackend{b1, b2}, testLogger())
	data, err := multi.Load(ctx, interfaces.StorageLocation{BackendURI: multi.LocationURI(), Handle: "h1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)
}

func TestMultiLoadAllMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	b1 := newMockBackend("one")

	b1.On("Available", ctx).Return(true)
	b1.On("Load", ctx, locFor("one", "h1")).Return(nil, notFoundErr("h1"))

	multi := NewMultiBackend([]interfaces.StorageBackend{b1}, testLogger())
	_, err := multi.Load(ctx, interfaces.StorageLocation{Handle: "h1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestMultiDeleteIgnoresMissingReplicas(t *testing.T) {
	ctx := context.Background()
	b1 := newMockBackend("one")
	b2 := newMockBackend("two")

	b1.On("Available", ctx).Return(true)
	b2.On("Available", ctx).Return(true)
	b1.On("Delete", ctx, locFor("one", "h1")).Return(notFoundErr("h1"))
	b2.On("Delete", ctx, locFor("two", "h1")).Return(nil)

	multi := NewMultiBackend([]interfaces.StorageBackend{b1, b2}, testLogger())
	require.NoError(t, multi.Delete(ctx, interfaces.StorageLocation{Handle: "h1"}))
}

func TestMultiAvailable(t *testing.T) {
	ctx := context.Background()
	b1 := newMockBackend("one")
	b2 := newMockBackend("two")

	b1.On("Available", ctx).Return(false)
	b2.On("Available", ctx).Return(true)

	multi := NewMultiBackend([]interfaces.StorageBackend{b1, b2}, testLogger())
	assert.True(t, multi.Available(ctx))
}
