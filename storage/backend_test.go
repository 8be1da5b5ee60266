package storage_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/storage"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Put(ctx context.Context, key string, data []byte) error {
	return m.Called(ctx, key, data).Error(0)
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockStore) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	keys, _ := args.Get(0).([]string)
	return keys, args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func startWith(t *testing.T, store storage.Store) (*storage.Module, *recordingCalls) {
	t.Helper()
	ctx := context.Background()
	m, err := storage.NewModule(component.Dependencies{ID: "store"}, "mock",
		func(context.Context) (storage.Store, io.Closer, error) { return store, nil, nil })
	require.NoError(t, err)
	calls := &recordingCalls{}
	require.NoError(t, m.Initialize(ctx, calls))
	require.NoError(t, m.EnterStartup(ctx))
	return m, calls
}

func TestBackendPutFailureSurfacesOnClose(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	store.On("List", mock.Anything, mock.Anything).Return([]string(nil), nil)
	store.On("Get", mock.Anything, mock.Anything).Return(nil, storage.ErrNotFound)
	store.On("Put", mock.Anything, mock.Anything, []byte("data")).Return(errors.ErrStorageUnavailable).Once()

	m, calls := startWith(t, store)
	port := component.PortID{Module: "store", Port: storage.PortName, Kind: component.SupplierPort}

	w, err := m.Write(ctx, port, "/a.txt")
	require.NoError(t, err)
	_, err = io.WriteString(w, "data")
	require.NoError(t, err)

	err = w.Close()
	assert.True(t, errors.Is(err, errors.ErrStorageUnavailable))
	assert.Empty(t, calls.eventTypes(), "failed writes send no element event")
	store.AssertExpectations(t)
}

func TestBackendReadErrorPassesThrough(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	backendErr := fmt.Errorf("disk on fire")
	store.On("Get", mock.Anything, mock.Anything).Return(nil, backendErr)

	m, _ := startWith(t, store)
	port := component.PortID{Module: "store", Port: storage.PortName, Kind: component.SupplierPort}

	_, err := m.Read(ctx, port, "/a.txt")
	assert.ErrorIs(t, err, backendErr)

	_, err = m.ElementType(ctx, port, "/a.txt")
	assert.ErrorIs(t, err, backendErr, "only not-found maps to an unknown element")
	store.AssertExpectations(t)
}

func TestBackendOpenFailure(t *testing.T) {
	m, err := storage.NewModule(component.Dependencies{ID: "store"}, "mock",
		func(context.Context) (storage.Store, io.Closer, error) { return nil, nil, errors.ErrStorageUnavailable })
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background(), &recordingCalls{}))

	err = m.EnterStartup(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, m.IsReady())
}
