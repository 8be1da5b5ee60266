//go:build integration

package objectstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/storage"
	"github.com/xonfour/horizont-sub000/storage/objectstore"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_Store(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	store, err := objectstore.Dial(ctx, url, "TEST_DATA", nil)
	require.NoError(t, err)
	defer store.Close()

	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, store.Put(ctx, "docs/b.txt", []byte("b")))
	require.NoError(t, store.Put(ctx, "docs/a.txt", []byte("a")))
	require.NoError(t, store.Put(ctx, "other", []byte("o")))

	data, err := store.Get(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	keys, err = store.List(ctx, "docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.txt", "docs/b.txt"}, keys)

	require.NoError(t, store.Delete(ctx, "docs/a.txt"))
	require.NoError(t, store.Delete(ctx, "docs/a.txt"))
	_, err = store.Get(ctx, "docs/a.txt")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	keys, err = store.List(ctx, "docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/b.txt"}, keys)
}

func TestIntegration_ModuleOverObjectStore(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	m, err := storage.NewModule(component.Dependencies{ID: "data"}, "objectstore",
		objectstore.Opener(url, "TEST_MODULE", nil))
	require.NoError(t, err)
	require.NoError(t, m.EnterStartup(ctx))
	defer func() { assert.NoError(t, m.ExitShutdown(ctx)) }()

	port := component.PortID{Module: "data", Port: storage.PortName, Kind: component.SupplierPort}
	w, err := m.Write(ctx, port, "/reports/q1.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("a,b"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, m.CreateFolder(ctx, port, "/reports/archive"))

	children, err := m.Children(ctx, port, "/reports")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "/reports/archive", children[0].Path)
	assert.Equal(t, component.ElementFolder, children[0].Type)
	assert.Equal(t, "/reports/q1.csv", children[1].Path)
}
