package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lifeguard-sh/lifeguard/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "blobs"))

	require.NoError(t, store.Initialize(ctx))

	_, err := store.CheckHealth(ctx)
	require.Error(t, err, "probe before open must fail")

	require.NoError(t, store.Connect(ctx))

	report, err := store.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, resource.HealthHealthy, report.Health)

	require.NoError(t, store.Disconnect(ctx))
	require.NoError(t, store.Disconnect(ctx), "disconnect is idempotent")
}

func TestFileStore_ReopenAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "blobs"))

	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.Connect(ctx))
	require.NoError(t, store.Disconnect(ctx))

	require.NoError(t, store.Connect(ctx))
	_, err := store.CheckHealth(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Cleanup(ctx))
}
