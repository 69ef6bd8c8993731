package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teekit/securestore/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackendRoundTrip(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := b.Store(ctx, "aabbcc", []byte("sealed blob"))
	require.NoError(t, err)
	assert.Equal(t, "aabbcc", loc.Handle)
	assert.Equal(t, b.LocationURI(), loc.BackendURI)

	data, err := b.Load(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed blob"), data)

	require.NoError(t, b.Delete(ctx, loc))

	_, err = b.Load(ctx, loc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestFileBackendDeterministicHandle(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	loc1, err := b.Store(ctx, "deadbeef", []byte("first"))
	require.NoError(t, err)
	loc2, err := b.Store(ctx, "deadbeef", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, loc1, loc2)

	data, err := b.Load(ctx, loc1)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestFileBackendOverwrite(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := b.Store(ctx, "cafe01", []byte("secret bytes"))
	require.NoError(t, err)

	zeros := make([]byte, len("secret bytes"))
	require.NoError(t, b.Overwrite(ctx, loc, zeros))

	data, err := b.Load(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, zeros, data)

	err = b.Overwrite(ctx, interfaces.StorageLocation{Handle: "missing"}, zeros)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestFileBackendAvailable(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	assert.True(t, b.Available(context.Background()))
}

func TestBadgerBackendRoundTrip(t *testing.T) {
	b, err := NewBadgerBackend("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	loc, err := b.Store(ctx, "handle-1", []byte("sealed"))
	require.NoError(t, err)

	data, err := b.Load(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), data)

	require.NoError(t, b.Overwrite(ctx, loc, []byte("zeroed")))
	data, err = b.Load(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("zeroed"), data)

	require.NoError(t, b.Delete(ctx, loc))
	_, err = b.Load(ctx, loc)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))

	err = b.Delete(ctx, loc)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestBadgerBackendAvailability(t *testing.T) {
	b, err := NewBadgerBackend("", testLogger())
	require.NoError(t, err)
	assert.True(t, b.Available(context.Background()))
	require.NoError(t, b.Close())
	assert.False(t, b.Available(context.Background()))
}
