package prefs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/printdeck/printdeck/internal/config"
	"github.com/printdeck/printdeck/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "prefs_test.db"),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}

	db, err := database.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())

	return NewStore(db)
}

func TestStore_Geometry_NotSaved(t *testing.T) {
	store := setupTestStore(t)

	g, err := store.Geometry(context.Background(), "printer-1")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestStore_SaveGeometry_CreateAndLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.SaveGeometry(ctx, "printer-1", Geometry{Width: 1280, Height: 720, X: 40, Y: 60})
	require.NoError(t, err)

	g, err := store.Geometry(ctx, "printer-1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, 1280, g.Width)
	assert.Equal(t, 720, g.Height)
	assert.Equal(t, 40, g.X)
	assert.Equal(t, 60, g.Y)
}

func TestStore_SaveGeometry_Update(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGeometry(ctx, "printer-1", Geometry{Width: 640, Height: 480}))
	require.NoError(t, store.SaveGeometry(ctx, "printer-1", Geometry{Width: 1920, Height: 1080, X: 10, Y: 20}))

	g, err := store.Geometry(ctx, "printer-1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, 1920, g.Width)
	assert.Equal(t, 1080, g.Height)
}

func TestStore_GeometryIsolatedPerPrinter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGeometry(ctx, "printer-1", Geometry{Width: 800, Height: 600}))
	require.NoError(t, store.SaveGeometry(ctx, "printer-2", Geometry{Width: 1024, Height: 768}))

	g1, err := store.Geometry(ctx, "printer-1")
	require.NoError(t, err)
	require.NotNil(t, g1)
	assert.Equal(t, 800, g1.Width)

	g2, err := store.Geometry(ctx, "printer-2")
	require.NoError(t, err)
	require.NotNil(t, g2)
	assert.Equal(t, 1024, g2.Width)
}

func TestStore_Mode(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mode, err := store.Mode(ctx, "printer-1")
	require.NoError(t, err)
	assert.Empty(t, mode)

	require.NoError(t, store.SaveMode(ctx, "printer-1", "snapshot"))
	require.NoError(t, store.SaveMode(ctx, "printer-1", "live"))

	mode, err = store.Mode(ctx, "printer-1")
	require.NoError(t, err)
	assert.Equal(t, "live", mode)
}

func TestStore_SaveMode_PreservesGeometry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGeometry(ctx, "printer-1", Geometry{Width: 1280, Height: 800}))
	require.NoError(t, store.SaveMode(ctx, "printer-1", "snapshot"))

	g, err := store.Geometry(ctx, "printer-1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, 1280, g.Width)
}

func TestStore_ModeOnlyRowHasNoGeometry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveMode(ctx, "printer-1", "snapshot"))

	g, err := store.Geometry(ctx, "printer-1")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestStore_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGeometry(ctx, "printer-1", Geometry{Width: 800, Height: 600}))
	require.NoError(t, store.Delete(ctx, "printer-1"))

	g, err := store.Geometry(ctx, "printer-1")
	require.NoError(t, err)
	assert.Nil(t, g)

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(ctx, "printer-1"))
}
