package migration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add carrier index", "add_carrier_index"},
		{"Add-Carrier-Index", "add_carrier_index"},
		{"ADD_CARRIER_INDEX", "add_carrier_index"},
		{"add__carrier__index", "add_carrier_index"},
		{"Add Alerts 123", "add_alerts_123"},
		{"v1.2 fix", "v1_2_fix"},
		{"   spaces   ", "spaces"},
		{"special!@#$chars", "specialchars"},
		{"trailing_", "trailing"},
		{"_leading", "leading"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestCreateMigration(t *testing.T) {
	dir := t.TempDir()

	mf, err := CreateMigration(dir, "add tracking columns", "Tracking reference on sessions")
	require.NoError(t, err)

	assert.Equal(t, uint(1), mf.Version)
	assert.Equal(t, "add_tracking_columns", mf.Name)
	assert.Equal(t, filepath.Join(dir, "000001_add_tracking_columns.up.sql"), mf.UpPath)
	assert.Equal(t, filepath.Join(dir, "000001_add_tracking_columns.down.sql"), mf.DownPath)

	up, err := os.ReadFile(mf.UpPath)
	require.NoError(t, err)
	assert.Contains(t, string(up), "-- add_tracking_columns")
	assert.Contains(t, string(up), "-- Tracking reference on sessions")

	down, err := os.ReadFile(mf.DownPath)
	require.NoError(t, err)
	assert.Contains(t, string(down), "Rollback of add_tracking_columns")
}

func TestCreateMigration_NumbersSequentially(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000007_existing.up.sql"), []byte("SELECT 1;"), 0o644))

	mf, err := CreateMigration(dir, "next", "")
	require.NoError(t, err)
	assert.Equal(t, uint(8), mf.Version)
	assert.Equal(t, "000008_next", mf.BaseName())
}

func TestCreateMigration_CreatesDirectory(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "nested", "migrations")

	_, err := CreateMigration(nested, "first", "")
	require.NoError(t, err)

	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateMigration_RejectsEmptyName(t *testing.T) {
	_, err := CreateMigration(t.TempDir(), "!!!", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable characters")
}

func TestListMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_second.up.sql",
		"000002_second.down.sql",
		"000001_first.up.sql",
		"000001_first.down.sql",
		"000003_no_down.up.sql",
		"000004_orphan.down.sql",
		"README.md",
		"notes_only.up.sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("-- sql"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000005_dir.up.sql"), 0o755))

	files, err := ListMigrations(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, uint(1), files[0].Version)
	assert.Equal(t, "first", files[0].Name)
	assert.True(t, files[0].HasDown)
	assert.Equal(t, "second", files[1].Name)
	assert.Equal(t, "no_down", files[2].Name)
	assert.False(t, files[2].HasDown)
}

func TestListMigrations_ConflictingVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_a.up.sql"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_b.up.sql"), nil, 0o644))

	_, err := ListMigrations(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 1")
}

func TestListMigrations_NonexistentDirectory(t *testing.T) {
	files, err := ListMigrations(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := listSource("")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 2)

	for i, f := range files {
		assert.Equal(t, uint(i+1), f.Version, "embedded migrations are numbered without gaps")
		assert.True(t, f.HasDown, "%s has a down migration", f.BaseName())
	}

	latest, err := latestVersion("")
	require.NoError(t, err)
	assert.Equal(t, files[len(files)-1].Version, latest)
}

func TestStatus_Pending(t *testing.T) {
	assert.True(t, Status{Version: 1, Latest: 2}.Pending())
	assert.False(t, Status{Version: 2, Latest: 2}.Pending())
}
