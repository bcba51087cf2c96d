package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/pkg/database"
)

// MigrationsPath finds migrations/postgres by walking up to the module root
func MigrationsPath(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations", "postgres")
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "go.mod not found above the test directory")
		dir = parent
	}
}

// RunMigrations applies every migration to the test database
func RunMigrations(t *testing.T, db *TestDB) {
	t.Helper()

	_, err := database.RunMigrations(db.DB, MigrationsPath(t))
	require.NoError(t, err, "Failed to run migrations")
}
