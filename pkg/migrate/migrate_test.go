package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsDirIsValid(t *testing.T) {
	require.NoError(t, ValidateDir("migrations"))
}

func TestMigrationsCoverPipelineTables(t *testing.T) {
	checks := map[string][]string{
		"*_create_processed_events.sql": {
			"CREATE TABLE IF NOT EXISTS processed_events",
			"PRIMARY KEY (event_id, consumer_name)",
		},
		"*_create_outbox_events.sql": {
			"CREATE TABLE IF NOT EXISTS outbox_events",
			"CHECK (publish_status IN ('pending', 'published', 'failed'))",
			"WHERE publish_status = 'pending'",
		},
		"*_create_processing_sagas.sql": {
			"CREATE TABLE IF NOT EXISTS processing_sagas",
			"UNIQUE (correlation_id, file_id)",
			"CHECK (comparison_status IN ('pending', 'match', 'mismatch'))",
		},
		"*_create_file_projections.sql": {
			"CREATE TABLE IF NOT EXISTS file_projections",
			"CHECK (status IN ('processing', 'completed', 'failed'))",
		},
		"*_create_notifications.sql": {
			"CREATE TABLE IF NOT EXISTS notifications",
			"CHECK (status IN ('queued', 'suppressed'))",
		},
	}
	for pattern, fragments := range checks {
		matches, err := filepath.Glob(filepath.Join("migrations", pattern))
		require.NoError(t, err)
		require.Len(t, matches, 1, pattern)

		data, err := os.ReadFile(matches[0])
		require.NoError(t, err)
		content := string(data)
		for _, fragment := range fragments {
			assert.Contains(t, content, fragment, matches[0])
		}
	}
}

func TestValidateDirRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-name.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644))
	err := ValidateDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid migration filename")

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260101000000_missing_down.sql"), []byte("-- +goose Up\n"), 0o644))
	err = ValidateDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-- +goose Down")
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	path, err := CreateSQLMigration(dir, "Add Saga Index!")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "_add_saga_index.sql"))
	require.NoError(t, ValidateDir(dir))

	_, err = CreateSQLMigration(dir, "!!!")
	require.Error(t, err)
}

func TestCreateSQLMigrationOrdersAfterExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20991231235959_future.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644))

	first, err := CreateSQLMigration(dir, "add index")
	require.NoError(t, err)
	assert.Equal(t, "21000101000000_add_index.sql", filepath.Base(first))

	second, err := CreateSQLMigration(dir, "add index")
	require.NoError(t, err)
	assert.Equal(t, "21000101000001_add_index.sql", filepath.Base(second))
	require.NoError(t, ValidateDir(dir))
}

func TestCreateSQLMigrationUsesClock(t *testing.T) {
	createNow = func() time.Time { return time.Date(2026, 4, 2, 10, 30, 15, 0, time.UTC) }
	t.Cleanup(func() { createNow = time.Now })

	path, err := CreateSQLMigration(t.TempDir(), "Drop Legacy Column")
	require.NoError(t, err)
	assert.Equal(t, "20260402103015_drop_legacy_column.sql", filepath.Base(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- rollback drop_legacy_column")
}

func TestSearchPathDSN(t *testing.T) {
	cases := []struct {
		name   string
		dsn    string
		schema string
		want   string
	}{
		{name: "no schema", dsn: "postgres://u:p@db:5432/files", want: "postgres://u:p@db:5432/files"},
		{name: "url", dsn: "postgres://u:p@db:5432/files?sslmode=disable", schema: "validator", want: "postgres://u:p@db:5432/files?search_path=validator&sslmode=disable"},
		{name: "keyword", dsn: "host=db user=u dbname=files", schema: "saga", want: "host=db user=u dbname=files search_path=saga"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SearchPathDSN(tc.dsn, tc.schema)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := SearchPathDSN("postgres://db/files", "Bad;Schema")
	require.Error(t, err)
}
