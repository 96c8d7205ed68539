package main

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMigrationFS() fstest.MapFS {
	return fstest.MapFS{
		"001_create_telemetry.up.sql":   {Data: []byte("CREATE TABLE telemetry ();")},
		"001_create_telemetry.down.sql": {Data: []byte("DROP TABLE telemetry;")},
		"002_create_alerts.up.sql":      {Data: []byte("CREATE TABLE alerts ();")},
		"002_create_alerts.down.sql":    {Data: []byte("DROP TABLE alerts;")},
	}
}

func TestValidateEmbeddedMigrations_ValidSet(t *testing.T) {
	em := NewEmbeddedMigration(validMigrationFS())
	require.NoError(t, em.ValidateEmbeddedMigrations())

	sum, ok := em.Checksum("001_create_telemetry.up.sql")
	assert.True(t, ok)
	assert.Len(t, sum, 64, "checksum is hex sha256")
}

func TestValidateEmbeddedMigrations_EmptySet(t *testing.T) {
	em := NewEmbeddedMigration(fstest.MapFS{})

	err := em.ValidateEmbeddedMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedded migration files")
}

func TestValidateEmbeddedMigrations_MissingDown(t *testing.T) {
	files := validMigrationFS()
	delete(files, "002_create_alerts.down.sql")

	err := NewEmbeddedMigration(files).ValidateEmbeddedMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching down migration")
}

func TestValidateEmbeddedMigrations_MissingUp(t *testing.T) {
	files := validMigrationFS()
	delete(files, "002_create_alerts.up.sql")

	err := NewEmbeddedMigration(files).ValidateEmbeddedMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching up migration")
}

func TestValidateEmbeddedMigrations_SequenceGap(t *testing.T) {
	files := validMigrationFS()
	files["004_add_indexes.up.sql"] = &fstest.MapFile{Data: []byte("CREATE INDEX x ON telemetry (id);")}
	files["004_add_indexes.down.sql"] = &fstest.MapFile{Data: []byte("DROP INDEX x;")}

	err := NewEmbeddedMigration(files).ValidateEmbeddedMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}

func TestValidateEmbeddedMigrations_EmptyFile(t *testing.T) {
	files := validMigrationFS()
	files["002_create_alerts.up.sql"] = &fstest.MapFile{Data: []byte("")}

	err := NewEmbeddedMigration(files).ValidateEmbeddedMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}

func TestValidateEmbeddedMigrations_SequenceZero(t *testing.T) {
	files := fstest.MapFS{
		"000_bootstrap.up.sql":   {Data: []byte("SELECT 1;")},
		"000_bootstrap.down.sql": {Data: []byte("SELECT 1;")},
	}

	err := NewEmbeddedMigration(files).ValidateEmbeddedMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must start at 001")
}

func TestListEmbeddedMigrations_IgnoresNonMigrationFiles(t *testing.T) {
	files := validMigrationFS()
	files["README.md"] = &fstest.MapFile{Data: []byte("docs")}
	files["notes.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}

	listed, err := NewEmbeddedMigration(files).ListEmbeddedMigrations()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"001_create_telemetry.down.sql",
		"001_create_telemetry.up.sql",
		"002_create_alerts.down.sql",
		"002_create_alerts.up.sql",
	}, listed)
}

func TestParseMigrationFilename(t *testing.T) {
	em := NewEmbeddedMigration(validMigrationFS())

	info, err := em.parseMigrationFilename("002_create_alerts.up.sql")
	require.NoError(t, err)

	assert.Equal(t, 2, info.Sequence)
	assert.Equal(t, "create_alerts", info.Name)
	assert.Equal(t, "up", info.Direction)

	_, err = em.parseMigrationFilename("2_bad.up.sql")
	require.Error(t, err)

	_, err = em.parseMigrationFilename("002_create-alerts.up.sql")
	require.Error(t, err)
}

// The compiled-in migration set must always validate; a broken set fails the
// migrator before it reaches the database.
func TestEmbeddedSetIsValid(t *testing.T) {
	em := NewEmbeddedMigration(nil)
	require.NoError(t, em.ValidateEmbeddedMigrations())

	files, err := em.ListEmbeddedMigrations()
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}
