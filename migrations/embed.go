package main

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename form: 001_migration_name.up.sql / 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// EmbeddedMigration wraps the compiled-in migration files with validation:
	// filename form, up/down pairing, contiguous sequence numbers and content
	// checksums. Validation runs at startup so a broken set of embedded files
	// fails the binary before it touches the database.
	EmbeddedMigration struct {
		fs        fs.FS
		checksums map[string]string
	}

	// MigrationInfo contains parsed information about a migration file.
	MigrationInfo struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
		Checksum  string
	}
)

// NewEmbeddedMigration creates an EmbeddedMigration. Pass nil to use the
// compiled-in migrations; tests inject an fstest.MapFS.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// GetEmbeddedMigrations returns the underlying filesystem for use with the
// migrate iofs source driver.
func (e *EmbeddedMigration) GetEmbeddedMigrations() fs.FS {
	return e.fs
}

// ListEmbeddedMigrations returns all embedded migration filenames, sorted.
func (e *EmbeddedMigration) ListEmbeddedMigrations() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// ValidateEmbeddedMigrations checks the full embedded set: every filename
// parses, every up has its down, sequences start at 1 with no gaps, and no
// file is empty. Also records content checksums for integrity reporting.
func (e *EmbeddedMigration) ValidateEmbeddedMigrations() error {
	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	upSequences := make(map[int]string)
	downSequences := make(map[int]string)

	for _, filename := range files {
		migration, err := e.parseMigrationFilename(filename)
		if err != nil {
			return err
		}

		content, err := fs.ReadFile(e.fs, filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if len(content) == 0 {
			return fmt.Errorf("migration file %s is empty", filename)
		}

		e.checksums[filename] = fmt.Sprintf("%x", sha256.Sum256(content))

		switch migration.Direction {
		case "up":
			if existing, dup := upSequences[migration.Sequence]; dup {
				return fmt.Errorf("duplicate up migration for sequence %03d: %s and %s",
					migration.Sequence, existing, filename)
			}

			upSequences[migration.Sequence] = filename
		case "down":
			if existing, dup := downSequences[migration.Sequence]; dup {
				return fmt.Errorf("duplicate down migration for sequence %03d: %s and %s",
					migration.Sequence, existing, filename)
			}

			downSequences[migration.Sequence] = filename
		}
	}

	for seq, upFile := range upSequences {
		if _, ok := downSequences[seq]; !ok {
			return fmt.Errorf("migration %s has no matching down migration", upFile)
		}
	}

	for seq, downFile := range downSequences {
		if _, ok := upSequences[seq]; !ok {
			return fmt.Errorf("migration %s has no matching up migration", downFile)
		}
	}

	for i := 1; i <= len(upSequences); i++ {
		if _, ok := upSequences[i]; !ok {
			return fmt.Errorf("migration sequence has a gap: %03d is missing", i)
		}
	}

	return nil
}

// Checksum returns the recorded content checksum for a migration file.
// Valid after ValidateEmbeddedMigrations has run.
func (e *EmbeddedMigration) Checksum(filename string) (string, bool) {
	sum, ok := e.checksums[filename]

	return sum, ok
}

// parseMigrationFilename extracts sequence, name and direction from a
// migration filename.
func (e *EmbeddedMigration) parseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid migration sequence in %s: %w", filename, err)
	}

	if sequence == 0 {
		return nil, fmt.Errorf("migration sequence must start at 001: %s", filename)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
		Checksum:  e.checksums[filename],
	}, nil
}
