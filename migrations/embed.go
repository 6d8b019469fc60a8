package migrations

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

var (
	// ErrNoMigrations is returned when a migration source holds no valid files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for files that do not follow 001_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrOrphanedMigration is returned when an up migration has no down (or vice versa).
	ErrOrphanedMigration = errors.New("orphaned migration")

	// ErrSequenceGap is returned when migration numbers are not contiguous from 001.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrChecksumMismatch is returned when a file changed since it was last validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Validator checks a migration source before it is handed to golang-migrate:
	// filename format, up/down pairing, sequence continuity and content checksums.
	Validator struct {
		fsys      fs.FS
		checksums map[string]string // filename -> checksum
	}

	// MigrationInfo contains parsed information about a migration file.
	MigrationInfo struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// NewValidator creates a validator over a migration source.
func NewValidator(fsys fs.FS) *Validator {
	return &Validator{
		fsys:      fsys,
		checksums: make(map[string]string),
	}
}

// ValidateTarget validates the embedded migrations for a target.
func ValidateTarget(target Target) error {
	src, err := Source(target)
	if err != nil {
		return err
	}

	return NewValidator(src).Validate()
}

// List returns the migration files that conform to the naming standard, sorted.
// Files with other names (README.md, stray scripts) are ignored.
func (v *Validator) List() ([]string, error) {
	entries, err := fs.ReadDir(v.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if path.Ext(name) == ".sql" && migrationFilenameRegex.MatchString(name) {
			names = append(names, name)
		}
	}

	// 001_x.down.sql < 001_x.up.sql < 002_...
	sort.Strings(names)

	return names, nil
}

// Content returns the bytes of one migration file.
func (v *Validator) Content(name string) ([]byte, error) {
	return fs.ReadFile(v.fsys, name)
}

// Validate runs every check. Checksums recorded by a previous call are compared
// against the current content, so calling Validate twice detects modification.
func (v *Validator) Validate() error {
	names, err := v.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return ErrNoMigrations
	}

	infos := make([]*MigrationInfo, 0, len(names))

	for _, name := range names {
		info, err := parseMigrationFilename(name)
		if err != nil {
			return err
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	if err := validateSequence(infos); err != nil {
		return err
	}

	current := make(map[string]string, len(names))

	for _, name := range names {
		content, err := v.Content(name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		current[name] = checksum(content)
	}

	for name, sum := range current {
		if stored, ok := v.checksums[name]; ok && stored != sum {
			return fmt.Errorf("%w: %s has been modified", ErrChecksumMismatch, name)
		}
	}

	v.checksums = current

	return nil
}

// parseMigrationFilename parses a migration filename and extracts its components.
func parseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint: mnd
		return nil, fmt.Errorf("%w: %s (expected: 001_name.up.sql or 001_name.down.sql)", ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidFilename, filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures that every up migration has a corresponding down migration.
func validatePairing(infos []*MigrationInfo) error {
	pairs := make(map[string]map[string]bool) // 001_name -> direction -> present

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
	}

	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		directions := pairs[key]
		if !directions["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrOrphanedMigration, key)
		}

		if !directions["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrOrphanedMigration, key)
		}
	}

	return nil
}

// validateSequence ensures the sequence starts at 001 and has no gaps.
func validateSequence(infos []*MigrationInfo) error {
	seen := make(map[int]bool)
	for _, info := range infos {
		seen[info.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("%w: sequence should start with 001, found %03d", ErrSequenceGap, sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if expected := sequences[i-1] + 1; sequences[i] != expected {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, expected, sequences[i])
		}
	}

	return nil
}

func checksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}
