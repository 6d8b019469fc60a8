// Package migrations embeds the SQL schema for every database edgedetect talks to
// and applies it with golang-migrate.
//
// Two targets are supported:
//   - TargetPrimary: the PostgreSQL system of record (detections, broker queue)
//   - TargetCache: the embedded SQLite edge cache (cache_detections)
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Target identifies which schema set to apply.
type Target string

const (
	// TargetPrimary is the PostgreSQL schema.
	TargetPrimary Target = "primary"
	// TargetCache is the SQLite edge cache schema.
	TargetCache Target = "cache"
)

// DefaultMigrationTable is the version table used when none is configured.
const DefaultMigrationTable = "schema_migrations"

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// ErrUnknownTarget is returned for a target that has no embedded schema.
var ErrUnknownTarget = errors.New("unknown migration target")

// ParseTarget converts a CLI or environment value into a Target.
// Accepts the driver names as aliases ("postgres", "sqlite").
func ParseTarget(value string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "primary", "postgres", "postgresql":
		return TargetPrimary, nil
	case "cache", "sqlite":
		return TargetCache, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTarget, value)
	}
}

// dir returns the embedded directory holding the target's migrations.
func (t Target) dir() (string, error) {
	switch t {
	case TargetPrimary:
		return "postgres", nil
	case TargetCache:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTarget, string(t))
	}
}

// Source returns the embedded migration files for a target, rooted at the
// target directory.
func Source(target Target) (fs.FS, error) {
	dir, err := target.dir()
	if err != nil {
		return nil, err
	}

	return fs.Sub(files, dir)
}
