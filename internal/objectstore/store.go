// Package objectstore keeps uploaded images under content-derived keys.
//
// Two backends are provided: Filesystem for single-host deployments and MinIO
// for any S3-compatible service. Keys are slash-separated and never absolute.
package objectstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/correlator-io/edgedetect/internal/detection"
)

// keyPrefixBytes is how much of the content digest ends up in a key.
const keyPrefixBytes = 8

var (
	// ErrInvalidKey is returned for empty, absolute or escaping keys.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrObjectNotFound is returned when no object exists under a key.
	ErrObjectNotFound = fmt.Errorf("object %w", detection.ErrNotFound)
)

// Store puts, gets and deletes image bytes by key.
type Store interface {
	// Put stores data under key and returns the path recorded with detections.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object; a missing object is not an error.
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// Key derives an object key from the image content and its uploaded name:
// the first bytes of the blake2b-256 digest in hex, a slash, and the
// sanitized base name. Identical uploads map to the same key.
func Key(filename string, content []byte) string {
	sum := blake2b.Sum256(content)

	return hex.EncodeToString(sum[:keyPrefixBytes]) + "/" + sanitizeName(filename)
}

// sanitizeName reduces filename to a safe base name.
func sanitizeName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))

	var b strings.Builder

	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	name := strings.Trim(b.String(), ".")
	if name == "" {
		return "image"
	}

	return name
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}

	return nil
}
