package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Stores are never mutated in place. A sidecar marker records the content
// fingerprint of the inputs that produced a store; a later run with the same
// inputs skips regeneration and treats the store as already done.

// MarkerPath returns the sidecar marker path for a store file.
func MarkerPath(storePath string) string {
	return storePath + ".inputs.sha256"
}

// ReadMarker returns the recorded input fingerprint for storePath, or ""
// when no marker exists. A marker without a store (or vice versa) reads as
// absent, forcing regeneration.
func ReadMarker(storePath string) (string, error) {
	if _, err := os.Stat(storePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", storePath, err)
	}
	data, err := os.ReadFile(MarkerPath(storePath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read marker for %s: %w", storePath, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteMarker records digest alongside storePath. Written after the store
// itself has been promoted, so a crash in between at worst forces a rebuild.
func WriteMarker(storePath, digest string) error {
	tmp, err := WriteTemp(MarkerPath(storePath), []byte(digest+"\n"))
	if err != nil {
		return fmt.Errorf("write marker for %s: %w", storePath, err)
	}
	return Promote(tmp, MarkerPath(storePath))
}

// RemoveStore deletes a store file and its marker. Used by fail-fast
// cleanup; missing files are fine.
func RemoveStore(storePath string) error {
	var firstErr error
	for _, p := range []string{storePath, MarkerPath(storePath)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}
	return firstErr
}
