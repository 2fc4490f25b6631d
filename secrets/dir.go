package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/keymat"
)

// DirSource reads role material from PEM files in a local directory:
// <dir>/<role>.pem, for example <dir>/server-cert.pem.
type DirSource struct {
	Dir string
}

// Fetch implements Source.
func (s DirSource) Fetch(ctx context.Context, role keymat.Role) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, string(role)+".pem")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("material %s: read %s: %w", role, path, err)
	}
	return normalizePEM(data), nil
}
