// Package secrets resolves role-tagged certificate and key buffers from
// their configured source and pushes generated client material back where
// the original deployment expects it. The assembly engine itself never
// fetches anything; it consumes the bytes this package hands it.
package secrets

import (
	"bytes"
	"context"
	"encoding/base64"

	"pkt.systems/keymat"
)

// Source yields the raw bytes for one material role.
type Source interface {
	// Fetch returns the buffer tagged with role. Transient retry policy
	// belongs to the implementation, never to the assembly engine.
	Fetch(ctx context.Context, role keymat.Role) ([]byte, error)
}

// FetchMaterials pulls every required role from src.
func FetchMaterials(ctx context.Context, src Source, includeClient bool) (keymat.RawMaterials, error) {
	var materials keymat.RawMaterials
	for _, role := range keymat.Roles(includeClient) {
		buf, err := src.Fetch(ctx, role)
		if err != nil {
			return keymat.RawMaterials{}, err
		}
		materials.SetRole(role, buf)
	}
	return materials, nil
}

// normalizePEM accepts either raw PEM or base64-wrapped PEM, the encoding
// secret stores commonly apply to binary-unfriendly payloads.
func normalizePEM(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if bytes.Contains(trimmed, []byte("-----BEGIN ")) {
		return trimmed
	}
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return trimmed
	}
	if bytes.Contains(decoded, []byte("-----BEGIN ")) {
		return decoded
	}
	return trimmed
}
