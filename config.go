package keymat

import (
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/keymat/keystore"
)

// DefaultConfigFileName is the YAML config file the CLI looks for when
// --config is not given.
const DefaultConfigFileName = "keymat.yaml"

// DefaultOutputDir is where stores land when no output directory is
// configured. Mirrors the etc-dir convention of container entrypoints.
const DefaultOutputDir = "/etc/keymat"

// Store base names. Extensions depend on the configured format.
const (
	StoreServerIdentity = "server-identity"
	StoreClientTrust    = "client-trust"
	StoreClientIdentity = "client-identity"
	StoreServerTrust    = "server-trust"
)

// Identity store aliases. Fixed well-known names so the consuming server
// locates its key deterministically.
const (
	AliasServer = "server"
	AliasClient = "client"
)

// Config carries everything one assembly run needs. It is constructed once
// at process start and passed by reference; there is no package-level state.
type Config struct {
	// OutputDir receives the store files. Must be writable.
	OutputDir string

	// Format selects the store serialization (pkcs12 or jks).
	Format keystore.Format

	// ServerStorePassword protects server-identity and client-trust.
	// Generated per run when empty.
	ServerStorePassword string

	// ClientStorePassword protects client-identity and server-trust.
	// Generated per run when empty.
	ClientStorePassword string

	// IncludeClient also produces the client-side pair
	// (client-identity + server-trust).
	IncludeClient bool

	// Force regenerates stores even when the idempotency marker matches.
	Force bool

	// WritePasswordFiles emits a 0600 <store>.password sidecar per generated
	// password so the consuming entrypoint can read it. Supplied passwords
	// are never written back out.
	WritePasswordFiles bool
}

// Normalize fills defaults and validates the configuration.
func (c *Config) Normalize() error {
	c.OutputDir = strings.TrimSpace(c.OutputDir)
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.Format == "" {
		c.Format = keystore.FormatPKCS12
	}
	format, err := keystore.ParseFormat(string(c.Format))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Format = format
	return nil
}

// StorePath returns the final path for the named store.
func (c *Config) StorePath(name string) string {
	return filepath.Join(c.OutputDir, name+"."+c.Format.Ext())
}
