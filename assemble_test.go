package keymat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/keymat/internal/testpki"
	"pkt.systems/keymat/keystore"
)

func fixtureMaterials(f *testpki.Fixture) RawMaterials {
	return RawMaterials{
		ServerCert: f.ServerCert,
		ServerKey:  f.ServerKey,
		ClientCert: f.ClientCert,
		ClientKey:  f.ClientKey,
		CAChain:    f.CAChain,
	}
}

func testAssembler(t *testing.T, cfg *Config, now time.Time) *Assembler {
	t.Helper()
	a, err := NewAssembler(cfg, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	return a
}

func TestAssembleRoundTrip(t *testing.T) {
	for _, format := range []keystore.Format{keystore.FormatPKCS12, keystore.FormatJKS} {
		t.Run(string(format), func(t *testing.T) {
			now := time.Now()
			fixture := mustFixture(t, now)
			cfg := &Config{
				OutputDir:           t.TempDir(),
				Format:              format,
				ServerStorePassword: "server-secret",
				ClientStorePassword: "client-secret",
				IncludeClient:       true,
			}
			a := testAssembler(t, cfg, now)

			result, err := a.Assemble(context.Background(), fixtureMaterials(fixture))
			if err != nil {
				t.Fatalf("assemble: %v", err)
			}
			if result.RunID == "" {
				t.Fatal("empty run ID")
			}
			if len(result.Stores) != 4 {
				t.Fatalf("produced %d stores, want 4", len(result.Stores))
			}
			wantOrder := []string{StoreClientIdentity, StoreClientTrust, StoreServerIdentity, StoreServerTrust}
			for i, sr := range result.Stores {
				if sr.Name != wantOrder[i] {
					t.Fatalf("store %d is %q, want %q", i, sr.Name, wantOrder[i])
				}
				if sr.Skipped {
					t.Fatalf("store %q marked skipped on first run", sr.Name)
				}
				info, err := os.Stat(sr.Path)
				if err != nil {
					t.Fatalf("store %q not on disk: %v", sr.Name, err)
				}
				if info.Size() != sr.Size {
					t.Fatalf("store %q reports %d bytes, file has %d", sr.Name, sr.Size, info.Size())
				}
			}

			rootAlias := keystore.TrustAlias(fixture.Root.Cert)
			err = keystore.VerifyIdentityFile(cfg.StorePath(StoreServerIdentity), format,
				AliasServer, "server-secret", fixture.Server.Cert.PublicKey)
			if err != nil {
				t.Fatalf("server identity verification: %v", err)
			}
			err = keystore.VerifyIdentityFile(cfg.StorePath(StoreClientIdentity), format,
				AliasClient, "client-secret", fixture.Client.Cert.PublicKey)
			if err != nil {
				t.Fatalf("client identity verification: %v", err)
			}
			err = keystore.VerifyTrustFile(cfg.StorePath(StoreClientTrust), format,
				"server-secret", []string{rootAlias})
			if err != nil {
				t.Fatalf("client trust verification: %v", err)
			}
			err = keystore.VerifyTrustFile(cfg.StorePath(StoreServerTrust), format,
				"client-secret", []string{rootAlias})
			if err != nil {
				t.Fatalf("server trust verification: %v", err)
			}
		})
	}
}

func TestAssembleIdempotent(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:           t.TempDir(),
		ServerStorePassword: "server-secret",
		ClientStorePassword: "client-secret",
		IncludeClient:       true,
	}
	a := testAssembler(t, cfg, now)
	materials := fixtureMaterials(fixture)

	first, err := a.Assemble(context.Background(), materials)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := make(map[string][]byte, len(first.Stores))
	for _, sr := range first.Stores {
		data, err := os.ReadFile(sr.Path)
		if err != nil {
			t.Fatalf("read %s: %v", sr.Path, err)
		}
		before[sr.Path] = data
	}

	second, err := a.Assemble(context.Background(), materials)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, sr := range second.Stores {
		if !sr.Skipped {
			t.Fatalf("store %q regenerated on unchanged inputs", sr.Name)
		}
		data, err := os.ReadFile(sr.Path)
		if err != nil {
			t.Fatalf("read %s: %v", sr.Path, err)
		}
		if string(data) != string(before[sr.Path]) {
			t.Fatalf("store %q bytes changed across a skipped run", sr.Name)
		}
	}
}

func TestAssembleForceRegenerates(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:           t.TempDir(),
		ServerStorePassword: "server-secret",
		IncludeClient:       false,
	}
	a := testAssembler(t, cfg, now)
	materials := fixtureMaterials(fixture)

	if _, err := a.Assemble(context.Background(), materials); err != nil {
		t.Fatalf("first run: %v", err)
	}
	cfg.Force = true
	result, err := a.Assemble(context.Background(), materials)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	for _, sr := range result.Stores {
		if sr.Skipped {
			t.Fatalf("store %q skipped despite force", sr.Name)
		}
	}
}

func TestAssembleRegeneratesWhenStoreMissing(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:           t.TempDir(),
		ServerStorePassword: "server-secret",
		IncludeClient:       false,
	}
	a := testAssembler(t, cfg, now)
	materials := fixtureMaterials(fixture)

	if _, err := a.Assemble(context.Background(), materials); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// simulate a deleted store with a surviving marker
	if err := os.Remove(cfg.StorePath(StoreServerIdentity)); err != nil {
		t.Fatalf("remove store: %v", err)
	}
	result, err := a.Assemble(context.Background(), materials)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, sr := range result.Stores {
		if sr.Name == StoreServerIdentity && sr.Skipped {
			t.Fatal("missing store reported as up to date")
		}
	}
	if _, err := os.Stat(cfg.StorePath(StoreServerIdentity)); err != nil {
		t.Fatalf("store not rebuilt: %v", err)
	}
}

func TestAssembleServerOnly(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:           t.TempDir(),
		ServerStorePassword: "server-secret",
		IncludeClient:       false,
	}
	a := testAssembler(t, cfg, now)
	materials := RawMaterials{
		ServerCert: fixture.ServerCert,
		ServerKey:  fixture.ServerKey,
		CAChain:    fixture.CAChain,
	}

	result, err := a.Assemble(context.Background(), materials)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(result.Stores) != 2 {
		t.Fatalf("produced %d stores, want 2", len(result.Stores))
	}
	if result.Stores[0].Name != StoreClientTrust || result.Stores[1].Name != StoreServerIdentity {
		t.Fatalf("unexpected stores %q and %q", result.Stores[0].Name, result.Stores[1].Name)
	}
}

func TestAssembleMaterialErrorBeforeAnyWrite(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	outDir := t.TempDir()
	cfg := &Config{
		OutputDir:           outDir,
		ServerStorePassword: "server-secret",
		IncludeClient:       false,
	}
	a := testAssembler(t, cfg, now)
	materials := fixtureMaterials(fixture)
	materials.CAChain = []byte("this is not pem")

	_, err := a.Assemble(context.Background(), materials)
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("got %v, want ErrMalformedInput", err)
	}
	if !IsMaterialError(err) {
		t.Fatalf("material error not classified as such: %v", err)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("output dir not empty after load failure: %v", entries)
	}
}

func TestAssembleExpiredIntermediateLeavesNothing(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	expired, err := fixture.Intermediate.Reissue(fixture.Root, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("reissue expired intermediate: %v", err)
	}
	outDir := t.TempDir()
	cfg := &Config{
		OutputDir:           outDir,
		ServerStorePassword: "server-secret",
		IncludeClient:       false,
	}
	a := testAssembler(t, cfg, now)
	materials := RawMaterials{
		ServerCert: append(append([]byte{}, fixture.Server.CertPEM...), expired.CertPEM...),
		ServerKey:  fixture.ServerKey,
		CAChain:    fixture.CAChain,
	}

	_, err = a.Assemble(context.Background(), materials)
	if !errors.Is(err, ErrExpiredCertificate) {
		t.Fatalf("got %v, want ErrExpiredCertificate", err)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("output dir not empty after expired-chain failure: %v", entries)
	}
}

// A store that cannot be promoted aborts the run, and every store the run
// already promoted is removed again.
func TestAssembleFailFastCleansUp(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:           t.TempDir(),
		ServerStorePassword: "server-secret",
		ClientStorePassword: "client-secret",
		IncludeClient:       true,
	}
	a := testAssembler(t, cfg, now)

	// a directory squatting on the client-trust final path makes its
	// promotion fail after server-identity has already been promoted
	blocked := cfg.StorePath(StoreClientTrust)
	if err := os.MkdirAll(blocked, 0o700); err != nil {
		t.Fatalf("plant blocking directory: %v", err)
	}

	_, err := a.Assemble(context.Background(), fixtureMaterials(fixture))
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("got %v, want ErrWrite", err)
	}
	for _, name := range []string{StoreServerIdentity, StoreClientIdentity, StoreServerTrust} {
		if _, err := os.Stat(cfg.StorePath(name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("store %q survived a failed run (stat err: %v)", name, err)
		}
	}
}

func TestAssembleCancelledContext(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:           t.TempDir(),
		ServerStorePassword: "server-secret",
		IncludeClient:       false,
	}
	a := testAssembler(t, cfg, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Assemble(ctx, fixtureMaterials(fixture))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestAssembleWritesPasswordSidecars(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:          t.TempDir(),
		IncludeClient:      true,
		WritePasswordFiles: true,
	}
	a := testAssembler(t, cfg, now)

	result, err := a.Assemble(context.Background(), fixtureMaterials(fixture))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	for _, sr := range result.Stores {
		pwPath := sr.Path + ".password"
		info, err := os.Stat(pwPath)
		if err != nil {
			t.Fatalf("password sidecar for %q: %v", sr.Name, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("password sidecar for %q has mode %o, want 0600", sr.Name, perm)
		}
	}
	// the sidecar password must actually open the store it sits next to
	pw, err := os.ReadFile(cfg.StorePath(StoreServerIdentity) + ".password")
	if err != nil {
		t.Fatalf("read server identity password: %v", err)
	}
	err = keystore.VerifyIdentityFile(cfg.StorePath(StoreServerIdentity), cfg.Format,
		AliasServer, string(pw[:len(pw)-1]), fixture.Server.Cert.PublicKey)
	if err != nil {
		t.Fatalf("sidecar password does not open the store: %v", err)
	}
}

func TestAssembleSuppliedPasswordNotWrittenBack(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)
	cfg := &Config{
		OutputDir:           t.TempDir(),
		ServerStorePassword: "operator-supplied",
		IncludeClient:       false,
		WritePasswordFiles:  true,
	}
	a := testAssembler(t, cfg, now)

	if _, err := a.Assemble(context.Background(), fixtureMaterials(fixture)); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	pwPath := cfg.StorePath(StoreServerIdentity) + ".password"
	if _, err := os.Stat(pwPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("supplied password leaked to %s (stat err: %v)", filepath.Base(pwPath), err)
	}
}
