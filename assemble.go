package keymat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"pkt.systems/keymat/internal/loggingutil"
	"pkt.systems/keymat/internal/svcfields"
	"pkt.systems/keymat/keystore"
	"pkt.systems/pslog"
)

// RawMaterials carries the role-tagged byte buffers the engine consumes.
// Where they came from (local file, fetched secret) is irrelevant here.
type RawMaterials struct {
	ServerCert []byte
	ServerKey  []byte
	ClientCert []byte
	ClientKey  []byte
	CAChain    []byte
}

// ForRole returns the buffer tagged with role.
func (m RawMaterials) ForRole(role Role) []byte {
	switch role {
	case RoleServerCert:
		return m.ServerCert
	case RoleServerKey:
		return m.ServerKey
	case RoleClientCert:
		return m.ClientCert
	case RoleClientKey:
		return m.ClientKey
	case RoleCAChain:
		return m.CAChain
	default:
		return nil
	}
}

// SetRole stores buf under role.
func (m *RawMaterials) SetRole(role Role, buf []byte) {
	switch role {
	case RoleServerCert:
		m.ServerCert = buf
	case RoleServerKey:
		m.ServerKey = buf
	case RoleClientCert:
		m.ClientCert = buf
	case RoleClientKey:
		m.ClientKey = buf
	case RoleCAChain:
		m.CAChain = buf
	}
}

// StoreResult describes one materialized (or skipped) store.
type StoreResult struct {
	Name    string
	Path    string
	Aliases []string
	Skipped bool
	Size    int64
}

// Result is the terminal outcome of a successful assembly run.
type Result struct {
	RunID  string
	Stores []StoreResult
}

// Assembler sequences load, chain building, store writing, and read-back
// verification into the required store pairs. A run is binary: every
// required store present and verified, or no store of this run left behind.
type Assembler struct {
	cfg *Config
	log pslog.Logger
	now func() time.Time
}

// Option adjusts an Assembler.
type Option func(*Assembler)

// WithLogger attaches a logger. Defaults to a disabled logger.
func WithLogger(l pslog.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// WithClock overrides the time source. Tests pin chain validity windows
// with it.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler validates cfg and builds an Assembler.
func NewAssembler(cfg *Config, opts ...Option) (*Assembler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("assembler: nil config")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	a := &Assembler{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.log = loggingutil.EnsureLogger(a.log)
	return a, nil
}

// side is one independent half of the run: an identity store plus the trust
// store its peers validate against. The two sides share no mutable state and
// write to distinct paths, so they may build concurrently.
type side struct {
	role       Role
	identity   *Identity
	trust      *TrustAnchorSet
	idStore    string
	idAlias    string
	trustStore string
	password   string
	generated  bool
}

// sideOutcome is what a side's goroutine reports back on join.
type sideOutcome struct {
	results []StoreResult
	written []string
	err     error
}

// Assemble runs the full pipeline: LOAD, BUILD_CHAINS, WRITE, VERIFY.
// Any single store's failure aborts the whole run; stores written by the
// current run are removed on abort so no valid-looking partial result
// remains.
func (a *Assembler) Assemble(ctx context.Context, materials RawMaterials) (*Result, error) {
	runID := xid.New().String()
	log := svcfields.WithSubsystem(a.log, "assemble").With("run", runID)
	now := a.now().UTC()

	sides, err := a.load(materials, now, log)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.cfg.OutputDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create output dir %s: %v", ErrWrite, a.cfg.OutputDir, err)
	}

	outcomes := make(chan sideOutcome, len(sides))
	for _, s := range sides {
		go func() {
			results, written, err := a.buildSide(ctx, s, now, log)
			outcomes <- sideOutcome{results: results, written: written, err: err}
		}()
	}

	var (
		all      []StoreResult
		written  []string
		firstErr error
	)
	for range sides {
		out := <-outcomes
		written = append(written, out.written...)
		if out.err != nil && firstErr == nil {
			firstErr = out.err
		}
		all = append(all, out.results...)
	}
	if firstErr != nil {
		a.cleanup(written, log)
		return nil, firstErr
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return &Result{RunID: runID, Stores: all}, nil
}

// load parses and validates every input buffer and builds the chains.
func (a *Assembler) load(materials RawMaterials, now time.Time, log pslog.Logger) ([]*side, error) {
	anchorCerts, err := ParseCertificates(RoleCAChain, materials.CAChain)
	if err != nil {
		return nil, err
	}
	anchors := NewTrustAnchorSet(anchorCerts)
	log.Debug("trust anchors loaded", "count", anchors.Len())

	serverPwd, serverGen, err := resolvePassword(a.cfg.ServerStorePassword)
	if err != nil {
		return nil, err
	}
	serverSide := &side{
		role:       RoleServerCert,
		trust:      anchors,
		idStore:    StoreServerIdentity,
		idAlias:    AliasServer,
		trustStore: StoreClientTrust,
		password:   serverPwd,
		generated:  serverGen,
	}
	serverSide.identity, err = a.loadIdentity(RoleServerCert, RoleServerKey, materials, anchors, now)
	if err != nil {
		return nil, err
	}
	sides := []*side{serverSide}

	if a.cfg.IncludeClient {
		clientPwd, clientGen, err := resolvePassword(a.cfg.ClientStorePassword)
		if err != nil {
			return nil, err
		}
		clientSide := &side{
			role:       RoleClientCert,
			trust:      anchors,
			idStore:    StoreClientIdentity,
			idAlias:    AliasClient,
			trustStore: StoreServerTrust,
			password:   clientPwd,
			generated:  clientGen,
		}
		clientSide.identity, err = a.loadIdentity(RoleClientCert, RoleClientKey, materials, anchors, now)
		if err != nil {
			return nil, err
		}
		sides = append(sides, clientSide)
	}
	return sides, nil
}

// loadIdentity parses one leaf+key pair and orders its chain. The first
// certificate in the cert buffer is the leaf; any further certificates are
// chain candidates, as are the trust anchors themselves (an anchor below
// another anchor may still appear as an intermediate).
func (a *Assembler) loadIdentity(certRole, keyRole Role, materials RawMaterials, anchors *TrustAnchorSet, now time.Time) (*Identity, error) {
	certs, err := ParseCertificates(certRole, materials.ForRole(certRole))
	if err != nil {
		return nil, err
	}
	key, err := ParseKey(keyRole, materials.ForRole(keyRole))
	if err != nil {
		return nil, err
	}
	leaf := certs[0]
	pool := append([]CertificateMaterial{}, certs[1:]...)
	pool = append(pool, anchors.Anchors()...)
	chain, err := BuildChain(certRole, leaf, key, pool, anchors, now)
	if err != nil {
		return nil, err
	}
	return &Identity{Role: certRole, Leaf: leaf, Key: key, Chain: chain}, nil
}

// buildSide writes and verifies one side's identity and trust stores,
// honouring the idempotency markers. Returns the final paths it wrote this
// run so the orchestrator can undo them on abort.
func (a *Assembler) buildSide(ctx context.Context, s *side, now time.Time, log pslog.Logger) ([]StoreResult, []string, error) {
	var (
		results []StoreResult
		written []string
	)
	idResult, idWritten, err := a.materializeIdentity(ctx, s, now, log)
	if idWritten != "" {
		written = append(written, idWritten)
	}
	if err != nil {
		return results, written, err
	}
	results = append(results, idResult)

	trustResult, trustWritten, err := a.materializeTrust(ctx, s, now, log)
	if trustWritten != "" {
		written = append(written, trustWritten)
	}
	if err != nil {
		return results, written, err
	}
	results = append(results, trustResult)
	return results, written, nil
}

func (a *Assembler) materializeIdentity(ctx context.Context, s *side, now time.Time, log pslog.Logger) (StoreResult, string, error) {
	path := a.cfg.StorePath(s.idStore)
	digest := identityDigest(a.cfg.Format, s.idAlias, s.identity, s.trust)
	entry := keystore.IdentityEntry{
		Alias: s.idAlias,
		Key:   s.identity.Key.Signer,
		PKCS8: s.identity.Key.PKCS8,
		Leaf:  s.identity.Leaf.Cert,
	}
	for _, cm := range s.identity.Chain {
		entry.Chain = append(entry.Chain, cm.Cert)
	}
	verify := func(p string) error {
		return keystore.VerifyIdentityFile(p, a.cfg.Format, s.idAlias, s.password, s.identity.Leaf.Cert.PublicKey)
	}
	return a.materialize(ctx, storeJob{
		name:     s.idStore,
		path:     path,
		aliases:  []string{s.idAlias},
		digest:   digest,
		password: s.password,
		genPwd:   s.generated,
		encode: func() ([]byte, error) {
			return keystore.EncodeIdentity(a.cfg.Format, entry, s.password, now)
		},
		verify: verify,
	}, log)
}

func (a *Assembler) materializeTrust(ctx context.Context, s *side, now time.Time, log pslog.Logger) (StoreResult, string, error) {
	path := a.cfg.StorePath(s.trustStore)
	anchors := s.trust.Anchors()
	entries := make([]keystore.TrustEntry, 0, len(anchors))
	aliases := make([]string, 0, len(anchors))
	for _, anchor := range anchors {
		entries = append(entries, keystore.TrustEntry{Alias: anchor.Fingerprint, Cert: anchor.Cert})
		aliases = append(aliases, anchor.Fingerprint)
	}
	digest := trustDigest(a.cfg.Format, aliases)
	return a.materialize(ctx, storeJob{
		name:     s.trustStore,
		path:     path,
		aliases:  aliases,
		digest:   digest,
		password: s.password,
		genPwd:   s.generated,
		encode: func() ([]byte, error) {
			return keystore.EncodeTrust(a.cfg.Format, entries, s.password, now)
		},
		verify: func(p string) error {
			return keystore.VerifyTrustFile(p, a.cfg.Format, s.password, aliases)
		},
	}, log)
}

// storeJob is one store's write-and-verify unit of work.
type storeJob struct {
	name     string
	path     string
	aliases  []string
	digest   string
	password string
	genPwd   bool
	encode   func() ([]byte, error)
	verify   func(path string) error
}

// materialize runs the WRITE and VERIFY states for one store: encode to a
// 0600 temp file, verify the temp, promote atomically, record the marker.
// A store failing verification is never renamed into place. Returns the
// final path when this run wrote it.
func (a *Assembler) materialize(ctx context.Context, job storeJob, log pslog.Logger) (StoreResult, string, error) {
	if err := ctx.Err(); err != nil {
		return StoreResult{}, "", err
	}
	result := StoreResult{Name: job.name, Path: job.path, Aliases: job.aliases}

	if !a.cfg.Force {
		recorded, err := keystore.ReadMarker(job.path)
		if err != nil {
			return result, "", fmt.Errorf("%w: store %s: %v", ErrWrite, job.name, err)
		}
		if recorded != "" && recorded == job.digest {
			info, err := os.Stat(job.path)
			if err == nil {
				result.Skipped = true
				result.Size = info.Size()
				log.Info("store up to date", "store", job.name, "path", job.path)
				return result, "", nil
			}
		}
	}

	data, err := job.encode()
	if err != nil {
		return result, "", fmt.Errorf("%w: store %s: %v", ErrWrite, job.name, err)
	}
	tmp, err := keystore.WriteTemp(job.path, data)
	if err != nil {
		return result, "", fmt.Errorf("%w: store %s: %v", ErrWrite, job.name, err)
	}
	if err := job.verify(tmp); err != nil {
		os.Remove(tmp)
		return result, "", fmt.Errorf("%w: store %s: %v", ErrVerification, job.name, err)
	}
	if err := keystore.Promote(tmp, job.path); err != nil {
		return result, "", fmt.Errorf("%w: store %s: %v", ErrWrite, job.name, err)
	}
	if err := keystore.WriteMarker(job.path, job.digest); err != nil {
		return result, job.path, fmt.Errorf("%w: store %s: %v", ErrWrite, job.name, err)
	}
	if a.cfg.WritePasswordFiles && job.genPwd {
		if err := writePasswordFile(job.path, job.password); err != nil {
			return result, job.path, fmt.Errorf("%w: store %s: %v", ErrWrite, job.name, err)
		}
	}
	result.Size = int64(len(data))
	log.Info("store ready",
		"store", job.name,
		"path", job.path,
		"entries", len(job.aliases),
		"size", humanize.IBytes(uint64(len(data))),
	)
	return result, job.path, nil
}

// cleanup removes every store this run wrote, plus markers and password
// sidecars. Pre-existing stores skipped as up to date are left alone.
func (a *Assembler) cleanup(written []string, log pslog.Logger) {
	for _, path := range written {
		if err := keystore.RemoveStore(path); err != nil {
			log.Warn("cleanup failed", "path", path, "error", err)
		}
		if err := os.Remove(passwordFilePath(path)); err != nil && !os.IsNotExist(err) {
			log.Warn("cleanup failed", "path", passwordFilePath(path), "error", err)
		}
	}
}

func resolvePassword(configured string) (password string, generated bool, err error) {
	if strings.TrimSpace(configured) != "" {
		return configured, false, nil
	}
	password, err = GeneratePassword()
	if err != nil {
		return "", false, err
	}
	return password, true, nil
}

func passwordFilePath(storePath string) string {
	return storePath + ".password"
}

func writePasswordFile(storePath, password string) error {
	tmp, err := keystore.WriteTemp(passwordFilePath(storePath), []byte(password+"\n"))
	if err != nil {
		return err
	}
	return keystore.Promote(tmp, passwordFilePath(storePath))
}

// identityDigest fingerprints the inputs that produce an identity store:
// leaf, chain in order, anchor set in canonical order, alias, and format.
// Passwords are deliberately excluded; rotating a generated password does
// not invalidate an existing store built from the same material.
func identityDigest(format keystore.Format, alias string, id *Identity, anchors *TrustAnchorSet) string {
	h := sha256.New()
	fmt.Fprintf(h, "keymat/identity/v1\n%s\n%s\n%s\n", format, alias, id.Leaf.Fingerprint)
	for _, cm := range id.Chain {
		fmt.Fprintf(h, "chain:%s\n", cm.Fingerprint)
	}
	for _, anchor := range anchors.Anchors() {
		fmt.Fprintf(h, "anchor:%s\n", anchor.Fingerprint)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// trustDigest fingerprints the inputs that produce a trust store.
func trustDigest(format keystore.Format, aliases []string) string {
	sorted := append([]string{}, aliases...)
	sort.Strings(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "keymat/trust/v1\n%s\n", format)
	for _, alias := range sorted {
		fmt.Fprintf(h, "anchor:%s\n", alias)
	}
	return hex.EncodeToString(h.Sum(nil))
}
