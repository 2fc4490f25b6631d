package keymat

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sort"

	"pkt.systems/keymat/keystore"
)

// Role tags a raw material buffer with its purpose in the assembly run.
type Role string

const (
	RoleServerCert Role = "server-cert"
	RoleServerKey  Role = "server-key"
	RoleClientCert Role = "client-cert"
	RoleClientKey  Role = "client-key"
	RoleCAChain    Role = "ca-chain"
)

// Roles lists every material role in fetch order.
func Roles(includeClient bool) []Role {
	roles := []Role{RoleServerCert, RoleServerKey, RoleCAChain}
	if includeClient {
		roles = append(roles, RoleClientCert, RoleClientKey)
	}
	return roles
}

// CertificateMaterial is a parsed X.509 certificate plus the derived
// SHA-256 fingerprint of its DER bytes. Immutable once parsed.
type CertificateMaterial struct {
	Cert        *x509.Certificate
	DER         []byte
	Fingerprint string
}

// KeyMaterial is a parsed private key normalized to PKCS#8 DER for store
// serialization. A KeyMaterial belongs to exactly one Identity.
type KeyMaterial struct {
	Signer    crypto.Signer
	PKCS8     []byte
	Algorithm string
}

// Identity pairs a leaf certificate with its private key and the ordered
// chain of intermediates from the leaf up to (excluding) the trust anchor.
type Identity struct {
	Role  Role
	Leaf  CertificateMaterial
	Key   KeyMaterial
	Chain []CertificateMaterial
}

// Fingerprint returns the lowercase hex SHA-256 digest of der.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ParseCertificates decodes every CERTIFICATE block in data, in file order.
// Non-certificate blocks are rejected rather than skipped: a chain buffer
// carrying a stray key or garbage block is a mis-tagged input, not noise.
func ParseCertificates(role Role, data []byte) ([]CertificateMaterial, error) {
	var out []CertificateMaterial
	rest := bytes.TrimSpace(data)
	if len(rest) == 0 {
		return nil, fmt.Errorf("%s: %w: buffer is empty", role, ErrEmptyInput)
	}
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%s: %w: unexpected %q PEM block in certificate input", role, ErrMalformedInput, block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: parse certificate: %v", role, ErrMalformedInput, err)
		}
		out = append(out, CertificateMaterial{
			Cert:        cert,
			DER:         block.Bytes,
			Fingerprint: Fingerprint(block.Bytes),
		})
	}
	if len(out) == 0 {
		if len(bytes.TrimSpace(rest)) > 0 {
			return nil, fmt.Errorf("%s: %w: no PEM block found", role, ErrMalformedInput)
		}
		return nil, fmt.Errorf("%s: %w: no certificate blocks", role, ErrEmptyInput)
	}
	return out, nil
}

// ParseKey decodes the first private-key PEM block in data. PKCS#8, PKCS#1
// and SEC1 encodings are accepted; the key is re-marshalled to PKCS#8 so the
// store writer has a single wire form. Unsupported algorithms fail loudly
// here instead of producing a store that breaks at TLS handshake time.
func ParseKey(role Role, data []byte) (KeyMaterial, error) {
	rest := bytes.TrimSpace(data)
	if len(rest) == 0 {
		return KeyMaterial{}, fmt.Errorf("%s: %w: buffer is empty", role, ErrEmptyInput)
	}
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return KeyMaterial{}, fmt.Errorf("%s: %w: no private key block found", role, ErrMalformedInput)
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			return keyMaterialFromBlock(role, block)
		case "CERTIFICATE":
			// key buffers sometimes carry the matching cert; skip it
			continue
		default:
			return KeyMaterial{}, fmt.Errorf("%s: %w: unexpected %q PEM block in key input", role, ErrMalformedInput, block.Type)
		}
	}
}

func keyMaterialFromBlock(role Role, block *pem.Block) (KeyMaterial, error) {
	signer, algorithm, err := parsePrivateKey(block)
	if err != nil {
		if algorithm != "" {
			return KeyMaterial{}, fmt.Errorf("%s: %w: %s", role, ErrUnsupportedKeyAlgorithm, algorithm)
		}
		return KeyMaterial{}, fmt.Errorf("%s: %w: parse private key: %v", role, ErrMalformedInput, err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%s: %w: marshal key to PKCS#8: %v", role, ErrMalformedInput, err)
	}
	return KeyMaterial{Signer: signer, PKCS8: pkcs8, Algorithm: algorithm}, nil
}

// parsePrivateKey decodes a private key block. The returned algorithm name
// is non-empty even on unsupported-type errors so callers can report it.
func parsePrivateKey(block *pem.Block) (crypto.Signer, string, error) {
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return k, "RSA", nil
		}
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, "ECDSA", nil
		}
		return nil, "", err
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, "RSA", nil
	case *ecdsa.PrivateKey:
		return k, "ECDSA", nil
	case ed25519.PrivateKey:
		return k, "Ed25519", nil
	default:
		return nil, fmt.Sprintf("%T", key), fmt.Errorf("unsupported private key type %T", key)
	}
}

// MatchKeyToCertificate validates the KeyMaterial invariant: the private key
// must correspond to the certificate's public key.
func MatchKeyToCertificate(role Role, key KeyMaterial, leaf CertificateMaterial) error {
	if key.Signer == nil {
		return fmt.Errorf("%s: %w: no key material", role, ErrKeyMismatch)
	}
	if !PublicKeysEqual(leaf.Cert.PublicKey, key.Signer.Public()) {
		return fmt.Errorf("%s: %w: certificate %s", role, ErrKeyMismatch, leaf.Fingerprint)
	}
	return nil
}

// PublicKeysEqual compares two public keys for cryptographic identity.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	return keystore.PublicKeysEqual(a, b)
}

// TrustAnchorSet is a set of trusted root/intermediate certificates keyed by
// fingerprint. Duplicates collapse; iteration order is fingerprint-sorted so
// downstream hashing and alias sets are deterministic.
type TrustAnchorSet struct {
	byFingerprint map[string]CertificateMaterial
	order         []string
}

// NewTrustAnchorSet builds a set from anchors, collapsing duplicates.
func NewTrustAnchorSet(anchors []CertificateMaterial) *TrustAnchorSet {
	s := &TrustAnchorSet{byFingerprint: make(map[string]CertificateMaterial, len(anchors))}
	for _, a := range anchors {
		s.Add(a)
	}
	return s
}

// Add inserts anchor unless an equal certificate is already present.
func (s *TrustAnchorSet) Add(anchor CertificateMaterial) {
	if _, ok := s.byFingerprint[anchor.Fingerprint]; ok {
		return
	}
	s.byFingerprint[anchor.Fingerprint] = anchor
	s.order = append(s.order, anchor.Fingerprint)
}

// Contains reports whether a certificate with the given fingerprint is in
// the set.
func (s *TrustAnchorSet) Contains(fingerprint string) bool {
	_, ok := s.byFingerprint[fingerprint]
	return ok
}

// Len returns the number of distinct anchors.
func (s *TrustAnchorSet) Len() int { return len(s.byFingerprint) }

// Anchors returns the anchors sorted by fingerprint.
func (s *TrustAnchorSet) Anchors() []CertificateMaterial {
	fps := make([]string, len(s.order))
	copy(fps, s.order)
	sort.Strings(fps)
	out := make([]CertificateMaterial, 0, len(fps))
	for _, fp := range fps {
		out = append(out, s.byFingerprint[fp])
	}
	return out
}
