package keystore

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// VerifyIdentityFile reopens the identity store at path with password and
// confirms the key entry unlocks and the recovered public key matches
// wantPub. Detects wrong passwords, truncation, and key/cert mix-ups before
// the store ever reaches the consuming TLS runtime.
func VerifyIdentityFile(path string, format Format, alias, password string, wantPub crypto.PublicKey) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read back %s: %w", path, err)
	}
	return VerifyIdentity(data, format, alias, password, wantPub)
}

// VerifyIdentity checks identity store bytes. See VerifyIdentityFile.
func VerifyIdentity(data []byte, format Format, alias, password string, wantPub crypto.PublicKey) error {
	switch format {
	case FormatPKCS12:
		key, cert, _, err := pkcs12.DecodeChain(data, password)
		if err != nil {
			return fmt.Errorf("decode identity pkcs12: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return fmt.Errorf("decode identity pkcs12: recovered key %T is not a signer", key)
		}
		if !PublicKeysEqual(signer.Public(), wantPub) {
			return fmt.Errorf("identity pkcs12: recovered key does not match leaf public key")
		}
		if !PublicKeysEqual(cert.PublicKey, wantPub) {
			return fmt.Errorf("identity pkcs12: recovered certificate does not match leaf public key")
		}
		return nil
	case FormatJKS:
		ks := jks.New()
		if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
			return fmt.Errorf("load identity jks: %w", err)
		}
		entry, err := ks.GetPrivateKeyEntry(alias, []byte(password))
		if err != nil {
			return fmt.Errorf("identity jks: unlock alias %q: %w", alias, err)
		}
		key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
		if err != nil {
			return fmt.Errorf("identity jks: parse recovered key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return fmt.Errorf("identity jks: recovered key %T is not a signer", key)
		}
		if !PublicKeysEqual(signer.Public(), wantPub) {
			return fmt.Errorf("identity jks: recovered key does not match leaf public key")
		}
		if len(entry.CertificateChain) == 0 {
			return fmt.Errorf("identity jks: alias %q has no certificate chain", alias)
		}
		leaf, err := x509.ParseCertificate(entry.CertificateChain[0].Content)
		if err != nil {
			return fmt.Errorf("identity jks: parse recovered leaf: %w", err)
		}
		if !PublicKeysEqual(leaf.PublicKey, wantPub) {
			return fmt.Errorf("identity jks: recovered leaf does not match leaf public key")
		}
		return nil
	default:
		return fmt.Errorf("verify identity: unknown format %q", format)
	}
}

// VerifyTrustFile reopens the trust store at path and confirms every
// expected fingerprint alias is present and each stored certificate
// re-hashes to its original fingerprint (detects silent truncation or
// corruption).
func VerifyTrustFile(path string, format Format, password string, wantAliases []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read back %s: %w", path, err)
	}
	return VerifyTrust(data, format, password, wantAliases)
}

// VerifyTrust checks trust store bytes. See VerifyTrustFile. Aliases are
// fingerprints, so alias presence and content integrity are one check.
func VerifyTrust(data []byte, format Format, password string, wantAliases []string) error {
	switch format {
	case FormatPKCS12:
		certs, err := pkcs12.DecodeTrustStore(data, password)
		if err != nil {
			return fmt.Errorf("decode trust store pkcs12: %w", err)
		}
		found := make(map[string]bool, len(certs))
		for _, cert := range certs {
			found[TrustAlias(cert)] = true
		}
		for _, alias := range wantAliases {
			if !found[alias] {
				return fmt.Errorf("trust store pkcs12: entry %s missing or corrupted", alias)
			}
		}
		if len(certs) != len(wantAliases) {
			return fmt.Errorf("trust store pkcs12: %d entries, want %d", len(certs), len(wantAliases))
		}
		return nil
	case FormatJKS:
		ks := jks.New()
		if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
			return fmt.Errorf("load trust store jks: %w", err)
		}
		for _, alias := range wantAliases {
			entry, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				return fmt.Errorf("trust store jks: entry %s: %w", alias, err)
			}
			cert, err := x509.ParseCertificate(entry.Certificate.Content)
			if err != nil {
				return fmt.Errorf("trust store jks: entry %s: parse: %w", alias, err)
			}
			if TrustAlias(cert) != alias {
				return fmt.Errorf("trust store jks: entry %s: content does not match fingerprint", alias)
			}
		}
		if got := len(ks.Aliases()); got != len(wantAliases) {
			return fmt.Errorf("trust store jks: %d entries, want %d", got, len(wantAliases))
		}
		return nil
	default:
		return fmt.Errorf("verify trust store: unknown format %q", format)
	}
}

// PublicKeysEqual compares two public keys for cryptographic identity.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case ed25519.PublicKey:
		bk, ok := b.(ed25519.PublicKey)
		return ok && bytes.Equal(ak, bk)
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		if !ok {
			return false
		}
		return ak.E == bk.E && ak.N.Cmp(bk.N) == 0
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		return ak.Curve == bk.Curve && ak.X.Cmp(bk.X) == 0 && ak.Y.Cmp(bk.Y) == 0
	default:
		return false
	}
}
