// Package keystore serializes identity and trust material into
// password-protected store files readable by standard JVM certificate-store
// tooling, and verifies written stores by reading them back.
package keystore

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
)

// Format identifies a store serialization.
type Format string

const (
	// FormatPKCS12 is the PKCS#12 interchange format (.p12), the keytool
	// default store type since JDK 9.
	FormatPKCS12 Format = "pkcs12"
	// FormatJKS is the legacy Java KeyStore format (.jks).
	FormatJKS Format = "jks"
)

// ParseFormat normalizes a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pkcs12", "p12", "pfx":
		return FormatPKCS12, nil
	case "jks":
		return FormatJKS, nil
	default:
		return "", fmt.Errorf("unknown store format %q (want pkcs12 or jks)", s)
	}
}

// Ext returns the file extension for the format.
func (f Format) Ext() string {
	if f == FormatJKS {
		return "jks"
	}
	return "p12"
}

// IdentityEntry is one private key with its leaf certificate and ordered
// intermediate chain, stored under a fixed alias.
type IdentityEntry struct {
	Alias string
	Key   crypto.Signer
	// PKCS8 is the key in PKCS#8 DER, the encoding JKS key entries carry.
	PKCS8 []byte
	Leaf  *x509.Certificate
	// Chain holds the intermediates from the leaf toward the anchor,
	// excluding both leaf and anchor.
	Chain []*x509.Certificate
}

// TrustEntry is one trusted certificate stored under its fingerprint alias.
type TrustEntry struct {
	Alias string
	Cert  *x509.Certificate
}

// TrustAlias derives the deterministic alias for a trusted certificate:
// the lowercase hex SHA-256 of its DER bytes. Stable and collision-free.
func TrustAlias(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
