package keystore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// EncodeIdentity serializes entry into a password-protected identity store.
// Store bytes may differ between runs due to format-internal salts and IVs;
// alias assignment and chain order never do.
func EncodeIdentity(format Format, entry IdentityEntry, password string, now time.Time) ([]byte, error) {
	if entry.Key == nil || entry.Leaf == nil {
		return nil, fmt.Errorf("encode identity: missing key or leaf certificate")
	}
	switch format {
	case FormatPKCS12:
		data, err := pkcs12.Modern.Encode(entry.Key, entry.Leaf, entry.Chain, password)
		if err != nil {
			return nil, fmt.Errorf("encode identity pkcs12: %w", err)
		}
		return data, nil
	case FormatJKS:
		chain := make([]jks.Certificate, 0, 1+len(entry.Chain))
		chain = append(chain, jks.Certificate{Type: "X509", Content: entry.Leaf.Raw})
		for _, cert := range entry.Chain {
			chain = append(chain, jks.Certificate{Type: "X509", Content: cert.Raw})
		}
		ks := jks.New()
		err := ks.SetPrivateKeyEntry(entry.Alias, jks.PrivateKeyEntry{
			CreationTime:     now,
			PrivateKey:       entry.PKCS8,
			CertificateChain: chain,
		}, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("encode identity jks: set key entry %q: %w", entry.Alias, err)
		}
		var buf bytes.Buffer
		if err := ks.Store(&buf, []byte(password)); err != nil {
			return nil, fmt.Errorf("encode identity jks: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("encode identity: unknown format %q", format)
	}
}

// EncodeTrust serializes entries into a password-protected trust store.
// Entries must already carry their deterministic fingerprint aliases.
func EncodeTrust(format Format, entries []TrustEntry, password string, now time.Time) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("encode trust store: no entries")
	}
	switch format {
	case FormatPKCS12:
		tsEntries := make([]pkcs12.TrustStoreEntry, 0, len(entries))
		for _, e := range entries {
			tsEntries = append(tsEntries, pkcs12.TrustStoreEntry{
				Cert:         e.Cert,
				FriendlyName: e.Alias,
			})
		}
		data, err := pkcs12.Modern.EncodeTrustStoreEntries(tsEntries, password)
		if err != nil {
			return nil, fmt.Errorf("encode trust store pkcs12: %w", err)
		}
		return data, nil
	case FormatJKS:
		ks := jks.New()
		for _, e := range entries {
			err := ks.SetTrustedCertificateEntry(e.Alias, jks.TrustedCertificateEntry{
				CreationTime: now,
				Certificate:  jks.Certificate{Type: "X509", Content: e.Cert.Raw},
			})
			if err != nil {
				return nil, fmt.Errorf("encode trust store jks: set entry %q: %w", e.Alias, err)
			}
		}
		var buf bytes.Buffer
		if err := ks.Store(&buf, []byte(password)); err != nil {
			return nil, fmt.Errorf("encode trust store jks: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("encode trust store: unknown format %q", format)
	}
}

// WriteTemp writes data to a fresh temporary file in the same directory as
// finalPath, restricted to the owning user, and syncs it to disk. The file
// holds private-key material, so it is created 0600 before a single byte is
// written. The caller verifies the temp file and then either promotes it
// with Promote or removes it.
func WriteTemp(finalPath string, data []byte) (string, error) {
	dir := filepath.Dir(finalPath)
	base := filepath.Base(finalPath)
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", base, err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod temp for %s: %w", base, err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return "", fmt.Errorf("write temp for %s: %w", base, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync temp for %s: %w", base, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp for %s: %w", base, err)
	}
	return tmp.Name(), nil
}

// Promote atomically moves a verified temp file onto its final path, so a
// partially written store is never observable there.
func Promote(tmpPath, finalPath string) error {
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("promote %s: %w", filepath.Base(finalPath), err)
	}
	return nil
}
