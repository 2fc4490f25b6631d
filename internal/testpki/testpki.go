// Package testpki builds ephemeral certificate hierarchies for tests and
// the self-test pipeline. Nothing here touches disk; callers get PEM bytes
// shaped like the role-tagged buffers the engine consumes.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// Authority is a CA keypair able to issue further certificates.
type Authority struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
}

// Leaf is an issued end-entity certificate with its key.
type Leaf struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

// NewAuthority creates a CA. A nil parent yields a self-signed root;
// otherwise the parent signs an intermediate.
func NewAuthority(commonName string, parent *Authority, notBefore, notAfter time.Time) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", commonName, err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	signerCert := template
	signerKey := key
	if parent != nil {
		signerCert = parent.Cert
		signerKey = parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return nil, fmt.Errorf("create %s certificate: %w", commonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse %s certificate: %w", commonName, err)
	}
	return &Authority{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// Reissue creates a new CA certificate for a's existing keypair with a
// fresh validity window. Tests use it to model rotated intermediates that
// share a subject and key.
func (a *Authority) Reissue(parent *Authority, notBefore, notAfter time.Time) (*Authority, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               a.Cert.Subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		KeyUsage:              a.Cert.KeyUsage,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent.Cert, &a.Key.PublicKey, parent.Key)
	if err != nil {
		return nil, fmt.Errorf("reissue %s certificate: %w", a.Cert.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse reissued certificate: %w", err)
	}
	return &Authority{
		Cert:    cert,
		Key:     a.Key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// IssueLeaf issues an end-entity certificate signed by a.
func (a *Authority) IssueLeaf(commonName string, notBefore, notAfter time.Time, usages []x509.ExtKeyUsage) (*Leaf, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", commonName, err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  usages,
		DNSNames:     []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.Cert, &key.PublicKey, a.Key)
	if err != nil {
		return nil, fmt.Errorf("create %s certificate: %w", commonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse %s certificate: %w", commonName, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal %s key: %w", commonName, err)
	}
	return &Leaf{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Fixture is a complete root → intermediate → leaves hierarchy ready to feed
// the assembly engine: cert buffers carry leaf plus intermediate, the CA
// chain buffer carries the root.
type Fixture struct {
	Root         *Authority
	Intermediate *Authority
	Server       *Leaf
	Client       *Leaf

	ServerCert []byte
	ServerKey  []byte
	ClientCert []byte
	ClientKey  []byte
	CAChain    []byte
}

// NewFixture builds a fixture whose certificates are valid around now.
func NewFixture(now time.Time) (*Fixture, error) {
	notBefore := now.Add(-time.Hour)
	caNotAfter := now.Add(10 * 365 * 24 * time.Hour)
	leafNotAfter := now.Add(365 * 24 * time.Hour)

	root, err := NewAuthority("keymat-test-root", nil, notBefore, caNotAfter)
	if err != nil {
		return nil, err
	}
	intermediate, err := NewAuthority("keymat-test-intermediate", root, notBefore, caNotAfter)
	if err != nil {
		return nil, err
	}
	server, err := intermediate.IssueLeaf("keymat-test-server", notBefore, leafNotAfter,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth})
	if err != nil {
		return nil, err
	}
	client, err := intermediate.IssueLeaf("keymat-test-client", notBefore, leafNotAfter,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
	if err != nil {
		return nil, err
	}
	return &Fixture{
		Root:         root,
		Intermediate: intermediate,
		Server:       server,
		Client:       client,
		ServerCert:   append(append([]byte{}, server.CertPEM...), intermediate.CertPEM...),
		ServerKey:    server.KeyPEM,
		ClientCert:   append(append([]byte{}, client.CertPEM...), intermediate.CertPEM...),
		ClientKey:    client.KeyPEM,
		CAChain:      root.CertPEM,
	}, nil
}
