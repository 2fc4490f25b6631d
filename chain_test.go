package keymat

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"pkt.systems/keymat/internal/testpki"
)

func mustFixture(t *testing.T, now time.Time) *testpki.Fixture {
	t.Helper()
	fixture, err := testpki.NewFixture(now)
	if err != nil {
		t.Fatalf("build fixture: %v", err)
	}
	return fixture
}

func material(t *testing.T, cert *x509.Certificate) CertificateMaterial {
	t.Helper()
	return CertificateMaterial{Cert: cert, DER: cert.Raw, Fingerprint: Fingerprint(cert.Raw)}
}

func keyMaterial(t *testing.T, key *ecdsa.PrivateKey) KeyMaterial {
	t.Helper()
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return KeyMaterial{Signer: key, PKCS8: pkcs8, Algorithm: "ECDSA"}
}

func TestBuildChainExcludesAnchor(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	leaf := material(t, fixture.Server.Cert)
	pool := []CertificateMaterial{material(t, fixture.Intermediate.Cert)}
	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})

	chain, err := BuildChain(RoleServerCert, leaf, keyMaterial(t, fixture.Server.Key), pool, anchors, now)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain length %d, want 1 (anchor excluded)", len(chain))
	}
	if chain[0].Fingerprint != Fingerprint(fixture.Intermediate.Cert.Raw) {
		t.Fatalf("chain[0] is %q, want the intermediate", chain[0].Cert.Subject.CommonName)
	}
}

func TestBuildChainLeafSignedByAnchor(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	direct, err := fixture.Root.IssueLeaf("direct-leaf", now.Add(-time.Hour), now.Add(time.Hour),
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	if err != nil {
		t.Fatalf("issue direct leaf: %v", err)
	}
	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})

	chain, err := BuildChain(RoleServerCert, material(t, direct.Cert), keyMaterial(t, direct.Key), nil, anchors, now)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("chain length %d, want 0 for a leaf signed directly by the anchor", len(chain))
	}
}

func TestBuildChainIncomplete(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})
	_, err := BuildChain(RoleServerCert, material(t, fixture.Server.Cert), keyMaterial(t, fixture.Server.Key), nil, anchors, now)
	if !errors.Is(err, ErrChainIncomplete) {
		t.Fatalf("missing intermediate: got %v, want ErrChainIncomplete", err)
	}
	if !strings.Contains(err.Error(), "keymat-test-server") {
		t.Fatalf("error %q does not name the stranded certificate", err)
	}
}

func TestBuildChainNoAnchors(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	_, err := BuildChain(RoleServerCert, material(t, fixture.Server.Cert), keyMaterial(t, fixture.Server.Key),
		[]CertificateMaterial{material(t, fixture.Intermediate.Cert)}, NewTrustAnchorSet(nil), now)
	if !errors.Is(err, ErrChainIncomplete) {
		t.Fatalf("empty anchor set: got %v, want ErrChainIncomplete", err)
	}
}

func TestBuildChainKeyMismatch(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})
	_, err := BuildChain(RoleServerCert, material(t, fixture.Server.Cert), keyMaterial(t, fixture.Client.Key),
		[]CertificateMaterial{material(t, fixture.Intermediate.Cert)}, anchors, now)
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("wrong key: got %v, want ErrKeyMismatch", err)
	}
}

// A rotated intermediate shares subject and key with its predecessor. The
// builder must pick the copy valid now regardless of input order.
func TestBuildChainPrefersValidCandidate(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	expired, err := fixture.Intermediate.Reissue(fixture.Root, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("reissue expired intermediate: %v", err)
	}
	valid := fixture.Intermediate
	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})
	leaf := material(t, fixture.Server.Cert)
	key := keyMaterial(t, fixture.Server.Key)

	orders := [][]CertificateMaterial{
		{material(t, expired.Cert), material(t, valid.Cert)},
		{material(t, valid.Cert), material(t, expired.Cert)},
	}
	for i, pool := range orders {
		chain, err := BuildChain(RoleServerCert, leaf, key, pool, anchors, now)
		if err != nil {
			t.Fatalf("order %d: build chain: %v", i, err)
		}
		if len(chain) != 1 {
			t.Fatalf("order %d: chain length %d, want 1", i, len(chain))
		}
		if chain[0].Fingerprint != Fingerprint(valid.Cert.Raw) {
			t.Fatalf("order %d: picked %s, want the currently valid intermediate", i, chain[0].Fingerprint)
		}
	}
}

func TestBuildChainExpiredIntermediate(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	expired, err := fixture.Intermediate.Reissue(fixture.Root, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("reissue expired intermediate: %v", err)
	}
	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})
	pool := []CertificateMaterial{material(t, expired.Cert)}

	_, err = BuildChain(RoleServerCert, material(t, fixture.Server.Cert), keyMaterial(t, fixture.Server.Key), pool, anchors, now)
	if !errors.Is(err, ErrExpiredCertificate) {
		t.Fatalf("expired-only pool: got %v, want ErrExpiredCertificate", err)
	}
	if !strings.Contains(err.Error(), Fingerprint(expired.Cert.Raw)) {
		t.Fatalf("error %q does not name the offending fingerprint", err)
	}
}

func TestBuildChainExpiredLeaf(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	stale, err := fixture.Intermediate.IssueLeaf("stale-leaf", now.Add(-48*time.Hour), now.Add(-24*time.Hour),
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	if err != nil {
		t.Fatalf("issue stale leaf: %v", err)
	}
	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})
	pool := []CertificateMaterial{material(t, fixture.Intermediate.Cert)}

	_, err = BuildChain(RoleServerCert, material(t, stale.Cert), keyMaterial(t, stale.Key), pool, anchors, now)
	if !errors.Is(err, ErrExpiredCertificate) {
		t.Fatalf("expired leaf: got %v, want ErrExpiredCertificate", err)
	}
	if !strings.Contains(err.Error(), Fingerprint(stale.Cert.Raw)) {
		t.Fatalf("error %q does not name the leaf fingerprint", err)
	}
}

// Two CAs cross-signing each other form an issuer loop that never reaches
// the anchor set. The builder must detect the repeat instead of spinning.
func TestBuildChainCycle(t *testing.T) {
	now := time.Now()
	fixture := mustFixture(t, now)

	caA, caB, err := crossSignedPair(now)
	if err != nil {
		t.Fatalf("build cross-signed pair: %v", err)
	}
	leaf, err := caA.IssueLeaf("looped-leaf", now.Add(-time.Hour), now.Add(time.Hour),
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	if err != nil {
		t.Fatalf("issue looped leaf: %v", err)
	}
	// the anchor set is unrelated, so the walk can only follow the loop
	anchors := NewTrustAnchorSet([]CertificateMaterial{material(t, fixture.Root.Cert)})
	pool := []CertificateMaterial{material(t, caA.Cert), material(t, caB.Cert)}

	_, err = BuildChain(RoleServerCert, material(t, leaf.Cert), keyMaterial(t, leaf.Key), pool, anchors, now)
	if !errors.Is(err, ErrChainCycle) {
		t.Fatalf("cross-signed loop: got %v, want ErrChainCycle", err)
	}
}

// crossSignedPair returns CA certificates A and B where A is signed by B's
// key and B is signed by A's key.
func crossSignedPair(now time.Time) (*testpki.Authority, *testpki.Authority, error) {
	keyA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	keyB, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := func(cn string, serial int64) *x509.Certificate {
		return &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: cn},
			NotBefore:             now.Add(-time.Hour),
			NotAfter:              now.Add(time.Hour),
			IsCA:                  true,
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
		}
	}
	// bootstrap a self-signed B so its subject can act as A's parent
	bootB := template("loop-ca-b", 1)
	bootBDER, err := x509.CreateCertificate(rand.Reader, bootB, bootB, &keyB.PublicKey, keyB)
	if err != nil {
		return nil, nil, err
	}
	bootBCert, err := x509.ParseCertificate(bootBDER)
	if err != nil {
		return nil, nil, err
	}
	aDER, err := x509.CreateCertificate(rand.Reader, template("loop-ca-a", 2), bootBCert, &keyA.PublicKey, keyB)
	if err != nil {
		return nil, nil, err
	}
	aCert, err := x509.ParseCertificate(aDER)
	if err != nil {
		return nil, nil, err
	}
	bDER, err := x509.CreateCertificate(rand.Reader, template("loop-ca-b", 3), aCert, &keyB.PublicKey, keyA)
	if err != nil {
		return nil, nil, err
	}
	bCert, err := x509.ParseCertificate(bDER)
	if err != nil {
		return nil, nil, err
	}
	return &testpki.Authority{Cert: aCert, Key: keyA}, &testpki.Authority{Cert: bCert, Key: keyB}, nil
}
