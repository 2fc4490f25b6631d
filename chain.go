package keymat

import (
	"bytes"
	"fmt"
	"time"
)

// BuildChain orders leaf with its intermediates from pool into a verifiable
// chain ending just below a certificate in anchors. The anchor itself is
// never part of the identity's chain; it belongs to the peer's trust store.
//
// Candidate selection walks issuer-by-issuer: a pool certificate qualifies
// when its subject matches the current tail's issuer and the tail's signature
// verifies against the candidate's public key. When several candidates share
// the issuer subject (a rotated intermediate), the one whose validity window
// contains now wins; remaining ties fall back to input order, so the result
// is reproducible bit-for-bit across runs.
func BuildChain(role Role, leaf CertificateMaterial, key KeyMaterial, pool []CertificateMaterial, anchors *TrustAnchorSet, now time.Time) ([]CertificateMaterial, error) {
	if err := MatchKeyToCertificate(role, key, leaf); err != nil {
		return nil, err
	}
	if anchors == nil || anchors.Len() == 0 {
		return nil, fmt.Errorf("%s: %w: no trust anchors supplied", role, ErrChainIncomplete)
	}

	var chain []CertificateMaterial
	seen := map[string]struct{}{leaf.Fingerprint: {}}
	current := leaf
	for {
		if _, ok := findIssuer(current, anchors.Anchors(), now); ok {
			// reached a trust anchor; the chain terminates below it
			if err := validateWindows(role, leaf, chain, now); err != nil {
				return nil, err
			}
			return chain, nil
		}
		next, ok := findIssuer(current, pool, now)
		if !ok {
			return nil, fmt.Errorf("%s: %w: no candidate issues %q (issuer %q), %d candidates considered",
				role, ErrChainIncomplete, current.Cert.Subject.CommonName, current.Cert.Issuer.CommonName, len(pool))
		}
		if _, dup := seen[next.Fingerprint]; dup {
			return nil, fmt.Errorf("%s: %w: certificate %s would repeat", role, ErrChainCycle, next.Fingerprint)
		}
		seen[next.Fingerprint] = struct{}{}
		chain = append(chain, next)
		current = next
	}
}

// findIssuer returns the best candidate from candidates that issued child.
// Preference order: validity window contains now, then earliest position.
func findIssuer(child CertificateMaterial, candidates []CertificateMaterial, now time.Time) (CertificateMaterial, bool) {
	var (
		fallback CertificateMaterial
		haveAny  bool
	)
	for _, cand := range candidates {
		if cand.Fingerprint == child.Fingerprint {
			continue
		}
		if !bytes.Equal(child.Cert.RawIssuer, cand.Cert.RawSubject) {
			continue
		}
		if err := child.Cert.CheckSignatureFrom(cand.Cert); err != nil {
			continue
		}
		if withinWindow(cand, now) {
			return cand, true
		}
		if !haveAny {
			fallback = cand
			haveAny = true
		}
	}
	return fallback, haveAny
}

func withinWindow(cm CertificateMaterial, now time.Time) bool {
	return !now.Before(cm.Cert.NotBefore) && !now.After(cm.Cert.NotAfter)
}

// validateWindows rejects a produced chain containing a certificate outside
// its validity window at build time. The leaf is held to the same standard:
// an expired leaf produces a store that fails every handshake.
func validateWindows(role Role, leaf CertificateMaterial, chain []CertificateMaterial, now time.Time) error {
	all := append([]CertificateMaterial{leaf}, chain...)
	for _, cm := range all {
		if withinWindow(cm, now) {
			continue
		}
		return fmt.Errorf("%s: %w: certificate %s (subject %q, not before %s, not after %s)",
			role, ErrExpiredCertificate, cm.Fingerprint, cm.Cert.Subject.CommonName,
			cm.Cert.NotBefore.UTC().Format(time.RFC3339), cm.Cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}
