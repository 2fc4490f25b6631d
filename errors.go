package keymat

import "errors"

// Error taxonomy of the assembly engine. Every failure is terminal for the
// run that raised it: the causes are either data problems (retrying yields
// the same result) or local I/O problems outside this engine's control.
// Callers classify with errors.Is and map kinds to exit codes at the CLI
// boundary.
var (
	// ErrMalformedInput marks input that is not valid PEM or not decodable
	// as an X.509 certificate or private-key structure.
	ErrMalformedInput = errors.New("malformed input")

	// ErrEmptyInput marks a supposed chain file with zero PEM blocks.
	ErrEmptyInput = errors.New("empty input")

	// ErrUnsupportedKeyAlgorithm marks a private key whose algorithm the
	// store formats cannot carry. The wrapping message names the algorithm.
	ErrUnsupportedKeyAlgorithm = errors.New("unsupported key algorithm")

	// ErrKeyMismatch marks a private key that does not correspond to its
	// paired certificate's public key.
	ErrKeyMismatch = errors.New("private key does not match certificate")

	// ErrChainIncomplete marks a candidate pool exhausted before reaching a
	// trust anchor.
	ErrChainIncomplete = errors.New("certificate chain incomplete")

	// ErrChainCycle marks a certificate that would be appended to a chain
	// twice.
	ErrChainCycle = errors.New("certificate chain cycle")

	// ErrExpiredCertificate marks a chain certificate outside its validity
	// window at build time. The wrapping message names the offending
	// certificate's fingerprint and expiry.
	ErrExpiredCertificate = errors.New("certificate expired or not yet valid")

	// ErrWrite marks a local I/O failure while materializing a store.
	ErrWrite = errors.New("store write failed")

	// ErrVerification marks a written store that failed its read-back check.
	// Always fatal: a store that fails verification is never left at its
	// final path.
	ErrVerification = errors.New("store verification failed")
)

// IsMaterialError reports whether err is an input/material problem as opposed
// to an I/O or verification failure.
func IsMaterialError(err error) bool {
	for _, kind := range []error{
		ErrMalformedInput,
		ErrEmptyInput,
		ErrUnsupportedKeyAlgorithm,
		ErrKeyMismatch,
		ErrChainIncomplete,
		ErrChainCycle,
		ErrExpiredCertificate,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
