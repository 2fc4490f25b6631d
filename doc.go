// Package keymat materializes the cryptographic trust material needed for
// mutual-TLS authentication between a server and its clients. Given raw
// certificate and key material, it produces matched pairs of
// password-protected identity and trust stores on disk, in formats readable
// by standard JVM certificate-store tooling, and verifies every written
// store by reading it back before it becomes observable at its final path.
package keymat
