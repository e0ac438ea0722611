package enclave

import "crypto/sha256"

// Digest computes the fixed SHA-256 digest of a program image. This is the
// only cryptographic primitive the core implements directly.
func Digest(programImage []byte) [32]byte {
	return sha256.Sum256(programImage)
}
