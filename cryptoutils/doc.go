// Package cryptoutils provides the cryptographic building blocks shared by
// the sealing and encryption layers: attestation providers that report the
// enclave measurement, a registry of named key derivation functions, and
// purpose-scoped subkey derivation from the master key.
package cryptoutils
