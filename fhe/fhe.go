// Package fhe is the boundary to the homomorphic-encryption collaborator.
//
// The rest of the backend never looks inside a ciphertext: it holds opaque
// handles, asks the engine to verify freshly submitted inputs, combine
// handles arithmetically and decrypt results. Two engines implement the
// contract: a lattice-backed one (BGV via lattigo) and a plaintext reference
// engine for development and tests.
package fhe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Common errors.
var (
	ErrNotFound     = errors.New("ciphertext not found")
	ErrInvalidInput = errors.New("invalid ciphertext or proof")
)

// Handle uniquely identifies a ciphertext held by the engine.
type Handle string

// ComputeHandle derives a handle from ciphertext bytes.
func ComputeHandle(data []byte) Handle {
	sum := sha256.Sum256(data)
	return Handle(hex.EncodeToString(sum[:]))
}

// Binding ties an input ciphertext to the contract and account it was
// produced for. Proofs are only valid under the binding they were made with.
type Binding struct {
	Contract string
	Account  string
}

// Engine is the capability interface the backend consumes. Implementations
// own ciphertext storage; callers only ever see handles.
type Engine interface {
	// Encrypt produces a ciphertext and an input proof bound to b.
	Encrypt(value uint64, b Binding) (ciphertext, proof []byte, err error)
	// VerifyInput checks the proof against the binding, stores the
	// ciphertext and returns its handle. Fails with ErrInvalidInput.
	VerifyInput(ciphertext, proof []byte, b Binding) (Handle, error)
	// Add combines two handles homomorphically into a new handle.
	Add(a, b Handle) (Handle, error)
	// Mul multiplies two handles homomorphically into a new handle.
	Mul(a, b Handle) (Handle, error)
	// Decrypt resolves a handle to its plaintext value.
	Decrypt(h Handle) (uint64, error)
	// PublicKey returns the serialized encryption key for clients.
	PublicKey() ([]byte, error)
}

// proofFor derives the input proof for a ciphertext under a binding.
// The proof format is owned by this package; callers treat it as opaque.
func proofFor(ciphertext []byte, b Binding) []byte {
	mac := sha256.New()
	mac.Write(ciphertext)
	mac.Write([]byte{0})
	mac.Write([]byte(b.Contract))
	mac.Write([]byte{0})
	mac.Write([]byte(b.Account))
	return mac.Sum(nil)
}

// verifyProof reports whether proof matches ciphertext under binding b.
func verifyProof(ciphertext, proof []byte, b Binding) bool {
	return hmac.Equal(proof, proofFor(ciphertext, b))
}
