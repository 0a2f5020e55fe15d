package fhe

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// plainModulus mirrors the BGV plaintext modulus so both engines reduce
// results identically.
const plainModulus = 65537

// PlainEngine implements Engine with plaintext arithmetic. It exists for
// development without the lattice backend and for tests that need to check
// scores against known inputs. "Ciphertexts" carry the value plus a random
// nonce so repeated encryptions of the same value yield distinct handles.
type PlainEngine struct {
	store *ciphertextStore
}

// NewPlainEngine returns a ready plaintext engine.
func NewPlainEngine() *PlainEngine {
	return &PlainEngine{store: newCiphertextStore()}
}

func plainCiphertext(value uint64, nonce []byte) []byte {
	buf := make([]byte, 8+len(nonce))
	binary.BigEndian.PutUint64(buf, value%plainModulus)
	copy(buf[8:], nonce)
	return buf
}

func plainValue(ciphertext []byte) (uint64, error) {
	if len(ciphertext) < 8 {
		return 0, ErrInvalidInput
	}
	return binary.BigEndian.Uint64(ciphertext[:8]), nil
}

func (e *PlainEngine) Encrypt(value uint64, b Binding) ([]byte, []byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	ct := plainCiphertext(value, nonce)
	return ct, proofFor(ct, b), nil
}

func (e *PlainEngine) VerifyInput(ciphertext, proof []byte, b Binding) (Handle, error) {
	if !verifyProof(ciphertext, proof, b) {
		return "", ErrInvalidInput
	}
	if _, err := plainValue(ciphertext); err != nil {
		return "", ErrInvalidInput
	}
	return e.store.put(ciphertext), nil
}

func (e *PlainEngine) combine(a, b Handle, op func(x, y uint64) uint64) (Handle, error) {
	rawA, err := e.store.get(a)
	if err != nil {
		return "", err
	}
	rawB, err := e.store.get(b)
	if err != nil {
		return "", err
	}
	x, err := plainValue(rawA)
	if err != nil {
		return "", err
	}
	y, err := plainValue(rawB)
	if err != nil {
		return "", err
	}
	// Derive the result nonce from the operands so the same combination
	// always maps to the same handle.
	nonce := append([]byte(a), []byte(b)...)
	return e.store.put(plainCiphertext(op(x, y)%plainModulus, nonce)), nil
}

func (e *PlainEngine) Add(a, b Handle) (Handle, error) {
	return e.combine(a, b, func(x, y uint64) uint64 { return x + y })
}

func (e *PlainEngine) Mul(a, b Handle) (Handle, error) {
	return e.combine(a, b, func(x, y uint64) uint64 { return x * y })
}

func (e *PlainEngine) Decrypt(h Handle) (uint64, error) {
	raw, err := e.store.get(h)
	if err != nil {
		return 0, err
	}
	return plainValue(raw)
}

func (e *PlainEngine) PublicKey() ([]byte, error) {
	return []byte("plain"), nil
}
