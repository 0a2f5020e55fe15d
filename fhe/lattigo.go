package fhe

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// paramsLiteral is the BGV parameter set used by the lattice engine:
// ring degree 2^13, two 54-bit ciphertext primes (one multiplication of
// depth 1 plus additions) and an NTT-friendly plaintext modulus.
func paramsLiteral() bgv.ParametersLiteral {
	return bgv.ParametersLiteral{
		LogN:             13,
		LogQ:             []int{54, 54},
		LogP:             []int{54},
		PlaintextModulus: 65537,
	}
}

// BGVEngine implements Engine on top of lattigo's BGV scheme. Values are
// encoded in slot 0; arithmetic happens entirely on ciphertexts. All results
// are reduced modulo the plaintext modulus.
type BGVEngine struct {
	params    bgv.Parameters
	sk        *rlwe.SecretKey
	pk        *rlwe.PublicKey
	evk       *rlwe.MemEvaluationKeySet
	encoder   *bgv.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor

	// lattigo evaluators are not safe for concurrent use
	evalPool sync.Pool

	store *ciphertextStore
}

// NewBGVEngine generates a fresh keypair and returns a ready engine.
func NewBGVEngine() (*BGVEngine, error) {
	params, err := bgv.NewParametersFromLiteral(paramsLiteral())
	if err != nil {
		return nil, fmt.Errorf("bgv params: %w", err)
	}

	kgen := bgv.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk)

	e := &BGVEngine{
		params:    params,
		sk:        sk,
		pk:        pk,
		evk:       evk,
		encoder:   bgv.NewEncoder(params),
		encryptor: bgv.NewEncryptor(params, pk),
		decryptor: bgv.NewDecryptor(params, sk),
		store:     newCiphertextStore(),
	}
	e.evalPool = sync.Pool{
		New: func() interface{} {
			return bgv.NewEvaluator(params, evk)
		},
	}
	return e, nil
}

func (e *BGVEngine) Encrypt(value uint64, b Binding) ([]byte, []byte, error) {
	vec := make([]uint64, e.params.MaxSlots())
	vec[0] = value % uint64(e.params.PlaintextModulus())

	pt := bgv.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode(vec, pt); err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	ctBytes, err := ct.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal ciphertext: %w", err)
	}
	return ctBytes, proofFor(ctBytes, b), nil
}

func (e *BGVEngine) VerifyInput(ciphertext, proof []byte, b Binding) (Handle, error) {
	if len(ciphertext) == 0 || !verifyProof(ciphertext, proof, b) {
		return "", ErrInvalidInput
	}
	// The bytes must deserialize into a well-formed ciphertext.
	ct := rlwe.NewCiphertext(e.params, 1)
	if err := ct.UnmarshalBinary(ciphertext); err != nil {
		return "", ErrInvalidInput
	}
	return e.store.put(ciphertext), nil
}

func (e *BGVEngine) loadCiphertext(h Handle) (*rlwe.Ciphertext, error) {
	raw, err := e.store.get(h)
	if err != nil {
		return nil, err
	}
	ct := rlwe.NewCiphertext(e.params, 1)
	if err := ct.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal ciphertext %s: %w", h, err)
	}
	return ct, nil
}

func (e *BGVEngine) storeCiphertext(ct *rlwe.Ciphertext) (Handle, error) {
	raw, err := ct.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return e.store.put(raw), nil
}

func (e *BGVEngine) Add(a, b Handle) (Handle, error) {
	ctA, err := e.loadCiphertext(a)
	if err != nil {
		return "", err
	}
	ctB, err := e.loadCiphertext(b)
	if err != nil {
		return "", err
	}

	eval := e.evalPool.Get().(*bgv.Evaluator)
	defer e.evalPool.Put(eval)

	ctRes, err := eval.AddNew(ctA, ctB)
	if err != nil {
		return "", fmt.Errorf("homomorphic add: %w", err)
	}
	return e.storeCiphertext(ctRes)
}

func (e *BGVEngine) Mul(a, b Handle) (Handle, error) {
	ctA, err := e.loadCiphertext(a)
	if err != nil {
		return "", err
	}
	ctB, err := e.loadCiphertext(b)
	if err != nil {
		return "", err
	}

	eval := e.evalPool.Get().(*bgv.Evaluator)
	defer e.evalPool.Put(eval)

	ctRes, err := eval.MulRelinNew(ctA, ctB)
	if err != nil {
		return "", fmt.Errorf("homomorphic mul: %w", err)
	}
	return e.storeCiphertext(ctRes)
}

func (e *BGVEngine) Decrypt(h Handle) (uint64, error) {
	ct, err := e.loadCiphertext(h)
	if err != nil {
		return 0, err
	}
	pt := e.decryptor.DecryptNew(ct)
	vec := make([]uint64, e.params.MaxSlots())
	if err := e.encoder.Decode(pt, vec); err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	return vec[0], nil
}

func (e *BGVEngine) PublicKey() ([]byte, error) {
	return e.pk.MarshalBinary()
}
