package fhe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Key generation is the expensive part, so every test shares one engine.
var (
	bgvOnce   sync.Once
	bgvShared *BGVEngine
	bgvErr    error
)

func sharedBGVEngine(t *testing.T) *BGVEngine {
	t.Helper()
	bgvOnce.Do(func() {
		bgvShared, bgvErr = NewBGVEngine()
	})
	require.NoError(t, bgvErr)
	return bgvShared
}

func bgvEncrypt(t *testing.T, e *BGVEngine, v uint64) Handle {
	t.Helper()
	b := testBinding()
	ct, proof, err := e.Encrypt(v, b)
	require.NoError(t, err)
	h, err := e.VerifyInput(ct, proof, b)
	require.NoError(t, err)
	return h
}

func TestBGVEngineRoundTrip(t *testing.T) {
	e := sharedBGVEngine(t)

	h := bgvEncrypt(t, e, 42)
	got, err := e.Decrypt(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestBGVEngineRejectsForeignProof(t *testing.T) {
	e := sharedBGVEngine(t)
	b := testBinding()

	ct, proof, err := e.Encrypt(42, b)
	require.NoError(t, err)

	_, err = e.VerifyInput(ct, proof, Binding{Contract: b.Contract, Account: "mallory"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBGVEngineRejectsGarbageCiphertext(t *testing.T) {
	e := sharedBGVEngine(t)
	b := testBinding()

	garbage := []byte("not a ciphertext")
	_, err := e.VerifyInput(garbage, proofFor(garbage, b), b)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBGVEngineScoringCircuit(t *testing.T) {
	e := sharedBGVEngine(t)

	aInterests := bgvEncrypt(t, e, 42)
	bInterests := bgvEncrypt(t, e, 7)
	aValues := bgvEncrypt(t, e, 5)
	bValues := bgvEncrypt(t, e, 9)

	i1, err := e.Mul(aInterests, bInterests)
	require.NoError(t, err)
	i2, err := e.Mul(bInterests, aInterests)
	require.NoError(t, err)
	interests, err := e.Add(i1, i2)
	require.NoError(t, err)

	v1, err := e.Mul(aValues, bValues)
	require.NoError(t, err)
	v2, err := e.Mul(bValues, aValues)
	require.NoError(t, err)
	values, err := e.Add(v1, v2)
	require.NoError(t, err)

	total, err := e.Add(interests, values)
	require.NoError(t, err)

	got, err := e.Decrypt(total)
	require.NoError(t, err)
	// 2*(42*7) + 2*(5*9)
	assert.Equal(t, uint64(678), got)
}

func TestBGVEnginePublicKey(t *testing.T) {
	e := sharedBGVEngine(t)

	pk, err := e.PublicKey()
	require.NoError(t, err)
	assert.NotEmpty(t, pk)
}

func TestBGVEngineUnknownHandle(t *testing.T) {
	e := sharedBGVEngine(t)

	_, err := e.Decrypt(Handle("deadbeef"))
	assert.ErrorIs(t, err, ErrNotFound)
}
