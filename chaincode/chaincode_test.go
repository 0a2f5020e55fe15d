package main

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/hyperledger/fabric-chaincode-go/shimtest"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// chainTestKit is a chaincode with keys held client-side, like the wallet
// that submits the transactions would hold them.
type chainTestKit struct {
	cc        *SoulMatchChaincode
	params    bgv.Parameters
	encoder   *bgv.Encoder
	encryptor *rlwe.Encryptor
}

func newChainTestKit(t *testing.T) *chainTestKit {
	t.Helper()
	params, err := bgvParams()
	require.NoError(t, err)

	kgen := bgv.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)

	cc := &SoulMatchChaincode{
		Params:    params,
		ParamsSet: true,
		EvalKeys:  rlwe.NewMemEvaluationKeySet(rlk),
	}
	return &chainTestKit{
		cc:        cc,
		params:    params,
		encoder:   bgv.NewEncoder(params),
		encryptor: bgv.NewEncryptor(params, pk),
	}
}

// input produces a base64 ciphertext/proof pair bound to owner.
func (k *chainTestKit) input(t *testing.T, owner string, value uint64) (string, string) {
	t.Helper()
	vec := make([]uint64, k.params.MaxSlots())
	vec[0] = value

	pt := bgv.NewPlaintext(k.params, k.params.MaxLevel())
	require.NoError(t, k.encoder.Encode(vec, pt))
	ct, err := k.encryptor.EncryptNew(pt)
	require.NoError(t, err)
	ctBytes, err := ct.MarshalBinary()
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(ctBytes),
		base64.StdEncoding.EncodeToString(proofFor(ctBytes, owner))
}

func newMockContext() (*contractapi.TransactionContext, *shimtest.MockStub) {
	stub := shimtest.NewMockStub("soulmatch", nil)
	ctx := &contractapi.TransactionContext{}
	ctx.SetStub(stub)
	return ctx, stub
}

func readChainProfile(t *testing.T, stub *shimtest.MockStub, owner string) ChainProfile {
	t.Helper()
	raw, err := stub.GetState("profile:" + owner)
	require.NoError(t, err)
	require.NotNil(t, raw)
	var p ChainProfile
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestCreateProfileStoresGrants(t *testing.T) {
	kit := newChainTestKit(t)
	ctx, stub := newMockContext()

	ctI, proofI := kit.input(t, "alice", 42)
	ctV, proofV := kit.input(t, "alice", 5)

	stub.MockTransactionStart("tx-create")
	require.NoError(t, kit.cc.createProfileFor(ctx, "alice", "Alice", ctI, proofI, ctV, proofV, "7"))
	stub.MockTransactionEnd("tx-create")

	profile := readChainProfile(t, stub, "alice")
	assert.True(t, profile.IsActive)
	assert.Equal(t, "Alice", profile.DisplayName)
	assert.Equal(t, int64(7), profile.PublicPreferences)

	for _, h := range []string{profile.EncryptedInterests, profile.EncryptedValues} {
		ct, err := stub.GetState("ct:" + h)
		require.NoError(t, err)
		assert.NotNil(t, ct)
		grant, err := stub.GetState("grant:" + h + ":alice")
		require.NoError(t, err)
		assert.NotNil(t, grant)
	}
}

func TestUpdateProfileRevokesReplacedHandles(t *testing.T) {
	kit := newChainTestKit(t)
	ctx, stub := newMockContext()

	ctI, proofI := kit.input(t, "alice", 42)
	ctV, proofV := kit.input(t, "alice", 5)
	stub.MockTransactionStart("tx-create")
	require.NoError(t, kit.cc.createProfileFor(ctx, "alice", "Alice", ctI, proofI, ctV, proofV, "7"))
	stub.MockTransactionEnd("tx-create")

	before := readChainProfile(t, stub, "alice")

	newCtI, newProofI := kit.input(t, "alice", 43)
	newCtV, newProofV := kit.input(t, "alice", 6)
	stub.MockTransactionStart("tx-update")
	require.NoError(t, kit.cc.updateProfileFor(ctx, "alice", "Alice v2", newCtI, newProofI, newCtV, newProofV, "8"))
	stub.MockTransactionEnd("tx-update")

	after := readChainProfile(t, stub, "alice")
	assert.Equal(t, "Alice v2", after.DisplayName)
	assert.NotEqual(t, before.EncryptedInterests, after.EncryptedInterests)
	assert.NotEqual(t, before.EncryptedValues, after.EncryptedValues)

	// The replaced handles lose both their grant and their ciphertext
	for _, h := range []string{before.EncryptedInterests, before.EncryptedValues} {
		grant, err := stub.GetState("grant:" + h + ":alice")
		require.NoError(t, err)
		assert.Nil(t, grant)
		ct, err := stub.GetState("ct:" + h)
		require.NoError(t, err)
		assert.Nil(t, ct)
	}

	// The replacements are granted and stored
	for _, h := range []string{after.EncryptedInterests, after.EncryptedValues} {
		grant, err := stub.GetState("grant:" + h + ":alice")
		require.NoError(t, err)
		assert.NotNil(t, grant)
		ct, err := stub.GetState("ct:" + h)
		require.NoError(t, err)
		assert.NotNil(t, ct)
	}
}

func TestUpdateProfileRequiresActiveProfile(t *testing.T) {
	kit := newChainTestKit(t)
	ctx, stub := newMockContext()

	ctI, proofI := kit.input(t, "alice", 1)
	ctV, proofV := kit.input(t, "alice", 2)

	// No profile at all
	stub.MockTransactionStart("tx-none")
	err := kit.cc.updateProfileFor(ctx, "alice", "Ghost", ctI, proofI, ctV, proofV, "0")
	stub.MockTransactionEnd("tx-none")
	assert.ErrorContains(t, err, "profile not found")

	// An inactive row is treated the same as a missing one
	inactive, _ := json.Marshal(ChainProfile{Owner: "alice", IsActive: false})
	stub.MockTransactionStart("tx-seed")
	require.NoError(t, stub.PutState("profile:alice", inactive))
	stub.MockTransactionEnd("tx-seed")

	stub.MockTransactionStart("tx-inactive")
	err = kit.cc.updateProfileFor(ctx, "alice", "Ghost", ctI, proofI, ctV, proofV, "0")
	stub.MockTransactionEnd("tx-inactive")
	assert.ErrorContains(t, err, "profile not found")
}

func TestVerifyAndStoreRejectsForeignProof(t *testing.T) {
	kit := newChainTestKit(t)
	ctx, stub := newMockContext()

	ctB64, proofB64 := kit.input(t, "alice", 42)

	stub.MockTransactionStart("tx-forged")
	_, err := kit.cc.verifyAndStore(ctx, ctB64, proofB64, "mallory")
	stub.MockTransactionEnd("tx-forged")

	assert.ErrorContains(t, err, "proof does not match")
}
