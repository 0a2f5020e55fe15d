// soulmatch_chaincode.go
//
// On-chain rendition of the SoulMatch contract for Hyperledger Fabric.
// Ciphertexts live in world state under their content handles; the match
// score is evaluated homomorphically during the transaction and handed to
// the decryption oracle through a chaincode event. The oracle writes the
// plaintext score back with SubmitDecryption.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// contractBinding is the contract half of the input-proof binding. Clients
// must produce proofs bound to this string and their own identity.
const contractBinding = "soulmatch-fhe-v1"

/**************  DATA MODEL ********************************************/

type ChainProfile struct {
	Owner              string `json:"owner"`
	DisplayName        string `json:"display_name"`
	EncryptedInterests string `json:"encrypted_interests"` // ciphertext handle
	EncryptedValues    string `json:"encrypted_values"`    // ciphertext handle
	PublicPreferences  int64  `json:"public_preferences"`
	IsActive           bool   `json:"is_active"`
}

type ChainMatch struct {
	MatchID     string `json:"match_id"`
	IdentityA   string `json:"identity_a"`
	IdentityB   string `json:"identity_b"`
	ScoreHandle string `json:"score_handle"`
	Score       int64  `json:"score"`
	Scored      bool   `json:"scored"`
	Mutual      bool   `json:"mutual"`
}

// DecryptionRequest is the payload of the RequestDecryption event consumed
// by the off-chain oracle.
type DecryptionRequest struct {
	MatchID string `json:"match_id"`
	Handle  string `json:"handle"`
}

/**************  CHAINCODE STRUCT **************************************/

type SoulMatchChaincode struct {
	contractapi.Contract

	// Cryptographic context, reloaded lazily from world state after restarts.
	Params    bgv.Parameters
	ParamsSet bool
	EvalKeys  *rlwe.MemEvaluationKeySet
}

func bgvParams() (bgv.Parameters, error) {
	return bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
		LogN:             13,
		LogQ:             []int{54, 54},
		LogP:             []int{54},
		PlaintextModulus: 65537,
	})
}

/**************  INIT LEDGER *******************************************/

// InitLedger installs the relinearization key the evaluator needs for
// ciphertext-by-ciphertext products. The secret key never reaches the chain;
// only the oracle holds it.
func (cc *SoulMatchChaincode) InitLedger(ctx contractapi.TransactionContextInterface, relinKeyB64 string) error {
	p, err := bgvParams()
	if err != nil {
		return fmt.Errorf("failed to set params: %v", err)
	}
	cc.Params = p
	cc.ParamsSet = true

	rlkBytes, err := base64.StdEncoding.DecodeString(relinKeyB64)
	if err != nil {
		return fmt.Errorf("invalid relin key encoding: %v", err)
	}
	rlk := &rlwe.RelinearizationKey{}
	if err := rlk.UnmarshalBinary(rlkBytes); err != nil {
		return fmt.Errorf("invalid relin key: %v", err)
	}
	cc.EvalKeys = rlwe.NewMemEvaluationKeySet(rlk)

	if err := ctx.GetStub().PutState("rlk", rlkBytes); err != nil {
		return fmt.Errorf("failed to save rlk: %v", err)
	}
	if err := ctx.GetStub().PutState("matchlog_n", []byte("0")); err != nil {
		return fmt.Errorf("failed to init match log: %v", err)
	}
	return nil
}

// ensureCrypto reloads params and evaluation keys after a peer restart.
func (cc *SoulMatchChaincode) ensureCrypto(ctx contractapi.TransactionContextInterface) error {
	if !cc.ParamsSet {
		p, err := bgvParams()
		if err != nil {
			return err
		}
		cc.Params = p
		cc.ParamsSet = true
	}
	if cc.EvalKeys == nil {
		raw, err := ctx.GetStub().GetState("rlk")
		if err != nil {
			return err
		}
		if raw == nil {
			return fmt.Errorf("ledger not initialized")
		}
		rlk := &rlwe.RelinearizationKey{}
		if err := rlk.UnmarshalBinary(raw); err != nil {
			return err
		}
		cc.EvalKeys = rlwe.NewMemEvaluationKeySet(rlk)
	}
	return nil
}

/**************  CIPHERTEXT STORE **************************************/

func computeHandle(ct []byte) string {
	sum := sha256.Sum256(ct)
	return hex.EncodeToString(sum[:])
}

func proofFor(ct []byte, account string) []byte {
	h := sha256.New()
	h.Write(ct)
	h.Write([]byte{0})
	h.Write([]byte(contractBinding))
	h.Write([]byte{0})
	h.Write([]byte(account))
	return h.Sum(nil)
}

// verifyAndStore checks the input proof against the caller binding, checks
// the ciphertext deserializes, stores it under its handle and grants the
// caller operate-permission.
func (cc *SoulMatchChaincode) verifyAndStore(ctx contractapi.TransactionContextInterface, ctB64, proofB64, account string) (string, error) {
	ctBytes, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %v", err)
	}
	proofBytes, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("invalid proof encoding: %v", err)
	}
	if !hmac.Equal(proofBytes, proofFor(ctBytes, account)) {
		return "", fmt.Errorf("input proof does not match caller binding")
	}
	ct := rlwe.NewCiphertext(cc.Params, 1)
	if err := ct.UnmarshalBinary(ctBytes); err != nil {
		return "", fmt.Errorf("malformed ciphertext: %v", err)
	}

	handle := computeHandle(ctBytes)
	if err := ctx.GetStub().PutState("ct:"+handle, ctBytes); err != nil {
		return "", err
	}
	if err := ctx.GetStub().PutState("grant:"+handle+":"+account, []byte{1}); err != nil {
		return "", err
	}
	return handle, nil
}

func (cc *SoulMatchChaincode) loadCiphertext(ctx contractapi.TransactionContextInterface, handle string) (*rlwe.Ciphertext, error) {
	raw, err := ctx.GetStub().GetState("ct:" + handle)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("ciphertext %s not found", handle)
	}
	ct := rlwe.NewCiphertext(cc.Params, 1)
	if err := ct.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return ct, nil
}

func (cc *SoulMatchChaincode) hasGrant(ctx contractapi.TransactionContextInterface, handle, account string) (bool, error) {
	raw, err := ctx.GetStub().GetState("grant:" + handle + ":" + account)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

func callerID(ctx contractapi.TransactionContextInterface) (string, error) {
	c, err := cid.New(ctx.GetStub())
	if err != nil {
		return "", err
	}
	return c.GetID()
}

/**************  PROFILE STORE *****************************************/

func (cc *SoulMatchChaincode) CreateProfile(ctx contractapi.TransactionContextInterface,
	displayName, interestsCtB64, interestsProofB64, valuesCtB64, valuesProofB64, publicPrefsStr string) error {

	if err := cc.ensureCrypto(ctx); err != nil {
		return err
	}
	me, err := callerID(ctx)
	if err != nil {
		return err
	}
	return cc.createProfileFor(ctx, me, displayName, interestsCtB64, interestsProofB64, valuesCtB64, valuesProofB64, publicPrefsStr)
}

func (cc *SoulMatchChaincode) createProfileFor(ctx contractapi.TransactionContextInterface,
	me, displayName, interestsCtB64, interestsProofB64, valuesCtB64, valuesProofB64, publicPrefsStr string) error {

	existing, err := ctx.GetStub().GetState("profile:" + me)
	if err != nil {
		return err
	}
	if existing != nil {
		var p ChainProfile
		if json.Unmarshal(existing, &p) == nil && p.IsActive {
			return fmt.Errorf("profile already exists")
		}
	}

	prefs, err := strconv.ParseInt(publicPrefsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid public preferences: %v", err)
	}

	interests, err := cc.verifyAndStore(ctx, interestsCtB64, interestsProofB64, me)
	if err != nil {
		return err
	}
	values, err := cc.verifyAndStore(ctx, valuesCtB64, valuesProofB64, me)
	if err != nil {
		return err
	}

	profile := ChainProfile{
		Owner:              me,
		DisplayName:        displayName,
		EncryptedInterests: interests,
		EncryptedValues:    values,
		PublicPreferences:  prefs,
		IsActive:           true,
	}
	js, _ := json.Marshal(profile)
	if err := ctx.GetStub().PutState("profile:"+me, js); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"user": me})
	return ctx.GetStub().SetEvent("ProfileCreated", payload)
}

func (cc *SoulMatchChaincode) UpdateProfile(ctx contractapi.TransactionContextInterface,
	displayName, interestsCtB64, interestsProofB64, valuesCtB64, valuesProofB64, publicPrefsStr string) error {

	if err := cc.ensureCrypto(ctx); err != nil {
		return err
	}
	me, err := callerID(ctx)
	if err != nil {
		return err
	}
	return cc.updateProfileFor(ctx, me, displayName, interestsCtB64, interestsProofB64, valuesCtB64, valuesProofB64, publicPrefsStr)
}

func (cc *SoulMatchChaincode) updateProfileFor(ctx contractapi.TransactionContextInterface,
	me, displayName, interestsCtB64, interestsProofB64, valuesCtB64, valuesProofB64, publicPrefsStr string) error {

	raw, err := ctx.GetStub().GetState("profile:" + me)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("profile not found")
	}
	var profile ChainProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return err
	}
	if !profile.IsActive {
		return fmt.Errorf("profile not found")
	}

	prefs, err := strconv.ParseInt(publicPrefsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid public preferences: %v", err)
	}
	interests, err := cc.verifyAndStore(ctx, interestsCtB64, interestsProofB64, me)
	if err != nil {
		return err
	}
	values, err := cc.verifyAndStore(ctx, valuesCtB64, valuesProofB64, me)
	if err != nil {
		return err
	}

	// Revoke the operate-permissions on the replaced ciphertexts and drop
	// the orphaned ciphertexts, unless a handle was resubmitted unchanged.
	for _, old := range []string{profile.EncryptedInterests, profile.EncryptedValues} {
		if old == interests || old == values {
			continue
		}
		if err := ctx.GetStub().DelState("grant:" + old + ":" + me); err != nil {
			return err
		}
		if err := ctx.GetStub().DelState("ct:" + old); err != nil {
			return err
		}
	}

	profile.DisplayName = displayName
	profile.EncryptedInterests = interests
	profile.EncryptedValues = values
	profile.PublicPreferences = prefs
	profile.IsActive = true
	js, _ := json.Marshal(profile)
	if err := ctx.GetStub().PutState("profile:"+me, js); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"user": me})
	return ctx.GetStub().SetEvent("ProfileUpdated", payload)
}

func (cc *SoulMatchChaincode) GetProfile(ctx contractapi.TransactionContextInterface, owner string) (*ChainProfile, error) {
	raw, err := ctx.GetStub().GetState("profile:" + owner)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("profile not found")
	}
	var p ChainProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

/**************  MATCH REGISTRY ****************************************/

// deriveMatchID hashes the identity pair in call order. (A,B) and (B,A)
// intentionally produce distinct registry entries.
func deriveMatchID(a, b string) string {
	sum := sha256.Sum256([]byte(a + b))
	return hex.EncodeToString(sum[:])
}

// CalculateMatchScore evaluates 2*(A.i*B.i + A.v*B.v) homomorphically, stores
// the result ciphertext and asks the oracle to decrypt it.
func (cc *SoulMatchChaincode) CalculateMatchScore(ctx contractapi.TransactionContextInterface, identityA, identityB string) (string, error) {
	if err := cc.ensureCrypto(ctx); err != nil {
		return "", err
	}
	if identityA == "" || identityB == "" || identityA == identityB {
		return "", fmt.Errorf("invalid identity pair")
	}

	profA, err := cc.GetProfile(ctx, identityA)
	if err != nil {
		return "", err
	}
	profB, err := cc.GetProfile(ctx, identityB)
	if err != nil {
		return "", err
	}
	if !profA.IsActive || !profB.IsActive {
		return "", fmt.Errorf("both profiles must be active")
	}
	for _, pair := range [][2]string{
		{profA.EncryptedInterests, identityA},
		{profA.EncryptedValues, identityA},
		{profB.EncryptedInterests, identityB},
		{profB.EncryptedValues, identityB},
	} {
		ok, err := cc.hasGrant(ctx, pair[0], pair[1])
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("missing operate-permission on %s", pair[0])
		}
	}

	aI, err := cc.loadCiphertext(ctx, profA.EncryptedInterests)
	if err != nil {
		return "", err
	}
	aV, err := cc.loadCiphertext(ctx, profA.EncryptedValues)
	if err != nil {
		return "", err
	}
	bI, err := cc.loadCiphertext(ctx, profB.EncryptedInterests)
	if err != nil {
		return "", err
	}
	bV, err := cc.loadCiphertext(ctx, profB.EncryptedValues)
	if err != nil {
		return "", err
	}

	eval := bgv.NewEvaluator(cc.Params, cc.EvalKeys)
	iAB, err := eval.MulRelinNew(aI, bI)
	if err != nil {
		return "", err
	}
	iBA, err := eval.MulRelinNew(bI, aI)
	if err != nil {
		return "", err
	}
	interests, err := eval.AddNew(iAB, iBA)
	if err != nil {
		return "", err
	}
	vAB, err := eval.MulRelinNew(aV, bV)
	if err != nil {
		return "", err
	}
	vBA, err := eval.MulRelinNew(bV, aV)
	if err != nil {
		return "", err
	}
	values, err := eval.AddNew(vAB, vBA)
	if err != nil {
		return "", err
	}
	total, err := eval.AddNew(interests, values)
	if err != nil {
		return "", err
	}

	totalBytes, err := total.MarshalBinary()
	if err != nil {
		return "", err
	}
	scoreHandle := computeHandle(totalBytes)
	if err := ctx.GetStub().PutState("ct:"+scoreHandle, totalBytes); err != nil {
		return "", err
	}

	matchID := deriveMatchID(identityA, identityB)
	match := ChainMatch{
		MatchID:     matchID,
		IdentityA:   identityA,
		IdentityB:   identityB,
		ScoreHandle: scoreHandle,
		Mutual:      false, // recomputation resets confirmation
	}
	js, _ := json.Marshal(match)
	if err := ctx.GetStub().PutState("match:"+matchID, js); err != nil {
		return "", err
	}
	if err := cc.appendMatchLog(ctx, matchID); err != nil {
		return "", err
	}

	reqPayload, _ := json.Marshal(DecryptionRequest{MatchID: matchID, Handle: scoreHandle})
	if err := ctx.GetStub().SetEvent("RequestDecryption", reqPayload); err != nil {
		return "", err
	}
	evtPayload, _ := json.Marshal(map[string]string{"match_id": matchID})
	if err := ctx.GetStub().SetEvent("MatchCalculated", evtPayload); err != nil {
		return "", err
	}
	return matchID, nil
}

// appendMatchLog records every calculation, duplicates included.
func (cc *SoulMatchChaincode) appendMatchLog(ctx contractapi.TransactionContextInterface, matchID string) error {
	raw, err := ctx.GetStub().GetState("matchlog_n")
	if err != nil {
		return err
	}
	n := 0
	if raw != nil {
		n, _ = strconv.Atoi(string(raw))
	}
	if err := ctx.GetStub().PutState(fmt.Sprintf("matchlog:%08d", n), []byte(matchID)); err != nil {
		return err
	}
	return ctx.GetStub().PutState("matchlog_n", []byte(strconv.Itoa(n+1)))
}

// SubmitDecryption is the oracle write-back: the decrypted score for a
// pending match.
func (cc *SoulMatchChaincode) SubmitDecryption(ctx contractapi.TransactionContextInterface, matchID, scoreStr string) error {
	raw, err := ctx.GetStub().GetState("match:" + matchID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("match not found")
	}
	var match ChainMatch
	if err := json.Unmarshal(raw, &match); err != nil {
		return err
	}
	score, err := strconv.ParseInt(scoreStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid score: %v", err)
	}
	match.Score = score
	match.Scored = true
	js, _ := json.Marshal(match)
	return ctx.GetStub().PutState("match:"+matchID, js)
}

// ConfirmMatch flips the mutual flag. Any identity may confirm; the flag
// records that someone did, not who.
func (cc *SoulMatchChaincode) ConfirmMatch(ctx contractapi.TransactionContextInterface, matchID string) error {
	raw, err := ctx.GetStub().GetState("match:" + matchID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("match not found")
	}
	var match ChainMatch
	if err := json.Unmarshal(raw, &match); err != nil {
		return err
	}
	if match.Mutual {
		return fmt.Errorf("match already confirmed")
	}
	match.Mutual = true
	js, _ := json.Marshal(match)
	if err := ctx.GetStub().PutState("match:"+matchID, js); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"match_id": matchID})
	return ctx.GetStub().SetEvent("MatchConfirmed", payload)
}

func (cc *SoulMatchChaincode) GetMatch(ctx contractapi.TransactionContextInterface, matchID string) (*ChainMatch, error) {
	raw, err := ctx.GetStub().GetState("match:" + matchID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("match not found")
	}
	var m ChainMatch
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMatchIds returns the calculation log in append order.
func (cc *SoulMatchChaincode) GetMatchIds(ctx contractapi.TransactionContextInterface) ([]string, error) {
	raw, err := ctx.GetStub().GetState("matchlog_n")
	if err != nil {
		return nil, err
	}
	n := 0
	if raw != nil {
		n, _ = strconv.Atoi(string(raw))
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		entry, err := ctx.GetStub().GetState(fmt.Sprintf("matchlog:%08d", i))
		if err != nil {
			return nil, err
		}
		if entry != nil {
			ids = append(ids, string(entry))
		}
	}
	return ids, nil
}

/**************  MAIN **************************************************/

func main() {
	cc, err := contractapi.NewChaincode(&SoulMatchChaincode{})
	if err != nil {
		panic(fmt.Sprintf("create cc: %v", err))
	}
	if err := cc.Start(); err != nil {
		panic(fmt.Sprintf("start cc: %v", err))
	}
}
