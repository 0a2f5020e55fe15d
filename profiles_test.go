package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulmatch-labs/soulmatch/backend/oracle"
)

func TestCreateProfileRejectsDuplicate(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("profdupe@test.local")

	acct := registerTestUser(t, "profdupe@test.local", "password123")
	createTestProfile(t, acct, "Dupe", "hello", 42, 10, 20)

	ctI, proofI := encryptAttribute(t, acct, 11)
	ctV, proofV := encryptAttribute(t, acct, 21)
	req := authedRequest(http.MethodPost, "/profile", acct.Token, profileRequest{
		DisplayName:        "Dupe again",
		EncryptedInterests: ctI,
		InterestsProof:     proofI,
		EncryptedValues:    ctV,
		ValuesProof:        proofV,
	})
	w := httptest.NewRecorder()
	createProfileHandler(db).ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "profile_exists")
}

func TestCreateProfileRejectsForeignCiphertext(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("forged@test.local", "victim@test.local")

	attacker := registerTestUser(t, "forged@test.local", "password123")
	victim := registerTestUser(t, "victim@test.local", "password123")

	// Ciphertexts bound to the victim's address must not be accepted on the
	// attacker's profile
	ctI, proofI := encryptAttribute(t, victim, 10)
	ctV, proofV := encryptAttribute(t, victim, 20)
	req := authedRequest(http.MethodPost, "/profile", attacker.Token, profileRequest{
		DisplayName:        "Forger",
		EncryptedInterests: ctI,
		InterestsProof:     proofI,
		EncryptedValues:    ctV,
		ValuesProof:        proofV,
	})
	w := httptest.NewRecorder()
	createProfileHandler(db).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_ciphertext")
}

func TestUpdateProfileReplacesHandles(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("update@test.local")

	acct := registerTestUser(t, "update@test.local", "password123")
	createTestProfile(t, acct, "Before", "old text", 10, 1, 2)

	var before Profile
	require.NoError(t, db.QueryRow(
		`SELECT encrypted_interests, encrypted_values FROM profiles WHERE address = $1`, acct.Address,
	).Scan(&before.EncryptedInterests, &before.EncryptedValues))

	ctI, proofI := encryptAttribute(t, acct, 3)
	ctV, proofV := encryptAttribute(t, acct, 4)
	req := authedRequest(http.MethodPut, "/profile", acct.Token, profileRequest{
		DisplayName:        "After",
		AboutMe:            "new text",
		EncryptedInterests: ctI,
		InterestsProof:     proofI,
		EncryptedValues:    ctV,
		ValuesProof:        proofV,
		PublicPreferences:  20,
	})
	w := httptest.NewRecorder()
	updateProfileHandler(db).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var after Profile
	require.NoError(t, db.QueryRow(
		`SELECT display_name, encrypted_interests, encrypted_values, public_preferences FROM profiles WHERE address = $1`, acct.Address,
	).Scan(&after.DisplayName, &after.EncryptedInterests, &after.EncryptedValues, &after.PublicPreferences))

	assert.Equal(t, "After", after.DisplayName)
	assert.Equal(t, int64(20), after.PublicPreferences)
	assert.NotEqual(t, before.EncryptedInterests, after.EncryptedInterests)
	assert.NotEqual(t, before.EncryptedValues, after.EncryptedValues)

	// The grants on the replaced ciphertexts are gone, the new ones are in place
	ok, err := hasGrant(req.Context(), db, before.EncryptedInterests, contractAddress)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = hasGrant(req.Context(), db, after.EncryptedInterests, contractAddress)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateProfileRequiresExisting(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("noprofile@test.local")

	acct := registerTestUser(t, "noprofile@test.local", "password123")

	ctI, proofI := encryptAttribute(t, acct, 1)
	ctV, proofV := encryptAttribute(t, acct, 2)
	req := authedRequest(http.MethodPut, "/profile", acct.Token, profileRequest{
		EncryptedInterests: ctI,
		InterestsProof:     proofI,
		EncryptedValues:    ctV,
		ValuesProof:        proofV,
	})
	w := httptest.NewRecorder()
	updateProfileHandler(db).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "profile_not_found")
}

func TestListProfilesFilters(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("lista@test.local", "listb@test.local")

	a := registerTestUser(t, "lista@test.local", "password123")
	b := registerTestUser(t, "listb@test.local", "password123")
	createTestProfile(t, a, "Stargazer", "telescopes and tea", 10, 1, 2)
	createTestProfile(t, b, "Baker", "sourdough all day", 20, 3, 4)

	req := authedRequest(http.MethodGet, "/profiles?q=telescopes", a.Token, nil)
	w := httptest.NewRecorder()
	listProfilesHandler(db).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	// Encrypted attributes never leak through the listing
	assert.NotContains(t, body, "encrypted_")

	var resp struct {
		Profiles []ProfileSummary `json:"profiles"`
	}
	json.Unmarshal([]byte(body), &resp)

	addresses := make([]string, 0, len(resp.Profiles))
	for _, p := range resp.Profiles {
		addresses = append(addresses, p.Address)
	}
	assert.Contains(t, addresses, a.Address)
	assert.NotContains(t, addresses, b.Address)
}

func TestListProfilesSurfacesRowErrors(t *testing.T) {
	mdb, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mdb.Close()

	rows := sqlmock.NewRows([]string{"address", "display_name", "about_me", "public_preferences"}).
		AddRow("addr-1", "One", "hello", int64(1)).
		RowError(0, errors.New("connection reset"))
	mock.ExpectQuery("SELECT address, display_name, about_me, public_preferences").WillReturnRows(rows)

	token, err := signToken("row-err-caller")
	require.NoError(t, err)

	req := authedRequest(http.MethodGet, "/profiles", token, nil)
	w := httptest.NewRecorder()
	listProfilesHandler(mdb).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "db_error")
}

func TestGetProfile(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("getprof@test.local")

	acct := registerTestUser(t, "getprof@test.local", "password123")
	createTestProfile(t, acct, "Gettable", "here", 33, 1, 2)

	req := authedRequest(http.MethodGet, "/profiles/"+acct.Address, acct.Token, nil)
	w := httptest.NewRecorder()
	profilesDispatcher(db).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var p Profile
	json.NewDecoder(w.Body).Decode(&p)
	assert.Equal(t, acct.Address, p.Address)
	assert.Equal(t, "Gettable", p.DisplayName)
	assert.Equal(t, int64(33), p.PublicPreferences)

	// Unknown address
	req = authedRequest(http.MethodGet, "/profiles/nonexistent-address", acct.Token, nil)
	w = httptest.NewRecorder()
	profilesDispatcher(db).ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDecryptOnDemand(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("decrypt@test.local", "peeper@test.local")

	owner := registerTestUser(t, "decrypt@test.local", "password123")
	peeper := registerTestUser(t, "peeper@test.local", "password123")
	createTestProfile(t, owner, "Secret", "shh", 5, 42, 7)

	// Only the owner may request decryption of their attributes
	req := authedRequest(http.MethodPost, "/profiles/"+owner.Address+"/decrypt", peeper.Token,
		map[string]string{"attribute": "interests"})
	w := httptest.NewRecorder()
	profilesDispatcher(db).ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Unknown attributes are rejected
	req = authedRequest(http.MethodPost, "/profiles/"+owner.Address+"/decrypt", owner.Token,
		map[string]string{"attribute": "shoe_size"})
	w = httptest.NewRecorder()
	profilesDispatcher(db).ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The owner's request is accepted and fulfilled asynchronously
	req = authedRequest(http.MethodPost, "/profiles/"+owner.Address+"/decrypt", owner.Token,
		map[string]string{"attribute": "interests"})
	w = httptest.NewRecorder()
	profilesDispatcher(db).ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		JobID string `json:"job_id"`
	}
	json.NewDecoder(w.Body).Decode(&accepted)
	require.NotEmpty(t, accepted.JobID)

	// Poll until the oracle worker completes the job
	var job oracle.Job
	deadline := time.Now().Add(2 * time.Second)
	for {
		req = authedRequest(http.MethodGet, "/decryptions/"+accepted.JobID, owner.Token, nil)
		w = httptest.NewRecorder()
		getDecryptionHandler(db).ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		json.NewDecoder(w.Body).Decode(&job)
		if job.Status == oracle.StatusCompleted || job.Status == oracle.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("decryption job stuck in status %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, oracle.StatusCompleted, job.Status)
	assert.Equal(t, uint64(42), job.Plaintext)

	// Another account cannot read the result
	req = authedRequest(http.MethodGet, "/decryptions/"+accepted.JobID, peeper.Token, nil)
	w = httptest.NewRecorder()
	getDecryptionHandler(db).ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Unknown job ids
	req = authedRequest(http.MethodGet, "/decryptions/does-not-exist", owner.Token, nil)
	w = httptest.NewRecorder()
	getDecryptionHandler(db).ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProfileAnalysisSeeded(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("viewer@test.local", "target@test.local")

	viewer := registerTestUser(t, "viewer@test.local", "password123")
	target := registerTestUser(t, "target@test.local", "password123")
	createTestProfile(t, viewer, "Viewer", "jazz hiking pizza", 42, 1, 2)
	createTestProfile(t, target, "Target", "pizza and jazz", 40, 3, 4)

	score := func(seed string) int {
		req := authedRequest(http.MethodGet, "/profiles/"+target.Address+"/analysis?seed="+seed, viewer.Token, nil)
		w := httptest.NewRecorder()
		profilesDispatcher(db).ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Score         int  `json:"score"`
			Authoritative bool `json:"authoritative"`
		}
		json.NewDecoder(w.Body).Decode(&resp)
		assert.False(t, resp.Authoritative)
		return resp.Score
	}

	// Same seed, same estimate
	assert.Equal(t, score("7"), score("7"))

	// Missing target profile
	req := authedRequest(http.MethodGet, "/profiles/ghost-address/analysis", viewer.Token, nil)
	w := httptest.NewRecorder()
	profilesDispatcher(db).ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFHEGateway(t *testing.T) {
	requireDB(t)
	defer cleanupTestData("gateway@test.local")

	acct := registerTestUser(t, "gateway@test.local", "password123")

	// Encrypt through the gateway, then use the pair to create a profile
	req := authedRequest(http.MethodPost, "/fhe/encrypt", acct.Token, map[string]uint64{"value": 42})
	w := httptest.NewRecorder()
	fheEncryptHandler(db).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var enc struct {
		Ciphertext string `json:"ciphertext"`
		Proof      string `json:"proof"`
	}
	json.NewDecoder(w.Body).Decode(&enc)
	require.NotEmpty(t, enc.Ciphertext)
	require.NotEmpty(t, enc.Proof)

	ctV, proofV := encryptAttribute(t, acct, 7)
	req = authedRequest(http.MethodPost, "/profile", acct.Token, profileRequest{
		DisplayName:        "Gateway user",
		EncryptedInterests: enc.Ciphertext,
		InterestsProof:     enc.Proof,
		EncryptedValues:    ctV,
		ValuesProof:        proofV,
	})
	w = httptest.NewRecorder()
	createProfileHandler(db).ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Public key endpoint
	req = httptest.NewRequest(http.MethodGet, "/fhe/publickey", nil)
	w = httptest.NewRecorder()
	fhePublicKeyHandler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "public_key")
}
