package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulmatch-labs/soulmatch/backend/fhe"
)

func TestDeriveMatchID(t *testing.T) {
	id := deriveMatchID("alice", "bob")
	assert.Len(t, id, 64)
	assert.Equal(t, id, deriveMatchID("alice", "bob"))

	// The pair is ordered: swapping the identities yields a different id
	assert.NotEqual(t, id, deriveMatchID("bob", "alice"))
}

// plainProfile registers two attributes with the engine and returns a profile
// carrying their handles, skipping the HTTP and database layers.
func plainProfile(t *testing.T, address string, interests, values uint64) *Profile {
	t.Helper()
	b := fhe.Binding{Contract: contractAddress, Account: address}

	register := func(v uint64) string {
		ct, proof, err := engine.Encrypt(v, b)
		require.NoError(t, err)
		h, err := engine.VerifyInput(ct, proof, b)
		require.NoError(t, err)
		return string(h)
	}

	return &Profile{
		Address:            address,
		EncryptedInterests: register(interests),
		EncryptedValues:    register(values),
		IsActive:           true,
	}
}

func TestComputeMatchScore(t *testing.T) {
	a := plainProfile(t, "addr-a", 42, 5)
	b := plainProfile(t, "addr-b", 7, 9)

	score, err := computeMatchScore(a, b)
	require.NoError(t, err)
	// 2*(42*7) + 2*(5*9)
	assert.Equal(t, uint64(678), score)

	// The circuit is symmetric even though the match id is not
	swapped, err := computeMatchScore(b, a)
	require.NoError(t, err)
	assert.Equal(t, score, swapped)
}

func TestComputeMatchScoreWrapsModulus(t *testing.T) {
	a := plainProfile(t, "addr-big-a", 300, 0)
	b := plainProfile(t, "addr-big-b", 300, 0)

	score, err := computeMatchScore(a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64((2*300*300)%65537), score)
}

func TestListMatchesSurfacesRowErrors(t *testing.T) {
	mdb, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mdb.Close()

	// A mid-iteration failure must not come back as a truncated 200
	rows := sqlmock.NewRows([]string{"match_id"}).
		AddRow(deriveMatchID("a", "b")).
		RowError(0, errors.New("connection reset"))
	mock.ExpectQuery("SELECT match_id FROM match_log").WillReturnRows(rows)

	token, err := signToken("row-err-caller")
	require.NoError(t, err)

	req := authedRequest(http.MethodGet, "/matches", token, nil)
	w := httptest.NewRecorder()
	listMatchesHandler(mdb).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "db_error")
}

func TestComputeMatchScoreUnknownHandle(t *testing.T) {
	a := plainProfile(t, "addr-ok", 1, 1)
	b := &Profile{
		Address:            "addr-bogus",
		EncryptedInterests: "not-a-handle",
		EncryptedValues:    "not-a-handle",
		IsActive:           true,
	}

	_, err := computeMatchScore(a, b)
	assert.ErrorIs(t, err, fhe.ErrNotFound)
}
