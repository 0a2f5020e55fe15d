package main

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"

	"github.com/soulmatch-labs/soulmatch/backend/fhe"
)

// Gateway endpoints that front the FHE engine for clients which cannot run
// the encryption library themselves. The ciphertext and proof are returned
// base64-encoded, bound to (contract, caller) and ready to submit to the
// profile endpoints.

// POST /fhe/encrypt - body {value}
func fheEncryptHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		me := r.Context().Value(addressKey).(string)

		var req struct {
			Value uint64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}

		ciphertext, proof, err := engine.Encrypt(req.Value, fhe.Binding{
			Contract: contractAddress,
			Account:  me,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "fhe_error")
			log.Println("fheEncryptHandler engine error:", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"ciphertext": base64.StdEncoding.EncodeToString(ciphertext),
			"proof":      base64.StdEncoding.EncodeToString(proof),
		})
	})
}

// GET /fhe/publickey
func fhePublicKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		pk, err := engine.PublicKey()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "fhe_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"public_key": base64.StdEncoding.EncodeToString(pk),
		})
	}
}
