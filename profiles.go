package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/soulmatch-labs/soulmatch/backend/fhe"
	"github.com/soulmatch-labs/soulmatch/backend/oracle"
)

// profileRequest is the shared body for profile create and update. Ciphertexts
// and proofs arrive base64-encoded; their bit format is owned by the FHE
// engine and never inspected here.
type profileRequest struct {
	DisplayName        string `json:"display_name"`
	AboutMe            string `json:"about_me"`
	EncryptedInterests string `json:"encrypted_interests"`
	InterestsProof     string `json:"interests_proof"`
	EncryptedValues    string `json:"encrypted_values"`
	ValuesProof        string `json:"values_proof"`
	PublicPreferences  int64  `json:"public_preferences"`
}

// verifyProfileInputs runs both ciphertext/proof pairs through the engine and
// returns the resulting handles. Any malformed input maps to invalid_ciphertext.
func verifyProfileInputs(req *profileRequest, account string) (interests, values fhe.Handle, err error) {
	binding := fhe.Binding{Contract: contractAddress, Account: account}

	ctI, err := base64.StdEncoding.DecodeString(req.EncryptedInterests)
	if err != nil {
		return "", "", fhe.ErrInvalidInput
	}
	proofI, err := base64.StdEncoding.DecodeString(req.InterestsProof)
	if err != nil {
		return "", "", fhe.ErrInvalidInput
	}
	ctV, err := base64.StdEncoding.DecodeString(req.EncryptedValues)
	if err != nil {
		return "", "", fhe.ErrInvalidInput
	}
	proofV, err := base64.StdEncoding.DecodeString(req.ValuesProof)
	if err != nil {
		return "", "", fhe.ErrInvalidInput
	}

	interests, err = engine.VerifyInput(ctI, proofI, binding)
	if err != nil {
		return "", "", err
	}
	values, err = engine.VerifyInput(ctV, proofV, binding)
	if err != nil {
		return "", "", err
	}
	return interests, values, nil
}

func grantHandle(tx *sql.Tx, handle fhe.Handle, grantee string) error {
	_, err := tx.Exec(`
		INSERT INTO fhe_grants (handle, grantee) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, string(handle), grantee)
	return err
}

func revokeHandle(tx *sql.Tx, handle string, grantee string) error {
	_, err := tx.Exec(`DELETE FROM fhe_grants WHERE handle = $1 AND grantee = $2`, handle, grantee)
	return err
}

func hasGrant(ctx context.Context, db *sql.DB, handle, grantee string) (bool, error) {
	var ok bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM fhe_grants WHERE handle = $1 AND grantee = $2)`,
		handle, grantee).Scan(&ok)
	return ok, err
}

// POST /profile - create the caller's profile
func createProfileHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		me := r.Context().Value(addressKey).(string)

		var req profileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}

		existing, err := loadProfile(r.Context(), db, me)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if existing != nil && existing.IsActive {
			writeError(w, http.StatusConflict, "profile_exists")
			return
		}

		interests, values, err := verifyProfileInputs(&req, me)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_ciphertext")
			return
		}

		now := time.Now()
		err = withTx(r.Context(), db, func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT INTO profiles (address, display_name, about_me, encrypted_interests,
				                      encrypted_values, public_preferences, is_active, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
				ON CONFLICT (address) DO UPDATE SET
					display_name = EXCLUDED.display_name,
					about_me = EXCLUDED.about_me,
					encrypted_interests = EXCLUDED.encrypted_interests,
					encrypted_values = EXCLUDED.encrypted_values,
					public_preferences = EXCLUDED.public_preferences,
					is_active = TRUE,
					updated_at = EXCLUDED.updated_at
			`, me, req.DisplayName, req.AboutMe, string(interests), string(values), req.PublicPreferences, now)
			if err != nil {
				return err
			}
			// The contract operates on the stored ciphertexts during
			// scoring; the owner may request their decryption.
			for _, h := range []fhe.Handle{interests, values} {
				if err := grantHandle(tx, h, contractAddress); err != nil {
					return err
				}
				if err := grantHandle(tx, h, me); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			log.Println("createProfileHandler tx error:", err)
			return
		}

		emitEvent(db, EventProfileCreated, map[string]interface{}{
			"address": me, "timestamp": now.Unix(),
		})
		writeJSON(w, http.StatusCreated, map[string]string{
			"address":             me,
			"encrypted_interests": string(interests),
			"encrypted_values":    string(values),
		})
	})
}

// PUT /profile - replace the caller's encrypted attributes and public value
func updateProfileHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		me := r.Context().Value(addressKey).(string)

		var req profileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}

		existing, err := loadProfile(r.Context(), db, me)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if existing == nil || !existing.IsActive {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}

		interests, values, err := verifyProfileInputs(&req, me)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_ciphertext")
			return
		}

		now := time.Now()
		err = withTx(r.Context(), db, func(tx *sql.Tx) error {
			// Revoke the operate-permissions on the replaced ciphertexts
			for _, h := range []string{existing.EncryptedInterests, existing.EncryptedValues} {
				if err := revokeHandle(tx, h, contractAddress); err != nil {
					return err
				}
				if err := revokeHandle(tx, h, me); err != nil {
					return err
				}
			}
			_, err := tx.Exec(`
				UPDATE profiles
				SET display_name = $2, about_me = $3, encrypted_interests = $4,
				    encrypted_values = $5, public_preferences = $6, updated_at = $7
				WHERE address = $1
			`, me, req.DisplayName, req.AboutMe, string(interests), string(values), req.PublicPreferences, now)
			if err != nil {
				return err
			}
			for _, h := range []fhe.Handle{interests, values} {
				if err := grantHandle(tx, h, contractAddress); err != nil {
					return err
				}
				if err := grantHandle(tx, h, me); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			log.Println("updateProfileHandler tx error:", err)
			return
		}

		emitEvent(db, EventProfileUpdated, map[string]interface{}{
			"address": me, "timestamp": now.Unix(),
		})
		writeJSON(w, http.StatusOK, map[string]string{
			"address":             me,
			"encrypted_interests": string(interests),
			"encrypted_values":    string(values),
		})
	})
}

// GET /profiles?q=needle - list active profiles, optionally filtered by a
// substring match on display name or description
func listProfilesHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}

		query := `
			SELECT address, display_name, about_me, public_preferences
			FROM profiles
			WHERE is_active = TRUE
		`
		args := []interface{}{}
		if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
			query += ` AND (display_name ILIKE '%' || $1 || '%' OR about_me ILIKE '%' || $1 || '%')`
			args = append(args, q)
		}
		query += ` ORDER BY updated_at DESC`

		rows, err := db.Query(query, args...)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		profiles := []ProfileSummary{}
		for rows.Next() {
			var p ProfileSummary
			if err := rows.Scan(&p.Address, &p.DisplayName, &p.AboutMe, &p.PublicPreferences); err != nil {
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			profiles = append(profiles, p)
		}
		if err := rows.Err(); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]ProfileSummary{"profiles": profiles})
	})
}

// Dispatcher for /profiles/{address}[/analysis|/decrypt]
func profilesDispatcher(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 2 || parts[0] != "profiles" {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 2 {
			getProfileHandler(db).ServeHTTP(w, r)
			return
		}
		if len(parts) == 3 {
			switch parts[2] {
			case "analysis":
				profileAnalysisHandler(db).ServeHTTP(w, r)
			case "decrypt":
				requestDecryptionHandler(db).ServeHTTP(w, r)
			default:
				http.NotFound(w, r)
			}
			return
		}
		http.NotFound(w, r)
	}
}

// GET /profiles/{address}
func getProfileHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 2 || parts[0] != "profiles" {
			http.NotFound(w, r)
			return
		}
		address := parts[1]

		p, err := loadProfile(r.Context(), db, address)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if p == nil || !p.IsActive {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
}

// POST /profiles/{address}/decrypt - owner-only decrypt-on-demand. The job is
// fulfilled asynchronously by the oracle worker; the client polls
// GET /decryptions/{id} until it completes.
func requestDecryptionHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "profiles" || parts[2] != "decrypt" {
			http.NotFound(w, r)
			return
		}
		address := parts[1]
		me := r.Context().Value(addressKey).(string)
		if me != address {
			writeError(w, http.StatusForbidden, "not_owner")
			return
		}

		var req struct {
			Attribute string `json:"attribute"` // "interests" or "values"
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}

		p, err := loadProfile(r.Context(), db, address)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if p == nil || !p.IsActive {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}

		var handle string
		switch req.Attribute {
		case "interests":
			handle = p.EncryptedInterests
		case "values":
			handle = p.EncryptedValues
		default:
			writeError(w, http.StatusBadRequest, "invalid_attribute")
			return
		}

		job := &oracle.Job{ID: newJobID(), Handle: handle, Requester: me}
		if err := decryptQueue.Push(r.Context(), job); err != nil {
			writeError(w, http.StatusInternalServerError, "queue_error")
			log.Println("requestDecryptionHandler push error:", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
	})
}

// GET /decryptions/{id}
func getDecryptionHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 2 || parts[0] != "decryptions" {
			http.NotFound(w, r)
			return
		}

		job, err := decryptQueue.Get(r.Context(), parts[1])
		if err != nil {
			if errors.Is(err, oracle.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job_not_found")
				return
			}
			writeError(w, http.StatusInternalServerError, "queue_error")
			return
		}
		// Only the requester may see the plaintext
		me := r.Context().Value(addressKey).(string)
		if job.Requester != me {
			writeError(w, http.StatusForbidden, "not_owner")
			return
		}
		writeJSON(w, http.StatusOK, job)
	})
}

func newJobID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable in practice
		panic(err)
	}
	return hex.EncodeToString(buf)
}
