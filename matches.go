package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/soulmatch-labs/soulmatch/backend/fhe"
)

// deriveMatchID hashes the ordered pair of identities. The order matters:
// (A,B) and (B,A) map to different registry entries. That asymmetry is
// long-standing observed behavior and is pinned by tests; do not "fix" it
// here without migrating stored match ids.
func deriveMatchID(identityA, identityB string) string {
	sum := sha256.Sum256([]byte(identityA + identityB))
	return hex.EncodeToString(sum[:])
}

// POST /matches - body {identity_a, identity_b}: compute the homomorphic
// match score for the ordered pair and persist the decrypted result.
// Any authenticated caller may trigger scoring for any pair.
func calculateMatchScoreHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}

		var req struct {
			IdentityA string `json:"identity_a"`
			IdentityB string `json:"identity_b"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.IdentityA == "" || req.IdentityB == "" || req.IdentityA == req.IdentityB {
			writeError(w, http.StatusBadRequest, "invalid_pair")
			return
		}

		profA, err := loadProfile(r.Context(), db, req.IdentityA)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		profB, err := loadProfile(r.Context(), db, req.IdentityB)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if profA == nil || !profA.IsActive || profB == nil || !profB.IsActive {
			writeError(w, http.StatusConflict, "profiles_not_active")
			return
		}

		// The contract's operate-permission on every stored handle is an
		// invariant kept by the profile write paths; a miss means state
		// was tampered with outside the API.
		for _, h := range []string{profA.EncryptedInterests, profA.EncryptedValues,
			profB.EncryptedInterests, profB.EncryptedValues} {
			ok, err := hasGrant(r.Context(), db, h, contractAddress)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			if !ok {
				writeError(w, http.StatusInternalServerError, "grant_missing")
				log.Println("calculateMatchScore: missing contract grant on", h)
				return
			}
		}

		score, err := computeMatchScore(profA, profB)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "fhe_error")
			log.Println("calculateMatchScore engine error:", err)
			return
		}

		matchID := deriveMatchID(req.IdentityA, req.IdentityB)
		now := time.Now()
		err = withTx(r.Context(), db, func(tx *sql.Tx) error {
			// Recomputing the same ordered pair overwrites the registry
			// entry (and clears any prior confirmation)...
			_, err := tx.Exec(`
				INSERT INTO matches (match_id, identity_a, identity_b, score, mutual, created_at, updated_at)
				VALUES ($1, $2, $3, $4, FALSE, $5, $5)
				ON CONFLICT (match_id) DO UPDATE SET
					score = EXCLUDED.score,
					mutual = FALSE,
					updated_at = EXCLUDED.updated_at
			`, matchID, req.IdentityA, req.IdentityB, int64(score), now)
			if err != nil {
				return err
			}
			// ...but the ordered log grows on every successful call, so
			// recomputed ids appear more than once.
			_, err = tx.Exec(`INSERT INTO match_log (match_id) VALUES ($1)`, matchID)
			return err
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			log.Println("calculateMatchScoreHandler tx error:", err)
			return
		}

		emitEvent(db, EventMatchCalculated, map[string]interface{}{
			"match_id":   matchID,
			"identity_a": req.IdentityA,
			"identity_b": req.IdentityB,
			"score":      score,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{"match_id": matchID, "score": score})
	})
}

// computeMatchScore runs the scoring circuit on the engine:
//
//	interest = A.i*B.i + B.i*A.i
//	value    = A.v*B.v + B.v*A.v
//	total    = interest + value
//
// then decrypts the total. The doubled symmetric product (equivalent to
// 2*A.i*B.i) is kept exactly as the contract has always computed it.
func computeMatchScore(a, b *Profile) (uint64, error) {
	aInt, bInt := fhe.Handle(a.EncryptedInterests), fhe.Handle(b.EncryptedInterests)
	aVal, bVal := fhe.Handle(a.EncryptedValues), fhe.Handle(b.EncryptedValues)

	i1, err := engine.Mul(aInt, bInt)
	if err != nil {
		return 0, err
	}
	i2, err := engine.Mul(bInt, aInt)
	if err != nil {
		return 0, err
	}
	interest, err := engine.Add(i1, i2)
	if err != nil {
		return 0, err
	}

	v1, err := engine.Mul(aVal, bVal)
	if err != nil {
		return 0, err
	}
	v2, err := engine.Mul(bVal, aVal)
	if err != nil {
		return 0, err
	}
	value, err := engine.Add(v1, v2)
	if err != nil {
		return 0, err
	}

	total, err := engine.Add(interest, value)
	if err != nil {
		return 0, err
	}
	return engine.Decrypt(total)
}

// Dispatcher for /matches/{id}[/confirm]
func matchesDispatcher(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 2 || parts[0] != "matches" {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 2 {
			getMatchHandler(db).ServeHTTP(w, r)
			return
		}
		if len(parts) == 3 && parts[2] == "confirm" {
			confirmMatchHandler(db).ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	}
}

// POST /matches/{id}/confirm - flip mutual to true, exactly once.
// No participant check: any authenticated caller may confirm any match.
// That matches the deployed contract and is pinned by tests.
func confirmMatchHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "matches" || parts[2] != "confirm" {
			http.NotFound(w, r)
			return
		}
		matchID := parts[1]

		wroteErr := false
		err := withTx(r.Context(), db, func(tx *sql.Tx) error {
			row, err := loadMatchForUpdate(tx, matchID)
			if err != nil {
				return err
			}
			if row == nil {
				writeError(w, http.StatusNotFound, "match_not_found")
				wroteErr = true
				return nil
			}
			if row.Mutual {
				writeError(w, http.StatusConflict, "already_confirmed")
				wroteErr = true
				return nil
			}
			_, err = tx.Exec(`UPDATE matches SET mutual = TRUE, updated_at = NOW() WHERE match_id = $1`, matchID)
			return err
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			log.Println("confirmMatchHandler tx error:", err)
			return
		}
		if wroteErr {
			return
		}

		emitEvent(db, EventMatchConfirmed, map[string]interface{}{
			"match_id": matchID, "mutual": true,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{"match_id": matchID, "mutual": true})
	})
}

// GET /matches/{id}
func getMatchHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 2 || parts[0] != "matches" {
			http.NotFound(w, r)
			return
		}

		var m MatchResult
		err := db.QueryRow(`
			SELECT match_id, identity_a, identity_b, score, mutual, created_at, updated_at
			FROM matches WHERE match_id = $1
		`, parts[1]).Scan(&m.MatchID, &m.IdentityA, &m.IdentityB, &m.Score, &m.Mutual, &m.CreatedAt, &m.UpdatedAt)
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "match_not_found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, m)
	})
}

// GET /matches - the full ordered append log of match ids.
// GET /matches?detailed=1 - registry entries joined with both participants'
// public profiles (batched through the dataloader).
func listMatchesHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		if r.URL.Query().Get("detailed") != "" {
			detailedMatchesHandler(db).ServeHTTP(w, r)
			return
		}

		rows, err := db.Query(`SELECT match_id FROM match_log ORDER BY seq ASC`)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		ids := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"match_ids": ids})
	})
}
