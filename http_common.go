package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
)

// --- Response helpers ---
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withTx wraps a function in a database transaction.
// - Ensures COMMIT on success, ROLLBACK on errors or panics.
// - Keeps handler bodies tiny and all state changes atomic.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	defer func() {
		// If the callback panics, make sure to rollback before re-panicking
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// loadMatchForUpdate returns the match row at matchID and takes a row lock
// (`FOR UPDATE`) so no other concurrent request can modify it until our
// transaction finishes. Returns (nil, nil) if no row exists yet.
func loadMatchForUpdate(tx *sql.Tx, matchID string) (*MatchResult, error) {
	row := tx.QueryRow(`
		SELECT match_id, identity_a, identity_b, score, mutual, created_at, updated_at
		FROM matches
		WHERE match_id = $1
		FOR UPDATE
	`, matchID)

	var m MatchResult
	if err := row.Scan(&m.MatchID, &m.IdentityA, &m.IdentityB, &m.Score, &m.Mutual, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// loadProfile fetches one profile row by address.
// Returns (nil, nil) when the row is absent.
func loadProfile(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, address string) (*Profile, error) {
	row := q.QueryRowContext(ctx, `
		SELECT address, display_name, about_me, encrypted_interests, encrypted_values,
		       public_preferences, is_active, updated_at
		FROM profiles
		WHERE address = $1
	`, address)

	var p Profile
	err := row.Scan(&p.Address, &p.DisplayName, &p.AboutMe, &p.EncryptedInterests,
		&p.EncryptedValues, &p.PublicPreferences, &p.IsActive, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
