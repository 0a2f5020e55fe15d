package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/graph-gophers/dataloader/v7"
)

// profileSummaryBatchFn batches profile summary lookups into one IN query.
// The detailed match listing touches two profiles per row; without batching
// that is a classic N+1.
func profileSummaryBatchFn(db *sql.DB) dataloader.BatchFunc[string, *ProfileSummary] {
	return func(ctx context.Context, keys []string) []*dataloader.Result[*ProfileSummary] {
		results := make([]*dataloader.Result[*ProfileSummary], len(keys))

		// Create a map to track which keys we're looking for
		keyMap := make(map[string]int) // address -> index in results
		for i, key := range keys {
			keyMap[key] = i
			results[i] = &dataloader.Result[*ProfileSummary]{}
		}
		if len(keys) == 0 {
			return results
		}

		// Build placeholders for the IN clause
		placeholders := make([]string, len(keys))
		args := make([]interface{}, len(keys))
		for i, key := range keys {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = key
		}

		query := fmt.Sprintf(`
			SELECT address, display_name, about_me, public_preferences
			FROM profiles
			WHERE address IN (%s)
		`, joinPlaceholders(placeholders))

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			for i := range results {
				results[i].Error = err
			}
			return results
		}
		defer rows.Close()

		for rows.Next() {
			var p ProfileSummary
			if err := rows.Scan(&p.Address, &p.DisplayName, &p.AboutMe, &p.PublicPreferences); err != nil {
				for i := range results {
					if results[i].Data == nil && results[i].Error == nil {
						results[i].Error = err
					}
				}
				return results
			}
			if idx, ok := keyMap[p.Address]; ok {
				results[idx].Data = &p
			}
		}
		return results
	}
}

// Helper function to join placeholders for IN clause
func joinPlaceholders(placeholders []string) string {
	if len(placeholders) == 0 {
		return ""
	}
	result := placeholders[0]
	for i := 1; i < len(placeholders); i++ {
		result += ", " + placeholders[i]
	}
	return result
}

// MatchWithProfiles is a registry entry enriched with both participants'
// public profiles for the matches overview.
type MatchWithProfiles struct {
	MatchResult
	ProfileA *ProfileSummary `json:"profile_a,omitempty"`
	ProfileB *ProfileSummary `json:"profile_b,omitempty"`
}

// GET /matches?detailed=1
func detailedMatchesHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.Query(`
			SELECT match_id, identity_a, identity_b, score, mutual, created_at, updated_at
			FROM matches
			ORDER BY created_at ASC
		`)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		var matches []MatchResult
		for rows.Next() {
			var m MatchResult
			if err := rows.Scan(&m.MatchID, &m.IdentityA, &m.IdentityB, &m.Score, &m.Mutual, &m.CreatedAt, &m.UpdatedAt); err != nil {
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			matches = append(matches, m)
		}
		if err := rows.Err(); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		loader := dataloader.NewBatchedLoader(
			profileSummaryBatchFn(db),
			dataloader.WithWait[string, *ProfileSummary](16*time.Millisecond),
		)

		// Queue every lookup first so the loader can batch them
		type pending struct {
			match  MatchResult
			thunkA dataloader.Thunk[*ProfileSummary]
			thunkB dataloader.Thunk[*ProfileSummary]
		}
		queued := make([]pending, 0, len(matches))
		for _, m := range matches {
			queued = append(queued, pending{
				match:  m,
				thunkA: loader.Load(r.Context(), m.IdentityA),
				thunkB: loader.Load(r.Context(), m.IdentityB),
			})
		}

		out := []MatchWithProfiles{}
		for _, p := range queued {
			item := MatchWithProfiles{MatchResult: p.match}
			if prof, err := p.thunkA(); err == nil {
				item.ProfileA = prof
			}
			if prof, err := p.thunkB(); err == nil {
				item.ProfileB = prof
			}
			out = append(out, item)
		}
		writeJSON(w, http.StatusOK, map[string][]MatchWithProfiles{"matches": out})
	}
}
