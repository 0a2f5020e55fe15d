package main

import (
	"database/sql"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// GET /profiles/{address}/analysis?seed=N
//
// Returns the caller's non-authoritative compatibility estimate for the
// target profile. The seed override is for UI development and tests only;
// production ignores it.
func profileAnalysisHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "profiles" || parts[2] != "analysis" {
			http.NotFound(w, r)
			return
		}
		targetAddr := parts[1]
		me := r.Context().Value(addressKey).(string)

		viewer, err := loadProfile(r.Context(), db, me)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if viewer == nil || !viewer.IsActive {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}
		target, err := loadProfile(r.Context(), db, targetAddr)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if target == nil || !target.IsActive {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}

		rng := analysisRand(r)
		score := analysisScore(viewer, target, rng)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"address":       targetAddr,
			"score":         score,
			"authoritative": false,
		})
	})
}

// analysisRand picks the pseudo-random source for the jitter. Outside
// production a ?seed= parameter fixes it so screenshots and tests are
// reproducible.
func analysisRand(r *http.Request) *rand.Rand {
	if os.Getenv("GO_ENV") != "production" {
		if s := r.URL.Query().Get("seed"); s != "" {
			if seed, err := strconv.ParseInt(s, 10, 64); err == nil {
				return rand.New(rand.NewSource(seed))
			}
		}
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
