package main

import "net/http"

// Browser clients (the SoulMatch web app) talk to the backend cross-origin,
// so every response carries CORS headers and preflights are answered here.

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Allow the Vite dev server and the dockerized client
		origin := r.Header.Get("Origin")
		switch origin {
		case "http://localhost:5173", "http://127.0.0.1:5173",
			"http://localhost:3001", "http://127.0.0.1:3001":
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		default:
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost:3001")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Preflight ends here
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
