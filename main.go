package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"log"
	"net/http"
	"os"

	"github.com/mr-tron/base58"
	"github.com/soulmatch-labs/soulmatch/backend/fhe"
	"github.com/soulmatch-labs/soulmatch/backend/oracle"
)

// JWT secret from environment variable or fallback
func getJWTSecret() []byte {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	return []byte("your_secret_key_please_change_in_production")
}

var jwtSecret = getJWTSecret()

// contractAddress is the identity the backend acts under when operating on
// stored ciphertexts (the grantee of the operate-permissions).
var contractAddress = getContractAddress()

func getContractAddress() string {
	if addr := os.Getenv("SOULMATCH_CONTRACT_ADDRESS"); addr != "" {
		return addr
	}
	sum := sha256.Sum256([]byte("soulmatch-fhe-v1"))
	return base58.Encode(sum[:20])
}

// The FHE collaborator and the decryption queue are process-wide, like db.
var (
	engine       fhe.Engine
	decryptQueue oracle.Queue
)

func initEngine() {
	if os.Getenv("FHE_ENGINE") == "plain" {
		log.Println("Warning: using the plaintext reference engine (FHE_ENGINE=plain)")
		engine = fhe.NewPlainEngine()
		return
	}
	bgvEngine, err := fhe.NewBGVEngine()
	if err != nil {
		log.Fatal("Error initializing the BGV engine:", err)
	}
	engine = bgvEngine
	log.Println("BGV engine ready")
}

func initQueue() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		q, err := oracle.NewRedisQueue(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatal("Error connecting to redis:", err)
		}
		decryptQueue = q
		log.Println("Redis decryption queue ready at", addr)
		return
	}
	log.Println("Warning: REDIS_ADDR not set, using in-memory decryption queue")
	decryptQueue = oracle.NewMemoryQueue(128)
}

func main() {
	initDB()
	initEngine()
	initQueue()

	// Decryption oracle: fulfils decrypt-on-demand jobs in the background.
	worker := oracle.NewWorker(decryptQueue, engine)
	worker.Authorize = func(ctx context.Context, requester, handle string) error {
		ok, err := hasGrant(ctx, db, handle, requester)
		if err != nil {
			return err
		}
		if !ok {
			return fhe.ErrNotFound
		}
		return nil
	}
	worker.OnReady = func(job *oracle.Job) {
		emitEvent(db, EventDecryptionReady, map[string]interface{}{
			"job_id":  job.ID,
			"address": job.Requester,
			"status":  job.Status,
		})
	}
	go worker.Run(context.Background())

	mux := http.NewServeMux()

	// Accounts
	mux.Handle("/register", registerHandler(db))
	mux.Handle("/login", loginHandler(db))
	mux.Handle("/me", meHandler(db))

	// FHE gateway for browser clients
	mux.Handle("/fhe/encrypt", fheEncryptHandler(db))
	mux.Handle("/fhe/publickey", fhePublicKeyHandler())

	// Profile store
	mux.Handle("/profile", profileWriteRouter(db)) // POST create / PUT update
	mux.Handle("/profiles", listProfilesHandler(db))
	mux.Handle("/profiles/", profilesDispatcher(db)) // /{address}, /{address}/analysis, /{address}/decrypt

	// Decryption oracle polling
	mux.Handle("/decryptions/", getDecryptionHandler(db))

	// Match registry
	mux.Handle("/matches", matchRouter(db))   // POST calculate / GET list
	mux.Handle("/matches/", matchesDispatcher(db)) // /{id}, /{id}/confirm

	// Event log (poll) and stream (websocket)
	mux.Handle("/events", eventsHandler(db))
	mux.Handle("/ws/events", wsEventsHandler(db))

	// Health check endpoint for Docker
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	log.Default().Println("Starting SoulMatch backend on port 8080...")
	http.ListenAndServe(":8080", withCORS(mux))
}

// profileWriteRouter dispatches POST (create) and PUT (update) on /profile.
func profileWriteRouter(db *sql.DB) http.HandlerFunc {
	create := createProfileHandler(db)
	update := updateProfileHandler(db)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			create.ServeHTTP(w, r)
		case http.MethodPut:
			update.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
		}
	}
}

// matchRouter dispatches POST (calculate) and GET (list) on /matches.
func matchRouter(db *sql.DB) http.HandlerFunc {
	calculate := calculateMatchScoreHandler(db)
	list := listMatchesHandler(db)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			calculate.ServeHTTP(w, r)
		case http.MethodGet:
			list.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
		}
	}
}
