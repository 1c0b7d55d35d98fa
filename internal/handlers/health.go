package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health responds with 200 while the database answers a ping and 503 otherwise.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				log.Printf("[health] database ping failed: %v", err)
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}

		payload := map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(payload)
	}
}
