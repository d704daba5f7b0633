package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ruralpay/walletledger/internal/services"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health reports unhealthy when the database cannot be reached.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			services.SendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
			return
		}
		services.SendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
