package handlers

import (
	"net/http"

	api "github.com/dropDatabas3/hapass/internal/http"
)

// HealthCheck reports liveness of the two dependencies the gateway cannot
// work without: the database and the upstream event connection.
func HealthCheck(dbPing func() error, wsHealthy func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := dbPing() == nil
		wsOK := wsHealthy()

		status := http.StatusOK
		label := "ok"
		if !dbOK || !wsOK {
			status = http.StatusServiceUnavailable
			label = "degraded"
		}
		api.WriteJSON(w, status, map[string]any{
			"status":     label,
			"database":   dbOK,
			"ws_healthy": wsOK,
		})
	}
}
