package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the health-check endpoints polled by the supervisor:
// /health is a liveness probe that answers 200 while the process runs;
// /ready reflects the aggregate status, 503 unless Healthy or Degraded.
func Handler(m *Monitor) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		snap := m.Check()
		code := http.StatusOK
		if snap.Status == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(snap)
	})

	return mux
}
