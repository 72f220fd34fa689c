package tunnel

import "net/http"

const serverVersion = "0.1.0"

// HealthHandler serves GET /health with a small status summary, per
// SPEC_FULL.md section 6.
func HealthHandler(registry *Registry, proxy *ProxyPipeline, environment string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"name":           "opentunnel",
			"version":        serverVersion,
			"environment":    environment,
			"tunnels":        len(registry.List()),
			"inflight":       proxy.inFlight.OpenCount(),
			"total_requests": proxy.inFlight.TotalCount(),
		})
	}
}
