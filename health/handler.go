package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the aggregated health of a monitor as JSON. Unhealthy
// aggregates are reported with 503 so load balancer checks fail fast;
// degraded still serves 200 since the service can accept work.
func Handler(systemName string, monitor *Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := monitor.AggregateHealth(systemName)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
