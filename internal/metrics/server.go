package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve exposes the process's registered metrics at addr under /metrics.
// It blocks; callers run it in its own goroutine when
// AGENT_METRICS_ENABLED is set. The agent has no other HTTP listener,
// so a bare ServeMux is enough.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
