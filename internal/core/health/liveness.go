package health

import "net/http"

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Always is a ReadinessReporter for deployments without a Kafka
// consumer: the process is ready as soon as it serves.
type Always struct{}

func (Always) Readiness() (bool, []int32) { return true, nil }
