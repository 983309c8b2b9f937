package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Readiness is ready when the database answers a ping and, if warm is
// non-nil, the warm-up consumer holds a partition assignment.
func Readiness(db Pinger, warm ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Database   string  `json:"database"`
			Warmup     string  `json:"warmup,omitempty"`
			Partitions []int32 `json:"partitions,omitempty"`
		}
		out := resp{Status: "ready", Database: "ok"}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			out.Status = "not_ready"
			out.Database = "unreachable"
		}

		if warm != nil {
			ready, parts := warm.Readiness()
			if ready {
				out.Warmup = "assigned"
				out.Partitions = parts
			} else {
				out.Status = "not_ready"
				out.Warmup = "unassigned"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
