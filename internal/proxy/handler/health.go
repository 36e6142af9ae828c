package handler

import (
	"net/http"
)

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// HealthLiveness handles GET /health/liveness
func (h *Handlers) HealthLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// HealthReadiness handles GET /health/readiness
func (h *Handlers) HealthReadiness(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// HealthServices handles GET /health/services. It reports the database,
// Redis and the result buffer health of every running batch.
func (h *Handlers) HealthServices(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}
	status := "ok"

	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			services["database"] = "unhealthy: " + err.Error()
			status = "degraded"
		} else {
			services["database"] = "healthy"
		}
	} else {
		services["database"] = "not_configured"
	}

	if h.Redis != nil {
		if err := h.Redis.Ping(r.Context()); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
			status = "degraded"
		} else {
			services["redis"] = "healthy"
		}
	} else {
		services["redis"] = "not_configured"
	}

	batches := map[string]any{}
	for _, c := range h.Batches.Running() {
		f := c.Progress().Flush
		batches[c.ID()] = map[string]any{
			"healthy":    f.Healthy,
			"buffered":   f.Buffered,
			"last_error": f.LastError,
		}
		if !f.Healthy {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"services": services,
		"batches":  batches,
	})
}
