package handlers

import (
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/health"
)

const readinessTimeout = 2 * time.Second

type HealthHandler struct {
	checks []health.ReadinessCheck
}

func NewHealthHandler(checks ...health.ReadinessCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := health.CheckAll(r.Context(), readinessTimeout, h.checks...); err != nil {
		WriteEnvelope(w, r, http.StatusServiceUnavailable,
			Fail(http.StatusServiceUnavailable, "not_ready", err.Error()))
		return
	}
	WriteData(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
