package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		if err == nil {
			return componentStatus{Component: component, Status: "ok"}
		}
		h.Logger.Warn("health check failed", "component", component, "error", err)
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
		return componentStatus{Component: component, Status: "degraded", Error: "unreachable"}
	}

	components := make([]componentStatus, 0, 1+len(h.Checks))
	components = append(components, recordComponent("datastore", h.Service.Ping(ctx)))
	for _, check := range h.Checks {
		if check.Ping == nil {
			continue
		}
		components = append(components, recordComponent(check.Name, check.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports the reachability of the metadata store and any extra
// components. It answers 503 when one of them is degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
