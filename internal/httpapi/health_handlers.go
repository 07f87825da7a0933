package httpapi

import (
	"context"
	"net/http"
	"time"

	"outreach-engine/internal/events"
)

type HealthHandler struct {
	Store    LeadStore
	Stop     StopSwitch
	Breakers []BreakerProbe
	Hub      *events.Hub
}

// Health is 200 while the store answers; breaker and stop state are reported,
// not judged.
func (h HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"ok": true}
	status := http.StatusOK
	if err := h.Store.Ping(ctx); err != nil {
		body["ok"] = false
		body["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	body["emergencyStop"] = h.Stop.IsActive(ctx)

	breakers := map[string]string{}
	for _, b := range h.Breakers {
		breakers[b.Name()] = b.State().String()
	}
	body["breakers"] = breakers
	if h.Hub != nil {
		body["events"] = map[string]any{"subscribers": h.Hub.Subscribers(), "dropped": h.Hub.Dropped()}
	}
	WriteJSON(w, status, body)
}
