package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type DriverHandler struct {
	Driver DriverRunner
	Log    *slog.Logger
	// Timeout bounds a batch started from the API.
	Timeout time.Duration
}

func (h DriverHandler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.Driver.Status())
}

// Run starts a batch in the background and returns immediately.
func (h DriverHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.Driver.Status().Running {
		WriteJSON(w, http.StatusConflict, map[string]any{"ok": false, "msg": "already running"})
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	reqID := RequestIDFrom(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.Driver.RunBatch(ctx); err != nil {
			h.Log.Warn("manual batch failed", "request_id", reqID, "err", err)
		}
	}()

	WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
