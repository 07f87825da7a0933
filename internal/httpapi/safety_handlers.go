package httpapi

import (
	"net/http"
	"time"

	"outreach-engine/internal/compliance"
	"outreach-engine/internal/events"
)

type SafetyHandler struct {
	Stop     StopSwitch
	Governor Governor
	Emails   EmailValidator
	Content  ContentChecker
	Hub      events.Publisher
}

func (h SafetyHandler) GetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, emergencyStopResp{Active: h.Stop.IsActive(r.Context())})
}

// PutEmergencyStop is mounted behind RequireOperator.
func (h SafetyHandler) PutEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopReq
	if !decodeJSON(w, r, &req) {
		return
	}
	p, ok := principalFrom(r.Context())
	if !ok {
		WriteError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if err := h.Stop.Set(r.Context(), *req.Active, p.Actor); err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "persistence_error", err.Error())
		return
	}
	resp := emergencyStopResp{Active: *req.Active, Actor: p.Actor}
	h.Hub.Publish(events.MakeEvent(RequestIDFrom(r.Context()), events.TypeKillSwitch, 1, resp))
	WriteJSON(w, http.StatusOK, resp)
}

func (h SafetyHandler) Throttle(w http.ResponseWriter, r *http.Request) {
	st, err := h.Governor.CheckStatus(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "persistence_error", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// Pause records an operator pause window; mounted behind RequireOperator.
func (h SafetyHandler) Pause(w http.ResponseWriter, r *http.Request) {
	var req pauseReq
	if !decodeJSON(w, r, &req) {
		return
	}
	reason := req.Reason
	if p, ok := principalFrom(r.Context()); ok {
		reason = p.Actor + ": " + reason
	}
	until, err := h.Governor.PauseOutreach(r.Context(), req.Minutes, reason)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "persistence_error", err.Error())
		return
	}
	data := map[string]any{"until": until.UTC().Format(time.RFC3339), "reason": reason}
	h.Hub.Publish(events.MakeEvent(RequestIDFrom(r.Context()), events.TypeThrottlePaused, 1, data))
	WriteJSON(w, http.StatusOK, data)
}

func (h SafetyHandler) ValidateEmail(w http.ResponseWriter, r *http.Request) {
	var req validateEmailReq
	if !decodeJSON(w, r, &req) {
		return
	}
	WriteJSON(w, http.StatusOK, h.Emails.Validate(r.Context(), req.Email))
}

func (h SafetyHandler) CheckCompliance(w http.ResponseWriter, r *http.Request) {
	var req complianceReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HTML || compliance.LooksLikeHTML(req.Text) {
		res, err := h.Content.CheckHTML(req.Text)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "invalid_html", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, res)
		return
	}
	WriteJSON(w, http.StatusOK, h.Content.Check(req.Text))
}
