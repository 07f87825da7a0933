package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/outreach"
)

type LeadsHandler struct {
	Store  LeadStore
	Engine LeadEngine
	Admit  LeadAdmitter
}

// Create admits submitted candidates through the validity gate as NEW leads.
func (h LeadsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createLeadsReq
	if !decodeJSON(w, r, &req) {
		return
	}
	sum, err := h.Admit.Admit(r.Context(), strings.TrimSpace(req.Source), req.Leads)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sum)
}

func (h LeadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lead, err := h.Store.GetLead(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	view := leadView{Lead: lead}
	if r.URL.Query().Get("audit") == "1" {
		view.Audit, err = h.Store.ListAuditByLead(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, view)
}

// Contact runs one AttemptContact. Blocked and skipped outcomes are 200s;
// only failures use the error envelope.
func (h LeadsHandler) Contact(w http.ResponseWriter, r *http.Request) {
	var draft outreach.Draft
	if !decodeJSON(w, r, &draft) {
		return
	}
	out, err := h.Engine.AttemptContact(r.Context(), chi.URLParam(r, "id"), draft)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h LeadsHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	to := domain.LeadStatus(strings.ToUpper(strings.TrimSpace(string(req.To))))
	if !to.Valid() {
		WriteError(w, r, http.StatusBadRequest, "validation_failed", "unknown status "+string(req.To))
		return
	}
	cause := req.Cause
	if p, ok := principalFrom(r.Context()); ok {
		cause = p.Actor + ": " + cause
	}
	lead, err := h.Engine.Transition(r.Context(), chi.URLParam(r, "id"), to, cause)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, lead)
}

func (h LeadsHandler) Reenrich(w http.ResponseWriter, r *http.Request) {
	var req outreach.Research
	if !decodeJSON(w, r, &req) {
		return
	}
	lead, err := h.Engine.Reenrich(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, lead)
}
