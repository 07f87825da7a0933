package httpapi

import (
	"errors"
	"net/http"

	"outreach-engine/internal/delivery"
)

type WebhookHandler struct {
	Ingester DeliveryIngester
}

// Delivery accepts provider callbacks. Unmatched message ids are acknowledged
// with 202 so the provider stops retrying them.
func (h WebhookHandler) Delivery(w http.ResponseWriter, r *http.Request) {
	var ev delivery.Event
	if !decode(w, r, &ev, false) {
		return
	}
	res, err := h.Ingester.Ingest(r.Context(), ev)
	switch {
	case errors.Is(err, delivery.ErrBadEvent), errors.Is(err, delivery.ErrUnknownStatus):
		WriteError(w, r, http.StatusBadRequest, "bad_event", err.Error())
		return
	case err != nil:
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Matched {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, res)
}
