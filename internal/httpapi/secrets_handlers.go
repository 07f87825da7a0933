package httpapi

import (
	"net/http"
	"sync/atomic"

	"outreach-engine/internal/config"
	"outreach-engine/internal/secrets"
)

type SecretsHandler struct {
	CfgVal *atomic.Value // stores config.Config
}

func (h SecretsHandler) SetIMAPPassword(w http.ResponseWriter, r *http.Request) {
	var req imapPasswordReq
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg := h.CfgVal.Load().(config.Config)
	acct := secrets.IMAPAccount(cfg.Mailbox.Username, cfg.Mailbox.IMAPHost)
	if err := secrets.SetIMAPPassword(acct, req.Password); err != nil {
		WriteError(w, r, http.StatusBadRequest, "secret_store_failed", "failed to store password: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h SecretsHandler) SetProviderKey(w http.ResponseWriter, r *http.Request) {
	var req providerKeyReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := secrets.SetProviderAPIKey(req.APIKey); err != nil {
		WriteError(w, r, http.StatusBadRequest, "secret_store_failed", "failed to store api key: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status reports which secrets are present without revealing them.
func (h SecretsHandler) Status(w http.ResponseWriter, r *http.Request) {
	cfg := h.CfgVal.Load().(config.Config)
	acct := secrets.IMAPAccount(cfg.Mailbox.Username, cfg.Mailbox.IMAPHost)
	WriteJSON(w, http.StatusOK, map[string]bool{
		"providerApiKey": secrets.Has(secrets.ProviderAPIKey),
		"imapPassword":   secrets.Has(func() (string, error) { return secrets.IMAPPassword(acct) }),
		"jwtSecret":      secrets.Has(secrets.JWTSecret),
	})
}
