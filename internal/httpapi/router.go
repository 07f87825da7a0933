package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every endpoint. Mutating operator routes require a bearer
// token; reads and provider callbacks do not.
func NewRouter(d Deps) chi.Router {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	log := d.Log.With("component", "httpapi")
	d.Log = log

	r := chi.NewRouter()
	r.Use(RequestID, Recover(log), AccessLog(log), Cors)

	hh := HealthHandler{Store: d.Store, Stop: d.Stop, Breakers: d.Breakers, Hub: d.Hub}
	r.Get("/health", hh.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	lh := LeadsHandler{Store: d.Store, Engine: d.Engine, Admit: d.Admit}
	sh := SafetyHandler{Stop: d.Stop, Governor: d.Governor, Emails: d.Emails, Content: d.Content, Hub: d.Hub}
	ch := ConfigHandler{CfgVal: d.CfgVal, UserCfgPath: d.UserCfgPath, LoadCfg: d.LoadCfg}
	dh := DriverHandler{Driver: d.Driver, Log: log}
	sec := SecretsHandler{CfgVal: d.CfgVal}
	eh := EventsHandler{Hub: d.Hub}

	r.Get("/leads/{id}", lh.Get)
	r.Get("/throttle", sh.Throttle)
	r.Get("/emergency-stop", sh.GetEmergencyStop)
	r.Post("/validate-email", sh.ValidateEmail)
	r.Post("/compliance/check", sh.CheckCompliance)
	r.Get("/driver/status", dh.Status)
	r.Get("/events", eh.ServeSSE)
	r.Post("/webhooks/delivery", WebhookHandler{Ingester: d.Delivery}.Delivery)
	r.Post("/db/checkpoint", DBHandler{Store: d.Store}.Checkpoint)

	r.Group(func(op chi.Router) {
		op.Use(d.RequireOperator)

		op.Post("/leads", lh.Create)
		op.Post("/leads/{id}/contact", lh.Contact)
		op.Post("/leads/{id}/transition", lh.Transition)
		op.Post("/leads/{id}/reenrich", lh.Reenrich)

		op.Put("/emergency-stop", sh.PutEmergencyStop)
		op.Post("/throttle/pause", sh.Pause)
		op.Post("/driver/run", dh.Run)

		op.Get("/config", ch.Get)
		op.Put("/config", ch.Put)
		op.Get("/config/path", ch.Path)
		op.Get("/config/validate", ch.Validate)

		op.Get("/secrets", sec.Status)
		op.Post("/secrets/imap", sec.SetIMAPPassword)
		op.Post("/secrets/provider", sec.SetProviderKey)
	})

	return r
}
