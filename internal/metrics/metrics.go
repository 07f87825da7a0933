package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ContactAttempts counts AttemptContact results by outcome kind and reason.
	ContactAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_contact_attempts_total",
		Help: "Contact attempts by outcome and reason",
	}, []string{"outcome", "reason"})

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outreach_breaker_state",
		Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
	}, []string{"dependency"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_breaker_transitions_total",
		Help: "Circuit breaker transitions per dependency",
	}, []string{"dependency", "to"})

	ThrottleDelayedRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outreach_throttle_delayed_ratio",
		Help: "delivery_delayed share of sends in the rolling window",
	})

	ThrottlePauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outreach_throttle_pauses_total",
		Help: "Pause windows recorded by the throttle governor",
	})

	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outreach_emergency_stop_active",
		Help: "1 while the emergency stop is active",
	})

	EmailValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_email_validations_total",
		Help: "Email validity gate results",
	}, []string{"valid"})

	DeliveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_delivery_events_total",
		Help: "Delivery status callbacks by status and whether they matched a send",
	}, []string{"status", "matched"})
)

func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
