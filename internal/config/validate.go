package config

import (
	"fmt"
	"strings"

	"outreach-engine/internal/compliance"
	"outreach-engine/internal/driver"
)

type Validation struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *Validation) addErr(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}
func (v *Validation) addWarn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}
func (v Validation) OK() bool { return len(v.Errors) == 0 }

func trimList(xs []string) []string {
	seen := map[string]bool{}
	var ys []string
	for _, x := range xs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		key := strings.ToLower(x)
		if seen[key] {
			continue
		}
		seen[key] = true
		ys = append(ys, x)
	}
	return ys
}

// NormalizeAndValidate returns a normalized copy of cfg with every problem found.
// Warnings never block a save.
func NormalizeAndValidate(cfg Config) (Config, Validation) {
	var out = cfg
	var res Validation

	out.Compliance.ForbiddenPhrases = trimList(out.Compliance.ForbiddenPhrases)
	out.Compliance.DisclosureQualifiers = trimList(out.Compliance.DisclosureQualifiers)
	out.EmailCheck.InvalidDomains = lowerAll(trimList(out.EmailCheck.InvalidDomains))
	out.EmailCheck.DisposableDomains = lowerAll(trimList(out.EmailCheck.DisposableDomains))
	out.App.LogLevel = strings.ToLower(strings.TrimSpace(out.App.LogLevel))
	out.Outreach.DisclosureFooter = strings.TrimSpace(out.Outreach.DisclosureFooter)
	out.Transport.Endpoint = strings.TrimSpace(out.Transport.Endpoint)

	if out.App.Port <= 0 || out.App.Port > 65535 {
		res.addErr("app.port must be 1..65535")
	}
	switch out.App.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		res.addErr("app.log_level must be one of debug, info, warn, error")
	}

	// outreach
	if out.Outreach.DailyCap < 0 {
		res.addErr("outreach.daily_cap must be >= 0")
	} else if out.Outreach.DailyCap == 0 {
		res.addWarn("outreach.daily_cap is 0; the daily send cap is disabled.")
	}
	if out.Outreach.BatchSize <= 0 {
		res.addErr("outreach.batch_size must be > 0")
	}
	if out.Outreach.Concurrency <= 0 {
		res.addErr("outreach.concurrency must be > 0")
	} else if out.Outreach.BatchSize > 0 && out.Outreach.Concurrency > out.Outreach.BatchSize {
		res.addWarn("outreach.concurrency (%d) exceeds batch_size (%d); extra workers stay idle.", out.Outreach.Concurrency, out.Outreach.BatchSize)
	}
	if out.Outreach.FollowUpHours <= 0 {
		res.addErr("outreach.follow_up_hours must be > 0")
	}
	if out.Outreach.MaxSteps <= 0 {
		res.addErr("outreach.max_steps must be > 0")
	}
	if len(out.Outreach.Templates) == 0 {
		res.addErr("outreach.templates must have at least 1 step")
	} else if _, err := driver.NewTemplateDrafter(out.Outreach.Templates); err != nil {
		res.addErr("outreach.templates: %v", err)
	}
	if len(out.Outreach.Templates) > 0 && out.Outreach.MaxSteps > len(out.Outreach.Templates) {
		res.addWarn("outreach.max_steps (%d) exceeds the %d templates; later steps reuse the last one.", out.Outreach.MaxSteps, len(out.Outreach.Templates))
	}

	// polling sanity
	if out.Polling.DriverSeconds <= 0 {
		res.addErr("polling.driver_seconds must be > 0")
	}
	if out.Polling.ReconcileSeconds <= 0 {
		res.addErr("polling.reconcile_seconds must be > 0")
	}
	if out.Polling.MailboxSeconds <= 0 {
		res.addErr("polling.mailbox_seconds must be > 0")
	} else if out.Polling.MailboxSeconds < 30 {
		res.addWarn("polling.mailbox_seconds is very low (%d) and may trip IMAP rate limits.", out.Polling.MailboxSeconds)
	}

	if out.EmergencyStop.CacheSeconds < 0 {
		res.addErr("emergency_stop.cache_seconds must be >= 0")
	} else if out.EmergencyStop.CacheSeconds > 30 {
		res.addWarn("emergency_stop.cache_seconds is %d; a stop may take that long to reach every worker.", out.EmergencyStop.CacheSeconds)
	}

	// throttle
	if out.Throttle.WindowMinutes <= 0 {
		res.addErr("throttle.window_minutes must be > 0")
	}
	seenPct := map[float64]bool{}
	for i, t := range out.Throttle.Tiers {
		if t.ThresholdPct < 0 || t.ThresholdPct >= 100 {
			res.addErr("throttle.tiers[%d].threshold_pct must be 0..99", i)
		}
		if t.PauseMinutes <= 0 {
			res.addErr("throttle.tiers[%d].pause_minutes must be > 0", i)
		}
		if seenPct[t.ThresholdPct] {
			res.addErr("throttle.tiers[%d].threshold_pct %.1f is duplicated", i, t.ThresholdPct)
		}
		seenPct[t.ThresholdPct] = true
	}

	// compliance: patterns must compile and the footer must satisfy the rules it is checked against
	checker, err := compliance.New(out.Compliance)
	if err != nil {
		res.addErr("compliance: %v", err)
	} else if out.Outreach.DisclosureFooter == "" {
		res.addWarn("outreach.disclosure_footer is empty; every draft must disclose on its own.")
	} else if r := checker.Check(out.Outreach.DisclosureFooter); !r.Passed {
		for _, v := range r.Violations {
			res.addErr("outreach.disclosure_footer: %s", v)
		}
	}

	if out.EmailCheck.TimeoutSeconds <= 0 {
		res.addErr("email_check.timeout_seconds must be > 0")
	}
	if out.EmailCheck.BatchDelayMs < 0 {
		res.addErr("email_check.batch_delay_ms must be >= 0")
	}
	dispos := map[string]bool{}
	for _, d := range out.EmailCheck.DisposableDomains {
		dispos[d] = true
	}
	for _, d := range out.EmailCheck.InvalidDomains {
		if dispos[d] {
			res.addWarn("domain appears in both invalid_domains and disposable_domains: %q", d)
		}
	}

	if out.Breaker.FailureThreshold <= 0 {
		res.addErr("breaker.failure_threshold must be > 0")
	}
	if out.Breaker.SuccessThreshold <= 0 {
		res.addErr("breaker.success_threshold must be > 0")
	}
	if out.Breaker.TimeoutSeconds <= 0 {
		res.addErr("breaker.timeout_seconds must be > 0")
	}
	if out.Breaker.MonitoringSeconds <= 0 {
		res.addErr("breaker.monitoring_seconds must be > 0")
	}

	if out.Transport.Endpoint == "" {
		res.addWarn("transport.endpoint is empty; every send will fail.")
	} else if !strings.HasPrefix(out.Transport.Endpoint, "https://") && !strings.HasPrefix(out.Transport.Endpoint, "http://") {
		res.addErr("transport.endpoint must be an http(s) URL")
	}
	if strings.TrimSpace(out.Transport.From) == "" {
		res.addErr("transport.from is required")
	}
	if out.Transport.TimeoutSeconds <= 0 {
		res.addErr("transport.timeout_seconds must be > 0")
	}

	// mailbox required fields if enabled (password lives in the keychain)
	if out.Mailbox.Enabled {
		if strings.TrimSpace(out.Mailbox.IMAPHost) == "" {
			res.addErr("mailbox.imap_host is required when mailbox.enabled=true")
		}
		if out.Mailbox.IMAPPort <= 0 || out.Mailbox.IMAPPort > 65535 {
			res.addErr("mailbox.imap_port must be 1..65535 when mailbox.enabled=true")
		}
		if strings.TrimSpace(out.Mailbox.Username) == "" {
			res.addErr("mailbox.username is required when mailbox.enabled=true")
		}
		if strings.TrimSpace(out.Mailbox.Mailbox) == "" {
			res.addErr("mailbox.mailbox is required when mailbox.enabled=true")
		}
	} else {
		res.addWarn("mailbox is disabled; bounces and replies only arrive through the delivery webhook.")
	}

	return out, res
}

func lowerAll(xs []string) []string {
	for i := range xs {
		xs[i] = strings.ToLower(xs[i])
	}
	return xs
}
