package config

import (
	"strconv"
	"time"

	"outreach-engine/internal/breaker"
	"outreach-engine/internal/driver"
	"outreach-engine/internal/emailcheck"
	"outreach-engine/internal/killswitch"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/throttle"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c Config) OutreachOptions() outreach.Options {
	return outreach.Options{
		GoldenWindow:     c.Outreach.GoldenWindow,
		DailyCap:         c.Outreach.DailyCap,
		DisclosureFooter: c.Outreach.DisclosureFooter,
	}
}

func (c Config) DriverOptions() driver.Options {
	return driver.Options{
		BatchSize:     c.Outreach.BatchSize,
		Concurrency:   c.Outreach.Concurrency,
		FollowUpAfter: time.Duration(c.Outreach.FollowUpHours) * time.Hour,
		MaxSteps:      c.Outreach.MaxSteps,
	}
}

func (c Config) ThrottleOptions() throttle.Options {
	return throttle.Options{
		Tiers:  c.Throttle.Tiers,
		Window: time.Duration(c.Throttle.WindowMinutes) * time.Minute,
	}
}

// KillswitchOptions pins the override to the value loaded at startup.
func (c Config) KillswitchOptions() killswitch.Options {
	override := c.EmergencyStop.Override
	return killswitch.Options{
		TTL:      seconds(c.EmergencyStop.CacheSeconds),
		Override: func() bool { return override },
	}
}

// BreakerOptions leaves OnStateChange to the caller.
func (c Config) BreakerOptions() breaker.Options {
	return breaker.Options{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Timeout:          seconds(c.Breaker.TimeoutSeconds),
		MonitoringPeriod: seconds(c.Breaker.MonitoringSeconds),
		CallTimeout:      seconds(c.Breaker.CallTimeoutSeconds),
	}
}

// EmailCheckOptions keeps the built-in placeholder rules; nil lists fall
// back to defaults in emailcheck.New.
func (c Config) EmailCheckOptions() emailcheck.Options {
	return emailcheck.Options{
		Timeout:           seconds(c.EmailCheck.TimeoutSeconds),
		InvalidDomains:    c.EmailCheck.InvalidDomains,
		DisposableDomains: c.EmailCheck.DisposableDomains,
	}
}

func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.EmailCheck.BatchDelayMs) * time.Millisecond
}

func (c Config) IMAPAddr() string {
	port := c.Mailbox.IMAPPort
	if port == 0 {
		port = 993
	}
	return c.Mailbox.IMAPHost + ":" + strconv.Itoa(port)
}
