package config

import (
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "OUTREACH"

type envBinding struct {
	key   string
	apply func(v *viper.Viper, cfg *Config)
}

// Keys that may be overridden from the environment, e.g.
// emergency_stop.override <- OUTREACH_EMERGENCY_STOP_OVERRIDE.
var envBindings = []envBinding{
	{"app.port", func(v *viper.Viper, c *Config) { c.App.Port = v.GetInt("app.port") }},
	{"app.data_dir", func(v *viper.Viper, c *Config) { c.App.DataDir = v.GetString("app.data_dir") }},
	{"app.log_level", func(v *viper.Viper, c *Config) { c.App.LogLevel = v.GetString("app.log_level") }},
	{"outreach.golden_window", func(v *viper.Viper, c *Config) { c.Outreach.GoldenWindow = v.GetBool("outreach.golden_window") }},
	{"outreach.daily_cap", func(v *viper.Viper, c *Config) { c.Outreach.DailyCap = v.GetInt("outreach.daily_cap") }},
	{"emergency_stop.override", func(v *viper.Viper, c *Config) { c.EmergencyStop.Override = v.GetBool("emergency_stop.override") }},
	{"transport.endpoint", func(v *viper.Viper, c *Config) { c.Transport.Endpoint = v.GetString("transport.endpoint") }},
	{"transport.from", func(v *viper.Viper, c *Config) { c.Transport.From = v.GetString("transport.from") }},
	{"mailbox.enabled", func(v *viper.Viper, c *Config) { c.Mailbox.Enabled = v.GetBool("mailbox.enabled") }},
	{"mailbox.imap_host", func(v *viper.Viper, c *Config) { c.Mailbox.IMAPHost = v.GetString("mailbox.imap_host") }},
	{"mailbox.username", func(v *viper.Viper, c *Config) { c.Mailbox.Username = v.GetString("mailbox.username") }},
	{"auth.issuer", func(v *viper.Viper, c *Config) { c.Auth.Issuer = v.GetString("auth.issuer") }},
}

// ApplyEnv overlays OUTREACH_* environment variables onto cfg and returns the
// keys it changed. The file on disk is left untouched.
func ApplyEnv(cfg *Config) []string {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var applied []string
	for _, b := range envBindings {
		_ = v.BindEnv(b.key)
		if !v.IsSet(b.key) {
			continue
		}
		b.apply(v, cfg)
		applied = append(applied, b.key)
	}
	return applied
}

// EnvName is the variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
