package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"outreach-engine/internal/breaker"
	"outreach-engine/internal/compliance"
	"outreach-engine/internal/config"
	"outreach-engine/internal/delivery"
	"outreach-engine/internal/driver"
	"outreach-engine/internal/emailcheck"
	"outreach-engine/internal/events"
	"outreach-engine/internal/killswitch"
	"outreach-engine/internal/metrics"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/secrets"
	"outreach-engine/internal/sourcing"
	"outreach-engine/internal/store"
	"outreach-engine/internal/throttle"
	"outreach-engine/internal/transport"
)

// app is the fully wired component graph shared by every command.
type app struct {
	dataDir string
	cfgPath string
	cfgVal  *atomic.Value // stores config.Config
	log     *slog.Logger

	db       *store.DB
	hub      *events.Hub
	emails   *emailcheck.Validator
	stop     *killswitch.Switch
	gov      *throttle.Governor
	content  *compliance.Checker
	cb       *breaker.Breaker
	engine   *outreach.Engine
	runner   *driver.Runner
	ingester *delivery.Ingester
	admit    *sourcing.Admitter
}

func (a *app) config() config.Config { return a.cfgVal.Load().(config.Config) }

func (a *app) Close() error { return a.db.Close() }

// loadConfig reads the user config and applies the OUTREACH_* overlay.
func loadConfig(path string, log *slog.Logger) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if keys := config.ApplyEnv(&cfg); len(keys) > 0 && log != nil {
		log.Info("config overridden from environment", "keys", strings.Join(keys, ","))
	}
	cfg, vr := config.NormalizeAndValidate(cfg)
	for _, w := range vr.Warnings {
		if log != nil {
			log.Warn("config", "warning", w)
		}
	}
	if !vr.OK() {
		return config.Config{}, fmt.Errorf("invalid config %s: %w", path, errors.Join(toErrs(vr.Errors)...))
	}
	return cfg, nil
}

func toErrs(msgs []string) []error {
	out := make([]error, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, errors.New(m))
	}
	return out
}

// loadUserConfig bootstraps the data directory and returns the config path,
// the effective config and a logger at the configured level.
func loadUserConfig() (string, string, config.Config, *slog.Logger, error) {
	dataDir := viper.GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", "", config.Config{}, nil, err
	}

	cfgPath, err := config.EnsureUserConfig(dataDir, viper.GetString("default-config"))
	if err != nil {
		return "", "", config.Config{}, nil, fmt.Errorf("config bootstrap failed: %w", err)
	}

	boot := newLogger(viper.GetString("log-level"))
	cfg, err := loadConfig(cfgPath, boot)
	if err != nil {
		return "", "", config.Config{}, nil, err
	}
	level := cfg.App.LogLevel
	if viper.IsSet("log-level") {
		level = viper.GetString("log-level")
	}
	log := newLogger(level)
	slog.SetDefault(log)
	return dataDir, cfgPath, cfg, log, nil
}

func openApp(ctx context.Context) (*app, error) {
	dataDir, cfgPath, cfg, log, err := loadUserConfig()
	if err != nil {
		return nil, err
	}

	var cfgVal atomic.Value
	cfgVal.Store(cfg)

	db, err := store.Open(filepath.Join(dataDir, "outreach.db"))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{
		dataDir: dataDir,
		cfgPath: cfgPath,
		cfgVal:  &cfgVal,
		log:     log,
		db:      db,
		hub:     events.NewHub(),
	}
	if err := a.wire(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("engine ready", "data_dir", dataDir, "config", cfgPath)
	return a, nil
}

func (a *app) wire(cfg config.Config) error {
	var err error
	if a.emails, err = emailcheck.New(nil, cfg.EmailCheckOptions(), a.log); err != nil {
		return fmt.Errorf("email check: %w", err)
	}
	if a.content, err = compliance.New(cfg.Compliance); err != nil {
		return fmt.Errorf("compliance: %w", err)
	}
	a.stop = killswitch.New(a.db, cfg.KillswitchOptions(), a.log)
	a.gov = throttle.New(a.db, cfg.ThrottleOptions(), a.log)

	bopts := cfg.BreakerOptions()
	bopts.OnStateChange = func(name string, from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		a.log.Warn("circuit state changed", "dependency", name, "from", from.String(), "to", to.String())
	}
	a.cb = breaker.New("transport", bopts)
	metrics.BreakerState.WithLabelValues("transport").Set(float64(breaker.Closed))

	sender := transport.NewBreakerSender(&transport.HTTPSender{
		Endpoint: cfg.Transport.Endpoint,
		From:     cfg.Transport.From,
		APIKey:   secrets.ProviderAPIKey,
		Client:   &http.Client{Timeout: seconds(cfg.Transport.TimeoutSeconds)},
	}, a.cb)

	a.engine = outreach.New(outreach.Deps{
		Store:    a.db,
		Stop:     a.stop,
		Governor: a.gov,
		Emails:   a.emails,
		Content:  a.content,
		Sender:   sender,
		Events:   a.hub,
		Log:      a.log,
	}, cfg.OutreachOptions())

	drafter, err := driver.NewTemplateDrafter(cfg.Outreach.Templates)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	drv := driver.New(driver.Deps{
		Leads:    a.db,
		Engine:   a.engine,
		Drafter:  drafter,
		Stop:     a.stop,
		Governor: a.gov,
		Log:      a.log,
	}, cfg.DriverOptions())
	a.runner = driver.NewRunner(drv, a.hub)
	a.runner.LockPath = filepath.Join(a.dataDir, "driver.lock")

	a.ingester = delivery.NewIngester(a.db, a.engine, a.hub, a.log)
	a.admit = sourcing.NewAdmitter(a.db, a.emails, cfg.BatchDelay(), a.log)
	return nil
}

// mailboxPoller is nil when the mailbox is disabled.
func (a *app) mailboxPoller() *delivery.MailboxPoller {
	cfg := a.config()
	if !cfg.Mailbox.Enabled {
		return nil
	}
	acct := secrets.IMAPAccount(cfg.Mailbox.Username, cfg.Mailbox.IMAPHost)
	return delivery.NewMailboxPoller(delivery.MailboxConfig{
		Addr:        cfg.IMAPAddr(),
		Username:    cfg.Mailbox.Username,
		Mailbox:     cfg.Mailbox.Mailbox,
		Password:    func() (string, error) { return secrets.IMAPPassword(acct) },
		MaxMessages: cfg.Mailbox.MaxMessages,
		Lookback:    days(cfg.Mailbox.LookbackDays),
	}, a.ingester, a.log)
}
