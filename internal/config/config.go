package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"outreach-engine/internal/compliance"
	"outreach-engine/internal/driver"
	"outreach-engine/internal/throttle"
)

type Config struct {
	App struct {
		Port     int    `yaml:"port" json:"port"`
		DataDir  string `yaml:"data_dir" json:"dataDir"`
		LogLevel string `yaml:"log_level" json:"logLevel"`
	} `yaml:"app" json:"app"`

	Outreach struct {
		GoldenWindow     bool                  `yaml:"golden_window" json:"goldenWindow"`
		DailyCap         int                   `yaml:"daily_cap" json:"dailyCap"`
		DisclosureFooter string                `yaml:"disclosure_footer" json:"disclosureFooter"`
		BatchSize        int                   `yaml:"batch_size" json:"batchSize"`
		Concurrency      int                   `yaml:"concurrency" json:"concurrency"`
		FollowUpHours    int                   `yaml:"follow_up_hours" json:"followUpHours"`
		MaxSteps         int                   `yaml:"max_steps" json:"maxSteps"`
		Templates        []driver.StepTemplate `yaml:"templates" json:"templates"`
	} `yaml:"outreach" json:"outreach"`

	Polling struct {
		DriverSeconds    int `yaml:"driver_seconds" json:"driverSeconds"`
		ReconcileSeconds int `yaml:"reconcile_seconds" json:"reconcileSeconds"`
		MailboxSeconds   int `yaml:"mailbox_seconds" json:"mailboxSeconds"`
	} `yaml:"polling" json:"polling"`

	EmergencyStop struct {
		// Override answers when the settings row is missing or unreadable.
		Override     bool `yaml:"override" json:"override"`
		CacheSeconds int  `yaml:"cache_seconds" json:"cacheSeconds"`
	} `yaml:"emergency_stop" json:"emergencyStop"`

	Throttle struct {
		WindowMinutes int             `yaml:"window_minutes" json:"windowMinutes"`
		Tiers         []throttle.Tier `yaml:"tiers" json:"tiers"`
	} `yaml:"throttle" json:"throttle"`

	Compliance compliance.Rules `yaml:"compliance" json:"compliance"`

	EmailCheck struct {
		TimeoutSeconds    int      `yaml:"timeout_seconds" json:"timeoutSeconds"`
		BatchDelayMs      int      `yaml:"batch_delay_ms" json:"batchDelayMs"`
		InvalidDomains    []string `yaml:"invalid_domains" json:"invalidDomains"`
		DisposableDomains []string `yaml:"disposable_domains" json:"disposableDomains"`
	} `yaml:"email_check" json:"emailCheck"`

	Breaker struct {
		FailureThreshold   int `yaml:"failure_threshold" json:"failureThreshold"`
		SuccessThreshold   int `yaml:"success_threshold" json:"successThreshold"`
		TimeoutSeconds     int `yaml:"timeout_seconds" json:"timeoutSeconds"`
		MonitoringSeconds  int `yaml:"monitoring_seconds" json:"monitoringSeconds"`
		CallTimeoutSeconds int `yaml:"call_timeout_seconds" json:"callTimeoutSeconds"`
	} `yaml:"breaker" json:"breaker"`

	Transport struct {
		Endpoint       string `yaml:"endpoint" json:"endpoint"`
		From           string `yaml:"from" json:"from"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeoutSeconds"`
	} `yaml:"transport" json:"transport"`

	Mailbox struct {
		Enabled      bool   `yaml:"enabled" json:"enabled"`
		IMAPHost     string `yaml:"imap_host" json:"imapHost"`
		IMAPPort     int    `yaml:"imap_port" json:"imapPort"`
		Username     string `yaml:"username" json:"username"`
		Mailbox      string `yaml:"mailbox" json:"mailbox"`
		MaxMessages  int    `yaml:"max_messages" json:"maxMessages"`
		LookbackDays int    `yaml:"lookback_days" json:"lookbackDays"`
	} `yaml:"mailbox" json:"mailbox"`

	Auth struct {
		// Issuer, when set, must match the iss claim of operator tokens.
		Issuer string `yaml:"issuer" json:"issuer"`
	} `yaml:"auth" json:"auth"`
}

func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(b, &cfg)
	return cfg, err
}
