// Package config loads operator console configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings. Every field is environment-driven;
// optional backends (NAT device, CPE manager) are enabled only when
// their settings are present.
type Config struct {
	// Chat transport
	TelegramToken         string `env:"OPSBOT_TELEGRAM_TOKEN"`
	TelegramWebhookSecret string `env:"OPSBOT_TELEGRAM_WEBHOOK_SECRET"`
	TelegramAPIBase       string `env:"OPSBOT_TELEGRAM_API_BASE" envDefault:"https://api.telegram.org"`

	// Billing API
	BillingURL      string `env:"OPSBOT_BILLING_URL"`
	BillingUsername string `env:"OPSBOT_BILLING_USERNAME"`
	BillingPassword string `env:"OPSBOT_BILLING_PASSWORD"`
	RechargeUsing   string `env:"OPSBOT_RECHARGE_USING" envDefault:"cash"`
	ActivateUsing   string `env:"OPSBOT_ACTIVATE_USING" envDefault:"zero"`

	// CPE manager (optional)
	CPEBaseURL  string `env:"OPSBOT_CPE_URL"`
	CPEUsername string `env:"OPSBOT_CPE_USERNAME"`
	CPEPassword string `env:"OPSBOT_CPE_PASSWORD"`

	// NAT device (optional)
	NATHost        string `env:"OPSBOT_NAT_HOST"`
	NATPort        int    `env:"OPSBOT_NAT_PORT" envDefault:"8728"`
	NATUsername    string `env:"OPSBOT_NAT_USERNAME"`
	NATPassword    string `env:"OPSBOT_NAT_PASSWORD"`
	NATPublicIP    string `env:"OPSBOT_NAT_PUBLIC_IP"`
	NATPublicPort  int    `env:"OPSBOT_NAT_PUBLIC_PORT"`
	NATDevicePort  int    `env:"OPSBOT_NAT_DEVICE_PORT" envDefault:"80"`
	NATRuleComment string `env:"OPSBOT_NAT_RULE_COMMENT" envDefault:"opsbot-remote-onu"`

	// Authorization and admission
	AllowedCallers  []int64       `env:"OPSBOT_ALLOWED_CALLERS" envSeparator:","`
	RateLimitMax    int           `env:"OPSBOT_RATE_LIMIT_MAX" envDefault:"20"`
	RateLimitWindow time.Duration `env:"OPSBOT_RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Caching
	CustomerCacheTTL time.Duration `env:"OPSBOT_CUSTOMER_CACHE_TTL" envDefault:"60s"`
	ListCacheTTL     time.Duration `env:"OPSBOT_LIST_CACHE_TTL" envDefault:"30s"`
	DeviceCacheTTL   time.Duration `env:"OPSBOT_DEVICE_CACHE_TTL" envDefault:"300s"`
	CacheMaxEntries  int           `env:"OPSBOT_CACHE_MAX_ENTRIES" envDefault:"4096"`

	// Retry and deadlines
	RetryAttempts   int           `env:"OPSBOT_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff    time.Duration `env:"OPSBOT_RETRY_BACKOFF" envDefault:"200ms"`
	RetryMaxBackoff time.Duration `env:"OPSBOT_RETRY_MAX_BACKOFF" envDefault:"1s"`
	BackendTimeout  time.Duration `env:"OPSBOT_BACKEND_TIMEOUT" envDefault:"10s"`
	CommandDeadline time.Duration `env:"OPSBOT_COMMAND_DEADLINE" envDefault:"30s"`

	// Audit
	AuditDBPath string `env:"OPSBOT_AUDIT_DB" envDefault:"opsbot-audit.db"`
	AuditReads  bool   `env:"OPSBOT_AUDIT_READS" envDefault:"false"`

	// Servers
	ListenAddr  string `env:"OPSBOT_LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"OPSBOT_METRICS_ADDR" envDefault:":9090"`

	// Logging
	LogLevel string `env:"OPSBOT_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required settings are present.
func (c *Config) Validate() error {
	switch {
	case c.TelegramToken == "":
		return fmt.Errorf("OPSBOT_TELEGRAM_TOKEN is required")
	case c.BillingURL == "":
		return fmt.Errorf("OPSBOT_BILLING_URL is required")
	case c.BillingUsername == "":
		return fmt.Errorf("OPSBOT_BILLING_USERNAME is required")
	case c.BillingPassword == "":
		return fmt.Errorf("OPSBOT_BILLING_PASSWORD is required")
	case c.RateLimitMax <= 0:
		return fmt.Errorf("OPSBOT_RATE_LIMIT_MAX must be positive")
	case c.RateLimitWindow <= 0:
		return fmt.Errorf("OPSBOT_RATE_LIMIT_WINDOW must be positive")
	case c.RetryAttempts <= 0:
		return fmt.Errorf("OPSBOT_RETRY_ATTEMPTS must be positive")
	}
	return nil
}

// CPEEnabled reports whether the CPE manager backend is configured.
func (c *Config) CPEEnabled() bool {
	return c.CPEBaseURL != ""
}

// NATEnabled reports whether the remote-device NAT feature is fully
// configured. All of host, public IP, public port and rule comment are
// needed to build a forwarding rule.
func (c *Config) NATEnabled() bool {
	return c.NATHost != "" && c.NATPublicIP != "" && c.NATPublicPort > 0 && c.NATRuleComment != ""
}
