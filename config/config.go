// Package config loads the reconciler settings from the environment.
// Every variable is prefixed with RECONCILER_, e.g. RECONCILER_DB_PATH.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const Prefix = "RECONCILER"

// Config holds runtime configuration.
type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogOutput string `envconfig:"LOG_OUTPUT" default:"stdout"`

	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	DBPath    string `envconfig:"DB_PATH" default:"./data/reconciler.db"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RedisPass string `envconfig:"REDIS_PASSWORD"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`
	RedisKey  string `envconfig:"REDIS_KEY" default:"pedidos"`

	CarteraCSV     string `envconfig:"CARTERA_CSV"`
	StatementsDir  string `envconfig:"STATEMENTS_DIR" default:"./data/statements"`
	ReferencesFile string `envconfig:"REFERENCES_FILE"`
	ReportsDir     string `envconfig:"REPORTS_DIR" default:"./reportes"`

	MinPaidFraction   string `envconfig:"MIN_PAID_FRACTION" default:"0.9"`
	MaxTolerance      string `envconfig:"MAX_TOLERANCE" default:"300"`
	GracePeriodDays   int    `envconfig:"GRACE_PERIOD_DAYS" default:"10"`
	MaxInvoiceAgeDays int    `envconfig:"MAX_INVOICE_AGE_DAYS" default:"90"`
	IsolateFailures   bool   `envconfig:"ISOLATE_FAILURES" default:"true"`

	SchedulerEnabled  bool          `envconfig:"SCHEDULER_ENABLED" default:"false"`
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"1h"`

	SavingsAccounts  []string `envconfig:"SAVINGS_ACCOUNTS" default:"11200501,130505"`
	CheckingAccounts []string `envconfig:"CHECKING_ACCOUNTS" default:"11100501,130505"`
}

// Load reads the configuration and checks the allocation options.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.Policy(); err != nil {
		return nil, err
	}
	if cfg.SchedulerEnabled && cfg.SchedulerInterval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %s", cfg.SchedulerInterval)
	}
	return &cfg, nil
}

// Policy converts the allocation options into a validated policy.
func (c *Config) Policy() (credit.Policy, error) {
	fraction, err := decimal.NewFromString(strings.TrimSpace(c.MinPaidFraction))
	if err != nil {
		return credit.Policy{}, fmt.Errorf("%w: MIN_PAID_FRACTION %q", credit.ErrInvalidPolicy, c.MinPaidFraction)
	}
	tolerance, err := decimal.NewFromString(strings.TrimSpace(c.MaxTolerance))
	if err != nil {
		return credit.Policy{}, fmt.Errorf("%w: MAX_TOLERANCE %q", credit.ErrInvalidPolicy, c.MaxTolerance)
	}
	p := credit.Policy{
		MinimumPaidFraction:   fraction,
		MaximumTolerance:      tolerance,
		GracePeriodDays:       c.GracePeriodDays,
		MaximumInvoiceAgeDays: c.MaxInvoiceAgeDays,
	}
	if err := p.Validate(); err != nil {
		return credit.Policy{}, err
	}
	return p, nil
}

func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat, Output: c.LogOutput}
}

// LedgerAccounts returns the ledger accounts posted per bank account type.
func (c *Config) LedgerAccounts() map[credit.AccountType][]string {
	return map[credit.AccountType][]string{
		credit.AccountSavings:  trimAll(c.SavingsAccounts),
		credit.AccountChecking: trimAll(c.CheckingAccounts),
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
